package voxel

import (
	"fmt"
	"sort"
)

// Shape describes the grid dimensions of a 3D volume.
type Shape struct {
	X int
	Y int
	Z int
}

// NumVoxels returns the total voxel count of the grid.
func (s Shape) NumVoxels() int {
	return s.X * s.Y * s.Z
}

// Equal reports whether two grids have identical dimensions.
func (s Shape) Equal(o Shape) bool {
	return s.X == o.X && s.Y == o.Y && s.Z == o.Z
}

// Index returns the flat offset of (x, y, z). Data is laid out with x
// varying fastest, then y, then z.
func (s Shape) Index(x, y, z int) int {
	return z*s.X*s.Y + y*s.X + x
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.X, s.Y, s.Z)
}

// Box is an inclusive axis-aligned bounding box in voxel coordinates.
type Box struct {
	Min [3]int
	Max [3]int
}

// Size returns the box extents along each axis.
func (b Box) Size() [3]int {
	return [3]int{b.Max[0] - b.Min[0] + 1, b.Max[1] - b.Min[1] + 1, b.Max[2] - b.Min[2] + 1}
}

// Contains reports whether (x, y, z) lies inside the box.
func (b Box) Contains(x, y, z int) bool {
	return x >= b.Min[0] && x <= b.Max[0] &&
		y >= b.Min[1] && y <= b.Max[1] &&
		z >= b.Min[2] && z <= b.Max[2]
}

// Volume is a 3D scalar grid stored as a flat float32 slice.
// VoxelSize holds the physical grid spacing in millimeters.
type Volume struct {
	Shape     Shape
	Data      []float32
	VoxelSize [3]float64
}

// NewVolume allocates a zero-filled volume of the given shape.
func NewVolume(shape Shape) *Volume {
	return &Volume{
		Shape:     shape,
		Data:      make([]float32, shape.NumVoxels()),
		VoxelSize: [3]float64{1, 1, 1},
	}
}

// At returns the value at (x, y, z).
func (v *Volume) At(x, y, z int) float32 {
	return v.Data[v.Shape.Index(x, y, z)]
}

// Set stores val at (x, y, z).
func (v *Volume) Set(x, y, z int, val float32) {
	v.Data[v.Shape.Index(x, y, z)] = val
}

// VoxelVolumeMM3 returns the physical volume of one voxel in cubic mm.
func (v *Volume) VoxelVolumeMM3() float64 {
	return v.VoxelSize[0] * v.VoxelSize[1] * v.VoxelSize[2]
}

// FlipX reflects the volume across the left-right anatomical axis,
// returning a new volume with identical metadata.
func (v *Volume) FlipX() *Volume {
	out := NewVolume(v.Shape)
	out.VoxelSize = v.VoxelSize
	for z := 0; z < v.Shape.Z; z++ {
		for y := 0; y < v.Shape.Y; y++ {
			for x := 0; x < v.Shape.X; x++ {
				out.Data[v.Shape.Index(v.Shape.X-1-x, y, z)] = v.Data[v.Shape.Index(x, y, z)]
			}
		}
	}
	return out
}

// Crop extracts the sub-volume covered by box.
func (v *Volume) Crop(b Box) *Volume {
	size := b.Size()
	out := NewVolume(Shape{X: size[0], Y: size[1], Z: size[2]})
	out.VoxelSize = v.VoxelSize
	for z := 0; z < size[2]; z++ {
		for y := 0; y < size[1]; y++ {
			for x := 0; x < size[0]; x++ {
				out.Set(x, y, z, v.At(b.Min[0]+x, b.Min[1]+y, b.Min[2]+z))
			}
		}
	}
	return out
}

// LabelVolume is a 3D integer-labeled grid: 0 is background, each
// positive label identifies one region.
type LabelVolume struct {
	Shape     Shape
	Data      []int32
	VoxelSize [3]float64
}

// NewLabelVolume allocates a zero-filled label volume of the given shape.
func NewLabelVolume(shape Shape) *LabelVolume {
	return &LabelVolume{
		Shape:     shape,
		Data:      make([]int32, shape.NumVoxels()),
		VoxelSize: [3]float64{1, 1, 1},
	}
}

// At returns the label at (x, y, z).
func (l *LabelVolume) At(x, y, z int) int32 {
	return l.Data[l.Shape.Index(x, y, z)]
}

// Set stores label at (x, y, z).
func (l *LabelVolume) Set(x, y, z int, label int32) {
	l.Data[l.Shape.Index(x, y, z)] = label
}

// VoxelVolumeMM3 returns the physical volume of one voxel in cubic mm.
func (l *LabelVolume) VoxelVolumeMM3() float64 {
	return l.VoxelSize[0] * l.VoxelSize[1] * l.VoxelSize[2]
}

// MaxLabel returns the highest label value present.
func (l *LabelVolume) MaxLabel() int32 {
	var max int32
	for _, v := range l.Data {
		if v > max {
			max = v
		}
	}
	return max
}

// Labels returns the sorted set of positive labels present.
func (l *LabelVolume) Labels() []int32 {
	seen := make(map[int32]struct{})
	for _, v := range l.Data {
		if v > 0 {
			seen[v] = struct{}{}
		}
	}
	out := make([]int32, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Counts returns the voxel count per positive label.
func (l *LabelVolume) Counts() map[int32]int {
	counts := make(map[int32]int)
	for _, v := range l.Data {
		if v > 0 {
			counts[v]++
		}
	}
	return counts
}

// BoundingBoxes returns the inclusive bounding box of every positive
// label. A label's box contains all of its voxels.
func (l *LabelVolume) BoundingBoxes() map[int32]Box {
	boxes := make(map[int32]Box)
	for z := 0; z < l.Shape.Z; z++ {
		for y := 0; y < l.Shape.Y; y++ {
			for x := 0; x < l.Shape.X; x++ {
				label := l.At(x, y, z)
				if label <= 0 {
					continue
				}
				b, ok := boxes[label]
				if !ok {
					boxes[label] = Box{Min: [3]int{x, y, z}, Max: [3]int{x, y, z}}
					continue
				}
				if x < b.Min[0] {
					b.Min[0] = x
				}
				if y < b.Min[1] {
					b.Min[1] = y
				}
				if z < b.Min[2] {
					b.Min[2] = z
				}
				if x > b.Max[0] {
					b.Max[0] = x
				}
				if y > b.Max[1] {
					b.Max[1] = y
				}
				if z > b.Max[2] {
					b.Max[2] = z
				}
				boxes[label] = b
			}
		}
	}
	return boxes
}

// FlipX reflects the label volume across the left-right anatomical axis.
func (l *LabelVolume) FlipX() *LabelVolume {
	out := NewLabelVolume(l.Shape)
	out.VoxelSize = l.VoxelSize
	for z := 0; z < l.Shape.Z; z++ {
		for y := 0; y < l.Shape.Y; y++ {
			for x := 0; x < l.Shape.X; x++ {
				out.Data[l.Shape.Index(l.Shape.X-1-x, y, z)] = l.Data[l.Shape.Index(x, y, z)]
			}
		}
	}
	return out
}

// Crop extracts the sub-volume covered by box.
func (l *LabelVolume) Crop(b Box) *LabelVolume {
	size := b.Size()
	out := NewLabelVolume(Shape{X: size[0], Y: size[1], Z: size[2]})
	out.VoxelSize = l.VoxelSize
	for z := 0; z < size[2]; z++ {
		for y := 0; y < size[1]; y++ {
			for x := 0; x < size[0]; x++ {
				out.Set(x, y, z, l.At(b.Min[0]+x, b.Min[1]+y, b.Min[2]+z))
			}
		}
	}
	return out
}
