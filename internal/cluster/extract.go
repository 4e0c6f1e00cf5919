package cluster

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/mkmik/argsort"

	"brainmap/internal/voxel"
)

// ErrNoClusters is returned by Extract when the cutoff leaves no
// cluster of the required size. An empty cluster map is a legitimate
// result; the error lets callers distinguish it without inspecting the
// index volume.
var ErrNoClusters = errors.New("cluster: no clusters survive threshold")

// ThresholdParams records the thresholding that produced a cluster
// index, written as a JSON sidecar next to the index volume.
type ThresholdParams struct {
	Q               float64 `json:"q"`
	OneMinusPCutoff float64 `json:"one_minus_p_cutoff"`
	MinClusterSize  int     `json:"min_cluster_size"`
}

// ClusterInfo summarizes one extracted cluster.
type ClusterInfo struct {
	Label      int32   `json:"label"`
	VoxelCount int     `json:"voxel_count"`
	Sign       int     `json:"sign"`
	MeanDiff   float64 `json:"mean_diff"`
}

// Extraction is the result of Extract: the labeled index volume plus
// the parameters and per-cluster metadata that describe it.
type Extraction struct {
	Index    *voxel.LabelVolume
	Params   ThresholdParams
	Clusters []ClusterInfo
}

// Options controls Extract.
type Options struct {
	Q              float64
	MinClusterSize int

	// SignEpsilon is the minimum absolute group-average difference
	// needed to call a cluster's direction. Smaller differences get
	// sign 0.
	SignEpsilon float64

	// AvgGroup1 and AvgGroup2 are optional group-average volumes used
	// to assign a direction to each cluster (group1 minus group2).
	AvgGroup1 *voxel.Volume
	AvgGroup2 *voxel.Volume
}

// Extract thresholds stat at the BH cutoff for opts.Q, labels the
// surviving voxels into 26-connected components, drops components
// smaller than opts.MinClusterSize, and relabels the survivors 1..N by
// descending voxel count. Components of equal size keep their relative
// discovery order, so labels are deterministic for a given input.
func Extract(stat *voxel.Volume, mask *voxel.LabelVolume, opts Options) (*Extraction, error) {
	if opts.AvgGroup1 != nil && !stat.Shape.Equal(opts.AvgGroup1.Shape) {
		return nil, fmt.Errorf("%w: stat %v vs group1 average %v", ErrShapeMismatch, stat.Shape, opts.AvgGroup1.Shape)
	}
	if opts.AvgGroup2 != nil && !stat.Shape.Equal(opts.AvgGroup2.Shape) {
		return nil, fmt.Errorf("%w: stat %v vs group2 average %v", ErrShapeMismatch, stat.Shape, opts.AvgGroup2.Shape)
	}

	cutoff, survivors, err := Cutoff(stat, mask, opts.Q)
	if err != nil {
		return nil, err
	}
	params := ThresholdParams{Q: opts.Q, OneMinusPCutoff: cutoff, MinClusterSize: opts.MinClusterSize}

	index := voxel.NewLabelVolume(stat.Shape)
	index.VoxelSize = stat.VoxelSize
	ext := &Extraction{Index: index, Params: params}
	if survivors == 0 {
		return ext, ErrNoClusters
	}

	comps := connectedComponents(stat, mask, cutoff)
	kept := comps[:0]
	for _, c := range comps {
		if len(c) >= opts.MinClusterSize {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return ext, ErrNoClusters
	}

	// Descending-size relabel. argsort gives an ascending permutation;
	// the less func inverts it and falls back to discovery order on
	// ties so equal-sized clusters stay stable.
	order := argsort.SortSlice(kept, func(i, j int) bool {
		if len(kept[i]) != len(kept[j]) {
			return len(kept[i]) > len(kept[j])
		}
		return i < j
	})

	ext.Clusters = make([]ClusterInfo, len(order))
	for rank, ci := range order {
		label := int32(rank + 1)
		comp := kept[ci]
		for _, idx := range comp {
			index.Data[idx] = label
		}
		info := ClusterInfo{Label: label, VoxelCount: len(comp)}
		if opts.AvgGroup1 != nil && opts.AvgGroup2 != nil {
			info.MeanDiff = meanDiff(opts.AvgGroup1, opts.AvgGroup2, comp)
			info.Sign = signOf(info.MeanDiff, opts.SignEpsilon)
		}
		ext.Clusters[rank] = info
	}
	return ext, nil
}

func meanDiff(g1, g2 *voxel.Volume, comp []int) float64 {
	var sum float64
	for _, idx := range comp {
		sum += float64(g1.Data[idx]) - float64(g2.Data[idx])
	}
	return sum / float64(len(comp))
}

func signOf(diff, epsilon float64) int {
	switch {
	case diff > epsilon:
		return 1
	case diff < -epsilon:
		return -1
	default:
		return 0
	}
}

// connectedComponents labels in-mask voxels with value at or above
// cutoff into 26-connected components. Voxels are visited in z, then
// y, then x order, so component discovery order is fixed.
func connectedComponents(stat *voxel.Volume, mask *voxel.LabelVolume, cutoff float64) [][]int {
	shape := stat.Shape
	excluded := func(idx int) bool {
		if mask != nil && mask.Data[idx] == 0 {
			return true
		}
		return float64(stat.Data[idx]) < cutoff
	}
	visited := make([]bool, len(stat.Data))
	var comps [][]int
	var queue []int

	for z := 0; z < shape.Z; z++ {
		for y := 0; y < shape.Y; y++ {
			for x := 0; x < shape.X; x++ {
				seed := shape.Index(x, y, z)
				if visited[seed] || excluded(seed) {
					continue
				}
				visited[seed] = true
				queue = append(queue[:0], seed)
				var comp []int
				for len(queue) > 0 {
					idx := queue[0]
					queue = queue[1:]
					comp = append(comp, idx)

					cx := idx % shape.X
					cy := (idx / shape.X) % shape.Y
					cz := idx / (shape.X * shape.Y)
					for dz := -1; dz <= 1; dz++ {
						for dy := -1; dy <= 1; dy++ {
							for dx := -1; dx <= 1; dx++ {
								if dx == 0 && dy == 0 && dz == 0 {
									continue
								}
								nx, ny, nz := cx+dx, cy+dy, cz+dz
								if nx < 0 || ny < 0 || nz < 0 || nx >= shape.X || ny >= shape.Y || nz >= shape.Z {
									continue
								}
								nidx := shape.Index(nx, ny, nz)
								if visited[nidx] || excluded(nidx) {
									continue
								}
								visited[nidx] = true
								queue = append(queue, nidx)
							}
						}
					}
				}
				comps = append(comps, comp)
			}
		}
	}
	return comps
}

// WriteParams writes the threshold sidecar next to a cluster index.
func WriteParams(path string, params ThresholdParams) error {
	data, err := json.MarshalIndent(params, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// ReadParams reads a threshold sidecar written by WriteParams.
func ReadParams(path string) (ThresholdParams, error) {
	var params ThresholdParams
	data, err := os.ReadFile(path)
	if err != nil {
		return params, err
	}
	if err := json.Unmarshal(data, &params); err != nil {
		return params, fmt.Errorf("%s: %w", path, err)
	}
	return params, nil
}
