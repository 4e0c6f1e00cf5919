package cluster

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"brainmap/internal/nifti"
	"brainmap/internal/voxel"
)

// MirrorOptions controls bilateral propagation of cluster index
// volumes.
type MirrorOptions struct {
	// Marker selects which files in the tree are cluster indexes.
	// Only filenames containing it are mirrored.
	Marker string

	// Suffix is appended to the basename of each mirrored output.
	// PlanMirror skips files already carrying it, which makes a second
	// run over the same tree a no-op.
	Suffix string

	// LabelOffset, when nonzero, is added to every nonzero label in
	// the mirrored volume so the two hemispheres stay distinguishable
	// in a merged index.
	LabelOffset int32

	// Hemisphere is the default anatomical side, left or right. The
	// offset is suppressed when SourceSide names the same side.
	Hemisphere string

	// SourceSide declares which hemisphere the input indexes cover.
	// Empty keeps the offset active.
	SourceSide string
}

// effectiveOffset gates LabelOffset on the source side: indexes drawn
// from the default hemisphere mirror without relabeling.
func (o MirrorOptions) effectiveOffset() int32 {
	if o.SourceSide != "" && o.SourceSide == o.Hemisphere {
		return 0
	}
	return o.LabelOffset
}

// DefaultMirrorOptions mirror files named after the cluster index
// convention and tag outputs with an _LRflip suffix.
func DefaultMirrorOptions() MirrorOptions {
	return MirrorOptions{Marker: "rev_cluster_index", Suffix: "_LRflip", Hemisphere: "left"}
}

// MirrorPair is one planned input/output mirror.
type MirrorPair struct {
	Input  string
	Output string
}

// PlanMirror walks root recursively and returns the mirror jobs the
// tree needs. Files whose names carry opts.Suffix are outputs of a
// previous run and are excluded, as are inputs whose output already
// exists on disk.
func PlanMirror(root string, opts MirrorOptions) ([]MirrorPair, error) {
	if opts.Marker == "" || opts.Suffix == "" {
		return nil, fmt.Errorf("cluster: mirror marker and suffix must be set")
	}
	var pairs []MirrorPair
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !nifti.IsVolumePath(path) {
			return nil
		}
		name := filepath.Base(path)
		if !strings.Contains(name, opts.Marker) || strings.Contains(name, opts.Suffix) {
			return nil
		}
		out := mirrorPath(path, opts.Suffix)
		if _, err := os.Stat(out); err == nil {
			return nil
		}
		pairs = append(pairs, MirrorPair{Input: path, Output: out})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pairs, nil
}

// MirrorTree plans and executes all pending mirrors under root,
// returning the pairs it produced.
func MirrorTree(root string, opts MirrorOptions) ([]MirrorPair, error) {
	pairs, err := PlanMirror(root, opts)
	if err != nil {
		return nil, err
	}
	for _, p := range pairs {
		if err := mirrorOne(p, opts.effectiveOffset()); err != nil {
			return nil, err
		}
	}
	return pairs, nil
}

func mirrorOne(p MirrorPair, offset int32) error {
	index, err := nifti.ReadLabelVolume(p.Input)
	if err != nil {
		return err
	}
	flipped := index.FlipX()
	if offset != 0 {
		for i, label := range flipped.Data {
			if label != 0 {
				flipped.Data[i] = label + offset
			}
		}
	}
	return nifti.WriteLabelVolume(p.Output, flipped)
}

// mirrorPath inserts suffix before the volume extension, preserving
// .nii versus .nii.gz.
func mirrorPath(path, suffix string) string {
	ext := ".nii"
	if strings.HasSuffix(path, ".nii.gz") {
		ext = ".nii.gz"
	}
	return nifti.StripExt(path) + suffix + ext
}

// MergeMirrored overlays a mirrored index onto the original where the
// original is background, producing a bilateral index volume.
func MergeMirrored(orig, mirrored *voxel.LabelVolume) (*voxel.LabelVolume, error) {
	if !orig.Shape.Equal(mirrored.Shape) {
		return nil, fmt.Errorf("%w: original %v vs mirrored %v", ErrShapeMismatch, orig.Shape, mirrored.Shape)
	}
	merged := voxel.NewLabelVolume(orig.Shape)
	merged.VoxelSize = orig.VoxelSize
	copy(merged.Data, orig.Data)
	for i, label := range mirrored.Data {
		if merged.Data[i] == 0 {
			merged.Data[i] = label
		}
	}
	return merged, nil
}
