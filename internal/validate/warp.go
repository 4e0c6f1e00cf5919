// Package validate warps extracted clusters into each sample's tissue
// space and measures per-cluster cell or label density there.
package validate

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"

	"brainmap/internal/fsutil"
)

// ErrMissingWarp marks a sample whose warp transform files are absent.
// Cohort validation skips such samples and keeps going.
var ErrMissingWarp = errors.New("validate: warp transform not found")

// Interpolation selects how labels are resampled during warping.
type Interpolation string

const (
	NearestNeighbor Interpolation = "NearestNeighbor"
	MultiLabel      Interpolation = "MultiLabel"
)

// Warper moves a label volume from atlas space into one sample's
// tissue space. The transform itself is opaque; implementations only
// need to apply it.
type Warper interface {
	WarpToSample(ctx context.Context, indexPath, refPath, warpDir, outPath string, interp Interpolation) error
}

// AntsWarper shells out to antsApplyTransforms. The warp directory is
// expected to hold the forward warp field and affine written during
// registration.
type AntsWarper struct {
	// Binary overrides the executable name, default antsApplyTransforms.
	Binary string

	// ExtraArgs are appended verbatim to every invocation.
	ExtraArgs []string
}

func (w AntsWarper) WarpToSample(ctx context.Context, indexPath, refPath, warpDir, outPath string, interp Interpolation) error {
	warpField := fsutil.FirstExisting(
		filepath.Join(warpDir, "1Warp.nii.gz"),
		filepath.Join(warpDir, "1InverseWarp.nii.gz"),
	)
	affine := fsutil.FirstExisting(
		filepath.Join(warpDir, "0GenericAffine.mat"),
		filepath.Join(warpDir, "affine.mat"),
	)
	if warpField == "" && affine == "" {
		return fmt.Errorf("%w: %s", ErrMissingWarp, warpDir)
	}

	bin := w.Binary
	if bin == "" {
		bin = "antsApplyTransforms"
	}
	args := []string{
		"-d", "3",
		"-i", indexPath,
		"-r", refPath,
		"-o", outPath,
		"-n", string(interp),
	}
	if warpField != "" {
		args = append(args, "-t", warpField)
	}
	if affine != "" {
		args = append(args, "-t", affine)
	}
	args = append(args, w.ExtraArgs...)
	if err := fsutil.EnsureDir(filepath.Dir(outPath)); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %v: %s", bin, err, out)
	}
	return nil
}
