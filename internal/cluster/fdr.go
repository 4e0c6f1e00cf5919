// Package cluster implements FDR thresholding of voxelwise statistic
// maps, connected-component extraction of significant clusters, and
// bilateral mirroring of cluster index volumes.
package cluster

import (
	"errors"
	"fmt"
	"sort"

	"brainmap/internal/voxel"
)

// ErrShapeMismatch is returned when companion volumes disagree on grid
// dimensions. Shape disagreement means the inputs come from different
// registrations and no voxelwise operation is meaningful.
var ErrShapeMismatch = errors.New("cluster: volume shape mismatch")

// DefaultQValues is the q sweep used when no explicit list is given.
var DefaultQValues = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// Cutoff runs the Benjamini-Hochberg step-up procedure on the voxels
// of stat that fall inside mask. stat holds 1-p values, so larger is
// more significant. It returns the 1-p threshold at or above which
// voxels survive at rate q, and the number of surviving voxels. When no voxel
// survives, the cutoff is above every attainable value and survivors
// is zero; that is a valid outcome, not an error.
func Cutoff(stat *voxel.Volume, mask *voxel.LabelVolume, q float64) (float64, int, error) {
	if q <= 0 || q >= 1 {
		return 0, 0, fmt.Errorf("cluster: q must be in (0,1), got %g", q)
	}
	if mask != nil && !stat.Shape.Equal(mask.Shape) {
		return 0, 0, fmt.Errorf("%w: stat %v vs mask %v", ErrShapeMismatch, stat.Shape, mask.Shape)
	}

	pvals := make([]float64, 0, len(stat.Data))
	for i, v := range stat.Data {
		if mask != nil && mask.Data[i] == 0 {
			continue
		}
		pvals = append(pvals, 1-float64(v))
	}
	if len(pvals) == 0 {
		return 1, 0, errors.New("cluster: mask selects no voxels")
	}
	sort.Float64s(pvals)

	// Largest k with p(k) <= (k/m) * q.
	m := float64(len(pvals))
	k := -1
	for i, p := range pvals {
		if p <= float64(i+1)/m*q {
			k = i
		}
	}
	if k < 0 {
		return 1, 0, nil
	}
	return 1 - pvals[k], k + 1, nil
}

// RangeResult describes one q value probed by ScanRange.
type RangeResult struct {
	Q         float64 `json:"q"`
	Cutoff    float64 `json:"cutoff"`
	Survivors int     `json:"survivors"`
	Clusters  int     `json:"clusters"`
}

// ScanRange evaluates the BH cutoff for each q in qs and counts the
// clusters of at least minSize voxels that each cutoff yields. The
// returned slice is ordered by ascending q and includes every probed
// value, so callers can pick the strictest q that still produces
// clusters.
func ScanRange(stat *voxel.Volume, mask *voxel.LabelVolume, qs []float64, minSize int) ([]RangeResult, error) {
	if len(qs) == 0 {
		qs = DefaultQValues
	}
	sorted := append([]float64(nil), qs...)
	sort.Float64s(sorted)

	results := make([]RangeResult, 0, len(sorted))
	for _, q := range sorted {
		cutoff, survivors, err := Cutoff(stat, mask, q)
		if err != nil {
			return nil, err
		}
		res := RangeResult{Q: q, Cutoff: cutoff, Survivors: survivors}
		if survivors > 0 {
			comps := connectedComponents(stat, mask, cutoff)
			for _, c := range comps {
				if len(c) >= minSize {
					res.Clusters++
				}
			}
		}
		results = append(results, res)
	}
	return results, nil
}
