package cluster

import (
	"errors"
	"math"
	"testing"

	"brainmap/internal/voxel"
)

func statVolume(pvals []float64) *voxel.Volume {
	v := voxel.NewVolume(voxel.Shape{X: len(pvals), Y: 1, Z: 1})
	for i, p := range pvals {
		v.Data[i] = float32(1 - p)
	}
	return v
}

func TestCutoffKnownCase(t *testing.T) {
	// Step-up over 10 p-values at q=0.05: the first three pass their
	// rank thresholds, the fourth does not.
	pvals := []float64{0.001, 0.002, 0.003, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8}
	cutoff, survivors, err := Cutoff(statVolume(pvals), nil, 0.05)
	if err != nil {
		t.Fatalf("cutoff failed: %v", err)
	}
	if survivors != 3 {
		t.Fatalf("expected 3 survivors, got %d", survivors)
	}
	if math.Abs(cutoff-0.997) > 1e-6 {
		t.Fatalf("expected cutoff 0.997, got %v", cutoff)
	}
}

func TestCutoffNoSurvivors(t *testing.T) {
	pvals := []float64{0.4, 0.5, 0.6, 0.7}
	cutoff, survivors, err := Cutoff(statVolume(pvals), nil, 0.05)
	if err != nil {
		t.Fatalf("cutoff failed: %v", err)
	}
	if survivors != 0 {
		t.Fatalf("expected no survivors, got %d", survivors)
	}
	if cutoff != 1 {
		t.Fatalf("expected unattainable cutoff 1, got %v", cutoff)
	}
}

func TestCutoffMonotoneInQ(t *testing.T) {
	pvals := []float64{0.001, 0.004, 0.01, 0.02, 0.08, 0.2, 0.5, 0.9}
	stat := statVolume(pvals)
	prev := -1
	for _, q := range []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5} {
		_, survivors, err := Cutoff(stat, nil, q)
		if err != nil {
			t.Fatalf("cutoff at q=%g failed: %v", q, err)
		}
		if survivors < prev {
			t.Fatalf("survivors decreased from %d to %d at q=%g", prev, survivors, q)
		}
		prev = survivors
	}
}

func TestCutoffRespectsMask(t *testing.T) {
	pvals := []float64{0.001, 0.001, 0.001, 0.9}
	stat := statVolume(pvals)
	mask := voxel.NewLabelVolume(stat.Shape)
	mask.Data = []int32{1, 1, 0, 0}

	_, survivors, err := Cutoff(stat, mask, 0.05)
	if err != nil {
		t.Fatalf("cutoff failed: %v", err)
	}
	if survivors != 2 {
		t.Fatalf("expected 2 in-mask survivors, got %d", survivors)
	}
}

func TestCutoffShapeMismatchFatal(t *testing.T) {
	stat := statVolume([]float64{0.01, 0.02})
	mask := voxel.NewLabelVolume(voxel.Shape{X: 3, Y: 1, Z: 1})
	if _, _, err := Cutoff(stat, mask, 0.05); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestCutoffRejectsBadQ(t *testing.T) {
	stat := statVolume([]float64{0.01})
	for _, q := range []float64{0, 1, -0.1, 1.5} {
		if _, _, err := Cutoff(stat, nil, q); err == nil {
			t.Fatalf("expected error for q=%g", q)
		}
	}
}

func TestScanRangeReportsValidQs(t *testing.T) {
	// A tight 3-voxel run of small p-values forms one cluster once q
	// is loose enough to admit it.
	v := voxel.NewVolume(voxel.Shape{X: 10, Y: 1, Z: 1})
	for i := range v.Data {
		v.Data[i] = float32(1 - 0.6)
	}
	v.Data[2] = float32(1 - 0.004)
	v.Data[3] = float32(1 - 0.005)
	v.Data[4] = float32(1 - 0.006)

	results, err := ScanRange(v, nil, []float64{0.01, 0.05, 0.5}, 3)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected all probed q values reported, got %d", len(results))
	}
	for i := 1; i < len(results); i++ {
		if results[i].Q < results[i-1].Q {
			t.Fatalf("results not ordered by ascending q: %v", results)
		}
	}
	// q=0.05 admits the three small p-values: 0.006 <= (3/10)*0.05.
	if results[1].Clusters != 1 {
		t.Fatalf("expected one cluster at q=0.05, got %d", results[1].Clusters)
	}
	if results[0].Clusters != 0 {
		t.Fatalf("expected no clusters at q=0.01, got %d", results[0].Clusters)
	}
}
