package experiment

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadManifest(t *testing.T) {
	path := writeTemp(t, "cohort.yaml", `
name: fos-saline
samples:
  - id: sample-01
    segmentation: /data/sample-01/cells.nii.gz
    warp_dir: /data/sample-01/warp
    voxel_size_mm: [0.025, 0.025, 0.025]
    condition: treated
  - id: sample-02
    segmentation: /data/sample-02/cells.nii.gz
    warp_dir: /data/sample-02/warp
`)
	m, err := ReadManifest(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	want := &Manifest{
		Name: "fos-saline",
		Samples: []Sample{
			{
				ID:               "sample-01",
				SegmentationPath: "/data/sample-01/cells.nii.gz",
				WarpDir:          "/data/sample-01/warp",
				VoxelSizeMM:      [3]float64{0.025, 0.025, 0.025},
				Condition:        "treated",
			},
			{
				ID:               "sample-02",
				SegmentationPath: "/data/sample-02/cells.nii.gz",
				WarpDir:          "/data/sample-02/warp",
			},
		},
	}
	if diff := cmp.Diff(want, m); diff != "" {
		t.Fatalf("manifest mismatch (-want +got):\n%s", diff)
	}
}

func TestReadManifestRejectsDuplicateIDs(t *testing.T) {
	path := writeTemp(t, "cohort.yaml", `
samples:
  - id: sample-01
  - id: sample-01
`)
	if _, err := ReadManifest(path); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}

func TestReadManifestRejectsEmptyID(t *testing.T) {
	path := writeTemp(t, "cohort.yaml", `
samples:
  - segmentation: /data/cells.nii.gz
`)
	if _, err := ReadManifest(path); err == nil {
		t.Fatal("expected error for sample without id")
	}
}

func TestReadConditionKey(t *testing.T) {
	for _, tc := range []struct {
		name    string
		content string
	}{
		{"with header", "sample_id,condition\nsample-01,saline\nsample-02,psilocybin\n"},
		{"without header", "sample-01,saline\nsample-02,psilocybin\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			key, err := ReadConditionKey(writeTemp(t, "key.csv", tc.content))
			if err != nil {
				t.Fatalf("read failed: %v", err)
			}
			want := ConditionKey{"sample-01": "saline", "sample-02": "psilocybin"}
			if diff := cmp.Diff(want, key); diff != "" {
				t.Fatalf("key mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReadConditionKeyErrors(t *testing.T) {
	if _, err := ReadConditionKey(writeTemp(t, "key.csv", "sample_id,condition\n")); err == nil {
		t.Fatal("expected error for key with no samples")
	}
	if _, err := ReadConditionKey(writeTemp(t, "key.csv", "sample-01,\n")); err == nil {
		t.Fatal("expected error for empty condition field")
	}
	if _, err := ReadConditionKey(writeTemp(t, "key.csv", "sample-01,saline,extra\n")); err == nil {
		t.Fatal("expected error for a three-column row")
	}
}

func TestConditionUnmappedSample(t *testing.T) {
	key := ConditionKey{"sample-01": "saline"}
	if cond, err := key.Condition("sample-01"); err != nil || cond != "saline" {
		t.Fatalf("mapped sample: %q, %v", cond, err)
	}
	if _, err := key.Condition("sample-99"); !errors.Is(err, ErrUnmappedSample) {
		t.Fatalf("expected ErrUnmappedSample, got %v", err)
	}
}

func TestConditionsSortedDistinct(t *testing.T) {
	key := ConditionKey{
		"s1": "saline",
		"s2": "psilocybin",
		"s3": "saline",
		"s4": "ketamine",
	}
	got := key.Conditions()
	want := []string{"ketamine", "psilocybin", "saline"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("conditions mismatch (-want +got):\n%s", diff)
	}
}
