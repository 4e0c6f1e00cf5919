// Package experiment describes a cohort: the per-sample artifacts on
// disk and the mapping from sample to experimental condition.
package experiment

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrUnmappedSample marks a sample that appears on disk but not in the
// condition key. Aggregation reports such samples instead of failing.
var ErrUnmappedSample = errors.New("experiment: sample not in condition key")

// Sample is one subject's artifacts.
type Sample struct {
	ID               string     `yaml:"id"`
	SegmentationPath string     `yaml:"segmentation"`
	WarpDir          string     `yaml:"warp_dir"`
	VoxelSizeMM      [3]float64 `yaml:"voxel_size_mm"`
	Condition        string     `yaml:"condition,omitempty"`
}

// Manifest lists the samples of one experiment.
type Manifest struct {
	Name    string   `yaml:"name"`
	Samples []Sample `yaml:"samples"`
}

// ReadManifest loads a YAML cohort manifest.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	seen := make(map[string]bool, len(m.Samples))
	for _, s := range m.Samples {
		if s.ID == "" {
			return nil, fmt.Errorf("%s: sample with empty id", path)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("%s: duplicate sample id %q", path, s.ID)
		}
		seen[s.ID] = true
	}
	return &m, nil
}

// ConditionKey maps sample IDs to condition names.
type ConditionKey map[string]string

// ReadConditionKey parses a two-column CSV of sample id and condition.
// A header row is detected by its first cell and skipped.
func ReadConditionKey(path string) (ConditionKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	key := make(ConditionKey)
	r := csv.NewReader(f)
	r.FieldsPerRecord = 2
	first := true
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		id := strings.TrimSpace(rec[0])
		cond := strings.TrimSpace(rec[1])
		if first {
			first = false
			if strings.EqualFold(id, "sample_id") || strings.EqualFold(id, "sample") {
				continue
			}
		}
		if id == "" || cond == "" {
			return nil, fmt.Errorf("%s: empty sample id or condition", path)
		}
		key[id] = cond
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("%s: condition key is empty", path)
	}
	return key, nil
}

// Condition returns the condition for id, or ErrUnmappedSample.
func (k ConditionKey) Condition(id string) (string, error) {
	cond, ok := k[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnmappedSample, id)
	}
	return cond, nil
}

// Conditions returns the distinct condition names in sorted order.
func (k ConditionKey) Conditions() []string {
	set := make(map[string]bool, len(k))
	for _, c := range k {
		set[c] = true
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
