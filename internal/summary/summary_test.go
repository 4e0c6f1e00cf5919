package summary

import (
	"encoding/csv"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"brainmap/internal/experiment"
	"brainmap/internal/validate"
)

func twoGroupRecords() []validate.DensityRecord {
	return []validate.DensityRecord{
		{SampleID: "s1", Cluster: 1, Density: 10},
		{SampleID: "s2", Cluster: 1, Density: 12},
		{SampleID: "s3", Cluster: 1, Density: 30},
		{SampleID: "s4", Cluster: 1, Density: 33},
		{SampleID: "s1", Cluster: 2, Density: 5},
		{SampleID: "s2", Cluster: 2, Density: 6},
		{SampleID: "s3", Cluster: 2, Density: 5},
		{SampleID: "s4", Cluster: 2, Density: 6},
	}
}

func twoGroupKey() experiment.ConditionKey {
	return experiment.ConditionKey{
		"s1": "saline",
		"s2": "saline",
		"s3": "treated",
		"s4": "treated",
	}
}

func TestAggregatePivotsAndFlagsUnmapped(t *testing.T) {
	records := append(twoGroupRecords(),
		validate.DensityRecord{SampleID: "s9", Cluster: 1, Density: 99})

	res, err := Aggregate(records, twoGroupKey(), nil)
	if err != nil {
		t.Fatalf("aggregate failed: %v", err)
	}
	if diff := cmp.Diff([]string{"s9"}, res.Unmapped); diff != "" {
		t.Fatalf("unmapped mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"saline", "treated"}, res.Conditions); diff != "" {
		t.Fatalf("conditions mismatch (-want +got):\n%s", diff)
	}
	if len(res.Clusters) != 2 || res.Clusters[0].Cluster != 1 || res.Clusters[1].Cluster != 2 {
		t.Fatalf("expected clusters 1 and 2 in order, got %+v", res.Clusters)
	}

	wantDensities := map[string]float64{
		"saline_s1":  10,
		"saline_s2":  12,
		"treated_s3": 30,
		"treated_s4": 33,
	}
	if diff := cmp.Diff(wantDensities, res.Clusters[0].Densities); diff != "" {
		t.Fatalf("cluster 1 densities mismatch (-want +got):\n%s", diff)
	}
}

func TestAggregateGroupStats(t *testing.T) {
	res, err := Aggregate(twoGroupRecords(), twoGroupKey(), nil)
	if err != nil {
		t.Fatalf("aggregate failed: %v", err)
	}
	groups := res.Clusters[0].Groups
	if len(groups) != 2 {
		t.Fatalf("expected a stat per condition, got %+v", groups)
	}
	saline, treated := groups[0], groups[1]
	if saline.Condition != "saline" || treated.Condition != "treated" {
		t.Fatalf("group order must follow conditions: %+v", groups)
	}
	if saline.N != 2 || math.Abs(saline.Mean-11) > 1e-12 {
		t.Fatalf("saline stats wrong: %+v", saline)
	}
	if treated.N != 2 || math.Abs(treated.Mean-31.5) > 1e-12 {
		t.Fatalf("treated stats wrong: %+v", treated)
	}
	// Sample standard deviation of {10, 12} is sqrt(2).
	if math.Abs(saline.StdDev-math.Sqrt2) > 1e-12 {
		t.Fatalf("saline sd wrong: %v", saline.StdDev)
	}
}

func TestAggregatePValue(t *testing.T) {
	res, err := Aggregate(twoGroupRecords(), twoGroupKey(), nil)
	if err != nil {
		t.Fatalf("aggregate failed: %v", err)
	}
	separated := res.Clusters[0].PValue
	overlapping := res.Clusters[1].PValue
	if math.IsNaN(separated) || separated <= 0 || separated >= 1 {
		t.Fatalf("p-value out of range: %v", separated)
	}
	if separated >= overlapping {
		t.Fatalf("well-separated groups must score lower: %v vs %v", separated, overlapping)
	}
}

func TestAggregatePValueNaNWithoutTwoGroups(t *testing.T) {
	key := experiment.ConditionKey{"s1": "saline", "s2": "saline", "s3": "saline", "s4": "saline"}
	res, err := Aggregate(twoGroupRecords(), key, nil)
	if err != nil {
		t.Fatalf("aggregate failed: %v", err)
	}
	if !math.IsNaN(res.Clusters[0].PValue) {
		t.Fatalf("single-condition design must not produce a p-value, got %v", res.Clusters[0].PValue)
	}
}

func TestWelchP(t *testing.T) {
	if !math.IsNaN(welchP([]float64{1}, []float64{2, 3})) {
		t.Fatal("one observation cannot be tested")
	}
	if !math.IsNaN(welchP([]float64{2, 2}, []float64{2, 2})) {
		t.Fatal("zero variance must yield NaN")
	}
	p := welchP([]float64{1, 2, 3}, []float64{1.1, 2.1, 2.9})
	if p < 0.5 {
		t.Fatalf("near-identical groups must not look significant: %v", p)
	}
}

func TestReadRegionInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "regions.csv")
	content := "cluster_id,side,name,abbreviation\n1,L,Prelimbic area,PL\n2,R,Infralimbic area,ILA\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	regions, err := ReadRegionInfo(path)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	want := map[int32]RegionInfo{
		1: {Side: "L", Name: "Prelimbic area", Abbreviation: "PL"},
		2: {Side: "R", Name: "Infralimbic area", Abbreviation: "ILA"},
	}
	if diff := cmp.Diff(want, regions); diff != "" {
		t.Fatalf("regions mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteCSV(t *testing.T) {
	regions := map[int32]RegionInfo{1: {Side: "L", Name: "Prelimbic area", Abbreviation: "PL"}}
	res, err := Aggregate(twoGroupRecords(), twoGroupKey(), regions)
	if err != nil {
		t.Fatalf("aggregate failed: %v", err)
	}
	path := filepath.Join(t.TempDir(), "cluster_summary.csv")
	if err := WriteCSV(path, res); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	wantHeader := []string{
		"cluster_id", "side", "name", "abbreviation",
		"saline_s1", "saline_s2", "treated_s3", "treated_s4",
		"saline_n", "saline_mean", "saline_sd",
		"treated_n", "treated_mean", "treated_sd",
		"p_value",
	}
	if diff := cmp.Diff(wantHeader, rows[0]); diff != "" {
		t.Fatalf("header mismatch (-want +got):\n%s", diff)
	}
	if len(rows) != 3 {
		t.Fatalf("expected a row per cluster, got %d", len(rows)-1)
	}
	if rows[1][0] != "1" || rows[1][1] != "L" || rows[1][3] != "PL" {
		t.Fatalf("region columns wrong: %v", rows[1])
	}
	if rows[2][1] != "" || rows[2][2] != "" {
		t.Fatalf("unannotated cluster must have empty region columns: %v", rows[2])
	}
	if rows[1][4] != "10" || rows[1][7] != "33" {
		t.Fatalf("density columns wrong: %v", rows[1])
	}
	if rows[1][len(rows[1])-1] == "" {
		t.Fatalf("two-group design must emit a p-value: %v", rows[1])
	}
}
