// Package summary joins per-sample density measurements with the
// experiment's condition key and produces a per-cluster summary table
// with group statistics.
package summary

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"brainmap/internal/experiment"
	"brainmap/internal/validate"
)

// RegionInfo annotates a cluster with its anatomical assignment.
type RegionInfo struct {
	Side         string
	Name         string
	Abbreviation string
}

// GroupStat holds per-condition statistics for one cluster.
type GroupStat struct {
	Condition string
	N         int
	Mean      float64
	StdDev    float64
}

// ClusterSummary is one row of the output table.
type ClusterSummary struct {
	Cluster int32
	Region  RegionInfo

	// Densities maps "<condition>_<sample_id>" to the sample's
	// density for this cluster.
	Densities map[string]float64

	Groups []GroupStat

	// PValue is the two-sided Welch t-test p-value comparing the two
	// conditions. NaN when the design has more or fewer than two
	// groups or too few samples.
	PValue float64
}

// Result is the aggregated cohort summary.
type Result struct {
	Clusters   []ClusterSummary
	Conditions []string

	// Unmapped lists sample IDs present in the density records but
	// absent from the condition key. They are excluded from the table.
	Unmapped []string
}

// Aggregate pivots density records into one row per cluster, computes
// per-condition statistics, and flags samples the condition key does
// not cover.
func Aggregate(records []validate.DensityRecord, key experiment.ConditionKey, regions map[int32]RegionInfo) (*Result, error) {
	if len(records) == 0 {
		return nil, errors.New("summary: no density records")
	}

	unmapped := make(map[string]bool)
	byCluster := make(map[int32]map[string]float64)
	bySample := make(map[string]string)
	for _, r := range records {
		cond, err := key.Condition(r.SampleID)
		if err != nil {
			unmapped[r.SampleID] = true
			continue
		}
		bySample[r.SampleID] = cond
		if byCluster[r.Cluster] == nil {
			byCluster[r.Cluster] = make(map[string]float64)
		}
		byCluster[r.Cluster][r.SampleID] = r.Density
	}

	result := &Result{Conditions: key.Conditions()}
	for id := range unmapped {
		result.Unmapped = append(result.Unmapped, id)
	}
	sort.Strings(result.Unmapped)

	labels := make([]int32, 0, len(byCluster))
	for label := range byCluster {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })

	for _, label := range labels {
		row := ClusterSummary{
			Cluster:   label,
			Region:    regions[label],
			Densities: make(map[string]float64),
			PValue:    math.NaN(),
		}
		perCond := make(map[string][]float64)
		for sample, density := range byCluster[label] {
			cond := bySample[sample]
			row.Densities[cond+"_"+sample] = density
			perCond[cond] = append(perCond[cond], density)
		}
		for _, cond := range result.Conditions {
			vals := perCond[cond]
			gs := GroupStat{Condition: cond, N: len(vals)}
			if len(vals) > 0 {
				gs.Mean = stat.Mean(vals, nil)
			}
			if len(vals) > 1 {
				gs.StdDev = stat.StdDev(vals, nil)
			}
			row.Groups = append(row.Groups, gs)
		}
		if len(result.Conditions) == 2 {
			row.PValue = welchP(perCond[result.Conditions[0]], perCond[result.Conditions[1]])
		}
		result.Clusters = append(result.Clusters, row)
	}
	return result, nil
}

// welchP is the two-sided Welch t-test p-value with
// Welch-Satterthwaite degrees of freedom.
func welchP(a, b []float64) float64 {
	if len(a) < 2 || len(b) < 2 {
		return math.NaN()
	}
	ma, mb := stat.Mean(a, nil), stat.Mean(b, nil)
	va, vb := stat.Variance(a, nil), stat.Variance(b, nil)
	na, nb := float64(len(a)), float64(len(b))

	se2 := va/na + vb/nb
	if se2 == 0 {
		return math.NaN()
	}
	t := (ma - mb) / math.Sqrt(se2)
	df := se2 * se2 / (va*va/(na*na*(na-1)) + vb*vb/(nb*nb*(nb-1)))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return 2 * dist.CDF(-math.Abs(t))
}

// ReadRegionInfo parses an optional cluster annotation CSV with
// columns cluster_id, side, name, abbreviation.
func ReadRegionInfo(path string) (map[int32]RegionInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	regions := make(map[int32]RegionInfo)
	r := csv.NewReader(f)
	first := true
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if len(row) < 4 {
			return nil, fmt.Errorf("%s: want 4 columns, got %d", path, len(row))
		}
		if first {
			first = false
			if strings.EqualFold(row[0], "cluster_id") {
				continue
			}
		}
		id, err := strconv.ParseInt(row[0], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%s: bad cluster id %q", path, row[0])
		}
		regions[int32(id)] = RegionInfo{Side: row[1], Name: row[2], Abbreviation: row[3]}
	}
	return regions, nil
}

// WriteCSV writes the summary table. Per-sample density columns are
// named "<condition>_<sample_id>" and ordered by condition then
// sample.
func WriteCSV(path string, res *Result) error {
	cols := sampleColumns(res)

	header := []string{"cluster_id", "side", "name", "abbreviation"}
	header = append(header, cols...)
	for _, cond := range res.Conditions {
		header = append(header, cond+"_n", cond+"_mean", cond+"_sd")
	}
	if len(res.Conditions) == 2 {
		header = append(header, "p_value")
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return err
	}
	for _, row := range res.Clusters {
		rec := []string{
			strconv.FormatInt(int64(row.Cluster), 10),
			row.Region.Side,
			row.Region.Name,
			row.Region.Abbreviation,
		}
		for _, col := range cols {
			if d, ok := row.Densities[col]; ok {
				rec = append(rec, strconv.FormatFloat(d, 'g', -1, 64))
			} else {
				rec = append(rec, "")
			}
		}
		for _, gs := range row.Groups {
			rec = append(rec,
				strconv.Itoa(gs.N),
				strconv.FormatFloat(gs.Mean, 'g', -1, 64),
				strconv.FormatFloat(gs.StdDev, 'g', -1, 64),
			)
		}
		if len(res.Conditions) == 2 {
			rec = append(rec, formatP(row.PValue))
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func formatP(p float64) string {
	if math.IsNaN(p) {
		return ""
	}
	return strconv.FormatFloat(p, 'g', -1, 64)
}

func sampleColumns(res *Result) []string {
	set := make(map[string]bool)
	for _, row := range res.Clusters {
		for col := range row.Densities {
			set[col] = true
		}
	}
	cols := make([]string, 0, len(set))
	for col := range set {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}
