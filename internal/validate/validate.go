package validate

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"brainmap/internal/cluster"
	"brainmap/internal/experiment"
	"brainmap/internal/fsutil"
	"brainmap/internal/nifti"
	"brainmap/internal/voxel"
)

// Mode selects what gets counted inside each warped cluster.
type Mode string

const (
	// CellDensity counts detected cells per cubic millimeter. The
	// sample segmentation is a binary cell map.
	CellDensity Mode = "cell_density"

	// LabelDensity measures the fraction of cluster voxels covered by
	// the sample segmentation.
	LabelDensity Mode = "label_density"
)

// DensityRecord is one cluster measured in one sample. Count is the
// number of segmented objects inside the cluster in cell-density mode,
// or the number of covered voxels in label-density mode.
type DensityRecord struct {
	SampleID   string
	Cluster    int32
	VoxelCount int
	VolumeMM3  float64
	Count      float64
	Density    float64
}

// Validator runs cluster validation for a cohort.
type Validator struct {
	Warper  Warper
	Mode    Mode
	WorkDir string
	Workers int
	Log     *slog.Logger

	// Interp selects the warp interpolator, NearestNeighbor when
	// empty. MultiLabel keeps thin labels intact during resampling at
	// the cost of speed.
	Interp Interpolation
}

// ValidateSample warps the cluster index into one sample's space and
// measures density per cluster inside each cluster's bounding box.
// Clusters that warp to zero volume are dropped with a warning.
func (v *Validator) ValidateSample(ctx context.Context, indexPath string, s experiment.Sample) ([]DensityRecord, error) {
	log := v.logger().With("sample", s.ID)

	warped := filepath.Join(v.WorkDir, s.ID, "warped_"+filepath.Base(indexPath))
	interp := v.Interp
	if interp == "" {
		interp = NearestNeighbor
	}
	if err := v.Warper.WarpToSample(ctx, indexPath, s.SegmentationPath, s.WarpDir, warped, interp); err != nil {
		return nil, err
	}

	index, err := nifti.ReadLabelVolume(warped)
	if err != nil {
		return nil, err
	}
	seg, err := nifti.ReadVolume(s.SegmentationPath)
	if err != nil {
		return nil, err
	}
	if !index.Shape.Equal(seg.Shape) {
		return nil, fmt.Errorf("%w: warped index %v vs segmentation %v", cluster.ErrShapeMismatch, index.Shape, seg.Shape)
	}
	if s.VoxelSizeMM != [3]float64{} {
		index.VoxelSize = s.VoxelSizeMM
	}

	boxes := index.BoundingBoxes()
	labels := index.Labels()
	records := make([]DensityRecord, 0, len(labels))
	for _, label := range labels {
		rec := v.measure(index, seg, label, boxes[label])
		if rec.VolumeMM3 <= 0 {
			log.Warn("cluster has zero warped volume, dropping", "cluster", label)
			continue
		}
		rec.SampleID = s.ID
		records = append(records, rec)
	}
	log.Info("sample validated", "clusters", len(records))
	return records, nil
}

func (v *Validator) measure(index *voxel.LabelVolume, seg *voxel.Volume, label int32, box voxel.Box) DensityRecord {
	rec := DensityRecord{Cluster: label}
	sub := index.Crop(box)
	segSub := seg.Crop(box)
	for _, l := range sub.Data {
		if l != label {
			continue
		}
		rec.VoxelCount++
	}
	rec.VolumeMM3 = float64(rec.VoxelCount) * sub.VoxelVolumeMM3()
	switch v.Mode {
	case LabelDensity:
		for i, l := range sub.Data {
			if l == label && segSub.Data[i] > 0 {
				rec.Count++
			}
		}
		if rec.VoxelCount > 0 {
			rec.Density = rec.Count / float64(rec.VoxelCount)
		}
	default:
		rec.Count = float64(countObjects(sub, segSub, label))
		if rec.VolumeMM3 > 0 {
			rec.Density = rec.Count / rec.VolumeMM3
		}
	}
	return rec
}

// countObjects counts 26-connected segmented objects whose voxels fall
// inside the given cluster label.
func countObjects(sub *voxel.LabelVolume, seg *voxel.Volume, label int32) int {
	shape := sub.Shape
	inObject := func(idx int) bool {
		return sub.Data[idx] == label && seg.Data[idx] > 0
	}
	visited := make([]bool, len(sub.Data))
	var queue []int
	count := 0
	for seed := range sub.Data {
		if visited[seed] || !inObject(seed) {
			continue
		}
		count++
		visited[seed] = true
		queue = append(queue[:0], seed)
		for len(queue) > 0 {
			idx := queue[0]
			queue = queue[1:]
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
						if visited[nidx] || !inObject(nidx) {
							continue
						}
						visited[nidx] = true
						queue = append(queue, nidx)
					}
				}
			}
		}
	}
	return count
}

// CohortResult is the outcome of validating every sample in a
// manifest. Skipped lists samples whose warp artifacts were missing.
type CohortResult struct {
	Records []DensityRecord
	Skipped []string
}

// ValidateCohort fans validation out across samples. A sample with
// missing warp transforms is skipped and reported; any other failure
// aborts the cohort.
func (v *Validator) ValidateCohort(ctx context.Context, indexPath string, m *experiment.Manifest) (*CohortResult, error) {
	workers := v.Workers
	if workers <= 0 {
		workers = 4
	}

	var mu sync.Mutex
	result := &CohortResult{}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, s := range m.Samples {
		g.Go(func() error {
			records, err := v.ValidateSample(ctx, indexPath, s)
			if errors.Is(err, ErrMissingWarp) {
				v.logger().Warn("skipping sample, warp transform missing", "sample", s.ID, "warp_dir", s.WarpDir)
				mu.Lock()
				result.Skipped = append(result.Skipped, s.ID)
				mu.Unlock()
				return nil
			}
			if err != nil {
				return fmt.Errorf("sample %s: %w", s.ID, err)
			}
			mu.Lock()
			result.Records = append(result.Records, records...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(result.Records, func(i, j int) bool {
		if result.Records[i].SampleID != result.Records[j].SampleID {
			return result.Records[i].SampleID < result.Records[j].SampleID
		}
		return result.Records[i].Cluster < result.Records[j].Cluster
	})
	sort.Strings(result.Skipped)
	return result, nil
}

func (v *Validator) logger() *slog.Logger {
	if v.Log != nil {
		return v.Log
	}
	return slog.Default()
}

var densityHeader = []string{"sample_id", "cluster", "voxel_count", "volume_mm3", "count", "density"}

// WriteRecords writes density records as CSV.
func WriteRecords(path string, records []DensityRecord) error {
	if err := fsutil.EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(densityHeader); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			r.SampleID,
			strconv.FormatInt(int64(r.Cluster), 10),
			strconv.Itoa(r.VoxelCount),
			strconv.FormatFloat(r.VolumeMM3, 'g', -1, 64),
			strconv.FormatFloat(r.Count, 'g', -1, 64),
			strconv.FormatFloat(r.Density, 'g', -1, 64),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// ReadRecords reads a density CSV written by WriteRecords.
func ReadRecords(path string) ([]DensityRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if len(header) != len(densityHeader) || header[0] != densityHeader[0] {
		return nil, fmt.Errorf("%s: unexpected header %v", path, header)
	}

	var records []DensityRecord
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		clID, err := strconv.ParseInt(row[1], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%s: bad cluster id %q", path, row[1])
		}
		voxels, err := strconv.Atoi(row[2])
		if err != nil {
			return nil, fmt.Errorf("%s: bad voxel count %q", path, row[2])
		}
		vol, err := strconv.ParseFloat(row[3], 64)
		if err != nil {
			return nil, fmt.Errorf("%s: bad volume %q", path, row[3])
		}
		count, err := strconv.ParseFloat(row[4], 64)
		if err != nil {
			return nil, fmt.Errorf("%s: bad count %q", path, row[4])
		}
		density, err := strconv.ParseFloat(row[5], 64)
		if err != nil {
			return nil, fmt.Errorf("%s: bad density %q", path, row[5])
		}
		records = append(records, DensityRecord{
			SampleID:   row[0],
			Cluster:    int32(clID),
			VoxelCount: voxels,
			VolumeMM3:  vol,
			Count:      count,
			Density:    density,
		})
	}
	return records, nil
}
