package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"brainmap/internal/cluster"
	"brainmap/internal/config"
	"brainmap/internal/experiment"
	"brainmap/internal/fsutil"
	"brainmap/internal/logging"
	"brainmap/internal/nifti"
	"brainmap/internal/storage"
	"brainmap/internal/summary"
	"brainmap/internal/validate"
	"brainmap/internal/voxel"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log    *slog.Logger
	store  *storage.Store
	cfg    *config.Config
	warper validate.Warper
}

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config) Processor {
	if cfg == nil {
		cfg = &config.Config{}
	}
	return &router{
		log:    logger,
		store:  store,
		cfg:    cfg,
		warper: validate.AntsWarper{Binary: cfg.Warp.Binary, ExtraArgs: cfg.Warp.ExtraArgs},
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobFDRRange:
		return r.handleFDRRange(ctx, job)
	case JobFDR:
		return r.handleFDR(ctx, job)
	case JobMirror:
		return r.handleMirror(ctx, job)
	case JobValidate:
		return r.handleValidate(ctx, job)
	case JobSummary:
		return r.handleSummary(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleFDRRange(ctx context.Context, job Job) Result {
	stat, mask, err := r.loadStatAndMask(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	qs, _ := job.Options["qValues"].([]float64)
	if len(qs) == 0 {
		qs = r.cfg.FDR.QValues
	}
	minSize := getIntOption(job.Options, "minClusterSize")
	if minSize == 0 {
		minSize = r.cfg.FDR.MinClusterSize
	}

	results, err := cluster.ScanRange(stat, mask, qs, minSize)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	valid := make([]float64, 0, len(results))
	probed := make([]map[string]any, 0, len(results))
	for _, res := range results {
		if res.Clusters > 0 {
			valid = append(valid, res.Q)
		}
		probed = append(probed, map[string]any{
			"q":         res.Q,
			"cutoff":    res.Cutoff,
			"survivors": res.Survivors,
			"clusters":  res.Clusters,
		})
	}
	meta := map[string]any{
		"validQValues": valid,
		"probed":       probed,
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleFDR(ctx context.Context, job Job) Result {
	stat, mask, err := r.loadStatAndMask(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	opts := cluster.Options{
		Q:              getFloat64Option(job.Options, "q"),
		MinClusterSize: getIntOption(job.Options, "minClusterSize"),
		SignEpsilon:    getFloat64Option(job.Options, "signEpsilon"),
	}
	if opts.Q == 0 {
		opts.Q = 0.05
	}
	if opts.MinClusterSize == 0 {
		opts.MinClusterSize = r.cfg.FDR.MinClusterSize
	}
	if opts.SignEpsilon == 0 {
		opts.SignEpsilon = r.cfg.FDR.SignEpsilon
	}
	if path := getStringOption(job.Options, "avgGroup1"); path != "" {
		if opts.AvgGroup1, err = nifti.ReadVolume(path); err != nil {
			return Result{Job: job, Error: err}
		}
	}
	if path := getStringOption(job.Options, "avgGroup2"); path != "" {
		if opts.AvgGroup2, err = nifti.ReadVolume(path); err != nil {
			return Result{Job: job, Error: err}
		}
	}

	ext, err := cluster.Extract(stat, mask, opts)
	if err != nil && !errors.Is(err, cluster.ErrNoClusters) {
		return Result{Job: job, Error: err}
	}
	empty := errors.Is(err, cluster.ErrNoClusters)

	if err := nifti.WriteLabelVolume(job.Output, ext.Index); err != nil {
		return Result{Job: job, Error: err}
	}
	sidecar := fsutil.StripVolumeExt(job.Output) + "_fdr_params.json"
	if err := cluster.WriteParams(sidecar, ext.Params); err != nil {
		return Result{Job: job, Error: err}
	}
	if r.store != nil {
		_ = r.store.RecordExtractionRun(storage.ExtractionRunRecord{
			JobID:          job.ID,
			StatPath:       job.InputPath,
			IndexPath:      job.Output,
			Q:              ext.Params.Q,
			Cutoff:         ext.Params.OneMinusPCutoff,
			MinClusterSize: ext.Params.MinClusterSize,
			ClusterCount:   len(ext.Clusters),
		})
	}

	meta := map[string]any{
		"clusters": len(ext.Clusters),
		"cutoff":   ext.Params.OneMinusPCutoff,
		"empty":    empty,
		"sidecar":  sidecar,
	}

	// A composite fdr job mirrors its output tree in the same run.
	if getBoolOption(job.Options, "mirror") {
		mirrored, err := cluster.MirrorTree(filepath.Dir(job.Output), r.mirrorOptions(job))
		if err != nil {
			return Result{Job: job, Error: err, Meta: meta}
		}
		meta["mirrored"] = len(mirrored)
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleMirror(ctx context.Context, job Job) Result {
	pairs, err := cluster.MirrorTree(job.InputPath, r.mirrorOptions(job))
	if err != nil {
		return Result{Job: job, Error: err}
	}
	outputs := make([]string, len(pairs))
	for i, p := range pairs {
		outputs[i] = p.Output
	}
	meta := map[string]any{
		"mirrored": len(pairs),
		"outputs":  outputs,
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleValidate(ctx context.Context, job Job) Result {
	manifestPath := getStringOption(job.Options, "manifest")
	if manifestPath == "" {
		return Result{Job: job, Error: errors.New("validate job requires a manifest")}
	}
	manifest, err := experiment.ReadManifest(manifestPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	mode := validate.Mode(getStringOption(job.Options, "mode"))
	if mode == "" {
		mode = validate.Mode(r.cfg.Warp.Mode)
	}
	if mode == "" {
		mode = validate.CellDensity
	}
	workers := getIntOption(job.Options, "workers")
	if workers == 0 {
		workers = r.cfg.Warp.Workers
	}
	interp := validate.Interpolation(getStringOption(job.Options, "interp"))
	if interp == "" {
		interp = validate.Interpolation(r.cfg.Warp.Interpolation)
	}

	v := &validate.Validator{
		Warper:  r.warper,
		Mode:    mode,
		WorkDir: filepath.Join(filepath.Dir(job.Output), "warped"),
		Workers: workers,
		Log:     r.log,
		Interp:  interp,
	}
	res, err := v.ValidateCohort(ctx, job.InputPath, manifest)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	if err := validate.WriteRecords(job.Output, res.Records); err != nil {
		return Result{Job: job, Error: err}
	}
	if r.store != nil {
		_ = r.store.RecordDensities(job.ID, res.Records)
	}
	for _, sample := range res.Skipped {
		logging.LogSampleSkipped(r.log, job.ID, sample, "warp transform missing")
		if r.store != nil {
			_ = r.store.RecordSampleWarning(job.ID, sample, "warp transform missing")
		}
	}
	meta := map[string]any{
		"records": len(res.Records),
		"skipped": res.Skipped,
		"mode":    string(mode),
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleSummary(ctx context.Context, job Job) Result {
	keyPath := getStringOption(job.Options, "conditionKey")
	if keyPath == "" {
		return Result{Job: job, Error: errors.New("summary job requires a condition key")}
	}
	key, err := experiment.ReadConditionKey(keyPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	records, err := validate.ReadRecords(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	var regions map[int32]summary.RegionInfo
	if path := getStringOption(job.Options, "regionInfo"); path != "" {
		if regions, err = summary.ReadRegionInfo(path); err != nil {
			return Result{Job: job, Error: err}
		}
	}

	res, err := summary.Aggregate(records, key, regions)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	if err := summary.WriteCSV(job.Output, res); err != nil {
		return Result{Job: job, Error: err}
	}
	for _, sample := range res.Unmapped {
		logging.LogSampleSkipped(r.log, job.ID, sample, "not in condition key")
		if r.store != nil {
			_ = r.store.RecordSampleWarning(job.ID, sample, "not in condition key")
		}
	}

	meta := map[string]any{
		"clusters":   len(res.Clusters),
		"conditions": res.Conditions,
		"unmapped":   res.Unmapped,
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) loadStatAndMask(job Job) (*voxel.Volume, *voxel.LabelVolume, error) {
	stat, err := nifti.ReadVolume(job.InputPath)
	if err != nil {
		return nil, nil, err
	}
	var mask *voxel.LabelVolume
	if path := getStringOption(job.Options, "mask"); path != "" {
		if mask, err = nifti.ReadLabelVolume(path); err != nil {
			return nil, nil, err
		}
	}
	return stat, mask, nil
}

func (r *router) mirrorOptions(job Job) cluster.MirrorOptions {
	opts := cluster.DefaultMirrorOptions()
	if r.cfg.Mirror.Marker != "" {
		opts.Marker = r.cfg.Mirror.Marker
	}
	if r.cfg.Mirror.Suffix != "" {
		opts.Suffix = r.cfg.Mirror.Suffix
	}
	if r.cfg.Mirror.Hemisphere != "" {
		opts.Hemisphere = r.cfg.Mirror.Hemisphere
	}
	opts.LabelOffset = r.cfg.Mirror.LabelOffset
	opts.SourceSide = getStringOption(job.Options, "side")
	return opts
}

// Helper functions to safely extract typed options from job.Options map
func getBoolOption(options map[string]any, key string) bool {
	if val, ok := options[key].(bool); ok {
		return val
	}
	return false
}

func getFloat64Option(options map[string]any, key string) float64 {
	if val, ok := options[key].(float64); ok {
		return val
	}
	return 0.0
}

func getIntOption(options map[string]any, key string) int {
	if val, ok := options[key].(int); ok {
		return val
	}
	return 0
}

func getStringOption(options map[string]any, key string) string {
	if val, ok := options[key].(string); ok {
		return val
	}
	return ""
}
