package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"

	"brainmap/internal/config"
	"brainmap/internal/pipeline"
)

func TestCommandsDispatchJobs(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	temp := t.TempDir()
	manifest := filepath.Join(temp, "cohort.yaml")
	touch(t, manifest)
	key := filepath.Join(temp, "key.csv")
	touch(t, key)

	cases := []struct {
		name       string
		cmd        func() error
		expectType pipeline.JobType
	}{
		{"fdr-range", func() error {
			return execute(newFDRRangeCmd(root), "stats.nii.gz", "-q", "0.05", "-q", "0.01")
		}, pipeline.JobFDRRange},
		{"fdr", func() error {
			return execute(newFDRCmd(root), "stats.nii.gz", "-q", "0.05", "--min-cluster-size", "50")
		}, pipeline.JobFDR},
		{"mirror", func() error {
			return execute(newMirrorCmd(root), temp)
		}, pipeline.JobMirror},
		{"validate", func() error {
			return execute(newValidateCmd(root), "clusters.nii.gz", "-m", manifest, "--mode", "label_density")
		}, pipeline.JobValidate},
		{"summary", func() error {
			return execute(newSummaryCmd(root), "densities.csv", "-k", key)
		}, pipeline.JobSummary},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fakePipe.reset()
			if err := tc.cmd(); err != nil {
				t.Fatalf("run failed: %v", err)
			}
			if len(fakePipe.jobs) != 1 {
				t.Fatalf("expected one job, got %d", len(fakePipe.jobs))
			}
			if fakePipe.jobs[0].Type != tc.expectType {
				t.Fatalf("expected type %s, got %s", tc.expectType, fakePipe.jobs[0].Type)
			}
		})
	}
}

func TestFDRCommandBuildsJob(t *testing.T) {
	root, fakePipe := newTestRoot(t)

	err := execute(newFDRCmd(root), "vox_p_tstat.nii.gz",
		"-q", "0.01",
		"--avg-group1", "avg1.nii.gz",
		"--avg-group2", "avg2.nii.gz",
		"--mirror")
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	job := fakePipe.jobs[0]
	if job.InputPath != "vox_p_tstat.nii.gz" {
		t.Fatalf("input path wrong: %s", job.InputPath)
	}
	wantOut := filepath.Join(root.cfg.Paths.DefaultOutput, "rev_cluster_index_vox_p_tstat.nii.gz")
	if job.Output != wantOut {
		t.Fatalf("default output wrong: %s", job.Output)
	}
	if job.Options["q"] != 0.01 || job.Options["mirror"] != true {
		t.Fatalf("options wrong: %v", job.Options)
	}
	if job.Options["avgGroup1"] != "avg1.nii.gz" || job.Options["avgGroup2"] != "avg2.nii.gz" {
		t.Fatalf("group average options wrong: %v", job.Options)
	}
}

func TestFDRCommandExplicitOutputArgument(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	if err := execute(newFDRCmd(root), "stats.nii.gz", "clusters.nii.gz"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if fakePipe.jobs[0].Output != "clusters.nii.gz" {
		t.Fatalf("positional output ignored: %s", fakePipe.jobs[0].Output)
	}
}

func TestValidateCommandRequiresManifest(t *testing.T) {
	root, _ := newTestRoot(t)
	if err := execute(newValidateCmd(root), "clusters.nii.gz"); err == nil {
		t.Fatalf("expected error for missing manifest flag")
	}
}

func TestValidateCommandPassesInterp(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	manifest := filepath.Join(t.TempDir(), "cohort.yaml")
	touch(t, manifest)

	if err := execute(newValidateCmd(root), "clusters.nii.gz", "-m", manifest, "--interp", "MultiLabel"); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if fakePipe.jobs[0].Options["interp"] != "MultiLabel" {
		t.Fatalf("interp option missing: %v", fakePipe.jobs[0].Options)
	}
}

func TestSummaryCommandRequiresKey(t *testing.T) {
	root, _ := newTestRoot(t)
	if err := execute(newSummaryCmd(root), "densities.csv"); err == nil {
		t.Fatalf("expected error for missing key flag")
	}
}

func TestServeCommandUsesConfiguredServer(t *testing.T) {
	root, _ := newTestRoot(t)
	var gotAddr string
	var gotWatch []string
	root.serveFn = func(ctx context.Context, addr string, watchPaths []string) error {
		gotAddr = addr
		gotWatch = watchPaths
		return nil
	}

	if err := execute(newServeCmd(root), "--addr", ":9090", "--watch", "/data/a", "--watch", "/data/b"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if gotAddr != ":9090" {
		t.Fatalf("server got addr %q", gotAddr)
	}
	if len(gotWatch) != 2 || gotWatch[0] != "/data/a" || gotWatch[1] != "/data/b" {
		t.Fatalf("server got watch paths %v", gotWatch)
	}
}

func TestEnqueueAndWaitPropagatesErrors(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	wantErr := errors.New("threshold produced nothing")
	fakePipe.jobErrors[string(pipeline.JobFDR)] = wantErr

	err := execute(newFDRCmd(root), "stats.nii.gz")
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected pipeline error to surface, got %v", err)
	}
}

func TestEnqueueRespectsCancelledContext(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := root.enqueue(ctx, pipeline.Job{ID: "j1", Type: pipeline.JobMirror})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(fakePipe.jobs) != 0 {
		t.Fatalf("cancelled enqueue must not submit")
	}
}

func TestConfigShowPrintsSettings(t *testing.T) {
	root, _ := newTestRoot(t)
	out := captureOutput(t, func() {
		cmd := newConfigCmd(root)
		cmd.SetArgs([]string{"show"})
		if err := cmd.Execute(); err != nil {
			t.Errorf("config show failed: %v", err)
		}
	})
	if !strings.Contains(out, "Min Cluster Size") || !strings.Contains(out, "Mirror Marker") {
		t.Fatalf("config show output incomplete:\n%s", out)
	}
}

func TestConfigValidateRejectsBadQ(t *testing.T) {
	root, _ := newTestRoot(t)
	root.cfg.FDR.QValues = []float64{0.05, 1.5}
	cmd := newConfigCmd(root)
	cmd.SetArgs([]string{"validate"})
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected validation error for q outside (0,1)")
	}
}

func TestVersionCommand(t *testing.T) {
	root, _ := newTestRoot(t)
	var buf bytes.Buffer
	cmd := newVersionCmd(root)
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Brainmap") {
		t.Fatalf("unexpected version output: %s", buf.String())
	}
}

func TestNewIDPrefixes(t *testing.T) {
	id := newID("fdr")
	if !strings.HasPrefix(id, "fdr-") {
		t.Fatalf("id missing prefix: %s", id)
	}
	if id == newID("fdr") {
		t.Fatalf("ids must not repeat")
	}
}

// Test helpers

func newTestRoot(t *testing.T) (*Root, *fakePipeline) {
	t.Helper()

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	tmp := t.TempDir()
	cfg.Paths.DefaultOutput = filepath.Join(tmp, "output")
	cfg.Paths.DatabasePath = filepath.Join(tmp, "brainmap.db")

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pipe := newFakePipeline()

	root := &Root{
		pipeline: pipe,
		cfg:      cfg,
		log:      logger,
		store:    nil,
	}
	root.serveFn = root.defaultServe
	return root, pipe
}

func execute(cmd *cobra.Command, args ...string) error {
	cmd.SetArgs(args)
	cmd.SilenceErrors = true
	cmd.SilenceUsage = true
	cmd.SetOut(io.Discard)
	return cmd.Execute()
}

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	subs      map[int]chan pipeline.Result
	nextSubID int
	jobErrors map[string]error
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		subs:      make(map[int]chan pipeline.Result),
		jobErrors: make(map[string]error),
	}
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	subs := make([]chan pipeline.Result, 0, len(f.subs))
	for _, ch := range f.subs {
		subs = append(subs, ch)
	}
	err := f.errorFor(job)
	f.mu.Unlock()

	go func() {
		res := pipeline.Result{Job: job, Error: err, Meta: map[string]any{"ok": true}}
		for _, ch := range subs {
			ch <- res
		}
	}()
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Result, 2)
	f.subs[id] = ch
	unsub := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			close(c)
			delete(f.subs, id)
		}
	}
	return ch, unsub
}

func (f *fakePipeline) errorFor(job pipeline.Job) error {
	if err, ok := f.jobErrors[job.ID]; ok {
		return err
	}
	if err, ok := f.jobErrors[string(job.Type)]; ok {
		return err
	}
	return nil
}

func (f *fakePipeline) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = nil
	f.jobErrors = make(map[string]error)
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	fn()

	_ = w.Close()
	os.Stdout = oldStdout
	var buf bytes.Buffer
	_, _ = io.Copy(&buf, r)
	return buf.String()
}

func touch(t *testing.T, path string) {
	t.Helper()
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("failed to touch %s: %v", path, err)
	}
}
