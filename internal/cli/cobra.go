package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"brainmap/internal/config"
	"brainmap/internal/pipeline"
	"brainmap/internal/storage"
	"brainmap/internal/watch"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	root := NewRoot(pipe, cfg, log, store)

	rootCmd := &cobra.Command{
		Use:   "brainmap",
		Short: "Brainmap validates voxelwise statistics as anatomical clusters",
		Long: `Brainmap thresholds voxelwise statistic maps at a chosen false discovery
rate, extracts significant clusters, mirrors them across hemispheres, warps
them into each sample's tissue space, and summarizes cell densities per
experimental condition.`,
	}

	// Add subcommands
	rootCmd.AddCommand(newFDRRangeCmd(root))
	rootCmd.AddCommand(newFDRCmd(root))
	rootCmd.AddCommand(newMirrorCmd(root))
	rootCmd.AddCommand(newValidateCmd(root))
	rootCmd.AddCommand(newSummaryCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func newFDRRangeCmd(root *Root) *cobra.Command {
	var (
		mask    string
		qValues []float64
		minSize int
	)

	cmd := &cobra.Command{
		Use:   "fdr-range <stat_volume>",
		Short: "Probe a range of q values against a 1-p statistic map",
		Long: `Run the FDR threshold over several q values and report which ones still
yield clusters of the minimum size. Use the output to pick the strictest
rate worth extracting at.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]

			if minSize == 0 {
				minSize = root.cfg.FDR.MinClusterSize
			}

			job := pipeline.Job{
				ID:        newID("fr"),
				Type:      pipeline.JobFDRRange,
				InputPath: input,
				Options: map[string]any{
					"mask":           mask,
					"qValues":        qValues,
					"minClusterSize": minSize,
					"source":         "cli",
				},
			}
			return root.enqueueAndWait(context.Background(), job)
		},
	}

	cmd.Flags().StringVar(&mask, "mask", "", "brain mask volume restricting the voxels considered")
	cmd.Flags().Float64SliceVarP(&qValues, "q", "q", nil, "q values to probe (repeatable), config defaults if empty")
	cmd.Flags().IntVar(&minSize, "min-cluster-size", 0, "minimum cluster size in voxels, config default if 0")

	return cmd
}

func newFDRCmd(root *Root) *cobra.Command {
	var (
		mask        string
		output      string
		q           float64
		minSize     int
		signEpsilon float64
		avgGroup1   string
		avgGroup2   string
		mirror      bool
	)

	cmd := &cobra.Command{
		Use:   "fdr <stat_volume> [output_volume]",
		Short: "Threshold a statistic map and extract significant clusters",
		Long: `Threshold a 1-p statistic map at the FDR cutoff for q, label the surviving
voxels into clusters, and write a cluster index volume plus a JSON sidecar
recording the threshold parameters. Cluster labels are ordered by
descending size.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]

			if len(args) > 1 {
				output = args[1]
			}
			if output == "" {
				base := filepath.Base(filepath.Clean(input))
				output = filepath.Join(root.cfg.Paths.DefaultOutput, "rev_cluster_index_"+base)
			}

			job := pipeline.Job{
				ID:        newID("fdr"),
				Type:      pipeline.JobFDR,
				InputPath: input,
				Output:    output,
				Options: map[string]any{
					"mask":           mask,
					"q":              q,
					"minClusterSize": minSize,
					"signEpsilon":    signEpsilon,
					"avgGroup1":      avgGroup1,
					"avgGroup2":      avgGroup2,
					"mirror":         mirror,
					"source":         "cli",
				},
			}
			return root.enqueueAndWait(context.Background(), job)
		},
	}

	cmd.Flags().StringVar(&mask, "mask", "", "brain mask volume restricting the voxels considered")
	cmd.Flags().Float64VarP(&q, "q", "q", 0.05, "false discovery rate")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output cluster index path")
	cmd.Flags().IntVar(&minSize, "min-cluster-size", 0, "minimum cluster size in voxels, config default if 0")
	cmd.Flags().Float64Var(&signEpsilon, "sign-epsilon", 0, "minimum group difference to call a cluster direction, config default if 0")
	cmd.Flags().StringVar(&avgGroup1, "avg-group1", "", "group 1 average volume for cluster direction")
	cmd.Flags().StringVar(&avgGroup2, "avg-group2", "", "group 2 average volume for cluster direction")
	cmd.Flags().BoolVar(&mirror, "mirror", false, "mirror the output tree across hemispheres after extraction")

	return cmd
}

func newMirrorCmd(root *Root) *cobra.Command {
	var side string

	cmd := &cobra.Command{
		Use:   "mirror <directory>",
		Short: "Mirror cluster index volumes across hemispheres",
		Long: `Walk a directory tree, flip every cluster index volume left-right, and
write the result next to the original with a suffix. Already-mirrored
files are skipped, so a second run is a no-op. Indexes drawn from the
non-default hemisphere get the configured label offset on mirroring.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        newID("mir"),
				Type:      pipeline.JobMirror,
				InputPath: args[0],
				Options: map[string]any{
					"side":   side,
					"source": "cli",
				},
			}
			return root.enqueueAndWait(context.Background(), job)
		},
	}

	cmd.Flags().StringVar(&side, "side", "", "hemisphere the input indexes cover (left|right)")

	return cmd
}

func newValidateCmd(root *Root) *cobra.Command {
	var (
		manifest string
		output   string
		mode     string
		interp   string
		workers  int
	)

	cmd := &cobra.Command{
		Use:   "validate <cluster_index> [output_csv]",
		Short: "Warp clusters to each sample and measure densities",
		Long: `Warp a cluster index volume into the tissue space of every sample in the
manifest and measure per-cluster cell or label density. Samples whose warp
transforms are missing are skipped with a warning.

Examples:
  brainmap validate clusters.nii.gz --manifest cohort.yaml -o densities.csv
  brainmap validate clusters.nii.gz --manifest cohort.yaml --mode label_density`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]

			if len(args) > 1 {
				output = args[1]
			}
			if output == "" {
				output = filepath.Join(root.cfg.Paths.DefaultOutput, "cluster_densities.csv")
			}

			job := pipeline.Job{
				ID:        newID("val"),
				Type:      pipeline.JobValidate,
				InputPath: input,
				Output:    output,
				Options: map[string]any{
					"manifest": manifest,
					"mode":     mode,
					"interp":   interp,
					"workers":  workers,
					"source":   "cli",
				},
			}
			return root.enqueueAndWait(context.Background(), job)
		},
	}

	cmd.Flags().StringVarP(&manifest, "manifest", "m", "", "cohort manifest YAML (required)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output density CSV path")
	cmd.Flags().StringVar(&mode, "mode", "", "density mode (cell_density|label_density), config default if empty")
	cmd.Flags().StringVar(&interp, "interp", "", "warp interpolator (NearestNeighbor|MultiLabel), config default if empty")
	cmd.Flags().IntVar(&workers, "workers", 0, "samples validated in parallel, config default if 0")
	cmd.MarkFlagRequired("manifest")

	return cmd
}

func newSummaryCmd(root *Root) *cobra.Command {
	var (
		conditionKey string
		regionInfo   string
		output       string
	)

	cmd := &cobra.Command{
		Use:   "summary <density_csv> [output_csv]",
		Short: "Aggregate densities into a per-cluster summary table",
		Long: `Join a density CSV with the sample-to-condition key, pivot to one row per
cluster with per-sample density columns, and add per-condition mean and
standard deviation. Two-condition designs also get a Welch t-test p-value.
Samples absent from the key are reported as warnings.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]

			if len(args) > 1 {
				output = args[1]
			}
			if output == "" {
				output = filepath.Join(root.cfg.Paths.DefaultOutput, "cluster_summary.csv")
			}

			job := pipeline.Job{
				ID:        newID("sum"),
				Type:      pipeline.JobSummary,
				InputPath: input,
				Output:    output,
				Options: map[string]any{
					"conditionKey": conditionKey,
					"regionInfo":   regionInfo,
					"source":       "cli",
				},
			}
			return root.enqueueAndWait(context.Background(), job)
		},
	}

	cmd.Flags().StringVarP(&conditionKey, "key", "k", "", "sample-to-condition CSV (required)")
	cmd.Flags().StringVar(&regionInfo, "region-info", "", "optional cluster annotation CSV (cluster_id, side, name, abbreviation)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output summary CSV path")
	cmd.MarkFlagRequired("key")

	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr       string
		watchPaths []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP server with job monitoring",
		Long: `Start an HTTP server that provides APIs for job monitoring and result
streaming. Optionally watches directories and mirrors new cluster index
volumes as they appear.

Examples:
  # Basic server
  brainmap serve --addr :8080

  # Server that mirrors new cluster indexes automatically
  brainmap serve --addr :8080 --watch /data/experiments/exp42/stats`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("starting server",
				"addr", addr,
				"watch_paths", watchPaths,
				"endpoints", []string{"/healthz", "/jobs", "/runs", "/stream", "/ws"},
			)
			return root.serveFn(context.Background(), addr, watchPaths)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "server address (host:port)")
	cmd.Flags().StringSliceVar(&watchPaths, "watch", nil, "directories to monitor for new cluster indexes")

	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch <directory>...",
		Short: "Watch directories and mirror new cluster indexes",
		Long: `Monitor directories for newly written cluster index volumes and submit a
mirror job for each once writes settle. Runs until interrupted. The serve
command offers the same watching alongside the HTTP API.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			realPipeline, ok := root.pipeline.(*pipeline.Pipeline)
			if !ok {
				return fmt.Errorf("pipeline unavailable for watching")
			}

			w, err := watch.New(args, root.cfg.Mirror.Marker, root.cfg.Mirror.Suffix, root.log)
			if err != nil {
				return err
			}
			if err := w.Start(); err != nil {
				return err
			}
			submitter := &watch.Submitter{Pipe: realPipeline, Log: root.log}
			go submitter.Run(w.Events)

			root.log.Info("watching for cluster indexes", "dirs", args)
			<-cmd.Context().Done()
			return w.Stop()
		},
	}

	return cmd
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show or validate brainmap configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("Configuration:\n\n")
			fmt.Printf("Database Path: %s\n", root.cfg.Paths.DatabasePath)
			fmt.Printf("Default Output: %s\n", root.cfg.Paths.DefaultOutput)
			fmt.Printf("Temp Directory: %s\n", root.cfg.Processing.TempDir)
			fmt.Printf("Parallel Jobs: %d\n", root.cfg.Processing.ParallelJobs)
			fmt.Printf("Log Level: %s\n", root.cfg.Logging.Level)
			fmt.Printf("Log Format: %s\n", root.cfg.Logging.Format)
			fmt.Printf("Log Directory: %s\n", root.cfg.Logging.LogDir)
			fmt.Printf("Q Values: %v\n", root.cfg.FDR.QValues)
			fmt.Printf("Min Cluster Size: %d\n", root.cfg.FDR.MinClusterSize)
			fmt.Printf("Mirror Marker: %s\n", root.cfg.Mirror.Marker)
			fmt.Printf("Mirror Suffix: %s\n", root.cfg.Mirror.Suffix)
			fmt.Printf("Mirror Hemisphere: %s\n", root.cfg.Mirror.Hemisphere)
			fmt.Printf("Warp Binary: %s\n", root.cfg.Warp.Binary)
			fmt.Printf("Warp Mode: %s\n", root.cfg.Warp.Mode)
			fmt.Printf("Warp Interpolation: %s\n", root.cfg.Warp.Interpolation)
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.cfg.FDR.MinClusterSize < 0 {
				return fmt.Errorf("min_cluster_size must not be negative")
			}
			for _, q := range root.cfg.FDR.QValues {
				if q <= 0 || q >= 1 {
					return fmt.Errorf("q value %g outside (0,1)", q)
				}
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Println("Configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, validateCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println("Brainmap v1.0.0")
		},
	}
}
