package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/brainmap/config.json"
	defaultParallel   = 4
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	FDR        FDR        `json:"fdr"`
	Mirror     Mirror     `json:"mirror"`
	Warp       Warp       `json:"warp"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"`
	TempDir      string `json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput  string `json:"default_input"`
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// FDR configures thresholding and cluster extraction.
type FDR struct {
	QValues        []float64 `json:"q_values"`
	MinClusterSize int       `json:"min_cluster_size"`
	SignEpsilon    float64   `json:"sign_epsilon"`
}

// Mirror configures bilateral propagation of cluster indexes.
type Mirror struct {
	Marker      string `json:"marker"`
	Suffix      string `json:"suffix"`
	LabelOffset int32  `json:"label_offset"`
	Hemisphere  string `json:"hemisphere"` // default side, left or right
}

// Warp configures the external transform tool.
type Warp struct {
	Binary        string   `json:"binary"`
	Mode          string   `json:"mode"`          // cell_density, label_density
	Interpolation string   `json:"interpolation"` // NearestNeighbor, MultiLabel
	ExtraArgs     []string `json:"extra_args"`
	Workers       int      `json:"workers"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("BRAINMAP_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: defaultParallel,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "brainmap.db"),
		},
		FDR: FDR{
			QValues:        []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			MinClusterSize: 100,
			SignEpsilon:    1e-6,
		},
		Mirror: Mirror{
			Marker:     "rev_cluster_index",
			Suffix:     "_LRflip",
			Hemisphere: "left",
		},
		Warp: Warp{
			Binary:        "antsApplyTransforms",
			Mode:          "cell_density",
			Interpolation: "NearestNeighbor",
			Workers:       defaultParallel,
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
