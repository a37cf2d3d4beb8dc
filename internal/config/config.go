// Package config loads the spatialserver configuration document.
package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath = "~/.config/spatialserver/config.json"
	defaultParallel   = 2
)

// Config holds user-editable settings for map builds and localization.
type Config struct {
	Processing Processing      `json:"processing"`
	Logging    Logging         `json:"logging"`
	Paths      Paths           `json:"paths"`
	Tools      ToolPreferences `json:"tools"`
	Geometry   GeometryConfig  `json:"geometry"`
	Localize   LocalizeConfig  `json:"localize"`
}

// Processing captures execution preferences for the job controller.
type Processing struct {
	ParallelJobs   int    `json:"parallel_jobs"`
	TempDir        string `json:"temp_dir"`
	BuildHardLimit string `json:"build_hard_limit"` // e.g. "10m"
	BuildSoftLimit string `json:"build_soft_limit"` // e.g. "9m"
	MaxRetries     int    `json:"max_retries"`
	RetryBackoff   string `json:"retry_backoff"` // e.g. "60s"
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
	MaxSize    int    `json:"max_size"`    // Max size in MB before rotation
	MaxBackups int    `json:"max_backups"` // Number of backup files to keep
	MaxAge     int    `json:"max_age"`     // Days to keep log files
}

// Paths configures default input/output locations.
type Paths struct {
	MapDataRoot  string `json:"map_data_root"`
	DatabasePath string `json:"database_path"`
}

// ExternalToolConfig generalizes the teacher's per-tool preferred/fallback
// chain to any externally-invoked binary (colmap, ffmpeg, ns-process-data,
// the segmentation runner).
type ExternalToolConfig struct {
	Preferred string   `json:"preferred"`
	Fallbacks []string `json:"fallbacks"`
	ExtraArgs []string `json:"extra_args"`
}

// ToolPreferences names the external tool chain for each capability used by
// the map builder and geometry post-processor.
type ToolPreferences struct {
	SfM              ExternalToolConfig `json:"sfm"`               // colmap
	VideoIngest      ExternalToolConfig `json:"video_ingest"`      // ffmpeg / ns-process-data
	Segmentation     ExternalToolConfig `json:"segmentation"`      // dynamic-object mask model runner
	LocalFeatures    ExternalToolConfig `json:"local_features"`    // Superpoint-style keypoint/descriptor runner
	GlobalDescriptor ExternalToolConfig `json:"global_descriptor"` // NetVLAD-style retrieval descriptor runner
	Matcher          ExternalToolConfig `json:"matcher"`           // SuperGlue-style descriptor matcher runner
	PnPSolver        ExternalToolConfig `json:"pnp_solver"`        // PnP+RANSAC pose solver runner
}

// GeometryConfig carries the post-processing knobs DESIGN NOTES demands be
// explicit rather than buried in code: Manhattan alignment, ground
// elevation, and dynamic-object masking are each independently toggleable
// per map build. NegateYRotation and ApplyScale are carried in the config
// but are not read by the build pipeline.
type GeometryConfig struct {
	NegateYRotation bool    `json:"negate_y_rotation"`
	CropYMeters     float64 `json:"crop_y_meters"`
	ApplyScale      bool    `json:"apply_scale"`
	ManhattanAlign  bool    `json:"manhattan_align"`
	Elevate         bool    `json:"elevate"`
	VoxelSizeMeters float64 `json:"voxel_size_meters"`
	OutlierMeanK    int     `json:"outlier_mean_k"`
	OutlierStdRatio float64 `json:"outlier_std_ratio"`
	ElevationBucket float64 `json:"elevation_bucket_meters"`
	MaskDynamic     bool    `json:"mask_dynamic_objects"`
}

// LocalizeConfig controls the hierarchical localizer.
type LocalizeConfig struct {
	RetrievalTopK      int     `json:"retrieval_top_k"`
	MinInlierRatio     float64 `json:"min_inlier_ratio"`
	MinInlierCount     int     `json:"min_inlier_count"`
	RansacReprojErrPx  float64 `json:"ransac_reproj_err_px"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := defaultConfig()

	configPath := os.Getenv("SPATIALSERVER_CONFIG")
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
			ParallelJobs:   defaultParallel,
			TempDir:        os.TempDir(),
			BuildHardLimit: "10m",
			BuildSoftLimit: "9m",
			MaxRetries:     3,
			RetryBackoff:   "60s",
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
		},
		Paths: Paths{
			MapDataRoot:  "./map_data",
			DatabasePath: filepath.Join(os.TempDir(), "spatialserver.db"),
		},
		Tools: ToolPreferences{
			SfM:              ExternalToolConfig{Preferred: "colmap", Fallbacks: nil},
			VideoIngest:      ExternalToolConfig{Preferred: "ns-process-data", Fallbacks: []string{"ffmpeg"}},
			Segmentation:     ExternalToolConfig{Preferred: "segment-runner", Fallbacks: nil},
			LocalFeatures:    ExternalToolConfig{Preferred: "superpoint-runner", Fallbacks: nil},
			GlobalDescriptor: ExternalToolConfig{Preferred: "netvlad-runner", Fallbacks: nil},
			Matcher:          ExternalToolConfig{Preferred: "superglue-runner", Fallbacks: nil},
			PnPSolver:        ExternalToolConfig{Preferred: "pnp-runner", Fallbacks: nil},
		},
		Geometry: GeometryConfig{
			NegateYRotation: true,
			CropYMeters:     2.0,
			ApplyScale:      true,
			ManhattanAlign:  true,
			Elevate:         true,
			VoxelSizeMeters: 0.08,
			OutlierMeanK:    100,
			OutlierStdRatio: 1.5,
			ElevationBucket: 0.5,
			MaskDynamic:     true,
		},
		Localize: LocalizeConfig{
			RetrievalTopK:     20,
			MinInlierRatio:    0.15,
			MinInlierCount:    12,
			RansacReprojErrPx: 8.0,
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
