package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the process-wide configuration: which files to open, how to
// treat live/road-only overlays, cache placement, and worker sizing. It
// is a flat struct with sane zero-value defaults, substituting OBF
// deployment knobs (file locations, version overrides, cache placement) for
// the usual DB/import-pipeline ones.
type Config struct {
	// Input settings
	ObfDir       string   `yaml:"obf_dir"`       // directory scanned for .obf files
	ObfFiles     []string `yaml:"obf_files"`     // explicit file list, in addition to ObfDir
	UseLive      bool     `yaml:"use_live"`      // honor live/ incremental overlay files
	RoutingOnly  bool     `yaml:"routing_only"`  // skip map/transport indexes, open routing indexes only

	// Cache settings
	CacheDir     string `yaml:"cache_dir"`     // directory holding the offset-manifest cache file
	CacheFile    string `yaml:"cache_file"`    // manifest file name within CacheDir

	// Version overrides, settable for test builds against fixture files built
	// against an older container/manifest format.
	MapVersion   int64 `yaml:"map_version"`
	CacheVersion int64 `yaml:"cache_version"`

	// Processing settings
	Workers int `yaml:"workers"`

	// Logging and metrics
	LogFile         string        `yaml:"log_file"`         // path to log file (empty = no file logging)
	MetricsInterval time.Duration `yaml:"metrics_interval"` // interval for query-progress metrics logging
	Verbose         bool          `yaml:"verbose"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ObfDir:          "./maps",
		UseLive:         false,
		RoutingOnly:     false,
		CacheDir:        "./cache",
		CacheFile:       "indexes.cache",
		MapVersion:      3,
		CacheVersion:    2,
		Workers:         runtime.NumCPU(),
		LogFile:         "",
		MetricsInterval: 30 * time.Second,
		Verbose:         false,
	}
}

// Load reads YAML configuration from path, starting from DefaultConfig and
// overriding only the fields path sets, layering a file over the defaults
// rather than requiring every field to be present.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.ObfDir == "" && len(c.ObfFiles) == 0 {
		return fmt.Errorf("no OBF files configured: set obf_dir or obf_files")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.CacheDir == "" {
		return fmt.Errorf("cache_dir is required")
	}
	if c.MapVersion <= 0 {
		return fmt.Errorf("map_version must be positive")
	}
	if c.CacheVersion <= 0 {
		return fmt.Errorf("cache_version must be positive")
	}
	return nil
}
