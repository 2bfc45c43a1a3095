// Package config loads the engine's configuration from YAML, with
// environment-variable overrides for the operational knobs operators most
// often need to tune without editing the pipeline file.
package config

import (
	"os"
	"strconv"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the engine-wide tunables: memory cap, spill layout, and
// concurrency limits.
type Config struct {
	MemCapBytes         int64  `yaml:"memCapBytes"`
	BlockSizeHint       int64  `yaml:"blockSizeHint"`
	MaxSpillConcurrency int    `yaml:"maxSpillConcurrency"`
	Seed                int64  `yaml:"seed"`
	MaxParallelTasks    int    `yaml:"maxParallelTasks"`
	// FanIn is the scheduler's frontier bound K: the cap on live blocks
	// the tree-evaluation order keeps started-but-unfinished at once. It
	// is independent of MaxParallelTasks, the worker-pool concurrency
	// cap; the engine clamps actual concurrency to the smaller of the
	// two.
	FanIn    int    `yaml:"fanIn"`
	SpillDir string `yaml:"spillDir"`
}

const (
	defaultMaxSpillConcurrency = 4
	defaultMaxParallelTasks    = 4
	defaultFanIn               = 2
)

// Read loads a Config from the YAML file at path, applies defaults for the
// optional fields, then applies environment-variable overrides.
func Read(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't open config file")
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, errors.Wrap(err, "couldn't decode yaml configuration")
	}
	cfg.applyDefaults()
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.expandSpillDir(); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

// Default builds a Config from defaults alone, for CLI invocations that
// supply every knob via flags rather than a config file.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// ApplyFlagOverrides overwrites the given fields when their zero-value
// sentinel is not the caller's default, giving CLI flags the final say
// over both a loaded config file and the environment-variable overrides
// Read already applied.
func (c *Config) ApplyFlagOverrides(memCapBytes int64, spillDir string, maxParallelTasks, fanIn int) {
	if memCapBytes > 0 {
		c.MemCapBytes = memCapBytes
	}
	if spillDir != "" {
		c.SpillDir = spillDir
	}
	if maxParallelTasks > 0 {
		c.MaxParallelTasks = maxParallelTasks
	}
	if fanIn > 0 {
		c.FanIn = fanIn
	}
}

// FinishForCLI runs the same spillDir expansion and validation Read
// applies, for a Config assembled outside of Read (Default + flags).
func (c *Config) FinishForCLI() error {
	if err := c.expandSpillDir(); err != nil {
		return err
	}
	return c.Validate()
}

// expandSpillDir resolves a leading "~" in SpillDir, the one place this
// config still needs a home directory.
func (c *Config) expandSpillDir() error {
	if c.SpillDir == "" {
		return nil
	}
	expanded, err := homedir.Expand(c.SpillDir)
	if err != nil {
		return errors.Wrap(err, "couldn't expand spillDir")
	}
	c.SpillDir = expanded
	return nil
}

func (c *Config) applyDefaults() {
	if c.MaxSpillConcurrency <= 0 {
		c.MaxSpillConcurrency = defaultMaxSpillConcurrency
	}
	if c.MaxParallelTasks <= 0 {
		c.MaxParallelTasks = defaultMaxParallelTasks
	}
	if c.FanIn <= 0 {
		c.FanIn = defaultFanIn
	}
	if c.BlockSizeHint <= 0 && c.MemCapBytes > 0 {
		c.BlockSizeHint = c.MemCapBytes / int64(defaultFanIn*8)
	}
}

// applyEnvOverrides reads EMSQRT_MEM_CAP_BYTES, EMSQRT_SPILL_DIR,
// EMSQRT_MAX_PARALLEL_TASKS and EMSQRT_FAN_IN.
func (c *Config) applyEnvOverrides() error {
	if v, ok := os.LookupEnv("EMSQRT_MEM_CAP_BYTES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return errors.Wrap(err, "invalid EMSQRT_MEM_CAP_BYTES")
		}
		c.MemCapBytes = n
	}
	if v, ok := os.LookupEnv("EMSQRT_SPILL_DIR"); ok {
		c.SpillDir = v
	}
	if v, ok := os.LookupEnv("EMSQRT_MAX_PARALLEL_TASKS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "invalid EMSQRT_MAX_PARALLEL_TASKS")
		}
		c.MaxParallelTasks = n
	}
	if v, ok := os.LookupEnv("EMSQRT_FAN_IN"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "invalid EMSQRT_FAN_IN")
		}
		c.FanIn = n
	}
	return nil
}

// Validate checks the fields that have no safe default.
func (c *Config) Validate() error {
	if c.MemCapBytes <= 0 {
		return errors.New("memCapBytes must be positive")
	}
	if c.SpillDir == "" {
		return errors.New("spillDir is required")
	}
	return nil
}
