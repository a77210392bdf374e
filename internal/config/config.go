package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Default configuration values
const (
	DefaultOutDir   = "."
	DefaultOptLevel = "2"
	DefaultJobs     = 0
)

// Holds the resolved build settings after merging defaults, config files,
// environment variables and command-line flags.
type Config struct {
	// Target triple to compile for
	Target string

	// Host triple the build runs on; defaults to Target
	Host string

	// Directory for objects and the archive
	OutDir string

	// Optimization level (0, 1, 2, 3, s, z)
	OptLevel string

	// Maximum parallel compiles; 0 means all CPUs
	Jobs int

	// Compiler executable override
	Compiler string

	// Archiver executable override
	Archiver string

	// Enable debug logging
	Verbose bool
}

func Load() (*Config, error) {
	cfg := &Config{
		Target:   viper.GetString("target"),
		Host:     viper.GetString("host"),
		OutDir:   viper.GetString("out_dir"),
		OptLevel: viper.GetString("opt_level"),
		Jobs:     viper.GetInt("num_jobs"),
		Compiler: viper.GetString("compiler"),
		Archiver: viper.GetString("archiver"),
		Verbose:  viper.GetBool("verbose"),
	}

	if cfg.OutDir == "" {
		cfg.OutDir = DefaultOutDir
	}

	if cfg.OptLevel == "" {
		cfg.OptLevel = DefaultOptLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Target == "" {
		return fmt.Errorf("target triple not specified")
	}

	if c.Host == "" {
		c.Host = c.Target
	}

	if c.Jobs < 0 {
		return fmt.Errorf("invalid job count: %d", c.Jobs)
	}

	return nil
}
