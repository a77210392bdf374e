package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Loader handles configuration loading from various sources
type Loader struct{}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{}
}

// LoadForBuild merges, in increasing precedence: defaults, the user config
// file, a project config file found near the first source, environment
// variables, command-line flags.
func (l *Loader) LoadForBuild(cmd *cobra.Command, sources []string) (*Config, error) {
	l.setupViperDefaults()
	l.loadUserConfig()
	l.loadLocalConfig(sources)
	l.bindEnvironment()
	l.bindCommandFlags(cmd)

	return Load()
}

// setupViperDefaults sets up default values for viper
func (l *Loader) setupViperDefaults() {
	viper.SetDefault("out_dir", DefaultOutDir)
	viper.SetDefault("opt_level", DefaultOptLevel)
	viper.SetDefault("num_jobs", DefaultJobs)
}

// loadUserConfig loads the per-user configuration file
func (l *Loader) loadUserConfig() {
	base, err := os.UserConfigDir()
	if err != nil {
		return
	}

	userDir := filepath.Join(base, "cbuild")

	for _, ext := range []string{"yml", "yaml", "json", "toml"} {
		userPath := filepath.Join(userDir, "config."+ext)

		if _, err := os.Stat(userPath); err == nil {
			viper.SetConfigFile(userPath)

			if err := viper.ReadInConfig(); err == nil {
				break
			}
		}
	}
}

// loadLocalConfig loads project configuration from the source directory
func (l *Loader) loadLocalConfig(sources []string) {
	if len(sources) == 0 {
		return
	}

	absFirst, err := filepath.Abs(sources[0])
	if err != nil {
		return
	}

	localPath := FindLocalConfig(filepath.Dir(absFirst))
	if localPath != "" {
		viper.SetConfigFile(localPath)
		_ = viper.ReadInConfig()
	}
}

// bindEnvironment binds the well-known build environment variables
func (l *Loader) bindEnvironment() {
	_ = viper.BindEnv("target", "TARGET")
	_ = viper.BindEnv("host", "HOST")
	_ = viper.BindEnv("out_dir", "OUT_DIR")
	_ = viper.BindEnv("opt_level", "OPT_LEVEL")
	_ = viper.BindEnv("num_jobs", "NUM_JOBS")
}

// bindCommandFlags binds command flags to viper
func (l *Loader) bindCommandFlags(cmd *cobra.Command) {
	_ = viper.BindPFlag("target", cmd.Flags().Lookup("target"))
	_ = viper.BindPFlag("host", cmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("out_dir", cmd.Flags().Lookup("out-dir"))
	_ = viper.BindPFlag("opt_level", cmd.Flags().Lookup("opt-level"))
	_ = viper.BindPFlag("num_jobs", cmd.Flags().Lookup("jobs"))
	_ = viper.BindPFlag("compiler", cmd.Flags().Lookup("compiler"))
	_ = viper.BindPFlag("archiver", cmd.Flags().Lookup("archiver"))
	_ = viper.BindPFlag("verbose", cmd.Flags().Lookup("verbose"))
}
