package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: GRAPHRUN_SESSIONS_MAX sets
// sessions.max.
const EnvPrefix = "GRAPHRUN"

// FlagKeys maps command-line flag names to the keys they override.
var FlagKeys = map[string]string{
	"max-sessions":   "sessions.max",
	"max-workspaces": "workspaces.max",
	"policy":         "policy",
	"max-retries":    "retry.max_retries",
	"timeout":        "sessions.default_timeout",
	"checkpoint":     "checkpoint.path",
	"backend":        "workspaces.backend",
	"repo":           "workspaces.repo_path",
	"log-level":      "log.level",
	"log-format":     "log.format",
}

// Load reads and merges configuration from global and project paths,
// then applies environment variables and the flags that were set.
// Missing files are not errors; malformed files are. flags may be nil.
func Load(globalPath, projectPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if err := mergeConfigFile(v, globalPath); err != nil {
		return nil, fmt.Errorf("loading global config: %w", err)
	}
	if err := mergeConfigFile(v, projectPath); err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range FlagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("binding flag --%s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GlobalPath returns ~/.graphrun/config.yaml.
func GlobalPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".graphrun", "config.yaml"), nil
}

// ProjectPath is the project configuration file, relative to the working
// directory.
var ProjectPath = filepath.Join(".graphrun", "config.yaml")

// LoadDefault loads configuration from the conventional paths.
func LoadDefault(flags *pflag.FlagSet) (*Config, error) {
	globalPath, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, ProjectPath, flags)
}

// mergeConfigFile reads one file into its own viper instance and merges
// its settings over v.
func mergeConfigFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	layer := viper.New()
	layer.SetConfigFile(path)
	if ext := filepath.Ext(path); ext == "" {
		layer.SetConfigType("yaml")
	}
	if err := layer.ReadInConfig(); err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := v.MergeConfigMap(layer.AllSettings()); err != nil {
		return fmt.Errorf("merging %s: %w", path, err)
	}
	return nil
}
