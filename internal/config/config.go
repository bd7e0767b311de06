// Package config loads the supervisor configuration from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileName is the default config file name inside the data directory.
const FileName = "config.yaml"

// Config holds all supervisor configuration.
type Config struct {
	// Dir is the data directory holding memory.db, schema.sql and audit.log.
	Dir     string        `yaml:"dir"`
	Caps    CapsConfig    `yaml:"caps"`
	Store   StoreConfig   `yaml:"store"`
	Logging LoggingConfig `yaml:"logging"`
}

// CapsConfig holds the per-kind cap thresholds.
type CapsConfig struct {
	MaxLoops            int `yaml:"max_loops"`
	MaxDelegationDepth  int `yaml:"max_delegation_depth"`
	MaxReflectionPasses int `yaml:"max_reflection_passes"`
}

// StoreConfig tunes the memory store.
type StoreConfig struct {
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
	CacheEntries  int    `yaml:"cache_entries"`
	CacheQueries  int    `yaml:"cache_queries"`
	CacheTTL      string `yaml:"cache_ttl"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// ConfigurationError reports a config file or override that could not be
// applied. The Config returned with it is still usable.
type ConfigurationError struct {
	Source string
	Err    error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Source, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// DefaultDir returns ~/.agent-supervisor.
func DefaultDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agent-supervisor")
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Dir: DefaultDir(),
		Caps: CapsConfig{
			MaxLoops:            5,
			MaxDelegationDepth:  3,
			MaxReflectionPasses: 3,
		},
		Store: StoreConfig{
			BusyTimeoutMS: 5000,
			CacheEntries:  1024,
			CacheQueries:  256,
			CacheTTL:      "30s",
		},
		Logging: LoggingConfig{
			Level: "warn",
		},
	}
}

// Load reads the config at path. A missing file yields the defaults. A
// malformed file or invalid values yield the defaults for the affected
// section plus a *ConfigurationError. Environment overrides are applied
// last in every case.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	var problems []error

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		loaded := DefaultConfig()
		if err := yaml.Unmarshal(data, loaded); err != nil {
			problems = append(problems, &ConfigurationError{Source: path, Err: err})
		} else {
			cfg = loaded
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		problems = append(problems, &ConfigurationError{Source: path, Err: err})
	}

	problems = append(problems, cfg.applyEnvOverrides()...)
	if err := cfg.validate(); err != nil {
		problems = append(problems, &ConfigurationError{Source: path, Err: err})
	}
	return cfg, errors.Join(problems...)
}

// applyEnvOverrides applies AGENT_SUPERVISOR_* variables.
func (c *Config) applyEnvOverrides() []error {
	var errs []error
	if dir := os.Getenv("AGENT_SUPERVISOR_DIR"); dir != "" {
		c.Dir = dir
	}
	if lvl := os.Getenv("AGENT_SUPERVISOR_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = lvl
	}
	envInt := func(name string, dst *int) {
		v := os.Getenv(name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, &ConfigurationError{Source: name, Err: err})
			return
		}
		*dst = n
	}
	envInt("AGENT_SUPERVISOR_MAX_LOOPS", &c.Caps.MaxLoops)
	envInt("AGENT_SUPERVISOR_MAX_DELEGATION_DEPTH", &c.Caps.MaxDelegationDepth)
	envInt("AGENT_SUPERVISOR_MAX_REFLECTION_PASSES", &c.Caps.MaxReflectionPasses)
	return errs
}

// validate resets out-of-range caps to their defaults.
func (c *Config) validate() error {
	def := DefaultConfig()
	var bad []string
	check := func(name string, v *int, d int) {
		if *v < 1 {
			bad = append(bad, fmt.Sprintf("%s=%d", name, *v))
			*v = d
		}
	}
	check("max_loops", &c.Caps.MaxLoops, def.Caps.MaxLoops)
	check("max_delegation_depth", &c.Caps.MaxDelegationDepth, def.Caps.MaxDelegationDepth)
	check("max_reflection_passes", &c.Caps.MaxReflectionPasses, def.Caps.MaxReflectionPasses)
	if c.Dir == "" {
		c.Dir = def.Dir
	}
	if len(bad) > 0 {
		return fmt.Errorf("caps must be positive, using defaults for %s", strings.Join(bad, ", "))
	}
	return nil
}

// Save writes the config to path as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
