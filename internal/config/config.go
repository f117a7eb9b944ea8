// Package config loads tether configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// envPrefix is the prefix for environment overrides.
const envPrefix = "TETHER_"

// KernelConfig describes how to launch the kernel process.
type KernelConfig struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	WorkDir string            `yaml:"work_dir"`
}

// Config is the full tether configuration.
type Config struct {
	Kernel KernelConfig `yaml:"kernel"`

	// RequestTimeout bounds individual RPC calls.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// RenderDebounce is the quiet period applied to geometry changes
	// before a re-render fires.
	RenderDebounce time.Duration `yaml:"render_debounce"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		RequestTimeout: 30 * time.Second,
		RenderDebounce: 500 * time.Millisecond,
		LogLevel:       "info",
	}
}

// Load reads the configuration file at path (if it exists), applies
// environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overlays TETHER_* environment variables onto cfg.
func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv(envPrefix + "KERNEL_COMMAND"); ok {
		cfg.Kernel.Command = v
	}
	if v, ok := os.LookupEnv(envPrefix + "KERNEL_ARGS"); ok {
		cfg.Kernel.Args = strings.Fields(v)
	}
	if v, ok := os.LookupEnv(envPrefix + "KERNEL_WORKDIR"); ok {
		cfg.Kernel.WorkDir = v
	}
	if v, ok := os.LookupEnv(envPrefix + "LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv(envPrefix + "REQUEST_TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RequestTimeout = d
		}
	}
	if v, ok := os.LookupEnv(envPrefix + "RENDER_DEBOUNCE"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RenderDebounce = d
		}
	}
}

// Validate checks the configuration for obvious mistakes.
func (c Config) Validate() error {
	if c.Kernel.Command == "" {
		return fmt.Errorf("kernel.command is required")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive")
	}
	if c.RenderDebounce < 0 {
		return fmt.Errorf("render_debounce must not be negative")
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}
