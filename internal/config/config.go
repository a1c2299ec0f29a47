// Package config holds the runtime configuration of the lens execution
// environment. Settings come from defaults, an optional YAML file, and
// LEE_* environment overrides, applied in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultExecutionTimeout is the per-lens wall-clock deadline.
	DefaultExecutionTimeout = 1000 * time.Millisecond

	// DefaultMaxConcurrentIsolates caps how many isolates may run at once
	// across concurrent pipeline calls.
	DefaultMaxConcurrentIsolates = 8
)

// Config controls one pipeline run. The zero value is not usable; start from
// Default().
type Config struct {
	// ExecutionTimeout is applied uniformly to every lens in a run.
	ExecutionTimeout time.Duration

	// FailFast stops the run after the first lens that records an error.
	FailFast bool

	// MaxConcurrentIsolates bounds simultaneous isolates process-wide.
	MaxConcurrentIsolates int64
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		ExecutionTimeout:      DefaultExecutionTimeout,
		FailFast:              false,
		MaxConcurrentIsolates: DefaultMaxConcurrentIsolates,
	}
}

// Validate reports configurations the pipeline cannot run with.
func (c Config) Validate() error {
	if c.ExecutionTimeout <= 0 {
		return fmt.Errorf("execution timeout must be positive, got %s", c.ExecutionTimeout)
	}
	if c.MaxConcurrentIsolates <= 0 {
		return fmt.Errorf("max concurrent isolates must be positive, got %d", c.MaxConcurrentIsolates)
	}
	return nil
}

// fileConfig is the on-disk YAML shape. Durations are strings ("750ms").
type fileConfig struct {
	ExecutionTimeout      string `yaml:"execution_timeout"`
	FailFast              *bool  `yaml:"fail_fast"`
	MaxConcurrentIsolates *int64 `yaml:"max_concurrent_isolates"`
}

// Load reads a YAML config file over the defaults. Missing keys keep their
// default values.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	if fc.ExecutionTimeout != "" {
		d, err := time.ParseDuration(fc.ExecutionTimeout)
		if err != nil {
			return cfg, fmt.Errorf("parse execution_timeout: %w", err)
		}
		cfg.ExecutionTimeout = d
	}
	if fc.FailFast != nil {
		cfg.FailFast = *fc.FailFast
	}
	if fc.MaxConcurrentIsolates != nil {
		cfg.MaxConcurrentIsolates = *fc.MaxConcurrentIsolates
	}

	return cfg, cfg.Validate()
}

// WithEnv applies LEE_* environment overrides on top of c. Unset or
// malformed variables leave the corresponding setting unchanged.
func (c Config) WithEnv() Config {
	if v := os.Getenv("LEE_EXECUTION_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.ExecutionTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("LEE_FAIL_FAST"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.FailFast = b
		}
	}
	if v := os.Getenv("LEE_MAX_ISOLATES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.MaxConcurrentIsolates = n
		}
	}
	return c
}
