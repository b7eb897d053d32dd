// Package config loads, validates, and hot-reloads the daemon
// configuration from a YAML or JSON file.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration document. Durations are written as Go
// duration strings ("30s", "5m"); empty means "use the default".
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Profiler  ProfilerConfig  `json:"profiler"`
	Analytics AnalyticsConfig `json:"analytics"`
	Health    HealthConfig    `json:"health"`
	Cleaner   CleanerConfig   `json:"cleaner"`
	Timeout   TimeoutConfig   `json:"timeout"`
	Storage   StorageConfig   `json:"storage"`
}

type LoggingConfig struct {
	Level  string `json:"level"`  // trace|debug|info|warn|error
	Pretty bool   `json:"pretty"` // console writer instead of JSON
}

type ProfilerConfig struct {
	Debounce       string   `json:"debounce"`
	ProbeTimeout   string   `json:"probe_timeout"`
	HistorySize    int      `json:"history_size"`
	ProbeEndpoints []string `json:"probe_endpoints"`
	ProbeRate      float64  `json:"probe_rate"`
	ProbeBurst     int      `json:"probe_burst"`
}

type AnalyticsConfig struct {
	LearningThreshold int     `json:"learning_threshold"`
	MaxSignatures     int     `json:"max_signatures"`
	MaxPatterns       int     `json:"max_patterns"`
	SaveEvery         int     `json:"save_every"`
	LearningRate      float64 `json:"learning_rate"`
}

type HealthConfig struct {
	BaseInterval       string  `json:"base_interval"`
	MinInterval        string  `json:"min_interval"`
	MaxInterval        string  `json:"max_interval"`
	StabilityThreshold float64 `json:"stability_threshold"`
	AdaptEvery         string  `json:"adapt_every"`
}

type CleanerConfig struct {
	Interval          string `json:"interval"`
	StaleThreshold    string `json:"stale_threshold"`
	InactiveThreshold string `json:"inactive_threshold"`
	KillTimeout       string `json:"kill_timeout"`
	MaxRetries        int    `json:"max_retries"`
}

type TimeoutConfig struct {
	Timeout    string  `json:"timeout"`
	MaxRetries int     `json:"max_retries"`
	BaseDelay  string  `json:"base_delay"`
	MaxDelay   string  `json:"max_delay"`
	Multiplier float64 `json:"multiplier"`
}

type StorageConfig struct {
	// Path to the sqlite database file. Empty keeps analytics in memory
	// only.
	Path string `json:"path"`
}

var validLogLevels = map[string]bool{
	"": true, "trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

// Validate checks field-level constraints without filling defaults.
func (c *Config) Validate() error {
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}
	durations := map[string]string{
		"profiler.debounce":          c.Profiler.Debounce,
		"profiler.probe_timeout":     c.Profiler.ProbeTimeout,
		"health.base_interval":       c.Health.BaseInterval,
		"health.min_interval":        c.Health.MinInterval,
		"health.max_interval":        c.Health.MaxInterval,
		"health.adapt_every":         c.Health.AdaptEvery,
		"cleaner.interval":           c.Cleaner.Interval,
		"cleaner.stale_threshold":    c.Cleaner.StaleThreshold,
		"cleaner.inactive_threshold": c.Cleaner.InactiveThreshold,
		"cleaner.kill_timeout":       c.Cleaner.KillTimeout,
		"timeout.timeout":            c.Timeout.Timeout,
		"timeout.base_delay":         c.Timeout.BaseDelay,
		"timeout.max_delay":          c.Timeout.MaxDelay,
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if c.Analytics.LearningRate < 0 || c.Analytics.LearningRate > 1 {
		return fmt.Errorf("analytics.learning_rate: must be in [0,1]")
	}
	if c.Health.StabilityThreshold < 0 || c.Health.StabilityThreshold > 1 {
		return fmt.Errorf("health.stability_threshold: must be in [0,1]")
	}
	if c.Timeout.Multiplier != 0 && c.Timeout.Multiplier < 1 {
		return fmt.Errorf("timeout.multiplier: must be >= 1")
	}
	return nil
}

// Duration resolves a duration field, falling back to def when empty or
// zero. Validate is expected to have run first; a parse error here still
// surfaces rather than being silently swallowed.
func Duration(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
