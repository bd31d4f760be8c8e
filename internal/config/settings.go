package config

import (
	"fmt"
	"time"
)

// Settings are the manifest-level tunables from spec.md §6, each checked
// against its documented range and defaulted to its documented default.
type Settings struct {
	LogBufferSize       int           `yaml:"logBufferSize,omitempty"`
	HealthCheckInterval time.Duration `yaml:"-"`
	DependencyTimeout   time.Duration `yaml:"-"`
	RestartBackoffMax   time.Duration `yaml:"-"`
	ProcessStopTimeout  time.Duration `yaml:"-"`

	// raw millisecond fields as they appear in the manifest; Normalize()
	// converts these into the time.Duration fields above.
	HealthCheckIntervalMs int `yaml:"healthCheckInterval,omitempty"`
	DependencyTimeoutMs   int `yaml:"dependencyTimeout,omitempty"`
	RestartBackoffMaxMs   int `yaml:"restartBackoffMax,omitempty"`
	ProcessStopTimeoutMs  int `yaml:"processStopTimeout,omitempty"`

	// HTTPStatusAddr, when non-empty, enables the read-only HTTP status
	// mirror (internal/statusmirror) on this address (e.g. "127.0.0.1:4280").
	HTTPStatusAddr string `yaml:"httpStatusAddr,omitempty"`
}

const (
	DefaultLogBufferSize       = 1000
	DefaultHealthCheckInterval = 10000
	DefaultDependencyTimeout   = 60000
	DefaultRestartBackoffMax   = 30000
	DefaultProcessStopTimeout  = 5000

	minLogBufferSize = 100
	maxLogBufferSize = 100000
	minMs            = 1000
)

var (
	maxHealthCheckIntervalMs = 300000
	maxDependencyTimeoutMs   = 600000
	maxRestartBackoffMaxMs   = 300000
	maxProcessStopTimeoutMs  = 60000
)

// DefaultSettings returns Settings with every field at spec.md §6's default.
func DefaultSettings() Settings {
	s := Settings{
		LogBufferSize:         DefaultLogBufferSize,
		HealthCheckIntervalMs: DefaultHealthCheckInterval,
		DependencyTimeoutMs:   DefaultDependencyTimeout,
		RestartBackoffMaxMs:   DefaultRestartBackoffMax,
		ProcessStopTimeoutMs:  DefaultProcessStopTimeout,
	}
	s.Normalize()
	return s
}

// Normalize fills in defaults for zero values, returns an error for any
// field outside its documented range, and computes the time.Duration
// conveniences.
func (s *Settings) Normalize() error {
	if s.LogBufferSize == 0 {
		s.LogBufferSize = DefaultLogBufferSize
	}
	if err := clampInt(&s.LogBufferSize, minLogBufferSize, maxLogBufferSize, "logBufferSize"); err != nil {
		return err
	}

	if s.HealthCheckIntervalMs == 0 {
		s.HealthCheckIntervalMs = DefaultHealthCheckInterval
	}
	if err := clampInt(&s.HealthCheckIntervalMs, minMs, maxHealthCheckIntervalMs, "healthCheckInterval"); err != nil {
		return err
	}

	if s.DependencyTimeoutMs == 0 {
		s.DependencyTimeoutMs = DefaultDependencyTimeout
	}
	if err := clampInt(&s.DependencyTimeoutMs, minMs, maxDependencyTimeoutMs, "dependencyTimeout"); err != nil {
		return err
	}

	if s.RestartBackoffMaxMs == 0 {
		s.RestartBackoffMaxMs = DefaultRestartBackoffMax
	}
	if err := clampInt(&s.RestartBackoffMaxMs, minMs, maxRestartBackoffMaxMs, "restartBackoffMax"); err != nil {
		return err
	}

	if s.ProcessStopTimeoutMs == 0 {
		s.ProcessStopTimeoutMs = DefaultProcessStopTimeout
	}
	if err := clampInt(&s.ProcessStopTimeoutMs, minMs, maxProcessStopTimeoutMs, "processStopTimeout"); err != nil {
		return err
	}

	s.HealthCheckInterval = time.Duration(s.HealthCheckIntervalMs) * time.Millisecond
	s.DependencyTimeout = time.Duration(s.DependencyTimeoutMs) * time.Millisecond
	s.RestartBackoffMax = time.Duration(s.RestartBackoffMaxMs) * time.Millisecond
	s.ProcessStopTimeout = time.Duration(s.ProcessStopTimeoutMs) * time.Millisecond
	return nil
}

func clampInt(v *int, min, max int, field string) error {
	if *v < min || *v > max {
		return fmt.Errorf("settings.%s must be between %d and %d, got %d", field, min, max, *v)
	}
	return nil
}
