package config

import "testing"

func TestDefaultSettingsAreWithinBounds(t *testing.T) {
	s := DefaultSettings()
	if s.LogBufferSize != DefaultLogBufferSize {
		t.Fatalf("expected default log buffer size, got %d", s.LogBufferSize)
	}
	if s.DependencyTimeoutMs != DefaultDependencyTimeout {
		t.Fatalf("expected default dependency timeout, got %d", s.DependencyTimeoutMs)
	}
}

func TestNormalizeFillsZeroValuesWithDefaults(t *testing.T) {
	var s Settings
	if err := s.Normalize(); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if s.LogBufferSize != DefaultLogBufferSize {
		t.Fatalf("expected zero log buffer size to default, got %d", s.LogBufferSize)
	}
	if s.HealthCheckInterval.Milliseconds() != DefaultHealthCheckInterval {
		t.Fatalf("expected computed duration to match default ms, got %v", s.HealthCheckInterval)
	}
}

func TestNormalizeRejectsOutOfRangeValues(t *testing.T) {
	s := Settings{LogBufferSize: 5}
	if err := s.Normalize(); err == nil {
		t.Fatal("expected out-of-range logBufferSize to be rejected")
	}
}

func TestNormalizeRejectsValueAboveDocumentedMaximum(t *testing.T) {
	s := Settings{DependencyTimeoutMs: 10_000_000}
	if err := s.Normalize(); err == nil {
		t.Fatal("expected an over-maximum dependencyTimeout to be rejected")
	}
}
