package config

import "testing"

// TestNewBuildInfoDefaults verifies that NewBuildInfo returns the linker-injected
// default values when ldflags have not been set.
func TestNewBuildInfoDefaults(t *testing.T) {
	info := NewBuildInfo()

	if info.Version != "dev" {
		t.Errorf("NewBuildInfo().Version = %q, want %q", info.Version, "dev")
	}
	if info.Commit != "none" {
		t.Errorf("NewBuildInfo().Commit = %q, want %q", info.Commit, "none")
	}
	if info.BuildTime != "unknown" {
		t.Errorf("NewBuildInfo().BuildTime = %q, want %q", info.BuildTime, "unknown")
	}
}

func TestBuildInfoString(t *testing.T) {
	info := BuildInfo{Version: "1.2.3", Commit: "abc123", BuildTime: "2026-01-01T00:00:00Z"}
	if got := info.String(); got != "1.2.3 (abc123, 2026-01-01T00:00:00Z)" {
		t.Errorf("String() = %q", got)
	}
}
