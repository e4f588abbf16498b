package logger

import (
	"testing"

	"arbiter/internal/config"
)

func TestNewFallsBackOnUnknownLevel(t *testing.T) {
	lg, err := New(config.LogConfig{Level: "loud", Encoding: "console"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !lg.Core().Enabled(0) {
		t.Fatalf("expected info level enabled")
	}
	if lg.Core().Enabled(-1) {
		t.Fatalf("expected debug level disabled")
	}
}

func TestNewJSON(t *testing.T) {
	lg, err := New(config.LogConfig{Level: "debug", Encoding: "json", Sampling: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !lg.Core().Enabled(-1) {
		t.Fatalf("expected debug level enabled")
	}
}
