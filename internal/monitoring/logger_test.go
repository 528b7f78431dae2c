package monitoring

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerFallsBackToInfoOnBadLevel(t *testing.T) {
	NewLogger(LoggerConfig{Level: "not-a-level", Format: "json"}, "test")
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Fatalf("expected a bad level to fall back to info, got %v", zerolog.GlobalLevel())
	}
}

func TestNewLoggerHonorsDebugLevel(t *testing.T) {
	NewLogger(LoggerConfig{Level: "debug", Format: "json"}, "test")
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("expected global level debug, got %v", zerolog.GlobalLevel())
	}
}
