package logging

import (
	"log/slog"
	"testing"

	"github.com/prediktapp/notify/internal/config"
)

func TestLevel(t *testing.T) {
	tests := []struct {
		name  string
		level string
		debug bool
		want  slog.Level
	}{
		{"explicit debug", "debug", false, slog.LevelDebug},
		{"explicit warn", "warn", false, slog.LevelWarn},
		{"explicit warning alias", "WARNING", false, slog.LevelWarn},
		{"explicit error", "error", true, slog.LevelError},
		{"debug flag", "", true, slog.LevelDebug},
		{"default", "", false, slog.LevelInfo},
		{"unknown falls back", "verbose", false, slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{LogLevel: tt.level, Debug: tt.debug}
			if got := level(cfg); got != tt.want {
				t.Errorf("level = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		name   string
		format string
		env    string
		want   string
	}{
		{"explicit json", "json", "development", "json"},
		{"explicit text in production", "text", "production", "text"},
		{"production default", "", "production", "json"},
		{"development default", "", "development", "text"},
		{"garbage falls back", "xml", "development", "text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{LogFormat: tt.format, Environment: tt.env}
			if got := format(cfg); got != tt.want {
				t.Errorf("format = %q, want %q", got, tt.want)
			}
		})
	}
}
