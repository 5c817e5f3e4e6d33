// Package logging configures the process-wide slog logger: text or JSON
// handler by environment, optional rotating file output alongside stdout.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/prediktapp/notify/internal/config"
)

// Setup builds a slog.Logger from config and installs it as the process
// default. Both binaries call this exactly once at startup.
func Setup(cfg *config.Config) *slog.Logger {
	var out io.Writer = os.Stdout
	if cfg.LogFile != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    cfg.LogFileMaxSize,
			MaxBackups: cfg.LogFileBackups,
			MaxAge:     cfg.LogFileMaxAge,
			Compress:   true,
		})
	}

	opts := &slog.HandlerOptions{Level: level(cfg)}

	var handler slog.Handler
	if format(cfg) == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// level resolves the log level: explicit LOG_LEVEL wins, then the debug
// flag, then info.
func level(cfg *config.Config) slog.Level {
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	if cfg.Debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// format resolves the handler format: explicit LOG_FORMAT wins, production
// defaults to json, everything else to text.
func format(cfg *config.Config) string {
	if f := strings.ToLower(cfg.LogFormat); f == "json" || f == "text" {
		return f
	}
	if cfg.IsProduction() {
		return "json"
	}
	return "text"
}
