package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Init configures a global slog logger. JSON if SWARM_JSON_LOG=1/true else text.
func Init(service string) *slog.Logger {
	json := jsonFromEnv()
	logger := New(os.Stdout, service, json, levelFromEnv())
	slog.SetDefault(logger)
	logger.Info("logging initialized", "json", json)
	return logger
}

// New builds a logger tagged with service without touching the global default.
func New(w io.Writer, service string, json bool, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{AddSource: false, Level: level}
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("service", service)
}

func jsonFromEnv() bool {
	switch strings.ToLower(os.Getenv("SWARM_JSON_LOG")) {
	case "1", "true", "json":
		return true
	}
	return false
}

// ParseLevel maps debug/info/warn/error to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func levelFromEnv() slog.Leveler {
	return ParseLevel(os.Getenv("SWARM_LOG_LEVEL"))
}
