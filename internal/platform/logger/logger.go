package logger

import (
	"log/slog"
	"os"
)

// New returns the process JSON logger. Development environments log at debug.
func New(environment string) *slog.Logger {
	level := slog.LevelInfo
	if environment != "production" {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(handler).With("service", "bulwark", "env", environment)
}
