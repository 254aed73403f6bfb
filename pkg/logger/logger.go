package logger

import (
	"log/slog"
	"os"
)

// Setup builds the process-wide logger. Verbose mode surfaces every
// AT exchange, which is noisy but invaluable against real hardware.
func Setup(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(handler)
}
