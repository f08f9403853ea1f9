package observability

import (
	"log/slog"
	"os"
)

// SetupLogging configures the default slog handler. Debug verbosity is
// driven by the FORGE_DEBUG environment variable.
func SetupLogging() *slog.Logger {
	level := slog.LevelInfo
	if os.Getenv("FORGE_DEBUG") != "" {
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
