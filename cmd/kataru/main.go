// Command kataru inspects narrative traces: replay recorded lifecycle
// streams, list archived traces, and render them for reading.
package main

import (
	"log/slog"
	"os"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	level := slog.LevelInfo
	if os.Getenv("KATARU_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := Execute(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}
