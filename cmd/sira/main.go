package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"

	"sira/cmd/sira/commands"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	logger := setupLogging()

	// Interrupts are only trapped by "run" while downloading; everywhere
	// else they keep their default behavior and end the process.
	if err := commands.Execute(context.Background(), logger, Version, Commit, BuildDate); err != nil {
		logger.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

// setupLogging returns a human-readable console logger on stderr. The level
// is adjusted per command from --verbose and SIRA_LOG_LEVEL.
func setupLogging() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().Timestamp().Logger().
		Level(zerolog.InfoLevel)
}
