// Command linkval resolves LinkML schemas, compiles validators for their
// classes and validates instance data against them.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/linkval/cmd/linkval/commands"
)

// Build metadata, overridden with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	os.Exit(run())
}

// run executes the CLI and returns the process exit code. SIGINT and
// SIGTERM cancel the command context so serve can drain and close stores.
func run() int {
	setupLogging(os.Getenv("LOG_LEVEL"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	if ctx.Err() != nil {
		log.Info().Msg("interrupted")
	}
	if err != nil {
		log.Error().Err(err).Msg("linkval failed")
		return 1
	}
	return 0
}

// setupLogging points the global logger at stderr. Stdout carries command
// output, reports and JSON. Unknown or empty levels fall back to warn so
// that validation runs stay quiet.
func setupLogging(level string) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
