package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/cli"
)

var version = "dev"

func main() {
	if err := cli.NewRootCmd(version).ExecuteContext(context.Background()); err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Error().Err(err).Msg("meeting-notes failed")
		os.Exit(1)
	}
}
