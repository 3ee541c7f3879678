// Package cli is the meeting-notes command tree.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/config"
)

// Dependencies is filled by the root command before any subcommand runs.
type Dependencies struct {
	Version   string
	Overrides config.Overrides
	Config    *config.Config
	Log       zerolog.Logger

	closer io.Closer
}

// NewRootCmd builds the command tree. Subcommands load configuration and
// open the log file through the persistent pre-run hook.
func NewRootCmd(version string) *cobra.Command {
	deps := &Dependencies{Version: version}

	rootCmd := &cobra.Command{
		Use:           "meeting-notes",
		Short:         "Offline meeting recorder with local transcription and cited summaries",
		Long:          "Records microphone and system audio, transcribes it with a local whisper server and summarizes the transcript with a local LLM. Everything stays on this machine.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return deps.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			deps.close()
		},
	}

	f := rootCmd.PersistentFlags()
	f.StringVar(&deps.Overrides.EnvFile, "env-file", "", "path to .env file (default: .env)")
	f.StringVar(&deps.Overrides.HTTPAddr, "listen", "", "HTTP listen address (env: HTTP_ADDR)")
	f.StringVar(&deps.Overrides.LogLevel, "log-level", "", "log level (env: LOG_LEVEL)")
	f.StringVar(&deps.Overrides.DataDir, "data-dir", "", "data directory (env: DATA_DIR)")
	f.StringVar(&deps.Overrides.DatabasePath, "database", "", "SQLite database path (env: DATABASE_PATH)")
	f.StringVar(&deps.Overrides.AudioDir, "audio-dir", "", "audio directory (env: AUDIO_DIR)")

	rootCmd.AddCommand(NewServeCmd(deps))
	rootCmd.AddCommand(NewMCPCmd(deps))
	rootCmd.AddCommand(NewDevicesCmd(deps))
	rootCmd.AddCommand(NewWipeCmd(deps))

	// Bare invocation serves.
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), deps)
	}

	return rootCmd
}

func (d *Dependencies) load(cmd *cobra.Command) error {
	cfg, err := config.Load(d.Overrides)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}
	d.Config = cfg

	// The MCP transport owns stdout, so console logs go to stderr there.
	console := io.Writer(os.Stdout)
	if cmd.Name() == "mcp" {
		console = os.Stderr
	}
	log, closer := NewLogger(cfg, console)
	d.Log = log.With().Str("version", d.Version).Logger()
	d.closer = closer
	return nil
}

func (d *Dependencies) close() {
	if d.closer != nil {
		d.closer.Close()
		d.closer = nil
	}
}
