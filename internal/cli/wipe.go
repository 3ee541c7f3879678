package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/app"
	"github.com/ORAI-Solutions/Meeting-Notes/internal/storage"
)

var errNotConfirmed = errors.New("refusing to wipe without --yes")

func NewWipeCmd(deps *Dependencies) *cobra.Command {
	var (
		keepDB    bool
		keepAudio bool
		yes       bool
	)
	cmd := &cobra.Command{
		Use:   "wipe",
		Short: "Delete all meetings, transcripts, summaries and recorded audio",
		Long:  "Deletes local data. Stop the server first; a running server keeps its own view of the database.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errNotConfirmed
			}
			ctx := cmd.Context()
			a, err := app.New(ctx, deps.Config, deps.Log)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			wipeDB, wipeAudio := !keepDB, !keepAudio
			res, err := a.Wipe(ctx, storage.WipeRequest{WipeDB: &wipeDB, WipeAudio: &wipeAudio})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "database wiped: %t\naudio wiped: %t\n", res.WipedDB, res.WipedAudio)
			if !res.OK {
				return fmt.Errorf("wipe incomplete: %s", strings.Join(res.Errors, "; "))
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVar(&keepDB, "keep-db", false, "keep the database")
	f.BoolVar(&keepAudio, "keep-audio", false, "keep recorded audio")
	f.BoolVarP(&yes, "yes", "y", false, "confirm the wipe")
	return cmd
}
