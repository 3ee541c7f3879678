package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/capture"
)

func NewDevicesCmd(deps *Dependencies) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List capture devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			driver := capture.NewFFmpegDriver(deps.Config.FFmpegPath, deps.Config.CaptureSampleRate,
				deps.Log.With().Str("component", "ffmpeg").Logger())
			list, err := driver.Devices(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			return printDevices(out, list)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func printDevices(w io.Writer, list capture.DeviceList) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tDEFAULT\tID\tNAME")
	for _, d := range append(list.Inputs, list.Outputs...) {
		def := ""
		if d.IsDefault {
			def = "*"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Kind, def, d.ID, d.Name)
	}
	return tw.Flush()
}
