package main

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/PaulBabatuyi/attachvault/internal/config"
)

// newRootCmd builds the command tree. Configuration is loaded only once a
// subcommand is about to run, so --help and --version work without secrets.
func newRootCmd(load func() (*config.Config, error)) *cobra.Command {
	cfg := &config.Config{}

	cmd := &cobra.Command{
		Use:           "attachvault",
		Short:         "Attachvault ingests, stores and retires user attachments",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := load()
			if err != nil {
				return err
			}
			*cfg = *loaded
			return nil
		},
	}

	cmd.Version = version

	cmd.AddCommand(
		newServeCmd(cfg),
		newIngestCmd(cfg),
		newResolveCmd(cfg),
		newSweepCmd(cfg),
		newEraseCmd(cfg),
		newScheduleCmd(cfg),
	)

	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
