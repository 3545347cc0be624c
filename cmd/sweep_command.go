package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/MimeLyc/transcribe-worker/internal/service"
)

func newSweepCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Remove abandoned workspaces from the scratch root once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := ctx.setupLogging(cfg, cmd.ErrOrStderr()); err != nil {
				return err
			}
			defer ctx.close()

			removed, err := service.Sweep(cmd.Context(), *cfg)
			if err != nil {
				return err
			}
			for _, path := range removed {
				fmt.Fprintln(cmd.OutOrStdout(), path)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Removed %d stale workspaces from %s\n", len(removed), cfg.Workspace.Root)
			return err
		},
	}
}
