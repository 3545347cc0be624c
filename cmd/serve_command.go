package main

import (
	"github.com/spf13/cobra"

	"github.com/MimeLyc/transcribe-worker/internal/service"
	"github.com/MimeLyc/transcribe-worker/pkg/log"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the worker with its HTTP API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := ctx.setupLogging(cfg, cmd.OutOrStdout()); err != nil {
				return err
			}
			defer ctx.close()

			svc, err := service.New(*cfg, ctx.components)
			if err != nil {
				return err
			}
			log.Info("Starting %d workers with model %s", cfg.Worker.Count, cfg.Model.ID)
			return svc.Run(cmd.Context())
		},
	}
}
