package main

import (
	"github.com/spf13/cobra"

	"github.com/MimeLyc/transcribe-worker/internal/service"
)

func newRootCommand() *cobra.Command {
	return newRootCommandWith(service.Components{})
}

// newRootCommandWith builds the CLI around components; zero fields come from
// the configuration.
func newRootCommandWith(components service.Components) *cobra.Command {
	var configFlag string
	var envFileFlag string

	ctx := newCommandContext(&configFlag, &envFileFlag)
	ctx.components = components

	rootCmd := &cobra.Command{
		Use:           "transcribe-worker",
		Short:         "Fetch, convert and transcribe audio jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (TOML)")
	rootCmd.PersistentFlags().StringVar(&envFileFlag, "env-file", "", "Dotenv file path (default .env)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newRunCommand(ctx))
	rootCmd.AddCommand(newJobsCommand(ctx))
	rootCmd.AddCommand(newSweepCommand(ctx))

	return rootCmd
}
