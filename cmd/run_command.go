package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/MimeLyc/transcribe-worker/internal/pipeline"
	"github.com/MimeLyc/transcribe-worker/internal/service"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var quiet bool

	cmd := &cobra.Command{
		Use:   "run <url>",
		Short: "Transcribe one source and print the transcript",
		Long: "Transcribe one source without the job queue. The transcript goes to stdout;\n" +
			"logs and, on a terminal, progress go to stderr.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			stderr := cmd.ErrOrStderr()
			if err := ctx.setupLogging(cfg, stderr); err != nil {
				return err
			}
			defer ctx.close()

			sink := pipeline.Discard
			if !quiet && isTerminal(stderr) {
				sink = progressPrinter(stderr)
			}

			res, err := service.RunOnce(cmd.Context(), *cfg, ctx.components, args[0], sink)
			if err != nil {
				return err
			}
			// the transcript is printed exactly as the model produced it
			_, err = fmt.Fprint(cmd.OutOrStdout(), res.Transcript)
			return err
		},
	}
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print progress")
	return cmd
}

func progressPrinter(w io.Writer) pipeline.Sink {
	return pipeline.SinkFunc(func(_ context.Context, event pipeline.ProgressEvent) error {
		_, err := fmt.Fprintln(w, formatProgress(event))
		return err
	})
}

func formatProgress(event pipeline.ProgressEvent) string {
	var b strings.Builder
	b.WriteString(event.Stage.String())
	if event.Progress != nil {
		fmt.Fprintf(&b, " %3.0f%%", *event.Progress*100)
	}
	if event.Stage == pipeline.StageFailed {
		fmt.Fprintf(&b, " during %s (%s): %s", event.FailedStage, event.ErrorKind, event.Detail)
	}
	return b.String()
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
