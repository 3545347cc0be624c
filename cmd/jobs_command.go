package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/MimeLyc/transcribe-worker/internal/jobs"
	"github.com/MimeLyc/transcribe-worker/internal/persistence"
	"github.com/MimeLyc/transcribe-worker/internal/pipeline"
)

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs from the job store",
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

			store, err := persistence.NewSQLiteStore(cfg.DBPath())
			if err != nil {
				return fmt.Errorf("open job store: %w", err)
			}
			defer store.Close()

			list, err := store.RecentJobs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "No jobs")
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), renderJobsTable(list))
			return err
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of jobs to show")
	return cmd
}

func renderJobsTable(list []*jobs.TranscriptionJob) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"ID", "Status", "Stage", "Progress", "Source", "Updated", "Error"})

	for _, job := range list {
		progress := ""
		if job.Progress != nil {
			progress = fmt.Sprintf("%.0f%%", *job.Progress*100)
		}
		tw.AppendRow(table.Row{
			job.ID,
			string(job.Status),
			job.Stage.String(),
			progress,
			pipeline.RedactSource(job.SourceURL),
			job.UpdatedAt.Local().Format(time.DateTime),
			truncate(job.Error, 60),
		})
	}

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	return tw.Render()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}
