package service

import (
	"context"
	"errors"

	"github.com/MimeLyc/transcribe-worker/internal/config"
	"github.com/MimeLyc/transcribe-worker/internal/pipeline"
	"github.com/MimeLyc/transcribe-worker/internal/runner"
	"github.com/MimeLyc/transcribe-worker/internal/workspace"
	"github.com/MimeLyc/transcribe-worker/pkg/log"
)

// RunOnce transcribes a single source in a throwaway worker context.
// Nothing is persisted.
func RunOnce(ctx context.Context, cfg config.Config, components Components, sourceRef string, sink pipeline.Sink) (runner.Result, error) {
	if _, err := pipeline.ParseSource(sourceRef); err != nil {
		return runner.Result{}, err
	}
	components, err := components.withDefaults(cfg)
	if err != nil {
		return runner.Result{}, err
	}

	wc, err := runner.StartContext(ctx, runner.ContextConfig{
		Loader:     components.Loader,
		ModelID:    cfg.Model.ID,
		Device:     cfg.Model.Device,
		Fetcher:    components.Fetcher,
		Converter:  components.Converter,
		Workspaces: workspace.NewManager(cfg.Workspace.Root),
	})
	if err != nil {
		return runner.Result{}, err
	}

	res, runErr := wc.Run(ctx, runner.Job{SourceRef: sourceRef}, sink)
	if stopErr := wc.Stop(); stopErr != nil {
		log.Warn("Failed to stop worker context: %v", stopErr)
	}
	return res, runErr
}

// Sweep removes abandoned workspaces once, outside the schedule.
func Sweep(ctx context.Context, cfg config.Config) ([]string, error) {
	if cfg.Workspace.MaxAge <= 0 {
		return nil, errors.New("sweep needs a positive max age")
	}
	sweeper := workspace.NewSweeper(workspace.NewManager(cfg.Workspace.Root), "", cfg.Workspace.MaxAge)
	return sweeper.Sweep(ctx)
}
