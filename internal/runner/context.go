package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MimeLyc/transcribe-worker/internal/model"
	"github.com/MimeLyc/transcribe-worker/internal/pipeline"
	"github.com/MimeLyc/transcribe-worker/pkg/log"
)

var ErrContextStopped = errors.New("worker context stopped")

type ContextConfig struct {
	Loader  model.Loader
	ModelID string
	Device  string

	Fetcher    pipeline.Fetcher
	Converter  pipeline.Converter
	Workspaces Workspaces
	Options    []Option
}

// WorkerContext owns one loaded model and runs one job at a time on it.
type WorkerContext struct {
	modelID string
	model   model.Model
	runner  *Runner

	mu      sync.Mutex
	stopped bool

	stopOnce sync.Once
	stopErr  error
}

// StartContext loads the model for a new worker context.
func StartContext(ctx context.Context, cfg ContextConfig) (*WorkerContext, error) {
	switch {
	case cfg.Loader == nil:
		return nil, errors.New("worker context needs a model loader")
	case cfg.Fetcher == nil || cfg.Converter == nil:
		return nil, errors.New("worker context needs a fetcher and a converter")
	case cfg.Workspaces == nil:
		return nil, errors.New("worker context needs a workspace manager")
	}

	m, err := cfg.Loader.Load(ctx, cfg.ModelID, cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("load model %s on %q: %w", cfg.ModelID, cfg.Device, err)
	}
	if m == nil {
		return nil, fmt.Errorf("load model %s: loader returned no model", cfg.ModelID)
	}
	log.Info("Loaded model %s on device %q", cfg.ModelID, cfg.Device)

	return &WorkerContext{
		modelID: cfg.ModelID,
		model:   m,
		runner:  New(cfg.Workspaces, pipeline.New(cfg.Fetcher, cfg.Converter, m), cfg.Options...),
	}, nil
}

// Run executes job on this context. Calls are serialized.
func (w *WorkerContext) Run(ctx context.Context, job Job, sink pipeline.Sink) (Result, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return Result{}, ErrContextStopped
	}
	return w.runner.Run(ctx, job, sink)
}

// Stop waits for the running job, then releases the model. It is safe to call
// more than once.
func (w *WorkerContext) Stop() error {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()

		if err := w.model.Close(); err != nil {
			w.stopErr = fmt.Errorf("close model %s: %w", w.modelID, err)
			return
		}
		log.Info("Released model %s", w.modelID)
	})
	return w.stopErr
}
