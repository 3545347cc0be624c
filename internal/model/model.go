package model

import (
	"context"
	"fmt"
)

// ProgressFunc receives the fraction of the input processed so far, in [0,1].
type ProgressFunc func(fraction float64)

// Model is one loaded speech-to-text instance. It is not safe for reentrant use:
// a worker context owns it and calls Transcribe for one job at a time.
type Model interface {
	Transcribe(ctx context.Context, audioPath string, onProgress ProgressFunc) (string, error)
	Close() error
}

// Loader loads a model once per worker context.
type Loader interface {
	Load(ctx context.Context, modelID, device string) (Model, error)
}

type LoaderFunc func(ctx context.Context, modelID, device string) (Model, error)

func (f LoaderFunc) Load(ctx context.Context, modelID, device string) (Model, error) {
	return f(ctx, modelID, device)
}

// ResultError means the model ran and reported an error for this input. Any other
// error returned by Transcribe means the capability itself broke.
type ResultError struct {
	Detail string
}

func (e *ResultError) Error() string {
	return fmt.Sprintf("model reported an error: %s", e.Detail)
}

// Func adapts a function into a Model with a no-op Close.
type Func func(ctx context.Context, audioPath string, onProgress ProgressFunc) (string, error)

func (f Func) Transcribe(ctx context.Context, audioPath string, onProgress ProgressFunc) (string, error) {
	return f(ctx, audioPath, onProgress)
}

func (Func) Close() error { return nil }
