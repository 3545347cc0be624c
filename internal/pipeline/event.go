package pipeline

import (
	"context"
	"time"
)

// ProgressEvent is one state/progress notification for a job.
type ProgressEvent struct {
	JobID string `json:"job_id"`
	Stage Stage  `json:"stage"`
	// Progress is the model-reported fraction in [0,1]; only set on Transcribing events.
	Progress    *float64  `json:"progress,omitempty"`
	FailedStage Stage     `json:"failed_stage,omitempty"`
	ErrorKind   ErrorKind `json:"error_kind,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	// ExitCode is the converter exit status on conversion failures.
	ExitCode int       `json:"exit_code,omitempty"`
	At       time.Time `json:"at"`
}

func (e ProgressEvent) IsTerminal() bool {
	return e.Stage.IsTerminal()
}

// Sink receives the progress events of jobs. Implementations are supplied by
// whatever job-status system runs the worker.
type Sink interface {
	Report(ctx context.Context, event ProgressEvent) error
}

type SinkFunc func(ctx context.Context, event ProgressEvent) error

func (f SinkFunc) Report(ctx context.Context, event ProgressEvent) error {
	return f(ctx, event)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, ProgressEvent) error { return nil })

// EmitFunc is how stages publish events; the runner decides where they go.
type EmitFunc func(event ProgressEvent)

func FloatPtr(v float64) *float64 {
	return &v
}
