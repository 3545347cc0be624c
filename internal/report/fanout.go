package report

import (
	"context"
	"errors"
	"fmt"

	"github.com/MimeLyc/transcribe-worker/internal/pipeline"
	"github.com/MimeLyc/transcribe-worker/pkg/log"
)

// Finisher is a sink that also records the final outcome of a job.
type Finisher interface {
	Complete(ctx context.Context, jobID, transcript string) error
	Fail(ctx context.Context, jobID, detail string) error
}

// Fanout delivers each call to every member. A failing or panicking member
// does not stop delivery to the others.
type Fanout struct {
	sinks []pipeline.Sink
}

func NewFanout(sinks ...pipeline.Sink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

func (f *Fanout) Len() int {
	return len(f.sinks)
}

func (f *Fanout) Report(ctx context.Context, event pipeline.ProgressEvent) error {
	var errs []error
	for _, s := range f.sinks {
		if err := guard(func() error { return s.Report(ctx, event) }); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) Complete(ctx context.Context, jobID, transcript string) error {
	return f.finish(func(fin Finisher) error { return fin.Complete(ctx, jobID, transcript) })
}

func (f *Fanout) Fail(ctx context.Context, jobID, detail string) error {
	return f.finish(func(fin Finisher) error { return fin.Fail(ctx, jobID, detail) })
}

func (f *Fanout) finish(call func(Finisher) error) error {
	var errs []error
	for _, s := range f.sinks {
		fin, ok := s.(Finisher)
		if !ok {
			continue
		}
		if err := guard(func() error { return call(fin) }); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sink panicked: %v", r)
		}
	}()
	return fn()
}

// Log writes each event to the process log.
var Log pipeline.Sink = pipeline.SinkFunc(func(_ context.Context, event pipeline.ProgressEvent) error {
	switch {
	case event.Stage == pipeline.StageFailed:
		log.Warn("Job %s failed during %s: %s", event.JobID, event.FailedStage, event.Detail)
	case event.Progress != nil:
		log.Debug("Job %s %s %.0f%%", event.JobID, event.Stage, *event.Progress*100)
	default:
		log.Info("Job %s %s", event.JobID, event.Stage)
	}
	return nil
})
