package runner

import (
	"context"
	"sync"
	"time"

	"github.com/MimeLyc/transcribe-worker/internal/pipeline"
	"github.com/MimeLyc/transcribe-worker/pkg/log"
)

// emitter forwards one job's events to its sink. It keeps the stream ordered,
// lets only the runner emit the terminal event and contains sink faults.
type emitter struct {
	ctx   context.Context
	jobID string
	sink  pipeline.Sink
	now   func() time.Time

	mu       sync.Mutex
	last     pipeline.Stage
	finished bool
}

func newEmitter(ctx context.Context, jobID string, sink pipeline.Sink, now func() time.Time) *emitter {
	if sink == nil {
		sink = pipeline.Discard
	}
	return &emitter{ctx: ctx, jobID: jobID, sink: sink, now: now}
}

// emit is handed to the pipeline. Terminal events from stages are dropped.
func (e *emitter) emit(event pipeline.ProgressEvent) {
	if event.Stage.IsTerminal() {
		log.Warn("Job %s: dropping %s event raised by a stage", e.jobID, event.Stage)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sendLocked(event)
}

// finish emits the single terminal event.
func (e *emitter) finish(event pipeline.ProgressEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sendLocked(event)
}

// stage is the last stage announced for the job.
func (e *emitter) stage() pipeline.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

func (e *emitter) sendLocked(event pipeline.ProgressEvent) {
	if e.finished {
		log.Warn("Job %s: dropping %s event after terminal event", e.jobID, event.Stage)
		return
	}
	if !e.last.CanAdvance(event.Stage) {
		log.Warn("Job %s: dropping out-of-order %s event after %s", e.jobID, event.Stage, e.last)
		return
	}
	// only progress updates may repeat a stage
	if event.Stage == e.last && event.Progress == nil {
		return
	}

	event.JobID = e.jobID
	if event.At.IsZero() {
		event.At = e.now()
	}
	e.last = event.Stage
	if event.Stage.IsTerminal() {
		e.finished = true
	}
	e.report(event)
}

func (e *emitter) report(event pipeline.ProgressEvent) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Job %s: progress sink panicked on %s event: %v", e.jobID, event.Stage, r)
		}
	}()
	if err := e.sink.Report(e.ctx, event); err != nil {
		log.Warn("Job %s: progress sink failed on %s event: %v", e.jobID, event.Stage, err)
	}
}
