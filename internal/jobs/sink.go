package jobs

import (
	"context"
	"time"

	"github.com/MimeLyc/transcribe-worker/internal/pipeline"
)

// SinkFor returns the sink that keeps the job record of jobID in step with its
// progress events and forwards them to the queue's reporter.
func (q *Queue) SinkFor(jobID string) pipeline.Sink {
	return pipeline.SinkFunc(func(ctx context.Context, event pipeline.ProgressEvent) error {
		q.applyEvent(jobID, event)
		if q.reporter == nil {
			return nil
		}
		return q.reporter.Report(ctx, event)
	})
}

func (q *Queue) applyEvent(jobID string, event pipeline.ProgressEvent) {
	q.mu.Lock()
	job, ok := q.jobs[jobID]
	if !ok || job.Status != StatusRunning {
		q.mu.Unlock()
		return
	}
	stageChanged := job.Stage != event.Stage
	job.Stage = event.Stage
	if event.Progress != nil {
		p := *event.Progress
		job.Progress = &p
	} else if stageChanged {
		job.Progress = nil
	}
	job.UpdatedAt = time.Now()
	snapshot := cloneJob(job)
	q.mu.Unlock()

	// progress ticks stay in memory; stage changes are persisted
	if stageChanged {
		q.persistJob(snapshot)
	}
}
