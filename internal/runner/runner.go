package runner

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/abadojack/whatlanggo"
	"github.com/google/uuid"

	"github.com/MimeLyc/transcribe-worker/internal/pipeline"
	"github.com/MimeLyc/transcribe-worker/internal/workspace"
	"github.com/MimeLyc/transcribe-worker/pkg/log"
)

type Job struct {
	// ID is minted when empty.
	ID        string
	SourceRef string
}

type Result struct {
	JobID      string        `json:"job_id"`
	Transcript string        `json:"transcript"`
	Language   string        `json:"language,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Workspaces allocates and reclaims job scratch space.
type Workspaces interface {
	Acquire(jobID string) (*workspace.Workspace, error)
	Release(ws *workspace.Workspace) error
}

// Stages runs the fallible part of a job inside a workspace.
type Stages interface {
	Run(ctx context.Context, jobID, sourceRef string, ws pipeline.Workspace, emit pipeline.EmitFunc) (string, error)
}

type Option func(*Runner)

func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithoutLanguageDetection leaves Result.Language empty.
func WithoutLanguageDetection() Option {
	return func(r *Runner) {
		r.detectLanguage = false
	}
}

// Runner executes jobs end to end: one workspace, one pass through the stages,
// one terminal event.
type Runner struct {
	workspaces     Workspaces
	stages         Stages
	now            func() time.Time
	detectLanguage bool
}

func New(workspaces Workspaces, stages Stages, opts ...Option) *Runner {
	r := &Runner{
		workspaces:     workspaces,
		stages:         stages,
		now:            time.Now,
		detectLanguage: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes job and reports its progress to sink. A failure is returned as the
// *pipeline.Error raised by the failing stage; there is no retry. The workspace
// is released before Run returns on every path.
func (r *Runner) Run(ctx context.Context, job Job, sink pipeline.Sink) (Result, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	started := r.now()
	em := newEmitter(ctx, job.ID, sink, r.now)

	ws, err := r.workspaces.Acquire(job.ID)
	if err != nil {
		pErr := pipeline.AsError(err, pipeline.StageUnknown)
		log.Error("Job %s: %v", job.ID, pErr)
		em.finish(pipeline.FailedEvent(job.ID, pErr))
		return Result{}, pErr
	}

	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if err := r.workspaces.Release(ws); err != nil {
			log.Error("Job %s: cleanup failed: %v", job.ID, err)
		}
	}
	defer release()

	log.Info("Job %s: starting for %s", job.ID, pipeline.RedactSource(job.SourceRef))
	transcript, runErr := r.runStages(ctx, job, ws, em)
	release()

	if runErr != nil {
		pErr := pipeline.AsError(runErr, em.stage())
		log.Error("Job %s: failed: %v", job.ID, pErr)
		em.finish(pipeline.FailedEvent(job.ID, pErr))
		return Result{}, pErr
	}

	res := Result{
		JobID:      job.ID,
		Transcript: transcript,
		Duration:   r.now().Sub(started),
	}
	if r.detectLanguage {
		res.Language = detectLanguage(transcript)
	}
	em.finish(pipeline.ProgressEvent{JobID: job.ID, Stage: pipeline.StageCompleted})
	log.Info("Job %s: completed in %s", job.ID, res.Duration)
	return res, nil
}

func (r *Runner) runStages(ctx context.Context, job Job, ws *workspace.Workspace, em *emitter) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			stage := em.stage()
			log.Error("Job %s: panic during %s: %v\n%s", job.ID, stage, rec, debug.Stack())
			text = ""
			err = pipeline.InternalError(stage, fmt.Sprintf("runtime error: %v", rec), nil)
		}
	}()
	return r.stages.Run(ctx, job.ID, job.SourceRef, ws, em.emit)
}

// detectLanguage returns the ISO 639-1 code of text, or "" when unsure.
func detectLanguage(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return ""
	}
	return info.Lang.Iso6391()
}
