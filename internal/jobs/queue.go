package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MimeLyc/transcribe-worker/internal/pipeline"
	"github.com/MimeLyc/transcribe-worker/internal/runner"
	"github.com/MimeLyc/transcribe-worker/pkg/log"
)

// Executor runs one job. Progress for the job goes to sink.
type Executor func(ctx context.Context, job *TranscriptionJob, sink pipeline.Sink) (runner.Result, error)

// Worker is a long-lived execution context that runs one job at a time.
// *runner.WorkerContext implements it.
type Worker interface {
	Run(ctx context.Context, job runner.Job, sink pipeline.Sink) (runner.Result, error)
	Stop() error
}

// WorkerFactory starts the worker with the given index.
type WorkerFactory func(ctx context.Context, index int) (Worker, error)

// Reporter is told about every event and the final outcome of each job.
type Reporter interface {
	pipeline.Sink
	Complete(ctx context.Context, jobID, transcript string) error
	Fail(ctx context.Context, jobID, detail string) error
}

type Option func(*Queue)

func WithReporter(r Reporter) Option {
	return func(q *Queue) {
		q.reporter = r
	}
}

// WithMaxJobs bounds how many jobs are kept; the oldest finished jobs are pruned.
func WithMaxJobs(n int) Option {
	return func(q *Queue) {
		q.maxJobs = n
	}
}

type Queue struct {
	workerCount int
	maxJobs     int
	store       Store
	reporter    Reporter

	mu         sync.RWMutex
	jobs       map[string]*TranscriptionJob
	dedupe     map[string]string
	workers    []Worker
	started    bool
	pendingIDs chan string
	stopCh     chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

func NewQueue(workerCount int, store Store, opts ...Option) *Queue {
	if workerCount <= 0 {
		workerCount = 1
	}
	q := &Queue{
		workerCount: workerCount,
		maxJobs:     1000,
		store:       store,
		jobs:        make(map[string]*TranscriptionJob),
		dedupe:      make(map[string]string),
		pendingIDs:  make(chan string, 1024),
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.hydrateFromStore(context.Background())
	return q
}

func (q *Queue) WorkerCount() int {
	return q.workerCount
}

// Enqueue adds a job. When req carries a dedupe key that belongs to a job still
// in flight, that job is returned with created=false.
func (q *Queue) Enqueue(req EnqueueRequest) (*TranscriptionJob, bool) {
	now := time.Now()

	q.mu.Lock()
	if req.DedupeKey != "" {
		if id, ok := q.dedupe[req.DedupeKey]; ok {
			if existing, exists := q.jobs[id]; exists {
				snapshot := cloneJob(existing)
				q.mu.Unlock()
				return snapshot, false
			}
			delete(q.dedupe, req.DedupeKey)
		}
	}

	id := uuid.NewString()
	job := &TranscriptionJob{
		ID:        id,
		Origin:    req.Origin,
		SourceURL: req.SourceURL,
		DedupeKey: req.DedupeKey,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	q.jobs[id] = job
	if req.DedupeKey != "" {
		q.dedupe[req.DedupeKey] = id
	}
	started := q.started
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	if started {
		q.enqueuePendingID(id)
	}
	return snapshot, true
}

func (q *Queue) Get(id string) (*TranscriptionJob, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, false
	}
	return cloneJob(job), true
}

// List returns all jobs, newest first.
func (q *Queue) List() []*TranscriptionJob {
	q.mu.RLock()
	ret := make([]*TranscriptionJob, 0, len(q.jobs))
	for _, job := range q.jobs {
		ret = append(ret, cloneJob(job))
	}
	q.mu.RUnlock()

	sort.Slice(ret, func(i, j int) bool {
		return ret[i].CreatedAt.After(ret[j].CreatedAt)
	})
	return ret
}

// Counts returns the number of jobs per status.
func (q *Queue) Counts() map[Status]int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	ret := make(map[Status]int)
	for _, job := range q.jobs {
		ret[job.Status]++
	}
	return ret
}

// StartWorkers starts one Worker per goroutine so every goroutine owns its own
// execution context. Already started workers are stopped if one fails to start.
func (q *Queue) StartWorkers(ctx context.Context, factory WorkerFactory) error {
	workers := make([]Worker, 0, q.workerCount)
	stopAll := func() {
		for _, w := range workers {
			if err := w.Stop(); err != nil {
				log.Error("Failed to stop worker: %v", err)
			}
		}
	}

	for i := range q.workerCount {
		w, err := factory(ctx, i)
		if err != nil {
			stopAll()
			return fmt.Errorf("start worker %d: %w", i, err)
		}
		workers = append(workers, w)
	}

	execs := make([]Executor, len(workers))
	for i, w := range workers {
		execs[i] = WorkerExecutor(w)
	}

	q.mu.Lock()
	q.workers = workers
	q.mu.Unlock()

	if !q.start(execs) {
		stopAll()
		return errors.New("queue already started")
	}
	return nil
}

// WorkerExecutor runs jobs on w.
func WorkerExecutor(w Worker) Executor {
	return func(ctx context.Context, job *TranscriptionJob, sink pipeline.Sink) (runner.Result, error) {
		return w.Run(ctx, runner.Job{ID: job.ID, SourceRef: job.SourceURL}, sink)
	}
}

func (q *Queue) start(execs []Executor) bool {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return false
	}
	q.started = true

	pending := make([]*TranscriptionJob, 0)
	for _, job := range q.jobs {
		if job.Status == StatusPending {
			pending = append(pending, job)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	ids := make([]string, 0, len(pending))
	for _, job := range pending {
		ids = append(ids, job.ID)
	}
	q.mu.Unlock()

	for _, id := range ids {
		q.enqueuePendingID(id)
	}

	for _, exec := range execs {
		q.wg.Add(1)
		go q.worker(exec)
	}
	return true
}

// Stop waits for running jobs to finish, then stops the workers.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
		q.wg.Wait()

		q.mu.Lock()
		workers := q.workers
		q.workers = nil
		q.mu.Unlock()
		for _, w := range workers {
			if err := w.Stop(); err != nil {
				log.Error("Failed to stop worker: %v", err)
			}
		}
	})
}

func (q *Queue) worker(exec Executor) {
	defer q.wg.Done()

	for {
		select {
		case <-q.stopCh:
			return
		case id := <-q.pendingIDs:
			job, ok := q.markRunning(id)
			if !ok {
				continue
			}

			res, err := exec(context.Background(), job, q.SinkFor(id))
			if err != nil {
				q.markFailed(id, err)
				continue
			}
			q.markSuccess(id, res)
		}
	}
}

func (q *Queue) enqueuePendingID(id string) {
	select {
	case q.pendingIDs <- id:
	default:
		go func() { q.pendingIDs <- id }()
	}
}

func (q *Queue) markRunning(id string) (*TranscriptionJob, bool) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok || job.Status != StatusPending {
		q.mu.Unlock()
		return nil, false
	}
	job.Status = StatusRunning
	job.Stage = pipeline.StageUnknown
	job.Progress = nil
	job.UpdatedAt = time.Now()
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	return snapshot, true
}

func (q *Queue) markSuccess(id string, res runner.Result) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	job.Status = StatusSuccess
	job.Stage = pipeline.StageCompleted
	job.Transcript = res.Transcript
	job.Language = res.Language
	job.Error = ""
	job.ErrorKind = ""
	job.ErrorStage = pipeline.StageUnknown
	job.UpdatedAt = time.Now()
	q.releaseDedupeLocked(job)
	pruned := q.pruneTerminalJobsLocked()
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	q.deleteJobsFromStore(pruned)
	if q.reporter != nil {
		if err := q.reporter.Complete(context.Background(), id, res.Transcript); err != nil {
			log.Warn("Failed to report completion of job %s: %v", id, err)
		}
	}
}

func (q *Queue) markFailed(id string, err error) {
	q.mu.Lock()
	job, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return
	}
	job.Status = StatusFailed
	job.Stage = pipeline.StageFailed
	job.Transcript = ""
	if err != nil {
		job.Error = err.Error()
		var pErr *pipeline.Error
		if errors.As(err, &pErr) {
			job.ErrorKind = pErr.Kind
			job.ErrorStage = pErr.Stage
		}
	}
	job.UpdatedAt = time.Now()
	q.releaseDedupeLocked(job)
	pruned := q.pruneTerminalJobsLocked()
	snapshot := cloneJob(job)
	q.mu.Unlock()

	q.persistJob(snapshot)
	q.deleteJobsFromStore(pruned)
	if q.reporter != nil {
		if rErr := q.reporter.Fail(context.Background(), id, snapshot.Error); rErr != nil {
			log.Warn("Failed to report failure of job %s: %v", id, rErr)
		}
	}
}

func (q *Queue) releaseDedupeLocked(job *TranscriptionJob) {
	if job == nil || job.DedupeKey == "" {
		return
	}
	if id, ok := q.dedupe[job.DedupeKey]; ok && id == job.ID {
		delete(q.dedupe, job.DedupeKey)
	}
}

func (q *Queue) pruneTerminalJobsLocked() []string {
	if q.maxJobs <= 0 || len(q.jobs) <= q.maxJobs {
		return nil
	}

	type candidate struct {
		id        string
		updatedAt time.Time
	}
	terminal := make([]candidate, 0, len(q.jobs))
	for id, job := range q.jobs {
		if job == nil || !job.Status.IsTerminal() {
			continue
		}
		terminal = append(terminal, candidate{id: id, updatedAt: job.UpdatedAt})
	}
	if len(terminal) == 0 {
		return nil
	}

	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].updatedAt.Before(terminal[j].updatedAt)
	})

	toRemove := min(len(q.jobs)-q.maxJobs, len(terminal))
	pruned := make([]string, 0, toRemove)
	for i := 0; i < toRemove; i++ {
		id := terminal[i].id
		if job := q.jobs[id]; job != nil {
			q.releaseDedupeLocked(job)
		}
		delete(q.jobs, id)
		pruned = append(pruned, id)
	}
	return pruned
}

func (q *Queue) deleteJobsFromStore(ids []string) {
	if q.store == nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		if err := q.store.DeleteJobData(context.Background(), id); err != nil {
			log.Error("Failed to delete data for pruned job %s: %v", id, err)
		}
		if err := q.store.DeleteJob(context.Background(), id); err != nil {
			log.Error("Failed to delete pruned job %s from store: %v", id, err)
		}
	}
}

// hydrateFromStore reloads unfinished jobs. A job that was running when the
// process died is queued again as a fresh single attempt.
func (q *Queue) hydrateFromStore(ctx context.Context) {
	if q.store == nil {
		return
	}
	loaded, err := q.store.LoadJobs(ctx)
	if err != nil {
		log.Error("Failed to load jobs from store: %v", err)
		return
	}

	now := time.Now()
	toPersist := make([]*TranscriptionJob, 0)
	q.mu.Lock()
	for _, raw := range loaded {
		if raw == nil || raw.ID == "" {
			continue
		}
		job := cloneJob(raw)
		if job.Status == StatusRunning {
			job.Status = StatusPending
			job.Stage = pipeline.StageUnknown
			job.Progress = nil
			job.UpdatedAt = now
			toPersist = append(toPersist, cloneJob(job))
		}
		q.jobs[job.ID] = job
		if job.Status == StatusPending && job.DedupeKey != "" {
			q.dedupe[job.DedupeKey] = job.ID
		}
	}
	q.mu.Unlock()

	if len(toPersist) > 0 {
		log.Info("Requeued %d jobs interrupted by a restart", len(toPersist))
	}
	for _, job := range toPersist {
		q.persistJob(job)
	}
}

func (q *Queue) persistJob(job *TranscriptionJob) {
	if q.store == nil || job == nil {
		return
	}
	if err := q.store.UpsertJob(context.Background(), job); err != nil {
		log.Error("Failed to persist job %s: %v", job.ID, err)
	}
}

func cloneJob(job *TranscriptionJob) *TranscriptionJob {
	if job == nil {
		return nil
	}
	tmp := *job
	if job.Progress != nil {
		p := *job.Progress
		tmp.Progress = &p
	}
	return &tmp
}
