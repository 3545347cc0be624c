package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/transcribe-worker/internal/pipeline"
)

type memoryStore struct {
	mu   sync.Mutex
	jobs map[string]*TranscriptionJob
}

func newMemoryStore() *memoryStore {
	return &memoryStore{jobs: make(map[string]*TranscriptionJob)}
}

func (m *memoryStore) LoadJobs(_ context.Context) ([]*TranscriptionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ret := make([]*TranscriptionJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		ret = append(ret, cloneJob(j))
	}
	return ret, nil
}

func (m *memoryStore) UpsertJob(_ context.Context, job *TranscriptionJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *memoryStore) DeleteJob(_ context.Context, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, jobID)
	return nil
}

func (m *memoryStore) DeleteJobData(_ context.Context, _ string) error {
	return nil
}

func (m *memoryStore) has(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[id]
	return ok
}

func (m *memoryStore) get(id string) *TranscriptionJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneJob(m.jobs[id])
}

func TestQueue_RecoversPendingAndRunningJobsFromStore(t *testing.T) {
	store := newMemoryStore()
	now := time.Now()
	store.jobs["job-1"] = &TranscriptionJob{
		ID:        "job-1",
		Origin:    "http",
		SourceURL: "https://cdn.example.com/1.ogg",
		DedupeKey: "msg-1",
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	store.jobs["job-2"] = &TranscriptionJob{
		ID:        "job-2",
		Origin:    "http",
		SourceURL: "https://cdn.example.com/2.ogg",
		DedupeKey: "msg-2",
		Status:    StatusRunning,
		Stage:     pipeline.StageTranscribing,
		Progress:  pipeline.FloatPtr(0.4),
		CreatedAt: now,
		UpdatedAt: now,
	}

	q := NewQueue(1, store)

	jobs := q.List()
	require.Len(t, jobs, 2)
	byID := map[string]*TranscriptionJob{}
	for _, j := range jobs {
		byID[j.ID] = j
	}
	require.Contains(t, byID, "job-2")
	assert.Equal(t, StatusPending, byID["job-2"].Status)
	assert.Equal(t, pipeline.StageUnknown, byID["job-2"].Stage)
	assert.Nil(t, byID["job-2"].Progress)
	assert.Equal(t, StatusPending, store.get("job-2").Status)

	dup, created := q.Enqueue(EnqueueRequest{SourceURL: "https://cdn.example.com/2.ogg", DedupeKey: "msg-2"})
	assert.False(t, created)
	assert.Equal(t, "job-2", dup.ID)

	q.Start(succeed("recovered"))
	defer q.Stop()

	require.Eventually(t, func() bool {
		got, ok := q.Get("job-1")
		return ok && got.Status == StatusSuccess
	}, time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		got, ok := q.Get("job-2")
		return ok && got.Status == StatusSuccess
	}, time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return store.get("job-2").Transcript == "recovered"
	}, time.Second, 10*time.Millisecond)
}
