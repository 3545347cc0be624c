package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/transcribe-worker/internal/jobs"
	"github.com/MimeLyc/transcribe-worker/internal/pipeline"
	"github.com/MimeLyc/transcribe-worker/internal/runner"
)

type stubEvents struct {
	events map[string][]pipeline.ProgressEvent
	err    error
}

func (s stubEvents) LoadEvents(_ context.Context, jobID string) ([]pipeline.ProgressEvent, error) {
	return s.events[jobID], s.err
}

type staticWorker string

func (w staticWorker) Run(_ context.Context, job runner.Job, _ pipeline.Sink) (runner.Result, error) {
	return runner.Result{JobID: job.ID, Transcript: string(w)}, nil
}

func (staticWorker) Stop() error { return nil }

func postJob(t *testing.T, srv *Server, body string) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var resp map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func TestServer_EnqueueAndList(t *testing.T) {
	queue := jobs.NewQueue(1, nil)
	srv := NewServer(queue)

	rec, resp := postJob(t, srv, `{"url":"https://cdn.example.com/a.ogg","dedupe_key":"msg-1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `true`, string(resp["created"]))

	var job jobs.TranscriptionJob
	require.NoError(t, json.Unmarshal(resp["job"], &job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, "http", job.Origin)
	assert.Equal(t, jobs.StatusPending, job.Status)

	rec, resp = postJob(t, srv, `{"url":"https://cdn.example.com/a.ogg","dedupe_key":"msg-1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `false`, string(resp["created"]))

	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	listRec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(listRec, req)
	require.Equal(t, http.StatusOK, listRec.Code)

	var list []jobs.TranscriptionJob
	require.NoError(t, json.Unmarshal(listRec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, job.ID, list[0].ID)
}

func TestServer_EnqueueRejectsBadInput(t *testing.T) {
	srv := NewServer(jobs.NewQueue(1, nil))

	cases := map[string]string{
		"invalid json":    `{`,
		"missing url":     `{"url":"  "}`,
		"local path":      `{"url":"/tmp/a.ogg"}`,
		"unsupported url": `{"url":"://nope"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec, resp := postJob(t, srv, body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, resp, "error")
		})
	}
}

func TestServer_ListFiltersByStatus(t *testing.T) {
	queue := jobs.NewQueue(1, nil)
	queue.Enqueue(jobs.EnqueueRequest{SourceURL: "https://cdn.example.com/a.ogg"})
	srv := NewServer(queue)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs?status=failed", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestServer_JobDetailIncludesEvents(t *testing.T) {
	queue := jobs.NewQueue(1, nil)
	job, _ := queue.Enqueue(jobs.EnqueueRequest{SourceURL: "https://cdn.example.com/a.ogg"})

	events := stubEvents{events: map[string][]pipeline.ProgressEvent{
		job.ID: {{JobID: job.ID, Stage: pipeline.StageFetching}},
	}}
	srv := NewServer(queue, WithEventLog(events))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp jobDetailResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, job.ID, resp.Job.ID)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, pipeline.StageFetching, resp.Events[0].Stage)
}

func TestServer_JobDetailErrors(t *testing.T) {
	queue := jobs.NewQueue(1, nil)
	job, _ := queue.Enqueue(jobs.EnqueueRequest{SourceURL: "https://cdn.example.com/a.ogg"})

	srv := NewServer(queue, WithEventLog(stubEvents{err: errors.New("db closed")}))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID, nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/jobs/"+job.ID, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestServer_Health(t *testing.T) {
	queue := jobs.NewQueue(2, nil)
	queue.Enqueue(jobs.EnqueueRequest{SourceURL: "https://cdn.example.com/a.ogg"})
	next := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	srv := NewServer(queue,
		WithSweepSchedule(func() (time.Time, error) { return next, nil }),
		WithPing(func(context.Context) error { return nil }),
		WithActiveWorkspaces(func() int { return 1 }),
	)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, 2, resp.Workers)
	assert.Equal(t, 1, resp.Jobs[jobs.StatusPending])
	require.NotNil(t, resp.NextSweep)
	assert.True(t, next.Equal(*resp.NextSweep))
	require.NotNil(t, resp.ActiveWorkspaces)
	assert.Equal(t, 1, *resp.ActiveWorkspaces)
}

func TestServer_HealthFailsWhenStoreIsDown(t *testing.T) {
	srv := NewServer(jobs.NewQueue(1, nil), WithPing(func(context.Context) error {
		return errors.New("database is closed")
	}))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "database is closed")
}

func TestServer_StreamEndsWithTerminalJob(t *testing.T) {
	queue := jobs.NewQueue(1, nil)
	job, _ := queue.Enqueue(jobs.EnqueueRequest{SourceURL: "https://cdn.example.com/a.ogg"})
	require.NoError(t, queue.StartWorkers(context.Background(), func(context.Context, int) (jobs.Worker, error) {
		return staticWorker("hello"), nil
	}))
	defer queue.Stop()

	srv := NewServer(queue, WithStreamInterval(10*time.Millisecond))
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/jobs/stream?id=" + job.ID)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var last jobs.TranscriptionJob
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &last))
	}
	assert.Equal(t, jobs.StatusSuccess, last.Status)
	assert.Equal(t, "hello", last.Transcript)
}

func TestServer_StreamUnknownJob(t *testing.T) {
	srv := NewServer(jobs.NewQueue(1, nil))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/stream?id=nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ShutdownBeforeListen(t *testing.T) {
	srv := NewServer(jobs.NewQueue(1, nil))
	require.NoError(t, srv.Shutdown(context.Background()))
	assert.ErrorIs(t, srv.ListenAndServe("127.0.0.1:0"), http.ErrServerClosed)
}
