package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/transcribe-worker/internal/config"
	"github.com/MimeLyc/transcribe-worker/internal/jobs"
	"github.com/MimeLyc/transcribe-worker/internal/model"
	"github.com/MimeLyc/transcribe-worker/internal/pipeline"
)

type fetchFunc func(ctx context.Context, source *url.URL, dest string) error

func (f fetchFunc) Fetch(ctx context.Context, source *url.URL, dest string) error {
	return f(ctx, source, dest)
}

type convertFunc func(ctx context.Context, in, out string) error

func (f convertFunc) Convert(ctx context.Context, in, out string) error {
	return f(ctx, in, out)
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dataDir := t.TempDir()
	return config.Config{
		Model:   config.ModelConfig{ID: "tiny", Device: "cpu"},
		Convert: config.ConvertConfig{FFmpegBin: "ffmpeg", Timeout: time.Minute},
		Fetch:   config.FetchConfig{Timeout: time.Minute},
		Worker:  config.WorkerConfig{Count: 2, MaxJobs: 100},
		Workspace: config.WorkspaceConfig{
			Root:      filepath.Join(dataDir, "scratch"),
			SweepCron: "@hourly",
			MaxAge:    time.Hour,
		},
		HTTP:   config.HTTPConfig{Addr: "127.0.0.1:0"},
		System: config.SystemConfig{DataDir: dataDir},
	}
}

// fakeComponents fetch the path of the source URL as the media body and
// transcribe the converted file's content.
func fakeComponents() Components {
	return Components{
		Loader: model.LoaderFunc(func(context.Context, string, string) (model.Model, error) {
			return model.Func(func(_ context.Context, path string, onProgress model.ProgressFunc) (string, error) {
				onProgress(1)
				data, err := os.ReadFile(path)
				return strings.ToUpper(string(data)), err
			}), nil
		}),
		Fetcher: fetchFunc(func(_ context.Context, source *url.URL, dest string) error {
			if strings.HasSuffix(source.Path, "missing") {
				return pipeline.FetchError("download failed", http.StatusNotFound, nil)
			}
			return os.WriteFile(dest, []byte(strings.TrimPrefix(source.Path, "/")), 0o600)
		}),
		Converter: convertFunc(func(_ context.Context, in, out string) error {
			data, err := os.ReadFile(in)
			if err != nil {
				return err
			}
			return os.WriteFile(out, data, 0o600)
		}),
	}
}

func TestService_ProcessesSubmittedJobs(t *testing.T) {
	cfg := testConfig(t)
	svc, err := New(cfg, fakeComponents())
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))
	defer func() { require.NoError(t, svc.Close()) }()

	ts := httptest.NewServer(svc.Handler())
	defer ts.Close()

	submit := func(source string) string {
		resp, err := http.Post(ts.URL+"/api/jobs", "application/json",
			strings.NewReader(`{"url":"`+source+`"}`))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		var body struct {
			Job jobs.TranscriptionJob `json:"job"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return body.Job.ID
	}

	okID := submit("https://media.example.com/hello")
	failID := submit("https://media.example.com/missing")

	require.Eventually(t, func() bool {
		ok, _ := svc.Queue().Get(okID)
		failed, _ := svc.Queue().Get(failID)
		return ok.Status.IsTerminal() && failed.Status.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)

	ok, _ := svc.Queue().Get(okID)
	assert.Equal(t, jobs.StatusSuccess, ok.Status)
	assert.Equal(t, "HELLO", ok.Transcript)

	failed, _ := svc.Queue().Get(failID)
	assert.Equal(t, jobs.StatusFailed, failed.Status)
	assert.Equal(t, pipeline.KindFetch, failed.ErrorKind)
	assert.Equal(t, pipeline.StageFetching, failed.ErrorStage)

	resp, err := http.Get(ts.URL + "/api/jobs/" + okID)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var detail struct {
		Events []pipeline.ProgressEvent `json:"events"`
	}
	require.NoError(t, json.Unmarshal(raw, &detail))
	require.NotEmpty(t, detail.Events)
	assert.Equal(t, pipeline.StageFetching, detail.Events[0].Stage)
	assert.Equal(t, pipeline.StageCompleted, detail.Events[len(detail.Events)-1].Stage)

	entries, err := os.ReadDir(cfg.Workspace.Root)
	require.NoError(t, err)
	for _, e := range entries {
		assert.True(t, strings.HasPrefix(e.Name(), "."), "leftover workspace %s", e.Name())
	}
}

func TestService_StartFailsWhenModelDoesNotLoad(t *testing.T) {
	components := fakeComponents()
	components.Loader = model.LoaderFunc(func(context.Context, string, string) (model.Model, error) {
		return nil, errors.New("no gpu")
	})

	svc, err := New(testConfig(t), components)
	require.NoError(t, err)

	err = svc.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no gpu")
}

func TestService_RunStopsOnCancel(t *testing.T) {
	svc, err := New(testConfig(t), fakeComponents())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestService_RejectsBadRedisURL(t *testing.T) {
	cfg := testConfig(t)
	cfg.Redis.URL = "redis://127.0.0.1:1/0"

	_, err := New(cfg, fakeComponents())
	require.Error(t, err)
}

func TestRunOnce(t *testing.T) {
	cfg := testConfig(t)

	var events []pipeline.ProgressEvent
	sink := pipeline.SinkFunc(func(_ context.Context, e pipeline.ProgressEvent) error {
		events = append(events, e)
		return nil
	})

	res, err := RunOnce(context.Background(), cfg, fakeComponents(), "https://media.example.com/bonjour", sink)
	require.NoError(t, err)
	assert.Equal(t, "BONJOUR", res.Transcript)
	assert.NotEmpty(t, res.JobID)
	require.NotEmpty(t, events)
	assert.Equal(t, pipeline.StageCompleted, events[len(events)-1].Stage)

	_, err = RunOnce(context.Background(), cfg, fakeComponents(), "not a url", sink)
	require.Error(t, err)
}

func TestSweep(t *testing.T) {
	cfg := testConfig(t)
	stale := filepath.Join(cfg.Workspace.Root, "abandoned")
	require.NoError(t, os.MkdirAll(stale, 0o700))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	removed, err := Sweep(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{stale}, removed)
	assert.NoDirExists(t, stale)
}

func TestService_TrimEvents(t *testing.T) {
	cfg := testConfig(t)
	cfg.System.EventRetention = 24 * time.Hour
	svc, err := New(cfg, fakeComponents())
	require.NoError(t, err)
	defer func() { require.NoError(t, svc.Close()) }()

	ctx := context.Background()
	now := time.Now()
	require.NoError(t, svc.store.AppendEvent(ctx, pipeline.ProgressEvent{
		JobID: "old", Stage: pipeline.StageFetching, At: now.Add(-48 * time.Hour),
	}))
	require.NoError(t, svc.store.AppendEvent(ctx, pipeline.ProgressEvent{
		JobID: "new", Stage: pipeline.StageFetching, At: now.Add(-time.Hour),
	}))

	n, err := svc.trimEvents(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	old, err := svc.store.LoadEvents(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, old)
	recent, err := svc.store.LoadEvents(ctx, "new")
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestService_HealthChecksStore(t *testing.T) {
	svc, err := New(testConfig(t), fakeComponents())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"active_workspaces":0`)

	require.NoError(t, svc.Close())
	rec = httptest.NewRecorder()
	svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
