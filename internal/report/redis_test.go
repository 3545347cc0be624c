package report

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/transcribe-worker/internal/pipeline"
)

type fakeRedis struct {
	redis.Cmdable

	mu        sync.Mutex
	hashes    map[string]map[string]interface{}
	ttls      map[string]time.Duration
	published map[string][]string
	hsetErr   error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		hashes:    map[string]map[string]interface{}{},
		ttls:      map[string]time.Duration{},
		published: map[string][]string{},
	}
}

func (f *fakeRedis) HSet(key string, values ...interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hsetErr != nil {
		return redis.NewIntResult(0, f.hsetErr)
	}
	h, ok := f.hashes[key]
	if !ok {
		h = map[string]interface{}{}
		f.hashes[key] = h
	}
	for _, v := range values {
		if m, ok := v.(map[string]interface{}); ok {
			for k, val := range m {
				h[k] = val
			}
		}
	}
	return redis.NewIntResult(int64(len(h)), nil)
}

func (f *fakeRedis) Expire(key string, ttl time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttls[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Publish(channel string, message interface{}) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[channel] = append(f.published[channel], message.(string))
	return redis.NewIntResult(1, nil)
}

func TestRedis_ReportStages(t *testing.T) {
	client := newFakeRedis()
	r := NewRedis(client, time.Hour)
	ctx := context.Background()

	require.NoError(t, r.Report(ctx, pipeline.ProgressEvent{JobID: "j1", Stage: pipeline.StageFetching}))
	assert.Equal(t, "STARTED", client.hashes["job.j1"]["state"])
	assert.Equal(t, "fetch_file", client.hashes["job.j1"]["action"])

	require.NoError(t, r.Report(ctx, pipeline.ProgressEvent{JobID: "j1", Stage: pipeline.StageConverting}))
	assert.Equal(t, "ffmpeg_decompress", client.hashes["job.j1"]["action"])

	require.NoError(t, r.Report(ctx, pipeline.ProgressEvent{
		JobID: "j1", Stage: pipeline.StageTranscribing, Progress: pipeline.FloatPtr(0.5),
	}))
	assert.Equal(t, "transcribe", client.hashes["job.j1"]["action"])
	assert.Equal(t, "0.5000", client.hashes["job.j1"]["progress"])
	assert.Equal(t, time.Hour, client.ttls["job.j1"])

	msgs := client.published["job.j1.events"]
	require.Len(t, msgs, 3)
	var last update
	require.NoError(t, json.Unmarshal([]byte(msgs[2]), &last))
	assert.Equal(t, "transcribing", last.Stage)
	require.NotNil(t, last.Progress)
	assert.InDelta(t, 0.5, *last.Progress, 1e-9)
}

func TestRedis_FailKeepsFailingAction(t *testing.T) {
	client := newFakeRedis()
	r := NewRedis(client, 0)
	ctx := context.Background()

	require.NoError(t, r.Report(ctx, pipeline.ProgressEvent{JobID: "j2", Stage: pipeline.StageConverting}))
	require.NoError(t, r.Report(ctx, pipeline.FailedEvent("j2", pipeline.ConversionError("ffmpeg exited", 1, nil))))
	assert.Equal(t, "STARTED", client.hashes["job.j2"]["state"])

	require.NoError(t, r.Fail(ctx, "j2", "ffmpeg exited: exit=1"))
	assert.Equal(t, "FAILURE", client.hashes["job.j2"]["state"])
	assert.Equal(t, "ffmpeg_decompress", client.hashes["job.j2"]["action"])
	assert.Contains(t, client.hashes["job.j2"]["detail"], "exit=1")
	assert.NotContains(t, client.ttls, "job.j2")
	assert.Len(t, client.published["job.j2.events"], 2)
}

func TestRedis_CompleteAndFail(t *testing.T) {
	client := newFakeRedis()
	r := NewRedis(client, time.Minute)
	ctx := context.Background()

	require.NoError(t, r.Complete(ctx, "j3", "hello world"))
	assert.Equal(t, "SUCCESS", client.hashes["job.j3"]["state"])
	assert.Equal(t, "hello world", client.hashes["job.j3"]["result"])

	require.NoError(t, r.Fail(ctx, "j4", "boom"))
	assert.Equal(t, "FAILURE", client.hashes["job.j4"]["state"])
	assert.Equal(t, "boom", client.hashes["job.j4"]["detail"])

	assert.Error(t, r.Complete(ctx, "", "x"))
}

func TestRedis_PropagatesClientErrors(t *testing.T) {
	client := newFakeRedis()
	client.hsetErr = errors.New("READONLY")
	err := NewRedis(client, 0).Report(context.Background(), pipeline.ProgressEvent{JobID: "j5", Stage: pipeline.StageFetching})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "READONLY")
}

func TestDialRedis_BadURL(t *testing.T) {
	_, _, err := DialRedis("http://not-redis", time.Minute)
	assert.Error(t, err)
}
