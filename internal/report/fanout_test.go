package report

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MimeLyc/transcribe-worker/internal/pipeline"
)

type countingSink struct {
	events   int
	complete int
	fail     int
}

func (c *countingSink) Report(context.Context, pipeline.ProgressEvent) error {
	c.events++
	return nil
}

func (c *countingSink) Complete(context.Context, string, string) error {
	c.complete++
	return nil
}

func (c *countingSink) Fail(context.Context, string, string) error {
	c.fail++
	return nil
}

func TestFanout_DeliversToAllMembers(t *testing.T) {
	a := &countingSink{}
	b := &countingSink{}
	plain := 0
	failing := pipeline.SinkFunc(func(context.Context, pipeline.ProgressEvent) error {
		return errors.New("down")
	})
	panicking := pipeline.SinkFunc(func(context.Context, pipeline.ProgressEvent) error {
		panic("bad sink")
	})
	counting := pipeline.SinkFunc(func(context.Context, pipeline.ProgressEvent) error {
		plain++
		return nil
	})

	f := NewFanout(a, failing, nil, panicking, b, counting)
	assert.Equal(t, 5, f.Len())

	err := f.Report(context.Background(), pipeline.ProgressEvent{JobID: "j", Stage: pipeline.StageFetching})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Contains(t, err.Error(), "bad sink")
	assert.Equal(t, 1, a.events)
	assert.Equal(t, 1, b.events)
	assert.Equal(t, 1, plain)

	require.NoError(t, f.Complete(context.Background(), "j", "text"))
	require.NoError(t, f.Fail(context.Background(), "k", "detail"))
	assert.Equal(t, 1, a.complete)
	assert.Equal(t, 1, b.fail)
}

func TestLogSink(t *testing.T) {
	require.NoError(t, Log.Report(context.Background(), pipeline.ProgressEvent{JobID: "j", Stage: pipeline.StageFetching}))
	require.NoError(t, Log.Report(context.Background(), pipeline.FailedEvent("j", pipeline.FetchError("gone", 404, nil))))
}
