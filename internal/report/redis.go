package report

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v7"

	"github.com/MimeLyc/transcribe-worker/internal/pipeline"
)

// Task states as a Celery result backend names them, so existing consumers of
// the broker keys keep working.
const (
	StateStarted = "STARTED"
	StateSuccess = "SUCCESS"
	StateFailure = "FAILURE"
)

var stageActions = map[pipeline.Stage]string{
	pipeline.StageFetching:     "fetch_file",
	pipeline.StageConverting:   "ffmpeg_decompress",
	pipeline.StageTranscribing: "transcribe",
}

// Redis mirrors job state into a hash at job.<id> and publishes every update
// on job.<id>.events.
type Redis struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedis(client redis.Cmdable, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

// DialRedis connects to the broker at rawURL (redis://[:password@]host:port/db).
func DialRedis(rawURL string, ttl time.Duration) (*Redis, *redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping().Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return NewRedis(client, ttl), client, nil
}

func Key(jobID string) string {
	return "job." + jobID
}

func Channel(jobID string) string {
	return Key(jobID) + ".events"
}

type update struct {
	JobID    string   `json:"job_id"`
	State    string   `json:"state"`
	Action   string   `json:"action,omitempty"`
	Stage    string   `json:"stage,omitempty"`
	Progress *float64 `json:"progress,omitempty"`
	Detail   string   `json:"detail,omitempty"`
	Result   string   `json:"result,omitempty"`
	At       string   `json:"at"`
}

// Report mirrors a stage change. Terminal events are skipped: Complete and Fail
// are the only terminal writes, so consumers see exactly one final update and
// it carries the result.
func (r *Redis) Report(ctx context.Context, event pipeline.ProgressEvent) error {
	if event.IsTerminal() {
		return nil
	}
	return r.write(ctx, update{
		JobID:    event.JobID,
		State:    StateStarted,
		Action:   stageActions[event.Stage],
		Stage:    event.Stage.String(),
		Progress: event.Progress,
		Detail:   event.Detail,
		At:       timestamp(event.At),
	})
}

// Complete stores the transcript as the job's result.
func (r *Redis) Complete(ctx context.Context, jobID, transcript string) error {
	return r.write(ctx, update{
		JobID:  jobID,
		State:  StateSuccess,
		Stage:  pipeline.StageCompleted.String(),
		Result: transcript,
		At:     timestamp(time.Time{}),
	})
}

func (r *Redis) Fail(ctx context.Context, jobID, detail string) error {
	return r.write(ctx, update{
		JobID:  jobID,
		State:  StateFailure,
		Stage:  pipeline.StageFailed.String(),
		Detail: detail,
		At:     timestamp(time.Time{}),
	})
}

func (r *Redis) write(ctx context.Context, u update) error {
	if u.JobID == "" {
		return fmt.Errorf("redis report: missing job id")
	}
	client := r.cmd(ctx)
	key := Key(u.JobID)

	fields := map[string]interface{}{
		"state":      u.State,
		"stage":      u.Stage,
		"updated_at": u.At,
	}
	if u.Action != "" {
		fields["action"] = u.Action
	}
	if u.Detail != "" {
		fields["detail"] = u.Detail
	}
	if u.Progress != nil {
		fields["progress"] = strconv.FormatFloat(*u.Progress, 'f', 4, 64)
	}
	if u.Result != "" {
		fields["result"] = u.Result
	}
	if err := client.HSet(key, fields).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	if r.ttl > 0 {
		if err := client.Expire(key, r.ttl).Err(); err != nil {
			return fmt.Errorf("expire %s: %w", key, err)
		}
	}

	payload, err := json.Marshal(u)
	if err != nil {
		return err
	}
	if err := client.Publish(Channel(u.JobID), string(payload)).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", Channel(u.JobID), err)
	}
	return nil
}

func (r *Redis) cmd(ctx context.Context) redis.Cmdable {
	if c, ok := r.client.(*redis.Client); ok && ctx != nil {
		return c.WithContext(ctx)
	}
	return r.client
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}
