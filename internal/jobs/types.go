package jobs

import (
	"time"

	"github.com/MimeLyc/transcribe-worker/internal/pipeline"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

type EnqueueRequest struct {
	SourceURL string
	// Origin says who submitted the job, e.g. "http" or "cli".
	Origin string
	// DedupeKey collapses submissions while a job with the same key is still
	// pending or running. Empty means no dedupe.
	DedupeKey string
}

type TranscriptionJob struct {
	ID         string             `json:"id"`
	Origin     string             `json:"origin"`
	SourceURL  string             `json:"source_url"`
	DedupeKey  string             `json:"dedupe_key,omitempty"`
	Status     Status             `json:"status"`
	Stage      pipeline.Stage     `json:"stage"`
	Progress   *float64           `json:"progress,omitempty"`
	Transcript string             `json:"transcript,omitempty"`
	Language   string             `json:"language,omitempty"`
	Error      string             `json:"error,omitempty"`
	ErrorKind  pipeline.ErrorKind `json:"error_kind,omitempty"`
	ErrorStage pipeline.Stage     `json:"error_stage,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}
