package jobs

import "context"

// Store persists job states for queue restart recovery.
type Store interface {
	LoadJobs(ctx context.Context) ([]*TranscriptionJob, error)
	UpsertJob(ctx context.Context, job *TranscriptionJob) error
	DeleteJob(ctx context.Context, jobID string) error
	// DeleteJobData removes auxiliary data (the progress event log) for a job.
	DeleteJobData(ctx context.Context, jobID string) error
}
