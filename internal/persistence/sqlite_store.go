package persistence

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MimeLyc/transcribe-worker/internal/jobs"
	"github.com/MimeLyc/transcribe-worker/internal/pipeline"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore keeps job records and their progress event log.
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ jobs.Store    = (*SQLiteStore)(nil)
	_ pipeline.Sink = (*SQLiteStore)(nil)
)

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		// embed.FS paths always use forward slashes
		content, err := migrationFiles.ReadFile(path.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename ("001_init.sql" is 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

const jobColumns = `id, origin, source_url, dedupe_key, status, stage, progress, transcript, language,
	error, error_kind, error_stage, created_at, updated_at`

func (s *SQLiteStore) LoadJobs(ctx context.Context) ([]*jobs.TranscriptionJob, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at ASC`)
}

// RecentJobs returns up to limit jobs, newest first.
func (s *SQLiteStore) RecentJobs(ctx context.Context, limit int) ([]*jobs.TranscriptionJob, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?`, limit)
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]*jobs.TranscriptionJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*jobs.TranscriptionJob, 0)
	for rows.Next() {
		var item jobs.TranscriptionJob
		var status, stage, errorKind, errorStage string
		var progress sql.NullFloat64
		if err := rows.Scan(
			&item.ID,
			&item.Origin,
			&item.SourceURL,
			&item.DedupeKey,
			&status,
			&stage,
			&progress,
			&item.Transcript,
			&item.Language,
			&item.Error,
			&errorKind,
			&errorStage,
			&item.CreatedAt,
			&item.UpdatedAt,
		); err != nil {
			return nil, err
		}
		item.Status = jobs.Status(status)
		item.Stage = parseStage(stage)
		item.Progress = floatPtr(progress)
		item.ErrorKind = pipeline.ErrorKind(errorKind)
		item.ErrorStage = parseStage(errorStage)
		ret = append(ret, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID)
	return err
}

func (s *SQLiteStore) UpsertJob(ctx context.Context, job *jobs.TranscriptionJob) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			origin=excluded.origin,
			source_url=excluded.source_url,
			dedupe_key=excluded.dedupe_key,
			status=excluded.status,
			stage=excluded.stage,
			progress=excluded.progress,
			transcript=excluded.transcript,
			language=excluded.language,
			error=excluded.error,
			error_kind=excluded.error_kind,
			error_stage=excluded.error_stage,
			updated_at=excluded.updated_at`,
		job.ID,
		job.Origin,
		job.SourceURL,
		job.DedupeKey,
		string(job.Status),
		stageText(job.Stage),
		nullableFloat(job.Progress),
		job.Transcript,
		job.Language,
		job.Error,
		string(job.ErrorKind),
		stageText(job.ErrorStage),
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
	)
	return err
}

// Report appends event to the job's event log.
func (s *SQLiteStore) Report(ctx context.Context, event pipeline.ProgressEvent) error {
	return s.AppendEvent(ctx, event)
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, event pipeline.ProgressEvent) error {
	if event.JobID == "" {
		return fmt.Errorf("event has no job id")
	}
	at := event.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO job_events (job_id, stage, progress, failed_stage, error_kind, detail, exit_code, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.JobID,
		stageText(event.Stage),
		nullableFloat(event.Progress),
		stageText(event.FailedStage),
		string(event.ErrorKind),
		event.Detail,
		event.ExitCode,
		at.UTC(),
	)
	return err
}

// LoadEvents returns the events of jobID in the order they were reported.
func (s *SQLiteStore) LoadEvents(ctx context.Context, jobID string) ([]pipeline.ProgressEvent, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT job_id, stage, progress, failed_stage, error_kind, detail, exit_code, at
		 FROM job_events
		 WHERE job_id = ?
		 ORDER BY id ASC`,
		jobID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]pipeline.ProgressEvent, 0)
	for rows.Next() {
		var event pipeline.ProgressEvent
		var stage, failedStage, errorKind string
		var progress sql.NullFloat64
		if err := rows.Scan(
			&event.JobID,
			&stage,
			&progress,
			&failedStage,
			&errorKind,
			&event.Detail,
			&event.ExitCode,
			&event.At,
		); err != nil {
			return nil, err
		}
		event.Stage = parseStage(stage)
		event.Progress = floatPtr(progress)
		event.FailedStage = parseStage(failedStage)
		event.ErrorKind = pipeline.ErrorKind(errorKind)
		ret = append(ret, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

// DeleteJobData removes the event log of a job.
func (s *SQLiteStore) DeleteJobData(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM job_events WHERE job_id = ?`, jobID)
	return err
}

// DeleteEventsBefore trims event logs older than cutoff and returns how many rows went.
func (s *SQLiteStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM job_events WHERE at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
