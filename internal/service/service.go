package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/MimeLyc/transcribe-worker/internal/config"
	"github.com/MimeLyc/transcribe-worker/internal/httpapi"
	"github.com/MimeLyc/transcribe-worker/internal/jobs"
	"github.com/MimeLyc/transcribe-worker/internal/persistence"
	"github.com/MimeLyc/transcribe-worker/internal/pipeline"
	"github.com/MimeLyc/transcribe-worker/internal/report"
	"github.com/MimeLyc/transcribe-worker/internal/runner"
	"github.com/MimeLyc/transcribe-worker/internal/workspace"
	"github.com/MimeLyc/transcribe-worker/pkg/log"
)

const shutdownTimeout = 10 * time.Second

// Service is the long-running worker process: a job queue fed over HTTP,
// worker contexts draining it, and the scratch sweeper.
type Service struct {
	cfg        config.Config
	components Components

	store   *persistence.SQLiteStore
	redis   *redis.Client
	queue   *jobs.Queue
	manager *workspace.Manager
	sweeper *workspace.Sweeper
	cron    *cron.Cron
	server  *httpapi.Server
}

func New(cfg config.Config, components Components) (*Service, error) {
	components, err := components.withDefaults(cfg)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.System.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	store, err := persistence.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}

	s := &Service{
		cfg:        cfg,
		components: components,
		store:      store,
		manager:    workspace.NewManager(cfg.Workspace.Root),
		cron:       cron.New(),
	}

	sinks := []pipeline.Sink{store, report.Log}
	if cfg.Redis.URL != "" {
		reporter, client, err := report.DialRedis(cfg.Redis.URL, cfg.Redis.KeyTTL)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		s.redis = client
		sinks = append(sinks, reporter)
		log.Info("Reporting job state to redis")
	}

	s.queue = jobs.NewQueue(cfg.Worker.Count, store,
		jobs.WithReporter(report.NewFanout(sinks...)),
		jobs.WithMaxJobs(cfg.Worker.MaxJobs),
	)
	s.sweeper = workspace.NewSweeper(s.manager, cfg.Workspace.SweepCron, cfg.Workspace.MaxAge)
	s.server = httpapi.NewServer(s.queue,
		httpapi.WithEventLog(store),
		httpapi.WithSweepSchedule(s.sweeper.NextRun),
		httpapi.WithPing(store.Ping),
		httpapi.WithActiveWorkspaces(s.manager.ActiveCount),
	)
	return s, nil
}

func (s *Service) Queue() *jobs.Queue {
	return s.queue
}

func (s *Service) Handler() http.Handler {
	return s.server.Handler()
}

// Start loads one worker context per configured worker and begins draining
// the queue, then schedules the sweeper.
func (s *Service) Start(ctx context.Context) error {
	if err := s.queue.StartWorkers(ctx, s.newWorker); err != nil {
		return err
	}
	if err := s.sweeper.Schedule(ctx, s.cron); err != nil {
		return err
	}
	if err := s.scheduleEventTrim(ctx); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// scheduleEventTrim drops old job events on the sweep schedule.
func (s *Service) scheduleEventTrim(ctx context.Context) error {
	if s.cfg.Workspace.SweepCron == "" || s.cfg.System.EventRetention <= 0 {
		return nil
	}
	_, err := s.cron.AddFunc(s.cfg.Workspace.SweepCron, func() {
		if _, err := s.trimEvents(ctx, time.Now()); err != nil {
			log.Error("Failed to trim job events: %v", err)
		}
	})
	return err
}

func (s *Service) trimEvents(ctx context.Context, now time.Time) (int64, error) {
	n, err := s.store.DeleteEventsBefore(ctx, now.Add(-s.cfg.System.EventRetention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info("Trimmed %d job events older than %s", n, s.cfg.System.EventRetention)
	}
	return n, nil
}

func (s *Service) newWorker(ctx context.Context, index int) (jobs.Worker, error) {
	log.Info("Starting worker %d", index)
	wc, err := runner.StartContext(ctx, runner.ContextConfig{
		Loader:     s.components.Loader,
		ModelID:    s.cfg.Model.ID,
		Device:     s.cfg.Model.Device,
		Fetcher:    s.components.Fetcher,
		Converter:  s.components.Converter,
		Workspaces: s.manager,
	})
	if err != nil {
		return nil, err
	}
	return wc, nil
}

// Run serves until ctx is cancelled or the HTTP server fails, then shuts down.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		if closeErr := s.Close(); closeErr != nil {
			log.Error("Failed to close service: %v", closeErr)
		}
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening on %s", s.cfg.HTTP.Addr)
		if err := s.server.ListenAndServe(s.cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if closeErr := s.Close(); closeErr != nil {
		log.Error("Failed to close service: %v", closeErr)
	}
	return err
}

// Close stops the sweeper and the workers, waiting for running jobs, then
// closes the store and the broker connection.
func (s *Service) Close() error {
	<-s.cron.Stop().Done()
	s.queue.Stop()

	var errs []error
	if s.redis != nil {
		errs = append(errs, s.redis.Close())
	}
	errs = append(errs, s.store.Close())
	return errors.Join(errs...)
}
