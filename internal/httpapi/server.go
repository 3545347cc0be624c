package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/MimeLyc/transcribe-worker/internal/jobs"
	"github.com/MimeLyc/transcribe-worker/internal/pipeline"
)

type eventLog interface {
	LoadEvents(ctx context.Context, jobID string) ([]pipeline.ProgressEvent, error)
}

type Server struct {
	queue     *jobs.Queue
	events    eventLog
	nextSweep func() (time.Time, error)
	ping      func(ctx context.Context) error
	active    func() int

	streamInterval time.Duration

	mux *http.ServeMux

	mu     sync.Mutex
	server *http.Server
	closed bool
}

type Option func(*Server)

// WithEventLog exposes each job's progress history on GET /api/jobs/{id}.
func WithEventLog(events eventLog) Option {
	return func(s *Server) {
		s.events = events
	}
}

// WithSweepSchedule reports the next scratch sweep on /healthz.
func WithSweepSchedule(next func() (time.Time, error)) Option {
	return func(s *Server) {
		s.nextSweep = next
	}
}

// WithPing makes /healthz check a dependency such as the job store; a failing
// ping turns the response into 503.
func WithPing(ping func(ctx context.Context) error) Option {
	return func(s *Server) {
		s.ping = ping
	}
}

// WithActiveWorkspaces reports the number of workspaces in use on /healthz.
func WithActiveWorkspaces(count func() int) Option {
	return func(s *Server) {
		s.active = count
	}
}

func WithStreamInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.streamInterval = d
		}
	}
}

func NewServer(queue *jobs.Queue, opts ...Option) *Server {
	s := &Server{
		queue:          queue,
		streamInterval: time.Second,
		mux:            http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) ListenAndServe(addr string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.server = srv
	s.mu.Unlock()
	return srv.ListenAndServe()
}

// Shutdown stops the server. A later ListenAndServe returns http.ErrServerClosed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/jobs", s.handleJobs)
	s.mux.HandleFunc("/api/jobs/stream", s.handleJobStream)
	s.mux.HandleFunc("/api/jobs/", s.handleJobDetail)
	s.mux.HandleFunc("/healthz", s.handleHealth)
}
