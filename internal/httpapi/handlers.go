package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MimeLyc/transcribe-worker/internal/jobs"
	"github.com/MimeLyc/transcribe-worker/internal/pipeline"
	"github.com/MimeLyc/transcribe-worker/pkg/log"
)

type enqueueJobRequest struct {
	URL       string `json:"url"`
	Origin    string `json:"origin"`
	DedupeKey string `json:"dedupe_key"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		list := s.queue.List()
		if status := r.URL.Query().Get("status"); status != "" {
			list = filterByStatus(list, jobs.Status(status))
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodPost:
		var req enqueueJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		if strings.TrimSpace(req.URL) == "" {
			writeError(w, http.StatusBadRequest, "url is required")
			return
		}
		if _, err := pipeline.ParseSource(req.URL); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.Origin == "" {
			req.Origin = "http"
		}

		job, created := s.queue.Enqueue(jobs.EnqueueRequest{
			SourceURL: strings.TrimSpace(req.URL),
			Origin:    req.Origin,
			DedupeKey: req.DedupeKey,
		})
		code := http.StatusCreated
		if !created {
			code = http.StatusOK
		} else {
			log.Info("Accepted job %s for %s", job.ID, pipeline.RedactSource(job.SourceURL))
		}
		writeJSON(w, code, map[string]any{
			"created": created,
			"job":     job,
		})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func filterByStatus(list []*jobs.TranscriptionJob, status jobs.Status) []*jobs.TranscriptionJob {
	ret := make([]*jobs.TranscriptionJob, 0, len(list))
	for _, job := range list {
		if job.Status == status {
			ret = append(ret, job)
		}
	}
	return ret
}

type jobDetailResponse struct {
	Job    *jobs.TranscriptionJob   `json:"job"`
	Events []pipeline.ProgressEvent `json:"events,omitempty"`
}

var errJobNotFound = errors.New("job not found")

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	// /api/jobs/{id}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/jobs/"), "/")
	if decoded, err := url.PathUnescape(id); err == nil {
		id = decoded
	}
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	job, ok := s.queue.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, errJobNotFound.Error())
		return
	}

	resp := jobDetailResponse{Job: job}
	if s.events != nil {
		events, err := s.events.LoadEvents(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp.Events = events
	}
	writeJSON(w, http.StatusOK, resp)
}

type healthResponse struct {
	OK               bool                `json:"ok"`
	Error            string              `json:"error,omitempty"`
	Workers          int                 `json:"workers"`
	ActiveWorkspaces *int                `json:"active_workspaces,omitempty"`
	Jobs             map[jobs.Status]int `json:"jobs"`
	NextSweep        *time.Time          `json:"next_sweep,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := healthResponse{
		OK:      true,
		Workers: s.queue.WorkerCount(),
		Jobs:    s.queue.Counts(),
	}
	if s.active != nil {
		n := s.active()
		resp.ActiveWorkspaces = &n
	}
	if s.nextSweep != nil {
		next, err := s.nextSweep()
		if err == nil && !next.IsZero() {
			resp.NextSweep = &next
		}
	}

	code := http.StatusOK
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			log.Warn("Health check failed: %v", err)
			resp.OK = false
			resp.Error = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}
