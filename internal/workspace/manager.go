package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/MimeLyc/transcribe-worker/internal/pipeline"
	"github.com/MimeLyc/transcribe-worker/pkg/log"
)

const (
	rawName       = "input"
	convertedName = "audio.wav"
)

// Workspace is the private scratch directory of one job.
type Workspace struct {
	ID    string
	JobID string
	Dir   string

	mu       sync.Mutex
	tracked  []string
	released bool
}

func (w *Workspace) RawPath() string {
	return filepath.Join(w.Dir, rawName)
}

func (w *Workspace) ConvertedPath() string {
	return filepath.Join(w.Dir, convertedName)
}

// Track adds path to the artifacts removed on release. Paths outside Dir are
// accepted so stages can place side outputs elsewhere.
func (w *Workspace) Track(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, p := range w.tracked {
		if p == path {
			return
		}
	}
	w.tracked = append(w.tracked, path)
}

// Artifacts returns the tracked paths.
func (w *Workspace) Artifacts() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.tracked...)
}

var _ pipeline.Workspace = (*Workspace)(nil)

// Manager hands out workspaces under a shared root.
type Manager struct {
	root string

	mu     sync.Mutex
	active map[string]*Workspace
}

func NewManager(root string) *Manager {
	return &Manager{
		root:   root,
		active: make(map[string]*Workspace),
	}
}

func (m *Manager) Root() string {
	return m.root
}

// Acquire creates a fresh directory for jobID. The directory name is a random
// UUID; jobID is only kept for logging.
func (m *Manager) Acquire(jobID string) (*Workspace, error) {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return nil, pipeline.InternalError(pipeline.StageUnknown, "create scratch root", err)
	}

	id := uuid.NewString()
	dir := filepath.Join(m.root, id)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, pipeline.InternalError(pipeline.StageUnknown, "create workspace", err)
	}

	ws := &Workspace{ID: id, JobID: jobID, Dir: dir}
	m.mu.Lock()
	m.active[id] = ws
	m.mu.Unlock()

	log.Debug("Acquired workspace %s for job %s", dir, jobID)
	return ws, nil
}

// Release removes every tracked artifact and then the directory itself.
// Missing files are ignored and releasing twice is a no-op.
func (m *Manager) Release(ws *Workspace) error {
	if ws == nil {
		return nil
	}

	ws.mu.Lock()
	released := ws.released
	ws.mu.Unlock()
	if released {
		return nil
	}

	var errs []error
	for _, path := range ws.Artifacts() {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := os.RemoveAll(ws.Dir); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return pipeline.InternalError(pipeline.StageUnknown,
			fmt.Sprintf("release workspace %s", ws.Dir), errors.Join(errs...))
	}

	ws.mu.Lock()
	ws.released = true
	ws.mu.Unlock()

	m.mu.Lock()
	delete(m.active, ws.ID)
	m.mu.Unlock()

	log.Debug("Released workspace %s for job %s", ws.Dir, ws.JobID)
	return nil
}

// IsActive reports whether the workspace directory named id is still in use.
func (m *Manager) IsActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[id]
	return ok
}

// ActiveCount is the number of acquired, not yet released workspaces.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}
