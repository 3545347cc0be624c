package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/transcribe-worker/pkg/file"
	"github.com/MimeLyc/transcribe-worker/pkg/icron"
	"github.com/MimeLyc/transcribe-worker/pkg/log"
)

const sweepLockName = ".sweep.lock"

// ErrSweepBusy is returned when another process holds the sweep lock.
var ErrSweepBusy = errors.New("scratch sweep already running")

// Sweeper removes workspace directories left behind by processes that died
// before releasing them.
type Sweeper struct {
	manager  *Manager
	maxAge   time.Duration
	cronExpr string
	now      func() time.Time

	group singleflight.Group
}

func NewSweeper(manager *Manager, cronExpr string, maxAge time.Duration) *Sweeper {
	return &Sweeper{
		manager:  manager,
		maxAge:   maxAge,
		cronExpr: cronExpr,
		now:      time.Now,
	}
}

// Schedule registers the sweep on c. An empty expression disables it.
func (s *Sweeper) Schedule(ctx context.Context, c *cron.Cron) error {
	if s.cronExpr == "" {
		log.Info("Scratch sweeper disabled")
		return nil
	}
	if _, err := icron.Parse(s.cronExpr); err != nil {
		return err
	}

	_, err := c.AddFunc(s.cronExpr, func() {
		removed, err := s.Sweep(ctx)
		if err != nil {
			if errors.Is(err, ErrSweepBusy) {
				log.Debug("Skipping scratch sweep: %v", err)
				return
			}
			log.Error("Scratch sweep failed: %v", err)
			return
		}
		if len(removed) > 0 {
			log.Info("Scratch sweep removed %d stale workspaces", len(removed))
		}
	})
	return err
}

// NextRun returns when the scheduled sweep fires next.
func (s *Sweeper) NextRun() (time.Time, error) {
	if s.cronExpr == "" {
		return time.Time{}, nil
	}
	info, err := icron.GetTriggerInfo(s.cronExpr, s.now())
	if err != nil {
		return time.Time{}, err
	}
	return info.Next, nil
}

// Sweep removes stale workspace directories once. Concurrent calls in one
// process share a single pass; other processes are kept out by a lock file.
func (s *Sweeper) Sweep(ctx context.Context) ([]string, error) {
	v, err, _ := s.group.Do("sweep", func() (any, error) {
		return s.sweep(ctx)
	})
	if err != nil {
		return nil, err
	}
	removed, _ := v.([]string)
	return removed, nil
}

func (s *Sweeper) sweep(ctx context.Context) ([]string, error) {
	root := s.manager.Root()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch root: %w", err)
	}

	lock := flock.New(filepath.Join(root, sweepLockName))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !ok {
		return nil, ErrSweepBusy
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			log.Warn("Failed to release sweep lock: %v", err)
		}
	}()

	stale, err := file.FindStaleEntries(root, s.now().Add(-s.maxAge))
	if err != nil {
		return nil, fmt.Errorf("list scratch root: %w", err)
	}

	removed := make([]string, 0, len(stale))
	for _, path := range stale {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if s.manager.IsActive(filepath.Base(path)) {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			log.Warn("Failed to remove stale workspace %s: %v", path, err)
			continue
		}
		log.Debug("Removed stale workspace %s", path)
		removed = append(removed, path)
	}
	return removed, nil
}
