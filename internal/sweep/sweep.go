// Package sweep periodically looks for threads the runner seems to have
// forgotten about. It only reports; thread status stays webhook-owned, so a
// stuck thread is never force-failed from here.
package sweep

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/korentomas/issueforge/internal/domain"
	"github.com/korentomas/issueforge/internal/notify"
)

// Store is the read slice of the thread store the sweeper scans
type Store interface {
	StaleRunning(cutoff time.Time) ([]*domain.TaskThread, error)
}

// Sweeper flags running threads with no activity inside the threshold window
type Sweeper struct {
	store     Store
	notifier  notify.Notifier
	threshold time.Duration
	now       func() time.Time

	// reported remembers already-flagged threads so each one is reported once
	reported map[string]struct{}
}

// New creates a Sweeper
func New(store Store, notifier notify.Notifier, threshold time.Duration) *Sweeper {
	return &Sweeper{
		store:     store,
		notifier:  notifier,
		threshold: threshold,
		now:       time.Now,
		reported:  make(map[string]struct{}),
	}
}

// Run performs one sweep and returns how many threads were newly flagged
func (s *Sweeper) Run() (int, error) {
	stale, err := s.store.StaleRunning(s.now().Add(-s.threshold))
	if err != nil {
		return 0, err
	}

	flagged := 0
	for _, thread := range stale {
		if _, seen := s.reported[thread.ID]; seen {
			continue
		}
		s.reported[thread.ID] = struct{}{}
		flagged++

		slog.Warn("thread appears stuck",
			"thread", thread.ID,
			"status", thread.Status,
			"idle", s.now().Sub(thread.UpdatedAt).Round(time.Minute))

		if err := s.notifier.Send(notify.Notification{
			Title:    thread.Title,
			Message:  fmt.Sprintf("No runner activity for %s", s.threshold),
			Type:     notify.NotifyWarning,
			ThreadID: thread.ID,
		}); err != nil {
			slog.Warn("stuck-thread notification failed", "thread", thread.ID, "error", err)
		}
	}
	return flagged, nil
}
