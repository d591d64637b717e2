package sweep

import (
	"testing"
	"time"

	"github.com/korentomas/issueforge/internal/domain"
	"github.com/korentomas/issueforge/internal/notify"
)

type fakeStore struct {
	stale []*domain.TaskThread
}

func (f *fakeStore) StaleRunning(cutoff time.Time) ([]*domain.TaskThread, error) {
	return f.stale, nil
}

type recordingNotifier struct {
	sent []notify.Notification
}

func (r *recordingNotifier) Send(n notify.Notification) error {
	r.sent = append(r.sent, n)
	return nil
}

func TestSweeper_FlagsStaleThreads(t *testing.T) {
	store := &fakeStore{stale: []*domain.TaskThread{
		{ID: "th-1", Title: "Slow one", Status: domain.StatusRunning, UpdatedAt: time.Now().Add(-2 * time.Hour)},
	}}
	notifier := &recordingNotifier{}

	sweeper := New(store, notifier, time.Hour)
	flagged, err := sweeper.Run()
	if err != nil {
		t.Fatal(err)
	}

	if flagged != 1 {
		t.Errorf("flagged = %d, want 1", flagged)
	}
	if len(notifier.sent) != 1 {
		t.Fatalf("notifications = %d, want 1", len(notifier.sent))
	}
	if notifier.sent[0].ThreadID != "th-1" {
		t.Errorf("ThreadID = %q, want th-1", notifier.sent[0].ThreadID)
	}
	if notifier.sent[0].Type != notify.NotifyWarning {
		t.Errorf("Type = %v, want warning", notifier.sent[0].Type)
	}
}

func TestSweeper_ReportsEachThreadOnce(t *testing.T) {
	store := &fakeStore{stale: []*domain.TaskThread{
		{ID: "th-1", Status: domain.StatusRunning, UpdatedAt: time.Now().Add(-2 * time.Hour)},
	}}
	notifier := &recordingNotifier{}

	sweeper := New(store, notifier, time.Hour)
	for i := 0; i < 3; i++ {
		if _, err := sweeper.Run(); err != nil {
			t.Fatal(err)
		}
	}

	if len(notifier.sent) != 1 {
		t.Errorf("notifications = %d, want 1 (no repeat reports)", len(notifier.sent))
	}
}
