package notify

import (
	"fmt"

	"github.com/korentomas/issueforge/internal/domain"
)

// NotificationType represents the type of notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title    string
	Message  string
	Type     NotificationType
	ThreadID string // Optional thread reference
	CostUSD  string // Optional recorded cost
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// ForOutcome builds the notification for a thread that reached a terminal status
func ForOutcome(thread *domain.TaskThread) Notification {
	n := Notification{
		Title:    thread.Title,
		ThreadID: thread.ID,
		CostUSD:  thread.CostUSD,
	}

	switch thread.Status {
	case domain.StatusComplete:
		n.Type = NotifySuccess
		n.Message = fmt.Sprintf("Task complete (commit %s)", thread.CommitSHA)
	case domain.StatusFailed:
		n.Type = NotifyError
		n.Message = "Task failed: " + thread.ErrorMsg
	case domain.StatusCancelled:
		n.Type = NotifyWarning
		n.Message = "Task cancelled"
	default:
		n.Type = NotifyInfo
		n.Message = "Task " + string(thread.Status)
	}
	return n
}
