package webhook

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/korentomas/issueforge/internal/domain"
	"github.com/korentomas/issueforge/internal/threadstore"
)

// Store is the slice of the thread store the state machine writes through
type Store interface {
	GetThread(id string) (*domain.TaskThread, error)
	UpdateThread(id string, upd threadstore.ThreadUpdate) error
	SaveMessage(m *domain.TaskMessage) error
	SavePlan(p *domain.TaskPlan) error
	NextPlanRevision(threadID string) (int, error)
}

// Outcome summarizes what an applied event did to a thread
type Outcome struct {
	ThreadID string
	Status   domain.ThreadStatus
	Terminal bool
	// NoOp is true when the event was acknowledged but ignored because the
	// thread was already in a terminal status
	NoOp bool
}

// Machine applies runner events to thread state. It holds no state of its
// own; idempotency comes from field-level last-write-wins updates plus the
// terminal guard.
type Machine struct {
	store Store
	now   func() time.Time
}

// New creates a state machine over the given store
func New(store Store) *Machine {
	return &Machine{store: store, now: time.Now}
}

// Apply validates an event against the named thread and performs the
// corresponding store mutation. Events addressed to a thread already in a
// terminal status are acknowledged but ignored, so runner retries of
// terminal events never corrupt state or duplicate completion summaries.
func (m *Machine) Apply(threadID string, ev *Event) (*Outcome, error) {
	thread, err := m.store.GetThread(threadID)
	if err != nil {
		return nil, fmt.Errorf("get thread: %w", err)
	}
	if thread == nil {
		return nil, ErrUnknownThread
	}

	if !knownType(ev.Type) {
		return nil, fmt.Errorf("%w: unrecognized type %q", ErrBadEvent, ev.Type)
	}

	if thread.Status.IsTerminal() {
		return &Outcome{ThreadID: threadID, Status: thread.Status, Terminal: true, NoOp: true}, nil
	}

	switch ev.Type {
	case EventStatus:
		return m.applyStatus(threadID, ev)
	case EventMessage:
		return m.applyMessage(threadID, thread.Status, ev)
	case EventPlan:
		return m.applyPlan(threadID, thread.Status, ev)
	case EventComplete:
		return m.applyComplete(threadID, ev)
	case EventFailed:
		return m.applyFailed(threadID, ev)
	case EventCancelled:
		return m.applyCancelled(threadID)
	}
	return nil, fmt.Errorf("%w: unrecognized type %q", ErrBadEvent, ev.Type)
}

func knownType(t string) bool {
	switch t {
	case EventStatus, EventMessage, EventPlan, EventComplete, EventFailed, EventCancelled:
		return true
	}
	return false
}

func (m *Machine) applyStatus(threadID string, ev *Event) (*Outcome, error) {
	status := domain.ThreadStatus(ev.Status)
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: invalid status %q", ErrBadEvent, ev.Status)
	}

	if err := m.store.UpdateThread(threadID, threadstore.ThreadUpdate{Status: &status}); err != nil {
		return nil, fmt.Errorf("update thread: %w", err)
	}
	return &Outcome{ThreadID: threadID, Status: status, Terminal: status.IsTerminal()}, nil
}

func (m *Machine) applyMessage(threadID string, current domain.ThreadStatus, ev *Event) (*Outcome, error) {
	role := domain.MessageRole(ev.Role)
	if !role.IsValid() {
		return nil, fmt.Errorf("%w: invalid role %q", ErrBadEvent, ev.Role)
	}

	msg := &domain.TaskMessage{
		ID:        ulid.Make().String(),
		ThreadID:  threadID,
		Role:      role,
		Content:   ev.Content,
		CreatedAt: m.now(),
	}
	if err := m.store.SaveMessage(msg); err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}
	return &Outcome{ThreadID: threadID, Status: current}, nil
}

func (m *Machine) applyPlan(threadID string, current domain.ThreadStatus, ev *Event) (*Outcome, error) {
	if len(ev.Steps) == 0 {
		return nil, fmt.Errorf("%w: plan without steps", ErrBadEvent)
	}

	rev, err := m.store.NextPlanRevision(threadID)
	if err != nil {
		return nil, fmt.Errorf("next plan revision: %w", err)
	}

	createdBy := ev.CreatedBy
	if createdBy == "" {
		createdBy = "runner"
	}

	plan := &domain.TaskPlan{
		ID:        ulid.Make().String(),
		ThreadID:  threadID,
		Revision:  rev,
		Steps:     ev.Steps,
		CreatedBy: createdBy,
		CreatedAt: m.now(),
	}
	if err := m.store.SavePlan(plan); err != nil {
		return nil, fmt.Errorf("save plan: %w", err)
	}
	return &Outcome{ThreadID: threadID, Status: current}, nil
}

func (m *Machine) applyComplete(threadID string, ev *Event) (*Outcome, error) {
	status := domain.StatusComplete
	cost := FormatCost(ev.CostUSD)
	upd := threadstore.ThreadUpdate{
		Status:     &status,
		CommitSHA:  &ev.CommitSHA,
		CostUSD:    &cost,
		DurationMs: &ev.DurationMs,
	}
	if ev.Engine != "" {
		upd.Engine = &ev.Engine
	}
	if ev.Model != "" {
		upd.Model = &ev.Model
	}
	if err := m.store.UpdateThread(threadID, upd); err != nil {
		return nil, fmt.Errorf("update thread: %w", err)
	}

	msg := &domain.TaskMessage{
		ID:       ulid.Make().String(),
		ThreadID: threadID,
		Role:     domain.RoleSystem,
		Content:  completionSummary(ev),
		Metadata: map[string]string{
			"files_changed": strconv.Itoa(len(ev.FilesChanged)),
		},
		CreatedAt: m.now(),
	}
	if err := m.store.SaveMessage(msg); err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}

	return &Outcome{ThreadID: threadID, Status: status, Terminal: true}, nil
}

func (m *Machine) applyFailed(threadID string, ev *Event) (*Outcome, error) {
	status := domain.StatusFailed
	upd := threadstore.ThreadUpdate{
		Status:   &status,
		ErrorMsg: &ev.ErrorMessage,
	}
	if err := m.store.UpdateThread(threadID, upd); err != nil {
		return nil, fmt.Errorf("update thread: %w", err)
	}
	return &Outcome{ThreadID: threadID, Status: status, Terminal: true}, nil
}

func (m *Machine) applyCancelled(threadID string) (*Outcome, error) {
	status := domain.StatusCancelled
	if err := m.store.UpdateThread(threadID, threadstore.ThreadUpdate{Status: &status}); err != nil {
		return nil, fmt.Errorf("update thread: %w", err)
	}
	return &Outcome{ThreadID: threadID, Status: status, Terminal: true}, nil
}

// FormatCost renders a cost in USD as a fixed two-decimal string ("0.01")
func FormatCost(usd float64) string {
	return strconv.FormatFloat(usd, 'f', 2, 64)
}

func completionSummary(ev *Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task complete: %d file(s) changed", len(ev.FilesChanged))
	if ev.CommitSHA != "" {
		fmt.Fprintf(&b, " in commit %s", shortSHA(ev.CommitSHA))
	}
	if len(ev.FilesChanged) > 0 {
		b.WriteString("\n")
		for _, f := range ev.FilesChanged {
			fmt.Fprintf(&b, "\n- %s", f)
		}
	}
	return b.String()
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
