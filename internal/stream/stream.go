// Package stream converts thread store polling into an ordered, append-only
// push stream of events for one viewer of one thread.
//
// This is a polling-to-push bridge, not true event-driven push: timeliness is
// bounded by the poll interval, in exchange for complete decoupling from
// whatever process writes the store. Runner and viewers never talk directly.
package stream

import (
	"context"
	"time"

	"github.com/korentomas/issueforge/internal/domain"
)

// DefaultPollInterval bounds how stale a viewer's picture of a thread can be
const DefaultPollInterval = 2 * time.Second

// Store is the read-only slice of the thread store the multiplexer polls.
// It is deliberately narrow so a change-feed subscription can replace the
// poll loop later without touching the wire protocol.
type Store interface {
	GetThread(id string) (*domain.TaskThread, error)
	GetMessages(threadID string) ([]*domain.TaskMessage, error)
	GetPlans(threadID string) ([]*domain.TaskPlan, error)
}

// Event types pushed to the client, in the order they can appear
const (
	EventInit     = "init"
	EventMessage  = "message"
	EventPlan     = "plan"
	EventStatus   = "status"
	EventComplete = "complete"
)

// Event is one entry in the per-connection push stream
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// ThreadPayload is the thread summary carried by init events
type ThreadPayload struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	RepoURL    string `json:"repoUrl,omitempty"`
	Branch     string `json:"branch,omitempty"`
	BaseBranch string `json:"baseBranch,omitempty"`
	Status     string `json:"status"`
	Engine     string `json:"engine,omitempty"`
	Model      string `json:"model,omitempty"`
}

// MessagePayload is one transcript message on the wire
type MessagePayload struct {
	ID         string            `json:"id"`
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	ToolName   string            `json:"toolName,omitempty"`
	ToolInput  string            `json:"toolInput,omitempty"`
	ToolOutput string            `json:"toolOutput,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// InitPayload is the full snapshot sent once at connect
type InitPayload struct {
	Thread   ThreadPayload    `json:"thread"`
	Messages []MessagePayload `json:"messages"`
}

// PlanPayload carries the latest plan revision
type PlanPayload struct {
	Revision  int      `json:"revision"`
	Steps     []string `json:"steps"`
	CreatedBy string   `json:"createdBy,omitempty"`
}

// StatusPayload announces a status change
type StatusPayload struct {
	Status string `json:"status"`
}

// CompletePayload is the terminal summary that ends every cleanly-closed stream
type CompletePayload struct {
	Status       string `json:"status"`
	CommitSHA    string `json:"commitSha,omitempty"`
	CostUSD      string `json:"costUsd,omitempty"`
	DurationMs   int64  `json:"durationMs,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// EmitFunc delivers one event to the client. A non-nil error means the
// client is gone and the stream should stop.
type EmitFunc func(Event) error

// Multiplexer produces per-connection event streams by polling the store
type Multiplexer struct {
	store    Store
	interval time.Duration
	now      func() time.Time
}

// New creates a Multiplexer polling at the given interval.
// A non-positive interval falls back to DefaultPollInterval.
func New(store Store, interval time.Duration) *Multiplexer {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Multiplexer{store: store, interval: interval, now: time.Now}
}

// cursor is the transient per-connection state, discarded on stream end
type cursor struct {
	lastStatus   domain.ThreadStatus
	lastMsgCount int
	// plans are not part of the init snapshot, so the first poll surfaces
	// the latest pre-existing revision as a plan event
	lastPlanCount int
}

// Stream emits events for one thread to one client until the thread reaches
// a terminal status, the client disconnects, or the store stops answering.
// The caller must have resolved ownership before calling; by the time Stream
// runs, every exit is a silent close. Internal errors never reach the wire.
func (m *Multiplexer) Stream(ctx context.Context, threadID string, emit EmitFunc) {
	thread, err := m.store.GetThread(threadID)
	if err != nil || thread == nil {
		return
	}
	messages, err := m.store.GetMessages(threadID)
	if err != nil {
		return
	}

	init := InitPayload{
		Thread:   threadPayload(thread),
		Messages: make([]MessagePayload, 0, len(messages)),
	}
	for _, msg := range messages {
		init.Messages = append(init.Messages, messagePayload(msg))
	}
	if emit(m.event(EventInit, init)) != nil {
		return
	}

	cur := cursor{
		lastStatus:   thread.Status,
		lastMsgCount: len(messages),
	}

	if thread.Status.IsTerminal() {
		emit(m.event(EventComplete, completePayload(thread)))
		return
	}

	timer := time.NewTimer(m.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		done := m.poll(ctx, threadID, &cur, emit)
		if done {
			return
		}

		timer.Reset(m.interval)
	}
}

// poll runs one read-and-diff cycle. It returns true when the stream is over.
func (m *Multiplexer) poll(ctx context.Context, threadID string, cur *cursor, emit EmitFunc) bool {
	if ctx.Err() != nil {
		return true
	}

	thread, err := m.store.GetThread(threadID)
	if err != nil || thread == nil {
		return true
	}
	messages, err := m.store.GetMessages(threadID)
	if err != nil {
		return true
	}
	plans, err := m.store.GetPlans(threadID)
	if err != nil {
		return true
	}

	if len(messages) > cur.lastMsgCount {
		for _, msg := range messages[cur.lastMsgCount:] {
			if emit(m.event(EventMessage, messagePayload(msg))) != nil {
				return true
			}
		}
		cur.lastMsgCount = len(messages)
	}

	if len(plans) > cur.lastPlanCount {
		// Only the latest revision is surfaced; intermediate revisions
		// between polls are never individually emitted.
		latest := domain.LatestPlan(plans)
		if emit(m.event(EventPlan, PlanPayload{
			Revision:  latest.Revision,
			Steps:     latest.Steps,
			CreatedBy: latest.CreatedBy,
		})) != nil {
			return true
		}
		cur.lastPlanCount = len(plans)
	}

	if thread.Status != cur.lastStatus {
		if emit(m.event(EventStatus, StatusPayload{Status: string(thread.Status)})) != nil {
			return true
		}
		cur.lastStatus = thread.Status
	}

	// Terminality is evaluated after the status event, so a client that saw
	// status: complete is guaranteed a complete event next.
	if thread.Status.IsTerminal() {
		emit(m.event(EventComplete, completePayload(thread)))
		return true
	}

	return false
}

func (m *Multiplexer) event(typ string, data interface{}) Event {
	return Event{Type: typ, Data: data, Timestamp: m.now().UTC()}
}

func threadPayload(t *domain.TaskThread) ThreadPayload {
	return ThreadPayload{
		ID:         t.ID,
		Title:      t.Title,
		RepoURL:    t.RepoURL,
		Branch:     t.Branch,
		BaseBranch: t.BaseBranch,
		Status:     string(t.Status),
		Engine:     t.Engine,
		Model:      t.Model,
	}
}

func messagePayload(msg *domain.TaskMessage) MessagePayload {
	return MessagePayload{
		ID:         msg.ID,
		Role:       string(msg.Role),
		Content:    msg.Content,
		ToolName:   msg.ToolName,
		ToolInput:  msg.ToolInput,
		ToolOutput: msg.ToolOutput,
		Metadata:   msg.Metadata,
		CreatedAt:  msg.CreatedAt,
	}
}

func completePayload(t *domain.TaskThread) CompletePayload {
	return CompletePayload{
		Status:       string(t.Status),
		CommitSHA:    t.CommitSHA,
		CostUSD:      t.CostUSD,
		DurationMs:   t.DurationMs,
		ErrorMessage: t.ErrorMsg,
	}
}
