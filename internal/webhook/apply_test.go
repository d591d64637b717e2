package webhook

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/korentomas/issueforge/internal/domain"
	"github.com/korentomas/issueforge/internal/threadstore"
)

type fakeStore struct {
	threads map[string]*domain.TaskThread

	updates  []threadstore.ThreadUpdate
	messages []*domain.TaskMessage
	plans    []*domain.TaskPlan

	getErr error
}

func newFakeStore(threads ...*domain.TaskThread) *fakeStore {
	s := &fakeStore{threads: make(map[string]*domain.TaskThread)}
	for _, th := range threads {
		s.threads[th.ID] = th
	}
	return s
}

func (s *fakeStore) GetThread(id string) (*domain.TaskThread, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.threads[id], nil
}

func (s *fakeStore) UpdateThread(id string, upd threadstore.ThreadUpdate) error {
	s.updates = append(s.updates, upd)
	th := s.threads[id]
	if upd.Status != nil {
		th.Status = *upd.Status
	}
	if upd.CommitSHA != nil {
		th.CommitSHA = *upd.CommitSHA
	}
	if upd.CostUSD != nil {
		th.CostUSD = *upd.CostUSD
	}
	if upd.DurationMs != nil {
		th.DurationMs = *upd.DurationMs
	}
	if upd.ErrorMsg != nil {
		th.ErrorMsg = *upd.ErrorMsg
	}
	if upd.Engine != nil {
		th.Engine = *upd.Engine
	}
	if upd.Model != nil {
		th.Model = *upd.Model
	}
	return nil
}

func (s *fakeStore) SaveMessage(m *domain.TaskMessage) error {
	s.messages = append(s.messages, m)
	return nil
}

func (s *fakeStore) SavePlan(p *domain.TaskPlan) error {
	s.plans = append(s.plans, p)
	return nil
}

func (s *fakeStore) NextPlanRevision(threadID string) (int, error) {
	max := 0
	for _, p := range s.plans {
		if p.ThreadID == threadID && p.Revision > max {
			max = p.Revision
		}
	}
	return max + 1, nil
}

func runningThread(id string) *domain.TaskThread {
	return &domain.TaskThread{ID: id, UserID: "user-1", Status: domain.StatusRunning}
}

func TestApply_UnknownThread(t *testing.T) {
	store := newFakeStore()
	machine := New(store)

	_, err := machine.Apply("nope", &Event{Type: EventStatus, Status: "running"})
	require.ErrorIs(t, err, ErrUnknownThread)
	assert.Empty(t, store.updates)
	assert.Empty(t, store.messages)
}

func TestApply_UnknownType(t *testing.T) {
	store := newFakeStore(runningThread("th-1"))
	machine := New(store)

	_, err := machine.Apply("th-1", &Event{Type: "telemetry"})
	require.ErrorIs(t, err, ErrBadEvent)
	assert.Empty(t, store.updates, "rejected event must not mutate state")
	assert.Empty(t, store.messages)
}

func TestApply_Status(t *testing.T) {
	store := newFakeStore(runningThread("th-1"))
	machine := New(store)

	out, err := machine.Apply("th-1", &Event{Type: EventStatus, Status: "committing"})
	require.NoError(t, err)

	require.Len(t, store.updates, 1)
	require.NotNil(t, store.updates[0].Status)
	assert.Equal(t, domain.StatusCommitting, *store.updates[0].Status)
	assert.Nil(t, store.updates[0].CommitSHA)
	assert.Empty(t, store.messages, "status events record no message")
	assert.False(t, out.Terminal)
}

func TestApply_Status_Invalid(t *testing.T) {
	store := newFakeStore(runningThread("th-1"))
	machine := New(store)

	_, err := machine.Apply("th-1", &Event{Type: EventStatus, Status: "exploded"})
	require.ErrorIs(t, err, ErrBadEvent)
	assert.Empty(t, store.updates)
}

func TestApply_Status_Idempotent(t *testing.T) {
	store := newFakeStore(runningThread("th-1"))
	machine := New(store)

	for i := 0; i < 2; i++ {
		_, err := machine.Apply("th-1", &Event{Type: EventStatus, Status: "running"})
		require.NoError(t, err)
	}

	assert.Equal(t, domain.StatusRunning, store.threads["th-1"].Status)
	assert.Empty(t, store.messages, "repeated status events must not grow the transcript")
}

func TestApply_Message(t *testing.T) {
	store := newFakeStore(runningThread("th-1"))
	machine := New(store)

	_, err := machine.Apply("th-1", &Event{Type: EventMessage, Role: "assistant", Content: "reading the code"})
	require.NoError(t, err)

	require.Len(t, store.messages, 1)
	assert.Equal(t, domain.RoleAssistant, store.messages[0].Role)
	assert.Equal(t, "reading the code", store.messages[0].Content)
	assert.NotEmpty(t, store.messages[0].ID)
	assert.Empty(t, store.updates, "message events do not touch thread fields")
}

func TestApply_Message_InvalidRole(t *testing.T) {
	store := newFakeStore(runningThread("th-1"))
	machine := New(store)

	_, err := machine.Apply("th-1", &Event{Type: EventMessage, Role: "operator", Content: "hi"})
	require.ErrorIs(t, err, ErrBadEvent)
	assert.Empty(t, store.messages)
}

func TestApply_Plan_RevisionsIncrease(t *testing.T) {
	store := newFakeStore(runningThread("th-1"))
	machine := New(store)

	_, err := machine.Apply("th-1", &Event{Type: EventPlan, Steps: []string{"read"}})
	require.NoError(t, err)
	_, err = machine.Apply("th-1", &Event{Type: EventPlan, Steps: []string{"read", "patch"}})
	require.NoError(t, err)

	require.Len(t, store.plans, 2)
	assert.Equal(t, 1, store.plans[0].Revision)
	assert.Equal(t, 2, store.plans[1].Revision)
	assert.Equal(t, "runner", store.plans[1].CreatedBy)
}

func TestApply_Plan_NoSteps(t *testing.T) {
	store := newFakeStore(runningThread("th-1"))
	machine := New(store)

	_, err := machine.Apply("th-1", &Event{Type: EventPlan})
	require.ErrorIs(t, err, ErrBadEvent)
}

func TestApply_Complete(t *testing.T) {
	store := newFakeStore(runningThread("th-1"))
	machine := New(store)

	out, err := machine.Apply("th-1", &Event{
		Type:         EventComplete,
		CommitSHA:    "deadbeefcafe",
		CostUSD:      0.01,
		DurationMs:   95000,
		FilesChanged: []string{"app/page.tsx", "lib/db.ts"},
		Engine:       "claude-code",
		Model:        "opus",
	})
	require.NoError(t, err)
	assert.True(t, out.Terminal)

	require.Len(t, store.updates, 1)
	upd := store.updates[0]
	require.NotNil(t, upd.Status)
	assert.Equal(t, domain.StatusComplete, *upd.Status)
	assert.Equal(t, "deadbeefcafe", *upd.CommitSHA)
	assert.Equal(t, "0.01", *upd.CostUSD, "cost must be stored as a fixed-decimal string")
	assert.Equal(t, int64(95000), *upd.DurationMs)
	assert.Equal(t, "claude-code", *upd.Engine)
	assert.Equal(t, "opus", *upd.Model)

	require.Len(t, store.messages, 1)
	msg := store.messages[0]
	assert.Equal(t, domain.RoleSystem, msg.Role)
	assert.True(t, strings.Contains(msg.Content, "2 file(s) changed"), "summary: %q", msg.Content)
	assert.True(t, strings.Contains(msg.Content, "app/page.tsx"))
	assert.Equal(t, "2", msg.Metadata["files_changed"])
}

func TestApply_Complete_Retry(t *testing.T) {
	store := newFakeStore(runningThread("th-1"))
	machine := New(store)

	ev := &Event{Type: EventComplete, CommitSHA: "abc", CostUSD: 1.5, DurationMs: 1000}
	_, err := machine.Apply("th-1", ev)
	require.NoError(t, err)

	// Runner retries the delivery. Acknowledged, but nothing changes.
	out, err := machine.Apply("th-1", ev)
	require.NoError(t, err)
	assert.True(t, out.NoOp)
	assert.True(t, out.Terminal)

	assert.Len(t, store.updates, 1, "retry must not write again")
	assert.Len(t, store.messages, 1, "retry must not duplicate the completion summary")
}

func TestApply_Failed(t *testing.T) {
	store := newFakeStore(runningThread("th-1"))
	machine := New(store)

	out, err := machine.Apply("th-1", &Event{Type: EventFailed, ErrorMessage: "agent ran out of budget"})
	require.NoError(t, err)
	assert.True(t, out.Terminal)

	require.Len(t, store.updates, 1)
	upd := store.updates[0]
	assert.Equal(t, domain.StatusFailed, *upd.Status)
	assert.Equal(t, "agent ran out of budget", *upd.ErrorMsg)
	assert.Nil(t, upd.CommitSHA)
	assert.Nil(t, upd.CostUSD)
	assert.Nil(t, upd.DurationMs)
}

func TestApply_Cancelled(t *testing.T) {
	store := newFakeStore(runningThread("th-1"))
	machine := New(store)

	out, err := machine.Apply("th-1", &Event{Type: EventCancelled})
	require.NoError(t, err)
	assert.True(t, out.Terminal)

	require.Len(t, store.updates, 1)
	upd := store.updates[0]
	assert.Equal(t, domain.StatusCancelled, *upd.Status)
	assert.Nil(t, upd.ErrorMsg)
	assert.Nil(t, upd.CommitSHA)
}

func TestApply_TerminalGuard(t *testing.T) {
	th := runningThread("th-1")
	th.Status = domain.StatusComplete
	store := newFakeStore(th)
	machine := New(store)

	out, err := machine.Apply("th-1", &Event{Type: EventStatus, Status: "running"})
	require.NoError(t, err)
	assert.True(t, out.NoOp)
	assert.Equal(t, domain.StatusComplete, out.Status)
	assert.Empty(t, store.updates, "terminal threads must never transition again")
}

func TestApply_StoreFailurePropagates(t *testing.T) {
	store := newFakeStore(runningThread("th-1"))
	store.getErr = errors.New("disk on fire")
	machine := New(store)

	_, err := machine.Apply("th-1", &Event{Type: EventStatus, Status: "running"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBadEvent)
	assert.NotErrorIs(t, err, ErrUnknownThread)
}

func TestFormatCost(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0.01, "0.01"},
		{0, "0.00"},
		{1.5, "1.50"},
		{12.345, "12.35"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatCost(tt.in))
	}
}

func TestDecode(t *testing.T) {
	ev, err := Decode(strings.NewReader(`{"type":"complete","commitSha":"abc","costUsd":0.25,"durationMs":1200,"filesChanged":["a.go"]}`))
	require.NoError(t, err)
	assert.Equal(t, EventComplete, ev.Type)
	assert.Equal(t, "abc", ev.CommitSHA)
	assert.Equal(t, 0.25, ev.CostUSD)

	_, err = Decode(strings.NewReader(`{not json`))
	require.ErrorIs(t, err, ErrBadEvent)

	_, err = Decode(strings.NewReader(`{"status":"running"}`))
	require.ErrorIs(t, err, ErrBadEvent, "missing discriminator")
}
