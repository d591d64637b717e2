package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/korentomas/issueforge/internal/auth"
	"github.com/korentomas/issueforge/internal/domain"
	"github.com/korentomas/issueforge/internal/runner"
	"github.com/korentomas/issueforge/internal/threadstore"
)

const testWebhookSecret = "runner-secret"

type fakeRunner struct {
	dispatched  []runner.DispatchRequest
	cancelled   []string
	dispatchErr error
}

func (f *fakeRunner) Dispatch(ctx context.Context, req runner.DispatchRequest) error {
	if f.dispatchErr != nil {
		return f.dispatchErr
	}
	f.dispatched = append(f.dispatched, req)
	return nil
}

func (f *fakeRunner) Cancel(ctx context.Context, threadID string) error {
	f.cancelled = append(f.cancelled, threadID)
	return nil
}

type testEnv struct {
	server   *Server
	store    *threadstore.Store
	runner   *fakeRunner
	sessions *auth.Sessions
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := threadstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fr := &fakeRunner{}
	sessions := auth.New("session-secret")

	server := NewServer(Options{
		Store:         store,
		Runner:        fr,
		Sessions:      sessions,
		WebhookSecret: testWebhookSecret,
		BaseURL:       "http://forge.test",
		PollInterval:  5 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go server.hub.Run(ctx)

	return &testEnv{server: server, store: store, runner: fr, sessions: sessions}
}

func (e *testEnv) seedThread(t *testing.T, thread *domain.TaskThread) *domain.TaskThread {
	t.Helper()
	if thread.ID == "" {
		thread.ID = "th-1"
	}
	if thread.UserID == "" {
		thread.UserID = "alice"
	}
	if thread.Status == "" {
		thread.Status = domain.StatusRunning
	}
	now := time.Now()
	thread.CreatedAt = now
	thread.UpdatedAt = now
	require.NoError(t, e.store.CreateThread(thread))
	return thread
}

func (e *testEnv) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func TestWebhook_RejectsBadSecret(t *testing.T) {
	env := newTestEnv(t)
	env.seedThread(t, &domain.TaskThread{})

	body := map[string]string{"type": "status", "status": "committing"}

	rec := env.do(http.MethodPost, "/api/threads/th-1/webhook", "", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodPost, "/api/threads/th-1/webhook", "wrong-secret", body)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	thread, err := env.store.GetThread("th-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, thread.Status, "rejected requests must not mutate the thread")
}

func TestWebhook_UnknownThread(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/threads/nope/webhook", testWebhookSecret,
		map[string]string{"type": "status", "status": "running"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWebhook_UnknownEventType(t *testing.T) {
	env := newTestEnv(t)
	env.seedThread(t, &domain.TaskThread{})

	rec := env.do(http.MethodPost, "/api/threads/th-1/webhook", testWebhookSecret,
		map[string]string{"type": "telemetry"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	thread, err := env.store.GetThread("th-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, thread.Status)
}

func TestWebhook_CompleteUpdatesThread(t *testing.T) {
	env := newTestEnv(t)
	env.seedThread(t, &domain.TaskThread{})

	rec := env.do(http.MethodPost, "/api/threads/th-1/webhook", testWebhookSecret, map[string]interface{}{
		"type":         "complete",
		"commitSha":    "deadbeefcafe",
		"costUsd":      0.01,
		"durationMs":   125000,
		"filesChanged": []string{"main.go"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	thread, err := env.store.GetThread("th-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplete, thread.Status)
	assert.Equal(t, "deadbeefcafe", thread.CommitSHA)
	assert.Equal(t, "0.01", thread.CostUSD)
	assert.Equal(t, int64(125000), thread.DurationMs)

	messages, err := env.store.GetMessages("th-1")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, domain.RoleSystem, messages[0].Role)
}

func TestCreateThread_RequiresSession(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/api/threads/", "", CreateThreadRequest{Title: "x", RepoURL: "y"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodPost, "/api/threads/", "forged.token", CreateThreadRequest{Title: "x", RepoURL: "y"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateThread_DispatchesToRunner(t *testing.T) {
	env := newTestEnv(t)
	token := env.sessions.Token("alice")

	rec := env.do(http.MethodPost, "/api/threads/", token, CreateThreadRequest{
		Title:   "Fix flaky test",
		RepoURL: "https://github.com/acme/app",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp ThreadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "alice", resp.UserID)
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, "main", resp.BaseBranch)
	assert.NotEmpty(t, resp.ID)

	require.Len(t, env.runner.dispatched, 1)
	dispatch := env.runner.dispatched[0]
	assert.Equal(t, resp.ID, dispatch.ThreadID)
	assert.Equal(t, "http://forge.test/api/threads/"+resp.ID+"/webhook", dispatch.CallbackURL)
}

func TestCreateThread_MissingFields(t *testing.T) {
	env := newTestEnv(t)
	token := env.sessions.Token("alice")

	rec := env.do(http.MethodPost, "/api/threads/", token, CreateThreadRequest{Title: "no repo"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, env.runner.dispatched)
}

func TestCreateThread_DispatchFailureMarksFailed(t *testing.T) {
	env := newTestEnv(t)
	env.runner.dispatchErr = context.DeadlineExceeded
	token := env.sessions.Token("alice")

	rec := env.do(http.MethodPost, "/api/threads/", token, CreateThreadRequest{
		Title:   "Doomed",
		RepoURL: "https://github.com/acme/app",
	})
	require.Equal(t, http.StatusBadGateway, rec.Code)

	threads, err := env.store.ListThreads(threadstore.ListOptions{UserID: "alice"})
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, domain.StatusFailed, threads[0].Status)
	assert.Contains(t, threads[0].ErrorMsg, "dispatch failed")
}

func TestGetThread_OwnershipHidesOthers(t *testing.T) {
	env := newTestEnv(t)
	env.seedThread(t, &domain.TaskThread{ID: "th-1", UserID: "alice"})

	rec := env.do(http.MethodGet, "/api/threads/th-1", env.sessions.Token("mallory"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(http.MethodGet, "/api/threads/th-1", env.sessions.Token("alice"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListThreads_ScopedToUser(t *testing.T) {
	env := newTestEnv(t)
	env.seedThread(t, &domain.TaskThread{ID: "th-1", UserID: "alice"})
	env.seedThread(t, &domain.TaskThread{ID: "th-2", UserID: "bob"})

	rec := env.do(http.MethodGet, "/api/threads/", env.sessions.Token("alice"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var threads []ThreadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &threads))
	require.Len(t, threads, 1)
	assert.Equal(t, "th-1", threads[0].ID)
}

func TestCancelThread(t *testing.T) {
	env := newTestEnv(t)
	env.seedThread(t, &domain.TaskThread{ID: "th-1", UserID: "alice", Status: domain.StatusRunning})
	token := env.sessions.Token("alice")

	rec := env.do(http.MethodPost, "/api/threads/th-1/cancel", token, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"th-1"}, env.runner.cancelled)

	// Status stays untouched until the runner confirms via webhook
	thread, err := env.store.GetThread("th-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, thread.Status)
}

func TestCancelThread_AlreadyTerminal(t *testing.T) {
	env := newTestEnv(t)
	env.seedThread(t, &domain.TaskThread{ID: "th-1", UserID: "alice", Status: domain.StatusComplete})

	rec := env.do(http.MethodPost, "/api/threads/th-1/cancel", env.sessions.Token("alice"), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, env.runner.cancelled)
}

func TestStream_AuthSettledBeforeEvents(t *testing.T) {
	env := newTestEnv(t)
	env.seedThread(t, &domain.TaskThread{ID: "th-1", UserID: "alice"})

	rec := env.do(http.MethodGet, "/api/threads/th-1/stream", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodGet, "/api/threads/th-1/stream", env.sessions.Token("mallory"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStream_TerminalThreadEmitsInitAndComplete(t *testing.T) {
	env := newTestEnv(t)
	env.seedThread(t, &domain.TaskThread{
		ID: "th-1", UserID: "alice", Title: "Done already",
		Status: domain.StatusComplete, CommitSHA: "deadbeef", CostUSD: "1.25",
	})

	rec := env.do(http.MethodGet, "/api/threads/th-1/stream", env.sessions.Token("alice"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))

	var types []string
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev struct {
			Type string `json:"type"`
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{"init", "complete"}, types)
}

func TestDashboardStats_RequiresSession(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/api/dashboard/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(http.MethodGet, "/api/dashboard/stats", env.sessions.Token("alice"), nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/api/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
