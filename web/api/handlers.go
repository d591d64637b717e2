package api

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/korentomas/issueforge/internal/dashboard"
	"github.com/korentomas/issueforge/internal/domain"
	"github.com/korentomas/issueforge/internal/runner"
	"github.com/korentomas/issueforge/internal/threadstore"
	"github.com/korentomas/issueforge/internal/webhook"
)

type contextKey string

const userIDKey contextKey = "userID"

// bearerToken extracts the token from an Authorization: Bearer header
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimPrefix(auth, prefix)
}

// requireUser authenticates the session token and stores the user id on the
// request context
func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing session token")
			return
		}
		userID, err := s.sessions.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid session token")
			return
		}
		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey).(string)
	return id
}

// ownedThread loads a thread and checks it belongs to the requesting user.
// Both a missing thread and someone else's thread come back as not found, so
// callers cannot probe for thread ids they do not own.
func (s *Server) ownedThread(r *http.Request) (*domain.TaskThread, error) {
	thread, err := s.store.GetThread(chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if thread == nil || thread.UserID != userID(r) {
		return nil, nil
	}
	return thread, nil
}

// ThreadResponse is the REST representation of a thread
type ThreadResponse struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	RepoURL     string    `json:"repo_url"`
	Branch      string    `json:"branch"`
	BaseBranch  string    `json:"base_branch"`
	Description string    `json:"description,omitempty"`
	RiskTier    string    `json:"risk_tier"`
	Engine      string    `json:"engine,omitempty"`
	Model       string    `json:"model,omitempty"`
	Status      string    `json:"status"`
	CommitSHA   string    `json:"commit_sha,omitempty"`
	CostUSD     string    `json:"cost_usd,omitempty"`
	DurationMs  int64     `json:"duration_ms,omitempty"`
	ErrorMsg    string    `json:"error_msg,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func threadResponse(t *domain.TaskThread) ThreadResponse {
	return ThreadResponse{
		ID:          t.ID,
		UserID:      t.UserID,
		Title:       t.Title,
		RepoURL:     t.RepoURL,
		Branch:      t.Branch,
		BaseBranch:  t.BaseBranch,
		Description: t.Description,
		RiskTier:    string(t.RiskTier),
		Engine:      t.Engine,
		Model:       t.Model,
		Status:      string(t.Status),
		CommitSHA:   t.CommitSHA,
		CostUSD:     t.CostUSD,
		DurationMs:  t.DurationMs,
		ErrorMsg:    t.ErrorMsg,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

// MessageResponse is the REST representation of a thread message
type MessageResponse struct {
	ID        string            `json:"id"`
	ThreadID  string            `json:"thread_id"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	ToolName  string            `json:"tool_name,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// CreateThreadRequest is the payload for creating a new thread
type CreateThreadRequest struct {
	Title       string `json:"title"`
	RepoURL     string `json:"repo_url"`
	Branch      string `json:"branch"`
	BaseBranch  string `json:"base_branch"`
	Description string `json:"description"`
	RiskTier    string `json:"risk_tier"`
	Engine      string `json:"engine"`
	Model       string `json:"model"`
}

func (s *Server) createThreadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateThreadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Title == "" || req.RepoURL == "" {
			writeError(w, http.StatusBadRequest, "title and repo_url are required")
			return
		}
		if req.BaseBranch == "" {
			req.BaseBranch = "main"
		}
		if req.RiskTier == "" {
			req.RiskTier = string(domain.RiskMedium)
		}

		now := time.Now()
		thread := &domain.TaskThread{
			ID:          uuid.NewString(),
			UserID:      userID(r),
			Title:       req.Title,
			RepoURL:     req.RepoURL,
			Branch:      req.Branch,
			BaseBranch:  req.BaseBranch,
			Description: req.Description,
			RiskTier:    domain.RiskTier(req.RiskTier),
			Engine:      req.Engine,
			Model:       req.Model,
			Status:      domain.StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if thread.Branch == "" {
			thread.Branch = "forge/" + thread.ID[:8]
		}

		if err := s.store.CreateThread(thread); err != nil {
			slog.Error("creating thread", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to create thread")
			return
		}

		err := s.runner.Dispatch(r.Context(), runner.DispatchRequest{
			ThreadID:    thread.ID,
			RepoURL:     thread.RepoURL,
			Branch:      thread.Branch,
			BaseBranch:  thread.BaseBranch,
			Description: thread.Description,
			RiskTier:    string(thread.RiskTier),
			Engine:      thread.Engine,
			Model:       thread.Model,
			CallbackURL: s.baseURL + "/api/threads/" + thread.ID + "/webhook",
		})
		if err != nil {
			slog.Error("dispatching thread", "thread_id", thread.ID, "error", err)
			failed := domain.StatusFailed
			msg := "runner dispatch failed: " + err.Error()
			if uerr := s.store.UpdateThread(thread.ID, threadstore.ThreadUpdate{Status: &failed, ErrorMsg: &msg}); uerr != nil {
				slog.Error("marking thread failed", "thread_id", thread.ID, "error", uerr)
			}
			writeError(w, http.StatusBadGateway, "failed to dispatch to runner")
			return
		}

		s.hub.Broadcast(SSEEvent{Type: "thread_created", Data: threadResponse(thread)})
		writeJSON(w, http.StatusCreated, threadResponse(thread))
	}
}

func (s *Server) listThreadsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := threadstore.ListOptions{UserID: userID(r)}
		if status := r.URL.Query().Get("status"); status != "" {
			st := domain.ThreadStatus(status)
			if !st.IsValid() {
				writeError(w, http.StatusBadRequest, "unknown status filter")
				return
			}
			opts.Status = st
		}

		threads, err := s.store.ListThreads(opts)
		if err != nil {
			slog.Error("listing threads", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to list threads")
			return
		}

		resp := make([]ThreadResponse, 0, len(threads))
		for _, t := range threads {
			resp = append(resp, threadResponse(t))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) getThreadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		thread, err := s.ownedThread(r)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load thread")
			return
		}
		if thread == nil {
			writeError(w, http.StatusNotFound, "thread not found")
			return
		}
		writeJSON(w, http.StatusOK, threadResponse(thread))
	}
}

func (s *Server) getMessagesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		thread, err := s.ownedThread(r)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load thread")
			return
		}
		if thread == nil {
			writeError(w, http.StatusNotFound, "thread not found")
			return
		}

		messages, err := s.store.GetMessages(thread.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load messages")
			return
		}

		resp := make([]MessageResponse, 0, len(messages))
		for _, m := range messages {
			resp = append(resp, MessageResponse{
				ID:        m.ID,
				ThreadID:  m.ThreadID,
				Role:      string(m.Role),
				Content:   m.Content,
				ToolName:  m.ToolName,
				Metadata:  m.Metadata,
				CreatedAt: m.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// cancelThreadHandler forwards a cancel request to the runner. The thread's
// status is not changed here; the authoritative cancelled event arrives via
// webhook once the runner has actually stopped.
func (s *Server) cancelThreadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		thread, err := s.ownedThread(r)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load thread")
			return
		}
		if thread == nil {
			writeError(w, http.StatusNotFound, "thread not found")
			return
		}
		if thread.Status.IsTerminal() {
			writeError(w, http.StatusConflict, "thread already finished")
			return
		}

		if err := s.runner.Cancel(r.Context(), thread.ID); err != nil {
			slog.Warn("cancel request to runner failed", "thread_id", thread.ID, "error", err)
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancel requested"})
	}
}

// webhookHandler ingests a progress event from the runner
func (s *Server) webhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" || !hmac.Equal([]byte(token), []byte(s.webhookSecret)) {
			writeError(w, http.StatusUnauthorized, "invalid webhook secret")
			return
		}

		event, err := webhook.Decode(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		threadID := chi.URLParam(r, "id")
		_, err = s.applyEvent(threadID, event)
		switch {
		case errors.Is(err, webhook.ErrUnknownThread):
			writeError(w, http.StatusNotFound, "unknown thread")
			return
		case errors.Is(err, webhook.ErrBadEvent):
			writeError(w, http.StatusBadRequest, err.Error())
			return
		case err != nil:
			slog.Error("applying webhook event", "thread_id", threadID, "type", event.Type, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to apply event")
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// StatsResponse is the dashboard stats payload
type StatsResponse struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Running    int `json:"running"`
	Committing int `json:"committing"`
	Complete   int `json:"complete"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`

	TotalCostUSD  float64 `json:"total_cost_usd"`
	AvgDurationMs int64   `json:"avg_duration_ms"`
}

func (s *Server) dashboardStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := dashboard.Collect(s.store)
		if err != nil {
			slog.Error("collecting stats", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to collect stats")
			return
		}
		writeJSON(w, http.StatusOK, StatsResponse{
			Total:         stats.Total,
			Pending:       stats.Pending,
			Running:       stats.Running,
			Committing:    stats.Committing,
			Complete:      stats.Complete,
			Failed:        stats.Failed,
			Cancelled:     stats.Cancelled,
			TotalCostUSD:  stats.TotalCostUSD,
			AvgDurationMs: stats.AvgDurationMs,
		})
	}
}
