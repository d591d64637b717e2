package triage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/korentomas/issueforge/internal/config"
	"github.com/korentomas/issueforge/internal/domain"
	"github.com/korentomas/issueforge/internal/threadstore"
)

// IssueSource lists candidate issues and marks them as queued
type IssueSource interface {
	FetchCandidates() ([]*Issue, error)
	MarkQueued(issueNumber int) error
}

// ThreadStore persists new threads and lets the intake check whether an
// issue already has one
type ThreadStore interface {
	CreateThread(t *domain.TaskThread) error
	UpdateThread(id string, upd threadstore.ThreadUpdate) error
	GetThreadByBranch(branch string) (*domain.TaskThread, error)
}

// DispatchFunc hands a freshly created thread to the runner
type DispatchFunc func(ctx context.Context, thread *domain.TaskThread) error

// Intake creates one thread per candidate issue
type Intake struct {
	source   IssueSource
	store    ThreadStore
	dispatch DispatchFunc
	config   *config.TriageConfig
}

// NewIntake creates an Intake
func NewIntake(source IssueSource, store ThreadStore, dispatch DispatchFunc, cfg *config.TriageConfig) *Intake {
	return &Intake{source: source, store: store, dispatch: dispatch, config: cfg}
}

// Run performs one triage pass and returns how many threads were created.
// A failure on one issue does not stop the pass; it is logged and skipped.
func (i *Intake) Run(ctx context.Context) (int, error) {
	issues, err := i.source.FetchCandidates()
	if err != nil {
		return 0, err
	}

	created := 0
	for _, issue := range issues {
		if ctx.Err() != nil {
			return created, ctx.Err()
		}
		if err := i.process(ctx, issue); err != nil {
			slog.Warn("triage skipped issue", "issue", issue.Number, "error", err)
			continue
		}
		created++
	}
	return created, nil
}

func (i *Intake) process(ctx context.Context, issue *Issue) error {
	branch := fmt.Sprintf("forge/issue-%d", issue.Number)

	// An issue whose label update failed on an earlier pass comes back as a
	// candidate; the branch lookup keeps it from minting a second thread.
	existing, err := i.store.GetThreadByBranch(branch)
	if err != nil {
		return fmt.Errorf("branch lookup: %w", err)
	}
	if existing != nil {
		slog.Info("issue already has a thread", "issue", issue.Number, "thread", existing.ID)
		return nil
	}

	now := time.Now()
	thread := &domain.TaskThread{
		ID:          uuid.NewString(),
		UserID:      i.config.OwnerUserID,
		Title:       issue.Title,
		RepoURL:     "https://github.com/" + i.config.Repo,
		Branch:      branch,
		BaseBranch:  "main",
		Description: issue.Body,
		RiskTier:    domain.RiskLow,
		Status:      domain.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := i.store.CreateThread(thread); err != nil {
		return fmt.Errorf("create thread: %w", err)
	}
	if err := i.dispatch(ctx, thread); err != nil {
		// The runner never saw the thread, so no webhook will move it out of
		// pending; mark it failed here
		failed := domain.StatusFailed
		msg := "runner dispatch failed: " + err.Error()
		if uerr := i.store.UpdateThread(thread.ID, threadstore.ThreadUpdate{Status: &failed, ErrorMsg: &msg}); uerr != nil {
			slog.Error("marking thread failed", "thread", thread.ID, "error", uerr)
		}
		return fmt.Errorf("dispatch: %w", err)
	}
	if err := i.source.MarkQueued(issue.Number); err != nil {
		// Thread exists and is running; the label only prevents re-triage
		slog.Warn("failed to label issue as queued", "issue", issue.Number, "error", err)
	}

	slog.Info("issue queued", "issue", issue.Number, "thread", thread.ID)
	return nil
}
