package domain

import "time"

// TaskThread is one task execution record, tracked from creation to terminal outcome.
// Status is mutated exclusively through the webhook state machine once the thread
// has been handed to the runner.
type TaskThread struct {
	ID          string
	UserID      string
	Title       string
	RepoURL     string
	Branch      string
	BaseBranch  string
	Description string
	RiskTier    RiskTier

	Engine    string
	Model     string
	Status    ThreadStatus
	CommitSHA string
	// CostUSD is a fixed-precision decimal string ("0.01"), never a float,
	// so that money survives round-trips through the store unchanged.
	CostUSD    string
	DurationMs int64
	ErrorMsg   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TaskMessage is one chat-visible event attached to a thread. Messages are
// append-only; creation order is delivery order.
type TaskMessage struct {
	ID         string
	ThreadID   string
	Role       MessageRole
	Content    string
	ToolName   string
	ToolInput  string
	ToolOutput string
	Metadata   map[string]string
	CreatedAt  time.Time
}

// TaskPlan is one planning revision for a thread. Revisions are append-only
// and monotonically increasing; only the latest matters for live display.
type TaskPlan struct {
	ID        string
	ThreadID  string
	Revision  int
	Steps     []string
	CreatedBy string
	CreatedAt time.Time
}

// LatestPlan returns the plan with the highest revision, or nil if none
func LatestPlan(plans []*TaskPlan) *TaskPlan {
	var latest *TaskPlan
	for _, p := range plans {
		if latest == nil || p.Revision > latest.Revision {
			latest = p
		}
	}
	return latest
}
