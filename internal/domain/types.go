package domain

// ThreadStatus represents the lifecycle state of a task thread
type ThreadStatus string

const (
	StatusPending    ThreadStatus = "pending"
	StatusRunning    ThreadStatus = "running"
	StatusCommitting ThreadStatus = "committing"
	StatusComplete   ThreadStatus = "complete"
	StatusFailed     ThreadStatus = "failed"
	StatusCancelled  ThreadStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions
func (s ThreadStatus) IsTerminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsValid reports whether the status is in the known closed set
func (s ThreadStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCommitting,
		StatusComplete, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// MessageRole identifies who authored a thread message
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
)

// IsValid reports whether the role is in the known closed set
func (r MessageRole) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// RiskTier classifies how risky a task is to automate
type RiskTier string

const (
	RiskLow    RiskTier = "low"
	RiskMedium RiskTier = "medium"
	RiskHigh   RiskTier = "high"
)
