// Package webhook ingests progress reports from the external task runner and
// translates them into thread store mutations.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Errors surfaced to the handler boundary, which maps them to HTTP codes.
var (
	// ErrUnknownThread means the referenced thread does not exist
	ErrUnknownThread = errors.New("unknown thread")
	// ErrBadEvent means the payload is malformed or the event type is unrecognized
	ErrBadEvent = errors.New("bad event")
)

// Event kinds the runner may deliver. The union is open by convention: new
// kinds are added here, and anything else is rejected rather than ignored.
const (
	EventStatus    = "status"
	EventMessage   = "message"
	EventPlan      = "plan"
	EventComplete  = "complete"
	EventFailed    = "failed"
	EventCancelled = "cancelled"
)

// Event is one progress report from the runner, discriminated by Type.
// Fields beyond the discriminator are populated per type; unused fields
// are left at their zero value.
type Event struct {
	Type string `json:"type"`

	// status
	Status string `json:"status,omitempty"`

	// message
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// plan
	Steps     []string `json:"steps,omitempty"`
	CreatedBy string   `json:"createdBy,omitempty"`

	// complete
	CommitSHA    string   `json:"commitSha,omitempty"`
	CostUSD      float64  `json:"costUsd,omitempty"`
	DurationMs   int64    `json:"durationMs,omitempty"`
	FilesChanged []string `json:"filesChanged,omitempty"`
	Engine       string   `json:"engine,omitempty"`
	Model        string   `json:"model,omitempty"`

	// failed
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Decode parses an event from a request body
func Decode(r io.Reader) (*Event, error) {
	var ev Event
	if err := json.NewDecoder(r).Decode(&ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEvent, err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrBadEvent)
	}
	return &ev, nil
}
