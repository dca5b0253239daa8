package streaming

import (
	"context"
	"slices"
	"time"
)

// StreamEvent is a live event emitted while a workflow run executes. It
// mirrors an audit event but is never persisted.
type StreamEvent struct {
	TenantID   string    `json:"tenant_id"`
	WorkflowID string    `json:"workflow_id"`
	RunID      string    `json:"run_id,omitempty"`
	ActionID   string    `json:"action_id,omitempty"`
	EventType  string    `json:"event_type"`
	Payload    any       `json:"payload,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// EventFilter narrows a subscription. Empty fields match everything.
type EventFilter struct {
	TenantID   string   `json:"tenant_id,omitempty"`
	WorkflowID string   `json:"workflow_id,omitempty"`
	RunID      string   `json:"run_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// Matches reports whether e passes every non-empty criterion of f.
func (f EventFilter) Matches(e StreamEvent) bool {
	switch {
	case f.TenantID != "" && f.TenantID != e.TenantID:
		return false
	case f.WorkflowID != "" && f.WorkflowID != e.WorkflowID:
		return false
	case f.RunID != "" && f.RunID != e.RunID:
		return false
	case len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.EventType):
		return false
	}
	return true
}

// EventHub provides pub/sub for live run events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
