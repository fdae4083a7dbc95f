// Package events publishes execution lifecycle events to subscribers scoped
// by execution or by workflow. Publishing never blocks: slow subscribers lose
// their oldest queued events instead.
package events

import (
	"time"
)

// Type is the event vocabulary.
type Type string

const (
	Started       Type = "started"
	NodeStarted   Type = "node-started"
	NodeCompleted Type = "node-completed"
	NodeFailed    Type = "node-failed"
	Completed     Type = "completed"
	Failed        Type = "failed"
	Cancelled     Type = "cancelled"
)

// Terminal reports whether t ends an execution.
func (t Type) Terminal() bool {
	return t == Completed || t == Failed || t == Cancelled
}

// Event is one lifecycle notification.
type Event struct {
	ID          string      `json:"id"`
	Type        Type        `json:"type"`
	ExecutionID string      `json:"executionId"`
	WorkflowID  string      `json:"workflowId"`
	NodeID      string      `json:"nodeId,omitempty"`
	Timestamp   time.Time   `json:"timestamp"`
	Payload     interface{} `json:"payload,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Publisher accepts events. Implementations must not block.
type Publisher interface {
	Publish(ev Event)
}

// Discard drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
