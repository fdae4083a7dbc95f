// Package store defines the persistence contracts the engine consumes. The
// engine never talks to a database directly; it goes through these interfaces.
package store

import (
	"context"
	"sort"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// WorkflowReader reads workflow definitions.
type WorkflowReader interface {
	GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error)
}

// WorkflowWriter stores workflow definitions. The engine itself never writes
// workflows; loaders and tests do.
type WorkflowWriter interface {
	SaveWorkflow(ctx context.Context, wf *workflow.Workflow) error
}

// ExecutionRepository records executions and node executions.
type ExecutionRepository interface {
	CreateExecution(ctx context.Context, ex *workflow.Execution) error
	UpdateExecution(ctx context.Context, ex *workflow.Execution) error
	GetExecution(ctx context.Context, id string) (*workflow.Execution, error)
	ListExecutions(ctx context.Context, filter Filter) ([]*workflow.Execution, error)

	// SaveNodeExecution inserts or replaces the record keyed by its ID.
	SaveNodeExecution(ctx context.Context, nx *workflow.NodeExecution) error
	ListNodeExecutions(ctx context.Context, executionID string) ([]*workflow.NodeExecution, error)
}

// Store is a complete persistence backend.
type Store interface {
	WorkflowReader
	WorkflowWriter
	ExecutionRepository
	Close() error
}

// Filter selects executions. Zero fields match everything.
type Filter struct {
	WorkflowID    string
	UserID        string
	Statuses      []workflow.ExecutionStatus
	StartedAfter  time.Time
	StartedBefore time.Time
	// Limit caps the result size; 0 means unlimited.
	Limit int
}

// Match reports whether ex passes the filter.
func (f Filter) Match(ex *workflow.Execution) bool {
	if f.WorkflowID != "" && ex.WorkflowID != f.WorkflowID {
		return false
	}
	if f.UserID != "" && ex.UserID != f.UserID {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if ex.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.StartedAfter.IsZero() && !ex.StartedAt.After(f.StartedAfter) {
		return false
	}
	if !f.StartedBefore.IsZero() && !ex.StartedAt.Before(f.StartedBefore) {
		return false
	}
	return true
}

// Apply filters executions, orders them newest first and applies Limit.
func (f Filter) Apply(all []*workflow.Execution) []*workflow.Execution {
	out := make([]*workflow.Execution, 0, len(all))
	for _, ex := range all {
		if f.Match(ex) {
			out = append(out, ex)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// SortNodeExecutions orders records by start time, unstarted last, then by node id.
func SortNodeExecutions(nxs []*workflow.NodeExecution) {
	sort.SliceStable(nxs, func(i, j int) bool {
		a, b := nxs[i].StartedAt, nxs[j].StartedAt
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return nxs[i].NodeID < nxs[j].NodeID
	})
}
