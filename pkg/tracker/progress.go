package tracker

import (
	"context"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Progress is a read-only snapshot of a run.
type Progress struct {
	ExecutionID string                   `json:"executionId"`
	WorkflowID  string                   `json:"workflowId"`
	Status      workflow.ExecutionStatus `json:"status"`
	Total       int                      `json:"total"`
	// Done counts nodes in a terminal status.
	Done      int        `json:"done"`
	Completed int        `json:"completed"`
	Failed    int        `json:"failed"`
	Skipped   int        `json:"skipped"`
	Cancelled int        `json:"cancelled"`
	Running   []string   `json:"running,omitempty"`
	Queued    []string   `json:"queued,omitempty"`
	StartedAt time.Time  `json:"startedAt"`
	Finished  *time.Time `json:"finishedAt,omitempty"`
}

// Progress returns the snapshot of an execution. Runs no longer held in
// memory are rebuilt from the repository.
func (t *Tracker) Progress(ctx context.Context, executionID string) (Progress, error) {
	t.mu.Lock()
	if r, ok := t.runs[executionID]; ok {
		p := t.progressLocked(r)
		t.mu.Unlock()
		return p, nil
	}
	t.mu.Unlock()

	ex, err := t.repo.GetExecution(ctx, executionID)
	if err != nil {
		return Progress{}, err
	}
	nxs, err := t.repo.ListNodeExecutions(ctx, executionID)
	if err != nil {
		return Progress{}, err
	}
	return summarize(ex, nxs), nil
}

func (t *Tracker) progressLocked(r *run) Progress {
	nxs := make([]*workflow.NodeExecution, 0, len(r.order))
	for _, id := range r.order {
		nxs = append(nxs, r.nodes[id])
	}
	return summarize(r.exec, nxs)
}

func summarize(ex *workflow.Execution, nxs []*workflow.NodeExecution) Progress {
	p := Progress{
		ExecutionID: ex.ID,
		WorkflowID:  ex.WorkflowID,
		Status:      ex.Status,
		Total:       len(nxs),
		StartedAt:   ex.StartedAt,
	}
	if ex.FinishedAt != nil {
		f := *ex.FinishedAt
		p.Finished = &f
	}
	for _, nx := range nxs {
		if nx.Status.Terminal() {
			p.Done++
		}
		switch nx.Status {
		case workflow.NodeCompleted:
			p.Completed++
		case workflow.NodeFailed:
			p.Failed++
		case workflow.NodeSkipped:
			p.Skipped++
		case workflow.NodeCancelled:
			p.Cancelled++
		case workflow.NodeRunning:
			p.Running = append(p.Running, nx.NodeID)
		case workflow.NodeQueued:
			p.Queued = append(p.Queued, nx.NodeID)
		}
	}
	return p
}
