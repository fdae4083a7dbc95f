// Package tracker is the single owner of Execution and NodeExecution state
// while a run is live. All updates are serialized through one mutex, written
// through to the repository and announced on the event publisher.
package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/events"
	"github.com/wehubfusion/Daedalus/pkg/store"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

const defaultRetainFinished = 1000

// NodeRef names a node taking part in a run.
type NodeRef struct {
	ID   string
	Type string
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger.Named("tracker")
		}
	}
}

// WithPublisher sets where lifecycle events go.
func WithPublisher(p events.Publisher) Option {
	return func(t *Tracker) {
		if p != nil {
			t.publisher = p
		}
	}
}

// WithRetainFinished bounds how many finished runs stay in memory for
// recovery and progress queries. Older ones are served from the repository.
func WithRetainFinished(n int) Option {
	return func(t *Tracker) {
		if n >= 0 {
			t.retain = n
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// Tracker records run state.
type Tracker struct {
	repo      store.ExecutionRepository
	publisher events.Publisher
	logger    *zap.Logger
	now       func() time.Time
	retain    int

	mu       sync.Mutex
	runs     map[string]*run
	finished []string
}

type run struct {
	exec  *workflow.Execution
	nodes map[string]*workflow.NodeExecution
	order []string
	done  chan struct{}
}

// New creates a tracker writing through to repo.
func New(repo store.ExecutionRepository, opts ...Option) *Tracker {
	t := &Tracker{
		repo:      repo,
		publisher: events.Discard,
		logger:    zap.NewNop(),
		now:       time.Now,
		retain:    defaultRetainFinished,
		runs:      make(map[string]*run),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Begin registers a new running execution with one idle record per node. It
// fails with a ConflictError when the run would overlap a run of the other
// mode for the same workflow.
func (t *Tracker) Begin(ctx context.Context, ex *workflow.Execution, nodes []NodeRef) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.checkConflictLocked(ex.WorkflowID, ex.Mode, ""); err != nil {
		return err
	}
	if ex.ID == "" {
		ex.ID = uuid.NewString()
	}
	if _, exists := t.runs[ex.ID]; exists {
		return errors.NewConflictError(ex.WorkflowID, ex.ID, "execution already tracked")
	}
	if ex.StartedAt.IsZero() {
		ex.StartedAt = t.now().UTC()
	}
	ex.Status = workflow.ExecutionRunning

	source := workflow.SourceWorkflow
	if ex.Mode == workflow.ModeSingleNode {
		source = workflow.SourceSingleNode
	}

	r := &run{
		exec:  copyExecution(ex),
		nodes: make(map[string]*workflow.NodeExecution, len(nodes)),
		order: make([]string, 0, len(nodes)),
		done:  make(chan struct{}),
	}
	for _, n := range nodes {
		r.nodes[n.ID] = &workflow.NodeExecution{
			ID:          uuid.NewString(),
			ExecutionID: ex.ID,
			WorkflowID:  ex.WorkflowID,
			NodeID:      n.ID,
			NodeType:    n.Type,
			Status:      workflow.NodeIdle,
			Source:      source,
		}
		r.order = append(r.order, n.ID)
	}

	if err := t.repo.CreateExecution(ctx, r.exec); err != nil {
		return err
	}
	for _, id := range r.order {
		t.persistNodeLocked(ctx, r, r.nodes[id])
	}
	t.runs[ex.ID] = r

	t.logger.Debug("execution started",
		zap.String("execution_id", ex.ID),
		zap.String("workflow_id", ex.WorkflowID),
		zap.String("mode", string(ex.Mode)),
		zap.Int("nodes", len(nodes)))
	t.publishLocked(r, events.Event{Type: events.Started, Payload: t.progressLocked(r)})
	return nil
}

// Reopened is the state a recovery resumes from.
type Reopened struct {
	Execution *workflow.Execution
	// Outputs holds the recorded output of every node that completed before.
	Outputs map[string]workflow.NodeOutput
}

// Reopen puts a terminal "error" execution back into the running state for
// recovery. Completed nodes keep their records and outputs; every other node
// is reset to idle. This is the only path by which a failed node can run again.
func (t *Tracker) Reopen(ctx context.Context, executionID string) (*Reopened, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, inMemory := t.runs[executionID]
	if !inMemory {
		loaded, err := t.loadLocked(ctx, executionID)
		if err != nil {
			return nil, err
		}
		r = loaded
	}

	switch r.exec.Status {
	case workflow.ExecutionError:
	case workflow.ExecutionRunning:
		return nil, errors.Wrapf(errors.ErrNotRecoverable, "execution %s is still running", executionID)
	default:
		return nil, errors.Wrapf(errors.ErrNotRecoverable, "execution %s finished with status %s", executionID, r.exec.Status)
	}
	if err := t.checkConflictLocked(r.exec.WorkflowID, r.exec.Mode, executionID); err != nil {
		return nil, err
	}

	// Outputs survive in memory for live runs. Runs loaded back from the
	// repository only have outputs when everything was saved.
	reuse := inMemory || r.exec.SaveData == "" || r.exec.SaveData == workflow.SaveAll

	out := &Reopened{Outputs: make(map[string]workflow.NodeOutput)}
	for _, id := range r.order {
		nx := r.nodes[id]
		if nx.Status == workflow.NodeCompleted && reuse {
			out.Outputs[id] = nx.OutputData.Clone()
			continue
		}
		nx.Status = workflow.NodeIdle
		nx.Error, nx.ErrorCode, nx.SkipReason = "", "", ""
		nx.Attempts = 0
		nx.StartedAt, nx.FinishedAt = nil, nil
		nx.InputData, nx.OutputData = nil, nil
		t.persistNodeLocked(ctx, r, nx)
	}

	r.exec.Status = workflow.ExecutionRunning
	r.exec.Recoveries++
	r.exec.Error, r.exec.ErrorNodeID = "", ""
	r.exec.FinishedAt = nil
	if err := t.repo.UpdateExecution(ctx, r.exec); err != nil {
		return nil, err
	}
	r.done = make(chan struct{})
	t.runs[executionID] = r
	t.unretainLocked(executionID)

	t.logger.Info("execution reopened for recovery",
		zap.String("execution_id", executionID),
		zap.Int("reused_nodes", len(out.Outputs)),
		zap.Int("recoveries", r.exec.Recoveries))
	t.publishLocked(r, events.Event{Type: events.Started, Payload: t.progressLocked(r)})

	out.Execution = copyExecution(r.exec)
	return out, nil
}

// checkConflictLocked rejects overlapping full and single-node runs of one workflow.
func (t *Tracker) checkConflictLocked(workflowID string, mode workflow.ExecutionMode, except string) error {
	for id, r := range t.runs {
		if id == except || r.exec.WorkflowID != workflowID || r.exec.Status != workflow.ExecutionRunning {
			continue
		}
		if r.exec.Mode != mode {
			return errors.NewConflictError(workflowID, id, "a "+string(r.exec.Mode)+" run of this workflow is in progress")
		}
	}
	return nil
}

// Queue marks a node as ready for dispatch.
func (t *Tracker) Queue(ctx context.Context, executionID, nodeID string) error {
	return t.update(ctx, executionID, nodeID, workflow.NodeQueued, nil)
}

// Start marks a node running and records its input. Calling Start again for a
// running node records another attempt.
func (t *Tracker) Start(ctx context.Context, executionID, nodeID string, input workflow.NodeInput) error {
	return t.update(ctx, executionID, nodeID, workflow.NodeRunning, func(nx *workflow.NodeExecution) {
		if nx.StartedAt == nil {
			now := t.now().UTC()
			nx.StartedAt = &now
			nx.InputData = input
		}
		nx.Attempts++
	})
}

// Complete records a node's output. A non-nil nodeErr records a failure that
// continue-on-fail turned into output.
func (t *Tracker) Complete(ctx context.Context, executionID, nodeID string, output workflow.NodeOutput, nodeErr error) error {
	return t.update(ctx, executionID, nodeID, workflow.NodeCompleted, func(nx *workflow.NodeExecution) {
		nx.OutputData = output
		if nodeErr != nil {
			nx.Error = nodeErr.Error()
			nx.ErrorCode = errors.Categorize(nodeErr)
		}
	})
}

// Fail records a node failure.
func (t *Tracker) Fail(ctx context.Context, executionID, nodeID string, err error) error {
	return t.update(ctx, executionID, nodeID, workflow.NodeFailed, func(nx *workflow.NodeExecution) {
		if err != nil {
			nx.Error = err.Error()
			nx.ErrorCode = errors.Categorize(err)
		}
	})
}

// Skip records that a node was not invoked. Output is only set for pinned data.
func (t *Tracker) Skip(ctx context.Context, executionID, nodeID, reason string, pinned workflow.NodeOutput) error {
	return t.update(ctx, executionID, nodeID, workflow.NodeSkipped, func(nx *workflow.NodeExecution) {
		nx.SkipReason = reason
		if pinned != nil {
			nx.Source = workflow.SourcePinned
			nx.OutputData = pinned
		}
	})
}

// Cancel marks a node cancelled.
func (t *Tracker) Cancel(ctx context.Context, executionID, nodeID string) error {
	return t.update(ctx, executionID, nodeID, workflow.NodeCancelled, nil)
}

func (t *Tracker) update(ctx context.Context, executionID, nodeID string, to workflow.NodeStatus, fn func(*workflow.NodeExecution)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.runs[executionID]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "execution %s", executionID)
	}
	nx, ok := r.nodes[nodeID]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "node %s in execution %s", nodeID, executionID)
	}
	if r.exec.Status.Terminal() || !allowed(nx.Status, to) {
		return errors.Wrapf(errors.ErrInvalidTransition, "node %s: %s -> %s", nodeID, nx.Status, to)
	}

	prev := nx.Status
	nx.Status = to
	if fn != nil {
		fn(nx)
	}
	if to.Terminal() && nx.FinishedAt == nil {
		now := t.now().UTC()
		nx.FinishedAt = &now
	}
	t.persistNodeLocked(ctx, r, nx)

	switch {
	case to == workflow.NodeRunning && prev != workflow.NodeRunning:
		t.publishLocked(r, events.Event{Type: events.NodeStarted, NodeID: nodeID})
	case to == workflow.NodeCompleted:
		t.publishLocked(r, events.Event{Type: events.NodeCompleted, NodeID: nodeID, Payload: nx.OutputData, Error: nx.Error})
	case to == workflow.NodeFailed:
		t.publishLocked(r, events.Event{Type: events.NodeFailed, NodeID: nodeID, Error: nx.Error})
	}
	return nil
}

// allowed is the forward-only node transition table.
func allowed(from, to workflow.NodeStatus) bool {
	switch from {
	case workflow.NodeIdle:
		return to == workflow.NodeQueued || to == workflow.NodeRunning || to == workflow.NodeSkipped || to == workflow.NodeCancelled
	case workflow.NodeQueued:
		return to == workflow.NodeRunning || to == workflow.NodeSkipped || to == workflow.NodeCancelled
	case workflow.NodeRunning:
		return to == workflow.NodeRunning || to == workflow.NodeCompleted || to == workflow.NodeFailed || to == workflow.NodeCancelled
	}
	return false
}

// Finish sets the terminal execution status. Nodes still pending are marked
// cancelled when the run was cancelled and skipped otherwise.
func (t *Tracker) Finish(ctx context.Context, executionID string, status workflow.ExecutionStatus, cause error, errorNodeID string) error {
	if !status.Terminal() {
		return errors.Wrapf(errors.ErrInvalidTransition, "execution %s: finish with %s", executionID, status)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.runs[executionID]
	if !ok {
		return errors.Wrapf(errors.ErrNotFound, "execution %s", executionID)
	}
	if r.exec.Status.Terminal() {
		return errors.Wrapf(errors.ErrInvalidTransition, "execution %s already %s", executionID, r.exec.Status)
	}

	now := t.now().UTC()
	for _, id := range r.order {
		nx := r.nodes[id]
		if nx.Status.Terminal() {
			continue
		}
		if status == workflow.ExecutionCancelled {
			nx.Status = workflow.NodeCancelled
		} else {
			nx.Status = workflow.NodeSkipped
			nx.SkipReason = "execution finished"
		}
		nx.FinishedAt = &now
		t.persistNodeLocked(ctx, r, nx)
	}

	r.exec.Status = status
	r.exec.FinishedAt = &now
	if cause != nil {
		r.exec.Error = cause.Error()
		r.exec.ErrorNodeID = errorNodeID
	}
	if err := t.repo.UpdateExecution(ctx, r.exec); err != nil {
		t.logger.Error("failed to persist execution",
			zap.String("execution_id", executionID), zap.Error(err))
	}

	ev := events.Event{Payload: t.progressLocked(r), NodeID: errorNodeID}
	switch status {
	case workflow.ExecutionSuccess:
		ev.Type = events.Completed
	case workflow.ExecutionCancelled:
		ev.Type = events.Cancelled
	default:
		ev.Type = events.Failed
		ev.Error = r.exec.Error
	}
	t.publishLocked(r, ev)

	close(r.done)
	t.retainLocked(executionID)
	t.logger.Debug("execution finished",
		zap.String("execution_id", executionID),
		zap.String("status", string(status)))
	return nil
}

func (t *Tracker) retainLocked(executionID string) {
	t.finished = append(t.finished, executionID)
	for len(t.finished) > t.retain {
		evict := t.finished[0]
		t.finished = t.finished[1:]
		if r, ok := t.runs[evict]; ok && r.exec.Status.Terminal() {
			delete(t.runs, evict)
		}
	}
}

func (t *Tracker) unretainLocked(executionID string) {
	for i, id := range t.finished {
		if id == executionID {
			t.finished = append(t.finished[:i], t.finished[i+1:]...)
			return
		}
	}
}

// Done returns a channel closed when the execution reaches a terminal status.
// Executions not tracked in memory return an already closed channel.
func (t *Tracker) Done(executionID string) <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.runs[executionID]; ok {
		return r.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// IsRunning reports whether the execution is live in this process.
func (t *Tracker) IsRunning(executionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.runs[executionID]
	return ok && r.exec.Status == workflow.ExecutionRunning
}

// Execution returns a copy of the execution record.
func (t *Tracker) Execution(ctx context.Context, executionID string) (*workflow.Execution, error) {
	t.mu.Lock()
	r, ok := t.runs[executionID]
	if ok {
		ex := copyExecution(r.exec)
		t.mu.Unlock()
		return ex, nil
	}
	t.mu.Unlock()
	return t.repo.GetExecution(ctx, executionID)
}

// NodeExecutions returns copies of the node records of an execution in node order.
func (t *Tracker) NodeExecutions(ctx context.Context, executionID string) ([]*workflow.NodeExecution, error) {
	t.mu.Lock()
	r, ok := t.runs[executionID]
	if ok {
		out := make([]*workflow.NodeExecution, 0, len(r.order))
		for _, id := range r.order {
			c := *r.nodes[id]
			out = append(out, &c)
		}
		t.mu.Unlock()
		return out, nil
	}
	t.mu.Unlock()
	return t.repo.ListNodeExecutions(ctx, executionID)
}

func (t *Tracker) loadLocked(ctx context.Context, executionID string) (*run, error) {
	ex, err := t.repo.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	nxs, err := t.repo.ListNodeExecutions(ctx, executionID)
	if err != nil {
		return nil, err
	}
	r := &run{
		exec:  ex,
		nodes: make(map[string]*workflow.NodeExecution, len(nxs)),
		order: make([]string, 0, len(nxs)),
		done:  make(chan struct{}),
	}
	for _, nx := range nxs {
		r.nodes[nx.NodeID] = nx
		r.order = append(r.order, nx.NodeID)
	}
	return r, nil
}

// persistNodeLocked writes nx honoring the execution's save-data policy. The
// in-memory record always keeps its data.
func (t *Tracker) persistNodeLocked(ctx context.Context, r *run, nx *workflow.NodeExecution) {
	rec := *nx
	switch r.exec.SaveData {
	case workflow.SaveNone:
		rec.InputData, rec.OutputData = nil, nil
	case workflow.SaveErrors:
		if nx.Status != workflow.NodeFailed && nx.Error == "" {
			rec.InputData, rec.OutputData = nil, nil
		}
	}
	if err := t.repo.SaveNodeExecution(ctx, &rec); err != nil {
		t.logger.Error("failed to persist node execution",
			zap.String("execution_id", nx.ExecutionID),
			zap.String("node_id", nx.NodeID),
			zap.Error(err))
	}
}

func (t *Tracker) publishLocked(r *run, ev events.Event) {
	ev.ExecutionID = r.exec.ID
	ev.WorkflowID = r.exec.WorkflowID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = t.now().UTC()
	}
	t.publisher.Publish(ev)
}

func copyExecution(ex *workflow.Execution) *workflow.Execution {
	c := *ex
	if ex.FinishedAt != nil {
		f := *ex.FinishedAt
		c.FinishedAt = &f
	}
	return &c
}
