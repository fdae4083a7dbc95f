package tracker

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/events"
	"github.com/wehubfusion/Daedalus/pkg/store/memory"
	"github.com/wehubfusion/Daedalus/pkg/value"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func newTracker(t *testing.T) (*Tracker, *memory.Store, *recorder) {
	t.Helper()
	repo := memory.New()
	rec := &recorder{}
	return New(repo, WithLogger(zap.NewNop()), WithPublisher(rec)), repo, rec
}

func refs(ids ...string) []NodeRef {
	out := make([]NodeRef, 0, len(ids))
	for _, id := range ids {
		out = append(out, NodeRef{ID: id, Type: "noop"})
	}
	return out
}

func item(n int) workflow.NodeOutput {
	return workflow.NodeOutput{"main": {{Payload: value.Int(n)}}}
}

func TestTrackerLifecycle(t *testing.T) {
	tr, repo, rec := newTracker(t)
	ctx := context.Background()

	ex := &workflow.Execution{WorkflowID: "wf", Mode: workflow.ModeFull}
	require.NoError(t, tr.Begin(ctx, ex, refs("a", "b")))
	require.NotEmpty(t, ex.ID)
	assert.True(t, tr.IsRunning(ex.ID))

	require.NoError(t, tr.Queue(ctx, ex.ID, "a"))
	require.NoError(t, tr.Start(ctx, ex.ID, "a", nil))
	require.NoError(t, tr.Start(ctx, ex.ID, "a", nil))
	require.NoError(t, tr.Complete(ctx, ex.ID, "a", item(1), nil))
	require.NoError(t, tr.Skip(ctx, ex.ID, "b", "no input", nil))

	p, err := tr.Progress(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Total)
	assert.Equal(t, 2, p.Done)
	assert.Equal(t, 1, p.Completed)
	assert.Equal(t, 1, p.Skipped)

	require.NoError(t, tr.Finish(ctx, ex.ID, workflow.ExecutionSuccess, nil, ""))
	<-tr.Done(ex.ID)

	stored, err := repo.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionSuccess, stored.Status)
	require.NotNil(t, stored.FinishedAt)

	nxs, err := repo.ListNodeExecutions(ctx, ex.ID)
	require.NoError(t, err)
	require.Len(t, nxs, 2)
	for _, nx := range nxs {
		if nx.NodeID == "a" {
			assert.Equal(t, 2, nx.Attempts)
			assert.Equal(t, 1, nx.RetryCount())
		}
	}

	assert.Equal(t, []events.Type{events.Started, events.NodeStarted, events.NodeCompleted, events.Completed}, rec.types())
}

func TestTrackerRejectsBackwardTransitions(t *testing.T) {
	tr, _, _ := newTracker(t)
	ctx := context.Background()
	ex := &workflow.Execution{WorkflowID: "wf", Mode: workflow.ModeFull}
	require.NoError(t, tr.Begin(ctx, ex, refs("a")))

	require.NoError(t, tr.Start(ctx, ex.ID, "a", nil))
	require.NoError(t, tr.Fail(ctx, ex.ID, "a", stderrors.New("boom")))

	err := tr.Queue(ctx, ex.ID, "a")
	assert.True(t, stderrors.Is(err, errors.ErrInvalidTransition))
	err = tr.Complete(ctx, ex.ID, "a", item(1), nil)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidTransition))

	assert.True(t, errors.IsNotFound(tr.Queue(ctx, ex.ID, "missing")))
	assert.True(t, errors.IsNotFound(tr.Queue(ctx, "missing", "a")))
}

func TestTrackerCancelDiscardsLateResults(t *testing.T) {
	tr, _, rec := newTracker(t)
	ctx := context.Background()
	ex := &workflow.Execution{WorkflowID: "wf", Mode: workflow.ModeFull}
	require.NoError(t, tr.Begin(ctx, ex, refs("a", "b")))
	require.NoError(t, tr.Start(ctx, ex.ID, "a", nil))

	require.NoError(t, tr.Finish(ctx, ex.ID, workflow.ExecutionCancelled, nil, ""))
	err := tr.Complete(ctx, ex.ID, "a", item(1), nil)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidTransition))

	got, err := tr.Execution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionCancelled, got.Status)

	nxs, err := tr.NodeExecutions(ctx, ex.ID)
	require.NoError(t, err)
	for _, nx := range nxs {
		assert.Equal(t, workflow.NodeCancelled, nx.Status, nx.NodeID)
	}
	assert.Equal(t, events.Cancelled, rec.types()[len(rec.types())-1])
}

func TestTrackerModeConflicts(t *testing.T) {
	tr, repo, _ := newTracker(t)
	ctx := context.Background()

	full := &workflow.Execution{WorkflowID: "wf", Mode: workflow.ModeFull}
	require.NoError(t, tr.Begin(ctx, full, refs("a")))

	single := &workflow.Execution{ID: "single", WorkflowID: "wf", Mode: workflow.ModeSingleNode}
	err := tr.Begin(ctx, single, refs("a"))
	var conflict *errors.ConflictError
	require.True(t, stderrors.As(err, &conflict))
	assert.Equal(t, full.ID, conflict.ExecutionID)
	_, err = repo.GetExecution(ctx, "single")
	assert.True(t, errors.IsNotFound(err))

	// other workflows are unaffected, and a second full run is allowed
	require.NoError(t, tr.Begin(ctx, &workflow.Execution{WorkflowID: "other", Mode: workflow.ModeSingleNode}, refs("a")))
	require.NoError(t, tr.Begin(ctx, &workflow.Execution{WorkflowID: "wf", Mode: workflow.ModeFull}, refs("a")))

	require.NoError(t, tr.Finish(ctx, full.ID, workflow.ExecutionSuccess, nil, ""))
}

func TestTrackerReopen(t *testing.T) {
	tr, _, _ := newTracker(t)
	ctx := context.Background()
	ex := &workflow.Execution{WorkflowID: "wf", Mode: workflow.ModeFull}
	require.NoError(t, tr.Begin(ctx, ex, refs("a", "b", "c")))

	_, err := tr.Reopen(ctx, ex.ID)
	assert.True(t, stderrors.Is(err, errors.ErrNotRecoverable))

	require.NoError(t, tr.Start(ctx, ex.ID, "a", nil))
	require.NoError(t, tr.Complete(ctx, ex.ID, "a", item(1), nil))
	require.NoError(t, tr.Start(ctx, ex.ID, "b", nil))
	require.NoError(t, tr.Fail(ctx, ex.ID, "b", stderrors.New("boom")))
	require.NoError(t, tr.Finish(ctx, ex.ID, workflow.ExecutionError, stderrors.New("boom"), "b"))

	re, err := tr.Reopen(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.ExecutionRunning, re.Execution.Status)
	assert.Equal(t, 1, re.Execution.Recoveries)
	assert.Empty(t, re.Execution.Error)
	require.Contains(t, re.Outputs, "a")
	assert.NotContains(t, re.Outputs, "b")

	nxs, err := tr.NodeExecutions(ctx, ex.ID)
	require.NoError(t, err)
	status := map[string]workflow.NodeStatus{}
	for _, nx := range nxs {
		status[nx.NodeID] = nx.Status
	}
	assert.Equal(t, workflow.NodeCompleted, status["a"])
	assert.Equal(t, workflow.NodeIdle, status["b"])
	assert.Equal(t, workflow.NodeIdle, status["c"])

	require.NoError(t, tr.Start(ctx, ex.ID, "b", nil))
	require.NoError(t, tr.Complete(ctx, ex.ID, "b", item(2), nil))
	require.NoError(t, tr.Finish(ctx, ex.ID, workflow.ExecutionSuccess, nil, ""))

	_, err = tr.Reopen(ctx, ex.ID)
	assert.True(t, stderrors.Is(err, errors.ErrNotRecoverable))
}

func TestTrackerReopenFromRepository(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	first := New(repo, WithRetainFinished(0))

	ex := &workflow.Execution{WorkflowID: "wf", Mode: workflow.ModeFull}
	require.NoError(t, first.Begin(ctx, ex, refs("a", "b")))
	require.NoError(t, first.Start(ctx, ex.ID, "a", nil))
	require.NoError(t, first.Complete(ctx, ex.ID, "a", item(5), nil))
	require.NoError(t, first.Finish(ctx, ex.ID, workflow.ExecutionError, stderrors.New("later failure"), "b"))
	assert.False(t, first.IsRunning(ex.ID))

	second := New(repo)
	re, err := second.Reopen(ctx, ex.ID)
	require.NoError(t, err)
	n, _ := re.Outputs["a"]["main"][0].Payload.AsNumber()
	assert.Equal(t, 5.0, n)
}

func TestTrackerSaveDataPolicy(t *testing.T) {
	tr, repo, _ := newTracker(t)
	ctx := context.Background()
	ex := &workflow.Execution{WorkflowID: "wf", Mode: workflow.ModeFull, SaveData: workflow.SaveErrors}
	require.NoError(t, tr.Begin(ctx, ex, refs("ok", "bad")))

	require.NoError(t, tr.Start(ctx, ex.ID, "ok", nil))
	require.NoError(t, tr.Complete(ctx, ex.ID, "ok", item(1), nil))
	require.NoError(t, tr.Start(ctx, ex.ID, "bad", workflow.NodeInput{"main": {{{Payload: value.Int(9)}}}}))
	require.NoError(t, tr.Fail(ctx, ex.ID, "bad", stderrors.New("boom")))

	nxs, err := repo.ListNodeExecutions(ctx, ex.ID)
	require.NoError(t, err)
	for _, nx := range nxs {
		switch nx.NodeID {
		case "ok":
			assert.Nil(t, nx.OutputData)
		case "bad":
			assert.NotNil(t, nx.InputData)
			assert.Equal(t, "boom", nx.Error)
		}
	}

	mem, err := tr.NodeExecutions(ctx, ex.ID)
	require.NoError(t, err)
	for _, nx := range mem {
		if nx.NodeID == "ok" {
			assert.NotNil(t, nx.OutputData)
		}
	}
}

func TestTrackerConcurrentUpdates(t *testing.T) {
	tr, _, _ := newTracker(t)
	ctx := context.Background()
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = string(rune('A'+i%26)) + string(rune('a'+i/26))
	}
	ex := &workflow.Execution{WorkflowID: "wf", Mode: workflow.ModeFull}
	require.NoError(t, tr.Begin(ctx, ex, refs(ids...)))

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = tr.Start(ctx, ex.ID, id, nil)
			_ = tr.Complete(ctx, ex.ID, id, item(1), nil)
		}(id)
	}
	wg.Wait()

	p, err := tr.Progress(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, p.Completed)
	assert.Equal(t, 50, p.Done)
}
