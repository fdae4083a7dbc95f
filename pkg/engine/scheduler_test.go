package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/store"
	"github.com/wehubfusion/Daedalus/pkg/store/memory"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// slowCompletion holds the coordinator inside the write of one node's
// completed record, so other results queue up behind it.
type slowCompletion struct {
	*memory.Store
	nodeID string
	hold   func(ctx context.Context, executionID string)
	once   sync.Once
}

func (s *slowCompletion) SaveNodeExecution(ctx context.Context, nx *workflow.NodeExecution) error {
	if nx.NodeID == s.nodeID && nx.Status == workflow.NodeCompleted {
		s.once.Do(func() { s.hold(ctx, nx.ExecutionID) })
	}
	return s.Store.SaveNodeExecution(ctx, nx)
}

// queuedResultFlow builds T -> A -> B plus T -> X. A finishes while the
// coordinator is still recording X, leaving A's result buffered.
func queuedResultFlow(t *testing.T, hold func(f *fixture, ctx context.Context, executionID string), timeout time.Duration) *fixture {
	t.Helper()
	var f *fixture
	aDone := make(chan struct{})
	f = newFixtureWithRepo(t, func(s *memory.Store) store.ExecutionRepository {
		return &slowCompletion{Store: s, nodeID: "X", hold: func(ctx context.Context, executionID string) {
			<-aDone
			hold(f, ctx, executionID)
		}}
	})
	wf := flow("wf", []workflow.Node{trigger("T"), step("A"), step("B"), step("X")},
		link("T", "A"), link("A", "B"), link("T", "X"))
	wf.Settings.Timeout = timeout
	f.save(wf)

	aStarted := make(chan struct{})
	f.on("A", func(_ context.Context, _ *node.Context, input workflow.NodeInput) (workflow.NodeOutput, error) {
		defer close(aDone)
		close(aStarted)
		return workflow.NodeOutput{workflow.DefaultPin: input.Flatten(workflow.DefaultPin)}, nil
	})
	f.on("X", func(_ context.Context, _ *node.Context, input workflow.NodeInput) (workflow.NodeOutput, error) {
		<-aStarted
		return workflow.NodeOutput{workflow.DefaultPin: input.Flatten(workflow.DefaultPin)}, nil
	})
	return f
}

func TestCancelWithBufferedResultIsNotSuccess(t *testing.T) {
	for i := 0; i < 10; i++ {
		f := queuedResultFlow(t, func(f *fixture, _ context.Context, executionID string) {
			time.Sleep(20 * time.Millisecond)
			f.eng.mu.Lock()
			r := f.eng.active[executionID]
			f.eng.mu.Unlock()
			r.cancel(errors.ErrCancelled)
		}, 0)

		ex := f.execute(StartRequest{WorkflowID: "wf"})
		if !assert.Equal(t, workflow.ExecutionCancelled, ex.Status, "run %d", i) {
			return
		}
		nx := f.nodes(ex.ID)
		assert.Equal(t, workflow.NodeCompleted, nx["T"].Status)
		assert.Equal(t, workflow.NodeCompleted, nx["X"].Status)
		assert.Equal(t, workflow.NodeCancelled, nx["A"].Status)
		assert.Equal(t, workflow.NodeCancelled, nx["B"].Status)
		assert.Equal(t, 0, f.callCount("B"))
	}
}

func TestTimeoutWithBufferedResultIsError(t *testing.T) {
	for i := 0; i < 5; i++ {
		f := queuedResultFlow(t, func(_ *fixture, ctx context.Context, _ string) {
			<-ctx.Done()
			time.Sleep(5 * time.Millisecond)
		}, 50*time.Millisecond)

		ex := f.execute(StartRequest{WorkflowID: "wf"})
		if !assert.Equal(t, workflow.ExecutionError, ex.Status, "run %d", i) {
			return
		}
		assert.Contains(t, ex.Error, "timed out")
		nx := f.nodes(ex.ID)
		assert.Equal(t, workflow.NodeCompleted, nx["X"].Status)
		assert.Equal(t, workflow.NodeCancelled, nx["A"].Status)
		assert.Equal(t, 0, f.callCount("B"))
	}
}
