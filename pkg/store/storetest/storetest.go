// Package storetest holds the behaviour every store.Store must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/store"
	"github.com/wehubfusion/Daedalus/pkg/value"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Run exercises a fresh store returned by open for each subtest.
func Run(t *testing.T, open func(t *testing.T) store.Store) {
	t.Run("workflow round trip", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()

		_, err := s.GetWorkflow(ctx, "missing")
		assert.True(t, errors.IsNotFound(err))

		wf := &workflow.Workflow{
			ID: "wf-1",
			Nodes: []workflow.Node{
				{ID: "t", Type: "manualTrigger"},
				{ID: "s", Type: "set", Parameters: value.Map(map[string]value.Value{"field": value.String("x")})},
			},
			Connections: []workflow.Connection{{SourceNodeID: "t", TargetNodeID: "s"}},
		}
		require.NoError(t, s.SaveWorkflow(ctx, wf))
		wf.Nodes[0].ID = "mutated"

		got, err := s.GetWorkflow(ctx, "wf-1")
		require.NoError(t, err)
		assert.Equal(t, "t", got.Nodes[0].ID)
		field, _ := got.Nodes[1].Parameters.Get("field")
		assert.Equal(t, "x", field.String())
	})

	t.Run("execution lifecycle", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		ex := &workflow.Execution{ID: "ex-1", WorkflowID: "wf", Mode: workflow.ModeFull, Status: workflow.ExecutionRunning, StartedAt: time.Now().UTC()}

		require.NoError(t, s.CreateExecution(ctx, ex))
		assert.Error(t, s.CreateExecution(ctx, ex))

		ex.Status = workflow.ExecutionSuccess
		now := time.Now().UTC()
		ex.FinishedAt = &now
		require.NoError(t, s.UpdateExecution(ctx, ex))

		got, err := s.GetExecution(ctx, "ex-1")
		require.NoError(t, err)
		assert.Equal(t, workflow.ExecutionSuccess, got.Status)
		require.NotNil(t, got.FinishedAt)

		err = s.UpdateExecution(ctx, &workflow.Execution{ID: "nope"})
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("list executions with filters", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		fixtures := []*workflow.Execution{
			{ID: "a", WorkflowID: "wf-1", UserID: "u1", Status: workflow.ExecutionSuccess, StartedAt: base},
			{ID: "b", WorkflowID: "wf-1", UserID: "u2", Status: workflow.ExecutionError, StartedAt: base.Add(time.Hour)},
			{ID: "c", WorkflowID: "wf-2", UserID: "u1", Status: workflow.ExecutionSuccess, StartedAt: base.Add(2 * time.Hour)},
		}
		for _, ex := range fixtures {
			require.NoError(t, s.CreateExecution(ctx, ex))
		}

		ids := func(f store.Filter) []string {
			list, err := s.ListExecutions(ctx, f)
			require.NoError(t, err)
			out := make([]string, 0, len(list))
			for _, ex := range list {
				out = append(out, ex.ID)
			}
			return out
		}

		assert.Equal(t, []string{"c", "b", "a"}, ids(store.Filter{}))
		assert.Equal(t, []string{"b", "a"}, ids(store.Filter{WorkflowID: "wf-1"}))
		assert.Equal(t, []string{"c", "a"}, ids(store.Filter{UserID: "u1"}))
		assert.Equal(t, []string{"b"}, ids(store.Filter{Statuses: []workflow.ExecutionStatus{workflow.ExecutionError}}))
		assert.Equal(t, []string{"b"}, ids(store.Filter{StartedAfter: base, StartedBefore: base.Add(2 * time.Hour)}))
		assert.Equal(t, []string{"c"}, ids(store.Filter{Limit: 1}))
	})

	t.Run("node executions upsert", func(t *testing.T) {
		s := open(t)
		ctx := context.Background()
		t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		t1 := t0.Add(time.Second)

		first := &workflow.NodeExecution{ID: "n1", ExecutionID: "ex", NodeID: "b", Status: workflow.NodeRunning, Attempts: 1, StartedAt: &t1}
		second := &workflow.NodeExecution{ID: "n2", ExecutionID: "ex", NodeID: "a", Status: workflow.NodeCompleted, Attempts: 1, StartedAt: &t0,
			OutputData: workflow.NodeOutput{"main": {{Payload: value.Int(7)}}}}
		other := &workflow.NodeExecution{ID: "n3", ExecutionID: "ex-other", NodeID: "a"}
		for _, nx := range []*workflow.NodeExecution{first, second, other} {
			require.NoError(t, s.SaveNodeExecution(ctx, nx))
		}

		first.Status = workflow.NodeFailed
		first.Attempts = 3
		require.NoError(t, s.SaveNodeExecution(ctx, first))

		list, err := s.ListNodeExecutions(ctx, "ex")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "a", list[0].NodeID)
		assert.Equal(t, 7.0, mustNumber(t, list[0].OutputData["main"][0].Payload))
		assert.Equal(t, workflow.NodeFailed, list[1].Status)
		assert.Equal(t, 2, list[1].RetryCount())
	})
}

func mustNumber(t *testing.T, v value.Value) float64 {
	t.Helper()
	n, ok := v.AsNumber()
	require.True(t, ok, "expected number, got %s", v.Kind())
	return n
}
