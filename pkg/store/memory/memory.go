// Package memory is an in-process Store. Records are deep-copied on the way
// in and out so callers never share state with the store.
package memory

import (
	"context"
	"sync"

	"github.com/wehubfusion/Daedalus/internal/xjson"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/store"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Store keeps everything in maps guarded by one RWMutex.
type Store struct {
	mu         sync.RWMutex
	workflows  map[string][]byte
	executions map[string]*workflow.Execution
	nodes      map[string]map[string]*workflow.NodeExecution
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		workflows:  make(map[string][]byte),
		executions: make(map[string]*workflow.Execution),
		nodes:      make(map[string]map[string]*workflow.NodeExecution),
	}
}

func (s *Store) GetWorkflow(_ context.Context, id string) (*workflow.Workflow, error) {
	s.mu.RLock()
	data, ok := s.workflows[id]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "workflow %s", id)
	}
	var wf workflow.Workflow
	if err := xjson.Unmarshal(data, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// SaveWorkflow stores an encoded snapshot so later mutation of wf has no effect.
func (s *Store) SaveWorkflow(_ context.Context, wf *workflow.Workflow) error {
	if wf == nil || wf.ID == "" {
		return errors.NewValidationError("workflow id is required", nil)
	}
	data, err := xjson.Marshal(wf)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.workflows[wf.ID] = data
	s.mu.Unlock()
	return nil
}

func (s *Store) CreateExecution(_ context.Context, ex *workflow.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[ex.ID]; ok {
		return errors.NewError(errors.CodeConflict, "execution "+ex.ID+" already exists", nil)
	}
	s.executions[ex.ID] = copyExecution(ex)
	return nil
}

func (s *Store) UpdateExecution(_ context.Context, ex *workflow.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[ex.ID]; !ok {
		return errors.Wrapf(errors.ErrNotFound, "execution %s", ex.ID)
	}
	s.executions[ex.ID] = copyExecution(ex)
	return nil
}

func (s *Store) GetExecution(_ context.Context, id string) (*workflow.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ex, ok := s.executions[id]
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "execution %s", id)
	}
	return copyExecution(ex), nil
}

func (s *Store) ListExecutions(_ context.Context, filter store.Filter) ([]*workflow.Execution, error) {
	s.mu.RLock()
	all := make([]*workflow.Execution, 0, len(s.executions))
	for _, ex := range s.executions {
		all = append(all, copyExecution(ex))
	}
	s.mu.RUnlock()
	return filter.Apply(all), nil
}

func (s *Store) SaveNodeExecution(_ context.Context, nx *workflow.NodeExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.nodes[nx.ExecutionID]
	if byID == nil {
		byID = make(map[string]*workflow.NodeExecution)
		s.nodes[nx.ExecutionID] = byID
	}
	byID[nx.ID] = copyNodeExecution(nx)
	return nil
}

func (s *Store) ListNodeExecutions(_ context.Context, executionID string) ([]*workflow.NodeExecution, error) {
	s.mu.RLock()
	out := make([]*workflow.NodeExecution, 0, len(s.nodes[executionID]))
	for _, nx := range s.nodes[executionID] {
		out = append(out, copyNodeExecution(nx))
	}
	s.mu.RUnlock()
	store.SortNodeExecutions(out)
	return out, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func copyExecution(ex *workflow.Execution) *workflow.Execution {
	c := *ex
	if ex.FinishedAt != nil {
		t := *ex.FinishedAt
		c.FinishedAt = &t
	}
	c.TriggerData = append([]workflow.Item(nil), ex.TriggerData...)
	return &c
}

func copyNodeExecution(nx *workflow.NodeExecution) *workflow.NodeExecution {
	c := *nx
	if nx.StartedAt != nil {
		t := *nx.StartedAt
		c.StartedAt = &t
	}
	if nx.FinishedAt != nil {
		t := *nx.FinishedAt
		c.FinishedAt = &t
	}
	c.OutputData = nx.OutputData.Clone()
	if nx.InputData != nil {
		c.InputData = make(workflow.NodeInput, len(nx.InputData))
		for pin, groups := range nx.InputData {
			cp := make([][]workflow.Item, len(groups))
			for i, g := range groups {
				cp[i] = append([]workflow.Item(nil), g...)
			}
			c.InputData[pin] = cp
		}
	}
	return &c
}
