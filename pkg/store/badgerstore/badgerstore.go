// Package badgerstore is a Store on an embedded badger database. Records are
// JSON documents under the prefixes wf:, ex: and nx:<executionID>:.
package badgerstore

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/internal/xjson"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/store"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

const (
	workflowPrefix      = "wf:"
	executionPrefix     = "ex:"
	nodeExecutionPrefix = "nx:"
)

// Store persists workflows and execution history in badger.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
	owned  bool
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) a database at path. An empty path opens an
// in-memory database.
func Open(path string, logger *zap.Logger) (*Store, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.NewError(errors.CodeUnknown, "failed to open badger store", err)
	}
	s := New(db, logger)
	s.owned = true
	return s, nil
}

// New wraps an already open database. Close will not close db.
func New(db *badger.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.Named("badger-store")}
}

// Close closes the database if Open created it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}

func (s *Store) GetWorkflow(_ context.Context, id string) (*workflow.Workflow, error) {
	var wf workflow.Workflow
	if err := s.get(workflowPrefix+id, &wf); err != nil {
		return nil, errors.Wrapf(err, "workflow %s", id)
	}
	return &wf, nil
}

func (s *Store) SaveWorkflow(_ context.Context, wf *workflow.Workflow) error {
	if wf == nil || wf.ID == "" {
		return errors.NewValidationError("workflow id is required", nil)
	}
	return s.put(workflowPrefix+wf.ID, wf, false)
}

func (s *Store) CreateExecution(_ context.Context, ex *workflow.Execution) error {
	if err := s.put(executionPrefix+ex.ID, ex, true); err != nil {
		return err
	}
	s.logger.Debug("execution created", zap.String("execution_id", ex.ID), zap.String("workflow_id", ex.WorkflowID))
	return nil
}

func (s *Store) UpdateExecution(_ context.Context, ex *workflow.Execution) error {
	key := []byte(executionPrefix + ex.ID)
	data, err := xjson.Marshal(ex)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err != nil {
			if stderrors.Is(err, badger.ErrKeyNotFound) {
				return errors.Wrapf(errors.ErrNotFound, "execution %s", ex.ID)
			}
			return err
		}
		return txn.Set(key, data)
	})
}

func (s *Store) GetExecution(_ context.Context, id string) (*workflow.Execution, error) {
	var ex workflow.Execution
	if err := s.get(executionPrefix+id, &ex); err != nil {
		return nil, errors.Wrapf(err, "execution %s", id)
	}
	return &ex, nil
}

func (s *Store) ListExecutions(_ context.Context, filter store.Filter) ([]*workflow.Execution, error) {
	var all []*workflow.Execution
	err := s.scan(executionPrefix, func(key string, data []byte) error {
		var ex workflow.Execution
		if err := xjson.Unmarshal(data, &ex); err != nil {
			s.logger.Warn("skipping undecodable execution", zap.String("key", key), zap.Error(err))
			return nil
		}
		all = append(all, &ex)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return filter.Apply(all), nil
}

func (s *Store) SaveNodeExecution(_ context.Context, nx *workflow.NodeExecution) error {
	return s.put(nodeKey(nx.ExecutionID, nx.ID), nx, false)
}

func (s *Store) ListNodeExecutions(_ context.Context, executionID string) ([]*workflow.NodeExecution, error) {
	var out []*workflow.NodeExecution
	err := s.scan(nodeExecutionPrefix+executionID+":", func(key string, data []byte) error {
		var nx workflow.NodeExecution
		if err := xjson.Unmarshal(data, &nx); err != nil {
			return errors.Wrapf(err, "decode %s", key)
		}
		out = append(out, &nx)
		return nil
	})
	if err != nil {
		return nil, err
	}
	store.SortNodeExecutions(out)
	return out, nil
}

func nodeKey(executionID, id string) string {
	return nodeExecutionPrefix + executionID + ":" + id
}

func (s *Store) get(key string, dst interface{}) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if stderrors.Is(err, badger.ErrKeyNotFound) {
				return errors.ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return xjson.Unmarshal(val, dst)
		})
	})
}

func (s *Store) put(key string, v interface{}, mustBeNew bool) error {
	data, err := xjson.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if mustBeNew {
			_, err := txn.Get([]byte(key))
			if err == nil {
				return errors.NewError(errors.CodeConflict, strings.TrimPrefix(key, executionPrefix)+" already exists", nil)
			}
			if !stderrors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		return txn.Set([]byte(key), data)
	})
}

func (s *Store) scan(prefix string, fn func(key string, data []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 100
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := fn(string(item.KeyCopy(nil)), data); err != nil {
				return err
			}
		}
		return nil
	})
}
