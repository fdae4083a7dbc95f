// Package engine drives workflow executions: it compiles a workflow into a
// graph, schedules node invocations under a concurrency ceiling, and exposes
// the entry points an API layer consumes (start, single-node run, cancel,
// recover, progress and history).
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/credentials"
	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/events"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/retry"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"github.com/wehubfusion/Daedalus/pkg/store"
	"github.com/wehubfusion/Daedalus/pkg/tracker"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Settings are the engine-wide execution defaults. Workflow settings and node
// options override them where they are set.
type Settings struct {
	// MaxConcurrency bounds simultaneously running node tasks per execution.
	MaxConcurrency int
	// ExecutionTimeout bounds a whole run; 0 means no limit.
	ExecutionTimeout time.Duration
	// NodeTimeout bounds each invocation attempt; 0 means no limit.
	NodeTimeout time.Duration
	// Retry is the policy for nodes without their own.
	Retry          retry.Policy
	SaveData       workflow.SaveDataPolicy
	RetainFinished int
}

// DefaultSettings returns settings sized for the current CPU quota.
func DefaultSettings() Settings {
	return Settings{
		MaxConcurrency: concurrency.DefaultMaxConcurrency(),
		Retry:          retry.DefaultPolicy(),
		SaveData:       workflow.SaveAll,
		RetainFinished: 1000,
	}
}

// Reporter receives node failures and recovered panics.
type Reporter interface {
	ReportFailure(ctx context.Context, ex *workflow.Execution, nodeID string, err error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithSettings replaces the default settings.
func WithSettings(s Settings) Option {
	return func(e *Engine) { e.settings = s }
}

// WithPublisher routes lifecycle events, usually to an *events.Emitter.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithCredentials sets the credential collaborator handed to node logic.
func WithCredentials(p credentials.Provider) Option {
	return func(e *Engine) { e.creds = p }
}

// WithTracerProvider sets the tracer provider. The global provider is used otherwise.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) {
		if tp != nil {
			e.tracer = tp.Tracer(tracerName)
		}
	}
}

// WithMetrics registers engine metrics on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.registerer = reg }
}

// WithReporter sets the failure reporter.
func WithReporter(r Reporter) Option {
	return func(e *Engine) { e.reporter = r }
}

// WithOutputGuard enforces an output size limit on every node invocation.
func WithOutputGuard(g *storage.OutputGuard) Option {
	return func(e *Engine) { e.guard = g }
}

const tracerName = "daedalus/engine"

// Engine is the execution engine. It is safe for concurrent use; one Engine
// serves any number of simultaneous executions.
type Engine struct {
	registry  *node.Registry
	workflows store.WorkflowReader
	repo      store.ExecutionRepository
	tracker   *tracker.Tracker

	settings   Settings
	publisher  events.Publisher
	creds      credentials.Provider
	tracer     trace.Tracer
	registerer prometheus.Registerer
	metrics    *metrics
	reporter   Reporter
	guard      *storage.OutputGuard
	logger     *zap.Logger

	mu     sync.Mutex
	active map[string]*run
}

// New creates an engine over the given node registry and persistence collaborators.
func New(registry *node.Registry, workflows store.WorkflowReader, repo store.ExecutionRepository, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if workflows == nil {
		return nil, errors.New("workflow reader cannot be nil")
	}
	if repo == nil {
		return nil, errors.New("execution repository cannot be nil")
	}

	e := &Engine{
		registry:  registry,
		workflows: workflows,
		repo:      repo,
		settings:  DefaultSettings(),
		publisher: events.Discard,
		tracer:    otel.Tracer(tracerName),
		logger:    zap.NewNop(),
		active:    make(map[string]*run),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if err := e.settings.Retry.Validate(); err != nil {
		return nil, derrors.NewValidationError("invalid default retry policy", err)
	}
	if e.settings.MaxConcurrency <= 0 {
		e.settings.MaxConcurrency = 1
	}

	m, err := newMetrics(e.registerer)
	if err != nil {
		return nil, err
	}
	e.metrics = m
	e.logger = e.logger.Named("engine")
	e.tracker = tracker.New(repo,
		tracker.WithLogger(e.logger),
		tracker.WithPublisher(e.publisher),
		tracker.WithRetainFinished(e.settings.RetainFinished),
	)
	return e, nil
}

// StartRequest starts a full run.
type StartRequest struct {
	WorkflowID string
	// TriggerNodeID selects the active entry point; empty picks the first trigger.
	TriggerNodeID string
	// TriggerData is the initiating payload. Empty means one empty item.
	TriggerData []workflow.Item
	UserID      string
}

// NodeRequest runs one node outside the graph.
type NodeRequest struct {
	WorkflowID string
	NodeID     string
	// Input is the node's input; nil means one empty item on the main pin.
	Input workflow.NodeInput
	// PinData is served instead of invoking the node. The node's own
	// pinned data is used when this is nil.
	PinData workflow.NodeOutput
	UserID  string
}

// Start compiles the workflow and starts a full run. It returns once the run
// is registered; use Wait for the outcome. Graph errors and conflicts are
// returned synchronously and leave no record.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*workflow.Execution, error) {
	wf, err := e.workflows.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	g, err := graph.Build(wf, e.registry)
	if err != nil {
		e.logger.Warn("workflow rejected",
			zap.String("workflow_id", req.WorkflowID),
			zap.Error(err))
		return nil, err
	}
	active, err := pickTrigger(g, req.TriggerNodeID)
	if err != nil {
		return nil, err
	}

	ex := &workflow.Execution{
		WorkflowID:    wf.ID,
		Mode:          workflow.ModeFull,
		UserID:        req.UserID,
		TriggerNodeID: g.Vertices[active].Node.ID,
		TriggerData:   req.TriggerData,
		SaveData:      e.savePolicy(wf),
	}
	if err := e.tracker.Begin(ctx, ex, nodeRefs(g)); err != nil {
		return nil, err
	}

	r := e.newRun(ctx, g, ex, seed{
		vertex: active,
		input:  triggerInput(req.TriggerData),
	}, nil)
	e.launch(r)
	return e.tracker.Execution(ctx, ex.ID)
}

// Validate compiles wf against the registered node types without running it.
func (e *Engine) Validate(wf *workflow.Workflow) error {
	_, err := graph.Build(wf, e.registry)
	return err
}

// Execute starts a full run and waits for it to finish.
func (e *Engine) Execute(ctx context.Context, req StartRequest) (*workflow.Execution, error) {
	ex, err := e.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.Wait(ctx, ex.ID)
}

// RunNode executes a single node of a workflow. It is rejected with a
// ConflictError, without creating any record, while a full run of the same
// workflow is in progress.
func (e *Engine) RunNode(ctx context.Context, req NodeRequest) (*workflow.Execution, error) {
	wf, err := e.workflows.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	n, ok := wf.Node(req.NodeID)
	if !ok {
		return nil, derrors.Wrapf(derrors.ErrNotFound, "node %s in workflow %s", req.NodeID, req.WorkflowID)
	}
	g, err := graph.Build(&workflow.Workflow{ID: wf.ID, Name: wf.Name, Nodes: []workflow.Node{n}, Settings: wf.Settings}, e.registry)
	if err != nil {
		return nil, err
	}

	input := req.Input
	if input == nil {
		input = workflow.NodeInput{workflow.DefaultPin: {{node.EmptyItem()}}}
	}
	pinned := req.PinData
	if pinned == nil {
		pinned = n.Options.PinData
	}

	ex := &workflow.Execution{
		WorkflowID:    wf.ID,
		Mode:          workflow.ModeSingleNode,
		UserID:        req.UserID,
		TriggerNodeID: n.ID,
		SaveData:      e.savePolicy(wf),
	}
	if err := e.tracker.Begin(ctx, ex, nodeRefs(g)); err != nil {
		return nil, err
	}

	r := e.newRun(ctx, g, ex, seed{vertex: 0, input: input, pinned: pinned}, nil)
	e.launch(r)
	return e.tracker.Execution(ctx, ex.ID)
}

// Wait blocks until the execution is terminal or ctx is done.
func (e *Engine) Wait(ctx context.Context, executionID string) (*workflow.Execution, error) {
	select {
	case <-e.tracker.Done(executionID):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return e.tracker.Execution(ctx, executionID)
}

// Cancel requests cooperative cancellation and waits until the run has
// recorded it. Running nodes are not interrupted; their results are discarded.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	e.mu.Lock()
	r, ok := e.active[executionID]
	e.mu.Unlock()
	if !ok || !e.tracker.IsRunning(executionID) {
		ex, err := e.tracker.Execution(ctx, executionID)
		if err != nil {
			return err
		}
		return derrors.Wrapf(derrors.ErrInvalidTransition, "execution %s already %s", executionID, ex.Status)
	}

	e.logger.Info("cancellation requested", zap.String("execution_id", executionID))
	r.cancel(derrors.ErrCancelled)
	select {
	case <-e.tracker.Done(executionID):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recover re-runs a failed execution under the same id. Nodes that completed
// before keep their records and their outputs feed the nodes that run again.
// Running executions are refused with ErrNotRecoverable.
func (e *Engine) Recover(ctx context.Context, executionID string) (*workflow.Execution, error) {
	prev, err := e.tracker.Execution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if prev.Status == workflow.ExecutionRunning {
		return nil, derrors.Wrapf(derrors.ErrNotRecoverable, "execution %s is still running", executionID)
	}
	if prev.Mode == workflow.ModeSingleNode {
		return nil, derrors.Wrapf(derrors.ErrNotRecoverable, "single-node execution %s is re-run, not recovered", executionID)
	}

	wf, err := e.workflows.GetWorkflow(ctx, prev.WorkflowID)
	if err != nil {
		return nil, err
	}
	g, err := graph.Build(wf, e.registry)
	if err != nil {
		return nil, err
	}
	active, err := pickTrigger(g, prev.TriggerNodeID)
	if err != nil {
		return nil, err
	}

	reopened, err := e.tracker.Reopen(ctx, executionID)
	if err != nil {
		return nil, err
	}
	ex := reopened.Execution
	e.logger.Info("recovering execution",
		zap.String("execution_id", executionID),
		zap.Int("reused_nodes", len(reopened.Outputs)),
		zap.Int("recoveries", ex.Recoveries))

	r := e.newRun(ctx, g, ex, seed{
		vertex: active,
		input:  triggerInput(ex.TriggerData),
	}, reopened.Outputs)
	e.launch(r)
	return e.tracker.Execution(ctx, executionID)
}

// Progress returns a read-only snapshot of the execution.
func (e *Engine) Progress(ctx context.Context, executionID string) (tracker.Progress, error) {
	return e.tracker.Progress(ctx, executionID)
}

// GetExecution returns one execution record.
func (e *Engine) GetExecution(ctx context.Context, executionID string) (*workflow.Execution, error) {
	return e.tracker.Execution(ctx, executionID)
}

// ListExecutions returns execution history matching filter, newest first.
func (e *Engine) ListExecutions(ctx context.Context, filter store.Filter) ([]*workflow.Execution, error) {
	return e.repo.ListExecutions(ctx, filter)
}

// NodeExecutions returns the node records of one execution.
func (e *Engine) NodeExecutions(ctx context.Context, executionID string) ([]*workflow.NodeExecution, error) {
	return e.tracker.NodeExecutions(ctx, executionID)
}

// Running returns the number of executions in flight.
func (e *Engine) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Shutdown cancels every running execution and waits for them to finish.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	runs := make([]*run, 0, len(e.active))
	for _, r := range e.active {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	for _, r := range runs {
		r.cancel(derrors.ErrCancelled)
	}
	for _, r := range runs {
		select {
		case <-e.tracker.Done(r.exec.ID):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *Engine) launch(r *run) {
	e.mu.Lock()
	e.active[r.exec.ID] = r
	e.mu.Unlock()
	e.metrics.executionsActive.Inc()

	go func() {
		defer func() {
			e.mu.Lock()
			if e.active[r.exec.ID] == r {
				delete(e.active, r.exec.ID)
			}
			e.mu.Unlock()
			e.metrics.executionsActive.Dec()
		}()
		r.loop()
	}()
}

func (e *Engine) savePolicy(wf *workflow.Workflow) workflow.SaveDataPolicy {
	if wf.Settings.SaveData != "" {
		return wf.Settings.SaveData
	}
	if e.settings.SaveData != "" {
		return e.settings.SaveData
	}
	return workflow.SaveAll
}

// pickTrigger resolves the active entry point of a run.
func pickTrigger(g *graph.Graph, nodeID string) (int, error) {
	if nodeID == "" {
		entries := g.EntryPoints()
		if len(entries) == 0 {
			return 0, derrors.NewGraphError(derrors.GraphInvalidTrigger, "workflow has no entry point")
		}
		return entries[0], nil
	}
	i, ok := g.IndexOf(nodeID)
	if !ok {
		return 0, derrors.NewGraphError(derrors.GraphInvalidTrigger, "trigger node does not exist", nodeID)
	}
	if !g.IsEntryPoint(i) {
		return 0, derrors.NewGraphError(derrors.GraphInvalidTrigger, "node cannot start a run", nodeID)
	}
	return i, nil
}

func triggerInput(items []workflow.Item) workflow.NodeInput {
	if len(items) == 0 {
		items = []workflow.Item{node.EmptyItem()}
	}
	return workflow.NodeInput{workflow.DefaultPin: {items}}
}

func nodeRefs(g *graph.Graph) []tracker.NodeRef {
	refs := make([]tracker.NodeRef, 0, g.Len())
	for _, i := range g.Order {
		n := g.Vertices[i].Node
		refs = append(refs, tracker.NodeRef{ID: n.ID, Type: n.Type})
	}
	return refs
}
