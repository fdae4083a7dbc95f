package engine

import (
	"container/heap"
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

type edgeState uint8

const (
	edgePending edgeState = iota
	edgeProduced
	edgeEmpty
)

type vertexState uint8

const (
	vertexWaiting vertexState = iota
	vertexReady
	vertexRunning
	vertexDone
)

// Skip reasons recorded on node executions.
const (
	reasonDisabled       = "node disabled"
	reasonInactiveEntry  = "inactive entry point"
	reasonNoInput        = "no input produced"
	reasonRequiredMissed = "required input not produced"
	reasonPinned         = "pinned data"
)

// seed is the vertex a run starts from and what it receives.
type seed struct {
	vertex int
	input  workflow.NodeInput
	pinned workflow.NodeOutput
}

// result is what an invocation task hands back to the coordinator.
type result struct {
	vertex   int
	output   workflow.NodeOutput
	nodeErr  error // failure turned into output by continue-on-fail
	err      error
	attempts int
	duration time.Duration
}

// run is the state of one execution. Only the coordinator goroutine touches
// it, except for results arriving on the channel.
type run struct {
	e     *Engine
	g     *graph.Graph
	exec  *workflow.Execution
	seed  seed
	ctx   context.Context
	stop  context.CancelCauseFunc
	span  trace.Span
	log   *zap.Logger
	limit *concurrency.Limiter

	edges    []edgeState
	waiting  []int
	state    []vertexState
	outputs  []workflow.NodeOutput
	ready    readyQueue
	results  chan result
	inflight int

	// reused holds vertices whose output comes from a previous run.
	reused []int

	failedNode string
	failure    error
}

func (e *Engine) newRun(parent context.Context, g *graph.Graph, ex *workflow.Execution, s seed, cached map[string]workflow.NodeOutput) *run {
	ctx := context.WithoutCancel(parent)
	timeout := g.Workflow.Settings.Timeout
	if timeout <= 0 {
		timeout = e.settings.ExecutionTimeout
	}
	var cancelTimeout context.CancelFunc = func() {}
	if timeout > 0 {
		ctx, cancelTimeout = context.WithTimeoutCause(ctx, timeout, derrors.NewError(derrors.CodeTimeout, "execution timed out after "+timeout.String(), derrors.ErrTimeout))
	}
	ctx, stop := context.WithCancelCause(ctx)

	ctx, span := e.tracer.Start(ctx, "engine.execution",
		trace.WithAttributes(
			attribute.String("execution.id", ex.ID),
			attribute.String("workflow.id", ex.WorkflowID),
			attribute.String("execution.mode", string(ex.Mode)),
			attribute.Int("execution.recoveries", ex.Recoveries),
		))

	ceiling := g.Workflow.Settings.MaxConcurrency
	if ceiling <= 0 {
		ceiling = e.settings.MaxConcurrency
	}

	n := g.Len()
	r := &run{
		e:    e,
		g:    g,
		exec: ex,
		seed: s,
		ctx:  ctx,
		stop: func(cause error) {
			stop(cause)
			cancelTimeout()
		},
		span:    span,
		log:     e.logger.Named("scheduler").With(zap.String("execution_id", ex.ID), zap.String("workflow_id", ex.WorkflowID)),
		limit:   concurrency.NewLimiter(ceiling),
		edges:   make([]edgeState, len(g.Edges)),
		waiting: make([]int, n),
		state:   make([]vertexState, n),
		outputs: make([]workflow.NodeOutput, n),
		results: make(chan result, n),
	}
	r.ready.pos = g.Position
	for i := range g.Vertices {
		r.waiting[i] = len(g.Vertices[i].In)
	}
	for _, i := range g.Order {
		if out, ok := cached[g.Vertices[i].Node.ID]; ok {
			r.state[i] = vertexDone
			r.outputs[i] = out
			r.reused = append(r.reused, i)
		}
	}
	return r
}

func (r *run) cancel(cause error) { r.stop(cause) }

// loop coordinates the run until every vertex is settled or the run is
// cancelled or timed out.
func (r *run) loop() {
	defer r.span.End()
	start := time.Now()
	r.log.Debug("execution scheduled",
		zap.Int("nodes", r.g.Len()),
		zap.Int("max_concurrency", r.limit.Capacity()))

	r.prime()
	for {
		r.dispatch()
		if r.inflight == 0 && r.ready.Len() == 0 {
			if r.ctx.Err() != nil {
				// the last results were discarded; the run did not finish.
				r.abort(context.Cause(r.ctx), start)
				return
			}
			break
		}
		select {
		case res := <-r.results:
			r.inflight--
			r.record(res)
		case <-r.ctx.Done():
			r.abort(context.Cause(r.ctx), start)
			return
		}
	}

	status := workflow.ExecutionSuccess
	if r.failure != nil {
		status = workflow.ExecutionError
		r.span.SetStatus(codes.Error, r.failure.Error())
	} else {
		r.span.SetStatus(codes.Ok, "execution completed")
	}
	r.e.metrics.observeExecution(status, time.Since(start))
	if err := r.e.tracker.Finish(context.Background(), r.exec.ID, status, r.failure, r.failedNode); err != nil {
		r.log.Error("failed to finish execution", zap.Error(err))
	}
	r.stop(nil)
	r.log.Info("execution finished",
		zap.String("status", string(status)),
		zap.Duration("duration", time.Since(start)))
}

// prime seeds the active vertex, skips every other vertex that can never
// receive input and releases the outputs of nodes reused from a previous run.
func (r *run) prime() {
	s := r.seed.vertex
	if r.state[s] != vertexDone {
		r.waiting[s] = 0
		r.enqueue(s)
	}
	for _, i := range r.g.Order {
		if i == s || r.state[i] != vertexWaiting || len(r.g.Vertices[i].In) > 0 {
			continue
		}
		r.skip(i, reasonInactiveEntry)
	}
	for _, i := range r.reused {
		r.release(i)
	}
}

// enqueue makes a vertex ready, or skips it when it is disabled.
func (r *run) enqueue(i int) {
	v := &r.g.Vertices[i]
	if v.Node.Disabled {
		r.skip(i, reasonDisabled)
		return
	}
	if i == r.seed.vertex && r.seed.pinned != nil {
		r.state[i] = vertexDone
		r.outputs[i] = r.seed.pinned
		if err := r.e.tracker.Skip(r.ctx, r.exec.ID, v.Node.ID, reasonPinned, r.seed.pinned); err != nil {
			r.log.Warn("failed to record pinned data", zap.String("node_id", v.Node.ID), zap.Error(err))
		}
		r.release(i)
		return
	}
	r.state[i] = vertexReady
	heap.Push(&r.ready, i)
	if err := r.e.tracker.Queue(r.ctx, r.exec.ID, v.Node.ID); err != nil {
		r.log.Warn("failed to queue node", zap.String("node_id", v.Node.ID), zap.Error(err))
	}
}

// dispatch starts ready vertices in topological order while capacity allows.
// Cancellation is checked before every dispatch.
func (r *run) dispatch() {
	for r.ready.Len() > 0 {
		if r.ctx.Err() != nil {
			return
		}
		if !r.limit.TryAcquire() {
			return
		}
		i := heap.Pop(&r.ready).(int)
		r.state[i] = vertexRunning
		r.inflight++
		input := r.inputFor(i)
		go func() {
			defer r.limit.Release()
			r.results <- r.e.invoke(r.ctx, r.exec, &r.g.Vertices[i], input)
		}()
	}
}

// record applies an invocation result. Results arriving after the run was
// cancelled are discarded.
func (r *run) record(res result) {
	v := &r.g.Vertices[res.vertex]
	id := v.Node.ID
	if r.ctx.Err() != nil {
		r.log.Debug("discarding late result", zap.String("node_id", id))
		return
	}
	r.state[res.vertex] = vertexDone

	if res.err != nil {
		if err := r.e.tracker.Fail(r.ctx, r.exec.ID, id, res.err); err != nil {
			r.log.Warn("failed to record node failure", zap.String("node_id", id), zap.Error(err))
		}
		if r.failure == nil {
			r.failure, r.failedNode = res.err, id
		}
		r.log.Warn("node failed",
			zap.String("node_id", id),
			zap.Int("attempts", res.attempts),
			zap.Error(res.err))
		r.e.report(r.ctx, r.exec, id, res.err)
		r.release(res.vertex)
		return
	}

	if err := r.e.tracker.Complete(r.ctx, r.exec.ID, id, res.output, res.nodeErr); err != nil {
		r.log.Warn("failed to record node output", zap.String("node_id", id), zap.Error(err))
	}
	if res.nodeErr != nil {
		r.e.report(r.ctx, r.exec, id, res.nodeErr)
	}
	r.outputs[res.vertex] = res.output
	r.release(res.vertex)
}

// release settles the outgoing connections of a finished vertex. A
// connection carries data only when its source pin received at least one item.
func (r *run) release(i int) {
	out := r.outputs[i]
	for _, ei := range r.g.Vertices[i].Out {
		e := &r.g.Edges[ei]
		if len(out[e.SourceOutput]) > 0 {
			r.edges[ei] = edgeProduced
		} else {
			r.edges[ei] = edgeEmpty
		}
		r.settle(e.To)
	}
}

// settle counts down a vertex's pending connections and decides its fate
// once all of them are known.
func (r *run) settle(to int) {
	r.waiting[to]--
	if r.waiting[to] > 0 || r.state[to] != vertexWaiting {
		return
	}
	if reason := r.blocked(to); reason != "" {
		r.skip(to, reason)
		return
	}
	r.enqueue(to)
}

// blocked returns why a vertex whose connections are settled must not run.
func (r *run) blocked(i int) string {
	v := &r.g.Vertices[i]
	anyProduced := false
	required := make(map[string]bool)
	for _, ei := range v.In {
		e := &r.g.Edges[ei]
		produced := r.edges[ei] == edgeProduced
		anyProduced = anyProduced || produced
		if v.RequiresPin(e.TargetInput) {
			required[e.TargetInput] = required[e.TargetInput] || produced
		}
	}
	if !anyProduced {
		return reasonNoInput
	}
	for _, ok := range required {
		if !ok {
			return reasonRequiredMissed
		}
	}
	return ""
}

// skip marks a vertex skipped and propagates along its connections.
func (r *run) skip(i int, reason string) {
	r.state[i] = vertexDone
	id := r.g.Vertices[i].Node.ID
	if err := r.e.tracker.Skip(r.ctx, r.exec.ID, id, reason, nil); err != nil {
		r.log.Warn("failed to record skip", zap.String("node_id", id), zap.Error(err))
	}
	r.e.metrics.observeNode(r.g.Vertices[i].Node.Type, workflow.NodeSkipped, 0)
	r.release(i)
}

// inputFor gathers a vertex's input: per pin, one item sequence per
// connection that produced data.
func (r *run) inputFor(i int) workflow.NodeInput {
	if i == r.seed.vertex {
		return r.seed.input
	}
	in := make(workflow.NodeInput)
	for _, ei := range r.g.Vertices[i].In {
		if r.edges[ei] != edgeProduced {
			continue
		}
		e := &r.g.Edges[ei]
		in[e.TargetInput] = append(in[e.TargetInput], r.outputs[e.From][e.SourceOutput])
	}
	return in
}

// abort ends a run that was cancelled or ran out of time.
func (r *run) abort(cause error, start time.Time) {
	ctx := context.Background()
	if errors.Is(cause, derrors.ErrCancelled) {
		r.span.SetStatus(codes.Error, "cancelled")
		r.e.metrics.observeExecution(workflow.ExecutionCancelled, time.Since(start))
		if err := r.e.tracker.Finish(ctx, r.exec.ID, workflow.ExecutionCancelled, nil, ""); err != nil {
			r.log.Error("failed to finish cancelled execution", zap.Error(err))
		}
		r.log.Info("execution cancelled", zap.Int("in_flight", r.inflight))
		return
	}

	for i, s := range r.state {
		if s != vertexRunning {
			continue
		}
		if err := r.e.tracker.Cancel(ctx, r.exec.ID, r.g.Vertices[i].Node.ID); err != nil {
			r.log.Warn("failed to cancel node", zap.String("node_id", r.g.Vertices[i].Node.ID), zap.Error(err))
		}
	}
	r.span.RecordError(cause)
	r.span.SetStatus(codes.Error, cause.Error())
	r.e.metrics.observeExecution(workflow.ExecutionError, time.Since(start))
	if err := r.e.tracker.Finish(ctx, r.exec.ID, workflow.ExecutionError, cause, ""); err != nil {
		r.log.Error("failed to finish timed out execution", zap.Error(err))
	}
	r.log.Warn("execution aborted", zap.Error(cause))
}

// readyQueue orders ready vertices by topological position.
type readyQueue struct {
	items []int
	pos   func(int) int
}

func (q readyQueue) Len() int            { return len(q.items) }
func (q readyQueue) Less(i, j int) bool  { return q.pos(q.items[i]) < q.pos(q.items[j]) }
func (q readyQueue) Swap(i, j int)       { q.items[i], q.items[j] = q.items[j], q.items[i] }
func (q *readyQueue) Push(x interface{}) { q.items = append(q.items, x.(int)) }
func (q *readyQueue) Pop() interface{} {
	old := q.items
	x := old[len(old)-1]
	q.items = old[:len(old)-1]
	return x
}
