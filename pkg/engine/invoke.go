package engine

import (
	"context"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/retry"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// invoke runs one node to a final result: offload resolution, context
// construction, retries, node logic, the output guard and the
// continue-on-fail and always-output-data options. It never panics.
func (e *Engine) invoke(ctx context.Context, ex *workflow.Execution, v *graph.Vertex, input workflow.NodeInput) result {
	n := v.Node
	res := result{vertex: v.Index}
	start := time.Now()

	ctx, span := e.tracer.Start(ctx, "engine.node",
		trace.WithAttributes(
			attribute.String("execution.id", ex.ID),
			attribute.String("node.id", n.ID),
			attribute.String("node.type", n.Type),
		))
	defer span.End()

	log := e.logger.With(
		zap.String("execution_id", ex.ID),
		zap.String("node_id", n.ID),
		zap.String("node_type", n.Type))

	if err := e.tracker.Start(ctx, ex.ID, n.ID, input); err != nil {
		res.err = err
		return res
	}

	exec, ok := e.registry.Lookup(n.Type)
	if !ok {
		res.err = derrors.NewNodeError(n.ID, "no executor for type "+n.Type, derrors.ErrUnknownNodeType)
		return res
	}

	policy := e.settings.Retry
	if n.Options.Retry != nil {
		policy = *n.Options.Retry
	}
	timeout := n.Options.Timeout
	if timeout <= 0 {
		timeout = e.settings.NodeTimeout
	}
	// Records keep offload references; node logic gets the referenced items.
	var resolved workflow.NodeInput

	out, attempts, err := retry.Run(ctx, policy, func(ctx context.Context, attempt int) (workflow.NodeOutput, error) {
		if attempt > 1 {
			if err := e.tracker.Start(ctx, ex.ID, n.ID, input); err != nil {
				return nil, err
			}
		}
		if resolved == nil {
			in, err := e.guard.Resolve(ctx, input)
			if err != nil {
				return nil, derrors.AsNodeError(n.ID, n.Type, err)
			}
			resolved = in
		}
		items := resolved.Flatten(workflow.DefaultPin)
		nc := node.NewContext(node.ContextConfig{
			ExecutionID: ex.ID,
			WorkflowID:  ex.WorkflowID,
			Node:        n,
			Mode:        ex.Mode,
			Items:       items,
			Credentials: e.creds,
			Logger:      e.logger,
		})
		out, err := callNode(ctx, exec, nc, resolved, timeout)
		if err != nil {
			return nil, err
		}
		return e.guard.Check(ctx, ex.ID, n.ID, out)
	}, retry.WithNotify(func(attempt int, err error, wait time.Duration) {
		e.metrics.retries.WithLabelValues(n.Type).Inc()
		log.Info("retrying node",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}))
	res.attempts = attempts
	res.duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("node.attempts", attempts),
		attribute.Int64("node.duration_ms", res.duration.Milliseconds()))

	if err != nil {
		nerr := derrors.AsNodeError(n.ID, n.Type, err)
		nerr.Attempts = attempts
		span.RecordError(nerr)
		span.SetStatus(codes.Error, nerr.Error())
		e.metrics.observeNode(n.Type, workflow.NodeFailed, res.duration)

		if n.Options.ContinueOnFail {
			log.Info("node failed, continuing with error output", zap.Error(nerr))
			res.output = workflow.NodeOutput{firstOutput(v): {errorItem(nerr)}}
			res.nodeErr = nerr
			return res
		}
		res.err = nerr
		return res
	}

	if out.ItemCount() == 0 && n.Options.AlwaysOutputData {
		out = workflow.NodeOutput{firstOutput(v): {node.EmptyItem()}}
	}
	span.SetStatus(codes.Ok, "node completed")
	e.metrics.observeNode(n.Type, workflow.NodeCompleted, res.duration)
	res.output = out
	return res
}

type outcome struct {
	out workflow.NodeOutput
	err error
}

// callNode performs one isolated call of node logic. A panic becomes a node
// error carrying the stack; an expired timeout returns while the call may
// still be running.
func callNode(ctx context.Context, exec node.Executor, nc *node.Context, input workflow.NodeInput, timeout time.Duration) (workflow.NodeOutput, error) {
	n := nc.Node()
	actx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				nc.Logger().Error("node panicked", zap.Any("panic", rec))
				done <- outcome{err: derrors.NewPanicError(n.ID, rec, string(debug.Stack()))}
			}
		}()
		out, err := exec.Execute(actx, nc, input)
		done <- outcome{out: out, err: err}
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case o := <-done:
		if o.err != nil {
			return nil, derrors.AsNodeError(n.ID, n.Type, o.err)
		}
		return o.out, nil
	case <-expired:
		return nil, derrors.NewTimeoutError(n.ID, timeout)
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

func firstOutput(v *graph.Vertex) string {
	if len(v.Outputs) > 0 {
		return v.Outputs[0]
	}
	return workflow.DefaultPin
}

// errorItem is the output item continue-on-fail emits in place of a failure.
func errorItem(err *derrors.NodeExecutionError) workflow.Item {
	return node.Wrap(map[string]interface{}{
		"error": map[string]interface{}{
			"message": err.Error(),
			"code":    err.Code(),
		},
	})
}

func (e *Engine) report(ctx context.Context, ex *workflow.Execution, nodeID string, err error) {
	if e.reporter == nil || err == nil {
		return
	}
	e.reporter.ReportFailure(ctx, ex, nodeID, err)
}
