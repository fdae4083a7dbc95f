package nodes

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/value"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

const defaultCodeTimeout = 10 * time.Second

// code runs the JavaScript in "code" as a function body.
//
// Mode "runOnceForAllItems" (default) receives items (the payloads) and
// returns the new payloads. Mode "runOnceForEachItem" is called per item with
// item, $json (same as item) and $index. Returned lists become one item per
// element; null or undefined yields no items. "timeout" is in milliseconds.
type code struct {
	pool     *VMPool
	programs sync.Map
}

func newCode(pool *VMPool) *code {
	return &code{pool: pool}
}

func (c *code) Execute(ctx context.Context, nc *node.Context, input workflow.NodeInput) (workflow.NodeOutput, error) {
	src := nc.StringParameter("code", 0, "")
	if src == "" {
		return nil, errors.NewValidationError("code: code is required", nil)
	}
	perItem := nc.StringParameter("mode", 0, "runOnceForAllItems") == "runOnceForEachItem"
	timeout := defaultCodeTimeout
	if ms := nc.NumberParameter("timeout", 0, 0); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}

	params := "items"
	if perItem {
		params = "item, $json, $index"
	}
	prog, err := c.compile(params, src)
	if err != nil {
		return nil, errors.NewValidationError("code: syntax error", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	pvm, err := c.pool.Acquire(runCtx)
	if err != nil {
		return nil, err
	}
	defer c.pool.Release(pvm)
	vm := pvm.vm

	// The watcher must be gone before the VM goes back to the pool.
	stop := make(chan struct{})
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-runCtx.Done():
			vm.Interrupt(runCtx.Err())
		case <-stop:
		}
	}()
	defer func() {
		close(stop)
		<-watcherDone
	}()

	_ = vm.Set("console", consoleObject(vm, nc.Logger()))
	fnVal, err := vm.RunProgram(prog)
	if err != nil {
		return nil, c.scriptError(ctx, nc, err, timeout)
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, errors.NewNodeError(nc.Node().ID, "code: script did not compile to a function", nil)
	}

	items := mainItems(nc, input)
	var out []workflow.Item
	if perItem {
		for i, item := range items {
			payload := vm.ToValue(item.Payload.ToAny())
			res, err := fn(goja.Undefined(), payload, payload, vm.ToValue(i))
			if err != nil {
				return nil, c.scriptError(ctx, nc, err, timeout)
			}
			out = append(out, exportItems(res)...)
		}
	} else {
		payloads := make([]interface{}, len(items))
		for i, item := range items {
			payloads[i] = item.Payload.ToAny()
		}
		res, err := fn(goja.Undefined(), vm.ToValue(payloads))
		if err != nil {
			return nil, c.scriptError(ctx, nc, err, timeout)
		}
		out = exportItems(res)
	}
	return workflow.NodeOutput{workflow.DefaultPin: out}, nil
}

func (c *code) compile(params, src string) (*goja.Program, error) {
	key := params + "\x00" + src
	if p, ok := c.programs.Load(key); ok {
		return p.(*goja.Program), nil
	}
	prog, err := goja.Compile("code", "(function("+params+") {\n"+src+"\n})", false)
	if err != nil {
		return nil, err
	}
	c.programs.Store(key, prog)
	return prog, nil
}

func (c *code) scriptError(ctx context.Context, nc *node.Context, err error, timeout time.Duration) error {
	var interrupted *goja.InterruptedError
	if stderrors.As(err, &interrupted) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.NewTimeoutError(nc.Node().ID, timeout)
	}
	var exc *goja.Exception
	if stderrors.As(err, &exc) {
		return errors.NewNodeError(nc.Node().ID, "code: script error", fmt.Errorf("%s", exc.Value().String()))
	}
	return errors.NewNodeError(nc.Node().ID, "code: script error", err)
}

func exportItems(res goja.Value) []workflow.Item {
	if res == nil || goja.IsUndefined(res) || goja.IsNull(res) {
		return nil
	}
	return node.Normalize(value.FromAny(res.Export()))
}

func consoleObject(vm *goja.Runtime, logger *zap.Logger) *goja.Object {
	obj := vm.NewObject()
	logAt := func(log func(string, ...zap.Field)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			args := make([]interface{}, len(call.Arguments))
			for i, a := range call.Arguments {
				args[i] = a.Export()
			}
			log("script console", zap.Any("args", args))
			return goja.Undefined()
		}
	}
	_ = obj.Set("log", logAt(logger.Info))
	_ = obj.Set("info", logAt(logger.Info))
	_ = obj.Set("debug", logAt(logger.Debug))
	_ = obj.Set("warn", logAt(logger.Warn))
	_ = obj.Set("error", logAt(logger.Error))
	return obj
}
