package nodes

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/credentials"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/value"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

func mustParse(t *testing.T, s string) value.Value {
	t.Helper()
	v, err := value.Parse([]byte(s))
	require.NoError(t, err)
	return v
}

func items(t *testing.T, payloads ...string) []workflow.Item {
	t.Helper()
	out := make([]workflow.Item, 0, len(payloads))
	for _, p := range payloads {
		out = append(out, workflow.Item{Payload: mustParse(t, p)})
	}
	return out
}

type harness struct {
	t     *testing.T
	reg   *node.Registry
	creds *credentials.Static
}

func newHarness(t *testing.T) *harness {
	reg, err := NewRegistry(Options{Logger: zap.NewNop()})
	require.NoError(t, err)
	return &harness{t: t, reg: reg, creds: credentials.NewStatic()}
}

func (h *harness) run(ctx context.Context, n workflow.Node, input workflow.NodeInput) (workflow.NodeOutput, error) {
	exec, ok := h.reg.Lookup(n.Type)
	require.True(h.t, ok, n.Type)
	nc := node.NewContext(node.ContextConfig{
		ExecutionID: "ex",
		WorkflowID:  "wf",
		Node:        n,
		Mode:        workflow.ModeFull,
		Items:       input.Flatten(workflow.DefaultPin),
		Credentials: h.creds,
		Logger:      zap.NewNop(),
	})
	return exec.Execute(ctx, nc, input)
}

func mainInput(its []workflow.Item) workflow.NodeInput {
	return workflow.NodeInput{workflow.DefaultPin: {its}}
}

func TestRegistryHoldsBuiltins(t *testing.T) {
	h := newHarness(t)
	for _, typ := range []string{TypeManualTrigger, "trigger", TypeNoOp, TypeSet, TypeIf, TypeSwitch, TypeMerge, TypeWait, "delay", TypeHTTPRequest, TypeCode, TypeText, TypeDateTime} {
		_, ok := h.reg.Lookup(typ)
		assert.True(t, ok, typ)
	}
	desc, ok := h.reg.Describe(workflow.Node{Type: TypeManualTrigger})
	require.True(t, ok)
	assert.True(t, desc.Trigger)
	assert.Empty(t, desc.Inputs)
}

func TestManualTrigger(t *testing.T) {
	h := newHarness(t)
	out, err := h.run(context.Background(), workflow.Node{ID: "t", Type: TypeManualTrigger}, nil)
	require.NoError(t, err)
	require.Len(t, out["main"], 1)
	assert.Equal(t, 0, out["main"][0].Payload.Len())

	out, err = h.run(context.Background(), workflow.Node{ID: "t", Type: TypeManualTrigger}, mainInput(items(t, `{"a":1}`, `{"a":2}`)))
	require.NoError(t, err)
	assert.Len(t, out["main"], 2)
}

func TestSetNode(t *testing.T) {
	h := newHarness(t)
	n := workflow.Node{ID: "s", Type: TypeSet, Parameters: mustParse(t, `{
		"values": {"user.greeting": "hi {{payload.name}}", "copy": "{{payload.n}}", "tags.0": "x"}
	}`)}
	out, err := h.run(context.Background(), n, mainInput(items(t, `{"name":"ada","n":3}`)))
	require.NoError(t, err)
	require.Len(t, out["main"], 1)

	p := out["main"][0].Payload
	greeting, _ := node.Lookup(p, "user.greeting")
	assert.Equal(t, "hi ada", greeting.String())
	cp, _ := p.Get("copy")
	num, ok := cp.AsNumber()
	assert.True(t, ok)
	assert.Equal(t, 3.0, num)
	name, _ := p.Get("name")
	assert.Equal(t, "ada", name.String())

	n.Parameters = n.Parameters.With("keepOnlySet", value.Bool(true))
	out, err = h.run(context.Background(), n, mainInput(items(t, `{"name":"ada","n":3}`)))
	require.NoError(t, err)
	_, ok = out["main"][0].Payload.Get("name")
	assert.False(t, ok)
}

func TestIfRoutesItems(t *testing.T) {
	h := newHarness(t)
	n := workflow.Node{ID: "if", Type: TypeIf, Parameters: mustParse(t, `{
		"conditions": [{"field": "status", "operation": "equals", "right": "ACTIVE"}],
		"ignoreCase": true
	}`)}

	out, err := h.run(context.Background(), n, mainInput(items(t, `{"status":"active"}`, `{"status":"gone"}`, `{"status":"Active"}`)))
	require.NoError(t, err)
	assert.Len(t, out[PinTrue], 2)
	assert.Len(t, out[PinFalse], 1)

	out, err = h.run(context.Background(), n, mainInput(items(t, `{"status":"active"}`)))
	require.NoError(t, err)
	_, produced := out[PinFalse]
	assert.False(t, produced, "a pin without items is not produced")
}

func TestIfCombineAndOperators(t *testing.T) {
	tests := []struct {
		name    string
		params  string
		payload string
		want    string
	}{
		{"and all true", `{"conditions":[{"field":"n","operation":"gt","right":1},{"field":"s","operation":"startsWith","right":"ab"}]}`, `{"n":2,"s":"abc"}`, PinTrue},
		{"and one false", `{"conditions":[{"field":"n","operation":"gt","right":5},{"field":"s","operation":"startsWith","right":"ab"}]}`, `{"n":2,"s":"abc"}`, PinFalse},
		{"or one true", `{"combine":"or","conditions":[{"field":"n","operation":"gt","right":5},{"field":"s","operation":"contains","right":"bc"}]}`, `{"n":2,"s":"abc"}`, PinTrue},
		{"numeric string", `{"conditions":[{"left":"{{payload.n}}","operation":"equals","right":"2"}]}`, `{"n":2}`, PinTrue},
		{"in list", `{"conditions":[{"field":"c","operation":"in","right":["red","blue"]}]}`, `{"c":"blue"}`, PinTrue},
		{"is empty", `{"conditions":[{"field":"missing","operation":"isEmpty"}]}`, `{}`, PinTrue},
		{"not empty string", `{"conditions":[{"field":"s","operation":"isEmpty"}]}`, `{"s":"x"}`, PinFalse},
		{"regex", `{"conditions":[{"field":"s","operation":"regex","right":"^a.c$"}]}`, `{"s":"abc"}`, PinTrue},
		{"case fold", `{"ignoreCase":true,"conditions":[{"field":"s","operation":"equals","right":"STRASSE"}]}`, `{"s":"straße"}`, PinTrue},
	}
	h := newHarness(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := workflow.Node{ID: "if", Type: TypeIf, Parameters: mustParse(t, tt.params)}
			out, err := h.run(context.Background(), n, mainInput(items(t, tt.payload)))
			require.NoError(t, err)
			assert.Len(t, out[tt.want], 1)
		})
	}
}

func TestIfRejectsBadConfig(t *testing.T) {
	h := newHarness(t)
	n := workflow.Node{ID: "if", Type: TypeIf, Parameters: mustParse(t, `{"conditions":[{"field":"a","operation":"bogus"}]}`)}
	_, err := h.run(context.Background(), n, mainInput(items(t, `{"a":1}`)))
	require.Error(t, err)
	assert.False(t, errors.IsTransient(err))
}

func TestSwitchNode(t *testing.T) {
	h := newHarness(t)
	n := workflow.Node{ID: "sw", Type: TypeSwitch, Parameters: mustParse(t, `{
		"rules": [
			{"field": "kind", "operation": "equals", "right": "a", "output": "alpha"},
			{"field": "kind", "operation": "equals", "right": "b"}
		],
		"fallback": true
	}`)}

	desc, ok := h.reg.Describe(n)
	require.True(t, ok)
	assert.Equal(t, []string{"alpha", "1", PinFallback}, desc.Outputs)

	out, err := h.run(context.Background(), n, mainInput(items(t, `{"kind":"a"}`, `{"kind":"b"}`, `{"kind":"z"}`, `{"kind":"a"}`)))
	require.NoError(t, err)
	assert.Len(t, out["alpha"], 2)
	assert.Len(t, out["1"], 1)
	assert.Len(t, out[PinFallback], 1)
}

func TestMergeNode(t *testing.T) {
	h := newHarness(t)
	in := workflow.NodeInput{
		PinInput1: {items(t, `{"a":1}`, `{"a":2}`)},
		PinInput2: {items(t, `{"b":1}`)},
	}

	out, err := h.run(context.Background(), workflow.Node{ID: "m", Type: TypeMerge}, in)
	require.NoError(t, err)
	assert.Len(t, out["main"], 3)

	out, err = h.run(context.Background(), workflow.Node{ID: "m", Type: TypeMerge, Parameters: mustParse(t, `{"mode":"combineByPosition"}`)}, in)
	require.NoError(t, err)
	require.Len(t, out["main"], 2)
	assert.Equal(t, 2, out["main"][0].Payload.Len())

	out, err = h.run(context.Background(), workflow.Node{ID: "m", Type: TypeMerge, Parameters: mustParse(t, `{"mode":"chooseBranch","branch":"input2"}`)}, in)
	require.NoError(t, err)
	assert.Len(t, out["main"], 1)

	desc, _ := h.reg.Describe(workflow.Node{Type: TypeMerge})
	for _, pin := range desc.Inputs {
		assert.False(t, pin.Required)
	}
}

func TestWaitNode(t *testing.T) {
	h := newHarness(t)
	n := workflow.Node{ID: "w", Type: TypeWait, Parameters: mustParse(t, `{"amount": 60, "unit": "milliseconds"}`)}

	start := time.Now()
	out, err := h.run(context.Background(), n, mainInput(items(t, `{"x":1}`)))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
	assert.Len(t, out["main"], 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.Parameters = mustParse(t, `{"duration": "10s"}`)
	_, err = h.run(ctx, n, mainInput(items(t, `{}`)))
	assert.ErrorIs(t, err, context.Canceled)

	n.Parameters = mustParse(t, `{"amount": 1, "unit": "fortnights"}`)
	_, err = h.run(context.Background(), n, mainInput(items(t, `{}`)))
	assert.Error(t, err)
}

func TestHTTPRequestNode(t *testing.T) {
	var gotAuth, gotQuery, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("X-Api-Key")
		gotQuery = r.URL.Query().Get("id")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"echo":"` + r.Method + `"}`))
	}))
	defer srv.Close()

	h := newHarness(t)
	h.creds.Set(CredentialHeaderAuth, "key-1", credentials.Data{"name": "X-Api-Key", "value": "secret"})
	n := workflow.Node{
		ID:          "http",
		Type:        TypeHTTPRequest,
		Credentials: map[string]string{CredentialHeaderAuth: "key-1"},
		Parameters: mustParse(t, `{
			"method": "post",
			"url": "`+srv.URL+`/things",
			"query": {"id": "{{payload.id}}"},
			"body": {"name": "{{payload.name}}"},
			"authentication": "httpHeaderAuth"
		}`),
	}

	out, err := h.run(context.Background(), n, mainInput(items(t, `{"id":42,"name":"ada"}`)))
	require.NoError(t, err)
	require.Len(t, out["main"], 1)
	ok, _ := out["main"][0].Payload.Get("ok")
	assert.True(t, ok.Truthy())
	echo, _ := out["main"][0].Payload.Get("echo")
	assert.Equal(t, "POST", echo.String())
	assert.Equal(t, "secret", gotAuth)
	assert.Equal(t, "42", gotQuery)
	assert.JSONEq(t, `{"name":"ada"}`, gotBody)
}

func TestHTTPRequestNodeErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		switch r.URL.Path {
		case "/missing":
			http.Error(w, "nope", http.StatusNotFound)
		default:
			http.Error(w, "down", http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	h := newHarness(t)
	run := func(path string) error {
		n := workflow.Node{ID: "http", Type: TypeHTTPRequest, Parameters: mustParse(t, `{"url":"`+srv.URL+path+`"}`)}
		_, err := h.run(context.Background(), n, nil)
		return err
	}

	err := run("/down")
	var status *errors.StatusError
	require.True(t, stderrors.As(err, &status))
	assert.Equal(t, http.StatusServiceUnavailable, status.StatusCode)
	assert.True(t, errors.IsTransient(err))

	err = run("/missing")
	require.Error(t, err)
	assert.False(t, errors.IsTransient(err))

	n := workflow.Node{ID: "http", Type: TypeHTTPRequest, Parameters: mustParse(t, `{"url":"not a url"}`)}
	_, err = h.run(context.Background(), n, nil)
	assert.Error(t, err)

	n = workflow.Node{ID: "http", Type: TypeHTTPRequest, Parameters: mustParse(t, `{"url":"`+srv.URL+`","authentication":"httpBasicAuth"}`)}
	_, err = h.run(context.Background(), n, nil)
	var credErr *errors.CredentialError
	assert.True(t, stderrors.As(err, &credErr))
}

func TestCodeNode(t *testing.T) {
	h := newHarness(t)

	all := workflow.Node{ID: "c", Type: TypeCode, Parameters: mustParse(t, `{
		"code": "return items.map(function(p) { return {doubled: p.n * 2}; });"
	}`)}
	out, err := h.run(context.Background(), all, mainInput(items(t, `{"n":1}`, `{"n":4}`)))
	require.NoError(t, err)
	require.Len(t, out["main"], 2)
	d, _ := out["main"][1].Payload.Get("doubled")
	n, _ := d.AsNumber()
	assert.Equal(t, 8.0, n)

	each := workflow.Node{ID: "c", Type: TypeCode, Parameters: mustParse(t, `{
		"mode": "runOnceForEachItem",
		"code": "console.log('item', $index); if ($json.skip) { return null; } return {i: $index};"
	}`)}
	out, err = h.run(context.Background(), each, mainInput(items(t, `{}`, `{"skip":true}`, `{}`)))
	require.NoError(t, err)
	assert.Len(t, out["main"], 2)
}

func TestCodeNodeFailures(t *testing.T) {
	h := newHarness(t)
	run := func(params string) error {
		_, err := h.run(context.Background(), workflow.Node{ID: "c", Type: TypeCode, Parameters: mustParse(t, params)}, mainInput(items(t, `{}`)))
		return err
	}

	assert.Error(t, run(`{"code": "return (;"}`))
	assert.Error(t, run(`{"code": "throw new Error('boom');"}`))
	assert.Error(t, run(`{"code": "return eval('1+1');"}`))
	assert.Error(t, run(`{"code": "return require('fs');"}`))

	err := run(`{"code": "while (true) {}", "timeout": 50}`)
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err))
}

func TestVMPoolReuse(t *testing.T) {
	p := NewVMPool(PoolConfig{MaxSize: 1, MaxReuse: 2})
	ctx := context.Background()

	vm, err := p.Acquire(ctx)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(short)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	p.Release(vm)
	again, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, vm, again)
	p.Release(again)
	assert.Equal(t, int64(2), p.Created(), "recycled after MaxReuse runs")
}

func TestVMPoolClearsScriptGlobals(t *testing.T) {
	p := NewVMPool(PoolConfig{MaxSize: 1})
	ctx := context.Background()

	vm, err := p.Acquire(ctx)
	require.NoError(t, err)
	_, err = vm.vm.RunString("globalThis.leak = 1; sloppy = 2;")
	require.NoError(t, err)
	p.Release(vm)

	again, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, vm, again)
	res, err := again.vm.RunString("typeof leak + ',' + typeof sloppy + ',' + JSON.stringify({a: 1})")
	require.NoError(t, err)
	assert.Equal(t, `undefined,undefined,{"a":1}`, res.String())

	_, err = again.vm.RunString("Object.defineProperty(globalThis, 'pinned', {value: 1, configurable: false});")
	require.NoError(t, err)
	p.Release(again)
	assert.Equal(t, int64(2), p.Created(), "a VM with an undeletable global is replaced")

	fresh, err := p.Acquire(ctx)
	require.NoError(t, err)
	res, err = fresh.vm.RunString("typeof pinned")
	require.NoError(t, err)
	assert.Equal(t, "undefined", res.String())
	p.Release(fresh)
}

func TestCodeNodeRunsDoNotShareGlobals(t *testing.T) {
	h := newHarness(t)
	n := workflow.Node{ID: "c", Type: TypeCode, Parameters: mustParse(t, `{
		"code": "globalThis.seen = (globalThis.seen || 0) + 1; return [{seen: globalThis.seen}];"
	}`)}
	for i := 0; i < 3; i++ {
		out, err := h.run(context.Background(), n, mainInput(items(t, `{}`)))
		require.NoError(t, err)
		require.Len(t, out["main"], 1)
		seen, _ := out["main"][0].Payload.Get("seen")
		v, _ := seen.AsNumber()
		assert.Equal(t, 1.0, v, "run %d", i)
	}
}

func TestHTTPLimitersArePruned(t *testing.T) {
	h := newHTTPRequest(http.DefaultClient, nil, zap.NewNop())
	limiterFor := func(id, params string) {
		nc := node.NewContext(node.ContextConfig{
			WorkflowID: "wf",
			Node:       workflow.Node{ID: id, Type: TypeHTTPRequest, Parameters: mustParse(t, params)},
		})
		if l := h.limiter(nc); l != nil && id == "busy" {
			require.True(t, l.Allow())
		}
	}

	limiterFor("busy", `{"rateLimit": 0.001}`)
	for i := 0; i < 2*minLimiterSweep; i++ {
		limiterFor(fmt.Sprintf("n%d", i), `{"rateLimit": 1000}`)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Less(t, len(h.limiters), minLimiterSweep)
	assert.Contains(t, h.limiters, "wf/busy", "a drained limiter keeps its state")
}
