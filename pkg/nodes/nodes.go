// Package nodes contains the built-in node types. Each registers through the
// same node.Registry external node types use.
package nodes

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Type names of the built-in nodes.
const (
	TypeManualTrigger = "manualTrigger"
	TypeNoOp          = "noOp"
	TypeSet           = "set"
	TypeIf            = "if"
	TypeSwitch        = "switch"
	TypeMerge         = "merge"
	TypeWait          = "wait"
	TypeHTTPRequest   = "httpRequest"
	TypeCode          = "code"
	TypeText          = "text"
	TypeDateTime      = "dateTime"
)

// Options configures the built-in nodes that hold shared resources.
type Options struct {
	// HTTPClient is used by the HTTP request node. Defaults to a client with a 30s timeout.
	HTTPClient *http.Client
	// Breakers guards outbound HTTP per host. Defaults to DefaultBreakerConfig.
	Breakers *concurrency.BreakerSet
	// CodePool sizes the JavaScript VM pool of the code node.
	CodePool PoolConfig
	Logger   *zap.Logger
}

// Register adds every built-in node type to reg.
func Register(reg *node.Registry, opts Options) error {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Breakers == nil {
		opts.Breakers = concurrency.NewBreakerSet(concurrency.DefaultBreakerConfig())
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	defs := []node.Definition{
		{Type: TypeManualTrigger, Aliases: []string{"trigger"}, Descriptor: node.TriggerPins(), Executor: node.ExecutorFunc(manualTrigger)},
		{Type: TypeNoOp, Aliases: []string{"noop"}, Descriptor: node.Main(), Executor: node.ExecutorFunc(noOp)},
		{Type: TypeSet, Descriptor: node.Main(), Executor: node.ExecutorFunc(setFields)},
		{Type: TypeIf, Descriptor: ifPins(), Executor: node.ExecutorFunc(ifNode)},
		{Type: TypeSwitch, Executor: switchNode{}},
		{Type: TypeMerge, Descriptor: mergePins(), Executor: node.ExecutorFunc(merge)},
		{Type: TypeWait, Aliases: []string{"delay"}, Descriptor: node.Main(), Executor: node.ExecutorFunc(wait)},
		{Type: TypeHTTPRequest, Descriptor: node.Main(), Executor: newHTTPRequest(opts.HTTPClient, opts.Breakers, opts.Logger)},
		{Type: TypeCode, Descriptor: node.Main(), Executor: newCode(NewVMPool(opts.CodePool))},
		{Type: TypeText, Descriptor: node.Main(), Executor: node.ExecutorFunc(textNode)},
		{Type: TypeDateTime, Descriptor: node.Main(), Executor: node.ExecutorFunc(dateTimeNode)},
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding the built-in nodes.
func NewRegistry(opts Options) (*node.Registry, error) {
	reg := node.NewRegistry()
	if err := Register(reg, opts); err != nil {
		return nil, err
	}
	return reg, nil
}

// mainItems returns the items on the main input, or the context items when
// the node was invoked without input.
func mainItems(nc *node.Context, input workflow.NodeInput) []workflow.Item {
	if items := input.Flatten(workflow.DefaultPin); len(items) > 0 {
		return items
	}
	return nc.Items()
}

func manualTrigger(_ context.Context, _ *node.Context, input workflow.NodeInput) (workflow.NodeOutput, error) {
	items := input.Flatten(workflow.DefaultPin)
	if len(items) == 0 {
		items = []workflow.Item{node.EmptyItem()}
	}
	return workflow.NodeOutput{workflow.DefaultPin: items}, nil
}

func noOp(_ context.Context, nc *node.Context, input workflow.NodeInput) (workflow.NodeOutput, error) {
	return workflow.NodeOutput{workflow.DefaultPin: mainItems(nc, input)}, nil
}
