// Package node defines the contract every node type implements, the registry
// that maps type names to implementations, and the execution context handed
// to node logic.
package node

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Executor is implemented by every node type. It receives the items delivered
// to each input pin and returns the items emitted per output pin. Pins left out
// of the result are not produced and their downstream branches are skipped.
type Executor interface {
	Execute(ctx context.Context, nc *Context, input workflow.NodeInput) (workflow.NodeOutput, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, nc *Context, input workflow.NodeInput) (workflow.NodeOutput, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, nc *Context, input workflow.NodeInput) (workflow.NodeOutput, error) {
	return f(ctx, nc, input)
}

// PinDescriber is implemented by executors whose pins depend on parameters,
// for example a router with one output per rule.
type PinDescriber interface {
	DescribePins(n workflow.Node) graph.Descriptor
}

// Definition registers one node type.
type Definition struct {
	Type       string
	Aliases    []string
	Descriptor graph.Descriptor
	Executor   Executor
}

// Main returns the single required input and single output most nodes use.
func Main() graph.Descriptor {
	return graph.Descriptor{
		Inputs:  []workflow.Pin{{Name: workflow.DefaultPin, Required: true}},
		Outputs: []string{workflow.DefaultPin},
	}
}

// TriggerPins returns the descriptor of a trigger: no inputs, one output.
func TriggerPins() graph.Descriptor {
	return graph.Descriptor{Outputs: []string{workflow.DefaultPin}, Trigger: true}
}

// Registry maps node type names to definitions. Built-in and external node
// types register the same way.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds def under its type and aliases.
func (r *Registry) Register(def Definition) error {
	if def.Type == "" {
		return fmt.Errorf("node type name is required")
	}
	if def.Executor == nil {
		return fmt.Errorf("node type %q: executor is required", def.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	names := append([]string{def.Type}, def.Aliases...)
	for _, name := range names {
		if _, exists := r.defs[name]; exists {
			return fmt.Errorf("node type %q already registered", name)
		}
	}
	d := def
	for _, name := range names {
		r.defs[name] = &d
	}
	return nil
}

// MustRegister is Register that panics, for use during startup.
func (r *Registry) MustRegister(def Definition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Lookup returns the executor for typ.
func (r *Registry) Lookup(typ string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[typ]
	if !ok {
		return nil, false
	}
	return d.Executor, true
}

// Describe implements graph.Resolver.
func (r *Registry) Describe(n workflow.Node) (graph.Descriptor, bool) {
	r.mu.RLock()
	d, ok := r.defs[n.Type]
	r.mu.RUnlock()
	if !ok {
		return graph.Descriptor{}, false
	}
	if pd, ok := d.Executor.(PinDescriber); ok {
		desc := pd.DescribePins(n)
		desc.Trigger = desc.Trigger || d.Descriptor.Trigger
		return desc, true
	}
	return d.Descriptor, true
}

// Types returns the registered type names, aliases included, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.defs))
	for name := range r.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
