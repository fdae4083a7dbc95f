// Package graph compiles a workflow into an executable graph: a flat arena of
// vertices addressed by index, the connections between them and a
// deterministic topological order.
package graph

import (
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Descriptor is what the graph needs to know about a node type.
type Descriptor struct {
	Inputs  []workflow.Pin
	Outputs []string
	// Trigger marks node types that can start a run.
	Trigger bool
}

// Resolver describes a node's pins from its type and parameters. It returns
// false for unknown types.
type Resolver interface {
	Describe(n workflow.Node) (Descriptor, bool)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(n workflow.Node) (Descriptor, bool)

// Describe implements Resolver.
func (f ResolverFunc) Describe(n workflow.Node) (Descriptor, bool) { return f(n) }

// Vertex is one node of the compiled graph.
type Vertex struct {
	Index   int
	Node    workflow.Node
	Inputs  []workflow.Pin
	Outputs []string
	Trigger bool
	// In and Out hold edge indexes in connection order.
	In  []int
	Out []int
}

// RequiresPin reports whether pin is a required input of v.
func (v *Vertex) RequiresPin(pin string) bool {
	for _, p := range v.Inputs {
		if p.Name == pin {
			return p.Required
		}
	}
	return false
}

// HasInput reports whether v declares the input pin.
func (v *Vertex) HasInput(pin string) bool {
	for _, p := range v.Inputs {
		if p.Name == pin {
			return true
		}
	}
	return false
}

// HasOutput reports whether v declares the output pin.
func (v *Vertex) HasOutput(pin string) bool {
	for _, p := range v.Outputs {
		if p == pin {
			return true
		}
	}
	return false
}

// Edge is a validated connection between two vertices.
type Edge struct {
	Index int
	workflow.Connection
	From int
	To   int
}

// Graph is the compiled, read-only form of a workflow.
type Graph struct {
	Workflow *workflow.Workflow
	Vertices []Vertex
	Edges    []Edge
	InDegree []int
	// Order lists vertex indexes in topological order.
	Order []int

	index    map[string]int
	position []int
}

// Len returns the number of vertices.
func (g *Graph) Len() int { return len(g.Vertices) }

// IndexOf returns the arena index of node id.
func (g *Graph) IndexOf(id string) (int, bool) {
	i, ok := g.index[id]
	return i, ok
}

// Vertex returns the vertex for node id.
func (g *Graph) Vertex(id string) (*Vertex, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return &g.Vertices[i], true
}

// Position returns the place of vertex i in the topological order.
func (g *Graph) Position(i int) int { return g.position[i] }

// OrderIDs returns node ids in topological order.
func (g *Graph) OrderIDs() []string {
	ids := make([]string, len(g.Order))
	for i, v := range g.Order {
		ids[i] = g.Vertices[v].Node.ID
	}
	return ids
}

// Adjacency returns the outgoing connections of node id.
func (g *Graph) Adjacency(id string) []workflow.Connection {
	v, ok := g.Vertex(id)
	if !ok {
		return nil
	}
	out := make([]workflow.Connection, len(v.Out))
	for i, e := range v.Out {
		out[i] = g.Edges[e].Connection
	}
	return out
}

// IsEntryPoint reports whether vertex i may start a run: an explicit trigger,
// or a node without required inputs and without incoming connections.
func (g *Graph) IsEntryPoint(i int) bool {
	v := &g.Vertices[i]
	if v.Trigger {
		return true
	}
	if g.InDegree[i] > 0 {
		return false
	}
	for _, p := range v.Inputs {
		if p.Required {
			return false
		}
	}
	return true
}

// EntryPoints returns entry-point vertex indexes in topological order,
// explicit triggers first.
func (g *Graph) EntryPoints() []int {
	var triggers, others []int
	for _, i := range g.Order {
		if !g.IsEntryPoint(i) {
			continue
		}
		if g.Vertices[i].Trigger {
			triggers = append(triggers, i)
		} else {
			others = append(others, i)
		}
	}
	return append(triggers, others...)
}
