package graph

import (
	"container/heap"
	"fmt"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Build validates wf and compiles it. Any structural problem is returned as a
// *errors.GraphError and no graph is produced.
func Build(wf *workflow.Workflow, resolver Resolver) (*Graph, error) {
	if wf == nil || len(wf.Nodes) == 0 {
		return nil, derrors.NewGraphError(derrors.GraphEmpty, "workflow has no nodes")
	}

	g := &Graph{
		Workflow: wf,
		Vertices: make([]Vertex, len(wf.Nodes)),
		InDegree: make([]int, len(wf.Nodes)),
		index:    make(map[string]int, len(wf.Nodes)),
	}

	for i, n := range wf.Nodes {
		if n.ID == "" {
			return nil, derrors.NewGraphError(derrors.GraphInvalidNode, fmt.Sprintf("node at position %d has no id", i))
		}
		if _, dup := g.index[n.ID]; dup {
			return nil, derrors.NewGraphError(derrors.GraphDuplicateID, "duplicate node id", n.ID)
		}
		desc, ok := resolver.Describe(n)
		if !ok {
			return nil, derrors.NewGraphError(derrors.GraphUnknownType, fmt.Sprintf("no executor registered for type %q", n.Type), n.ID)
		}
		g.index[n.ID] = i
		g.Vertices[i] = Vertex{
			Index:   i,
			Node:    n,
			Inputs:  pickInputs(n, desc),
			Outputs: pickOutputs(n, desc),
			Trigger: desc.Trigger,
		}
	}

	for _, c := range wf.Connections {
		c = c.Normalized()
		from, ok := g.index[c.SourceNodeID]
		if !ok {
			return nil, derrors.NewGraphError(derrors.GraphDanglingRef,
				fmt.Sprintf("connection references unknown source node %q", c.SourceNodeID), c.SourceNodeID)
		}
		to, ok := g.index[c.TargetNodeID]
		if !ok {
			return nil, derrors.NewGraphError(derrors.GraphDanglingRef,
				fmt.Sprintf("connection references unknown target node %q", c.TargetNodeID), c.TargetNodeID)
		}
		if !g.Vertices[from].HasOutput(c.SourceOutput) {
			return nil, derrors.NewGraphError(derrors.GraphDanglingRef,
				fmt.Sprintf("node %q has no output pin %q", c.SourceNodeID, c.SourceOutput), c.SourceNodeID)
		}
		if !g.Vertices[to].HasInput(c.TargetInput) {
			return nil, derrors.NewGraphError(derrors.GraphDanglingRef,
				fmt.Sprintf("node %q has no input pin %q", c.TargetNodeID, c.TargetInput), c.TargetNodeID)
		}

		e := Edge{Index: len(g.Edges), Connection: c, From: from, To: to}
		g.Edges = append(g.Edges, e)
		g.Vertices[from].Out = append(g.Vertices[from].Out, e.Index)
		g.Vertices[to].In = append(g.Vertices[to].In, e.Index)
		g.InDegree[to]++
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.Order = order
	g.position = make([]int, len(order))
	for pos, v := range order {
		g.position[v] = pos
	}
	return g, nil
}

// topoSort runs Kahn's algorithm. Among ready vertices the one appearing
// first in the workflow's node list is taken, so identical input always
// yields an identical order.
func (g *Graph) topoSort() ([]int, error) {
	remaining := make([]int, len(g.InDegree))
	copy(remaining, g.InDegree)

	ready := &indexHeap{}
	for i, d := range remaining {
		if d == 0 {
			heap.Push(ready, i)
		}
	}

	order := make([]int, 0, len(g.Vertices))
	for ready.Len() > 0 {
		v := heap.Pop(ready).(int)
		order = append(order, v)
		for _, e := range g.Vertices[v].Out {
			to := g.Edges[e].To
			remaining[to]--
			if remaining[to] == 0 {
				heap.Push(ready, to)
			}
		}
	}

	if len(order) < len(g.Vertices) {
		cycle := g.findCycle(remaining)
		return nil, derrors.NewGraphError(derrors.GraphCycle, "workflow contains a cycle", cycle...)
	}
	return order, nil
}

// findCycle walks the vertices Kahn's algorithm could not release and returns
// the ids along one cycle, in edge direction.
func (g *Graph) findCycle(remaining []int) []string {
	const (
		unvisited = iota
		onStack
		done
	)
	state := make([]int, len(g.Vertices))
	var path []int
	var cycle []int

	var visit func(v int) bool
	visit = func(v int) bool {
		state[v] = onStack
		path = append(path, v)
		for _, e := range g.Vertices[v].Out {
			to := g.Edges[e].To
			if remaining[to] == 0 {
				continue
			}
			switch state[to] {
			case onStack:
				for i := len(path) - 1; i >= 0; i-- {
					if path[i] == to {
						cycle = append([]int(nil), path[i:]...)
						return true
					}
				}
			case unvisited:
				if visit(to) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		state[v] = done
		return false
	}

	for v := range g.Vertices {
		if remaining[v] > 0 && state[v] == unvisited && visit(v) {
			break
		}
	}

	ids := make([]string, len(cycle))
	for i, v := range cycle {
		ids[i] = g.Vertices[v].Node.ID
	}
	return ids
}

func pickInputs(n workflow.Node, desc Descriptor) []workflow.Pin {
	pins := n.Inputs
	if len(pins) == 0 {
		pins = desc.Inputs
	}
	out := make([]workflow.Pin, 0, len(pins))
	seen := make(map[string]bool, len(pins))
	for _, p := range pins {
		if p.Name == "" || seen[p.Name] {
			continue
		}
		seen[p.Name] = true
		out = append(out, p)
	}
	return out
}

func pickOutputs(n workflow.Node, desc Descriptor) []string {
	pins := n.Outputs
	if len(pins) == 0 {
		pins = desc.Outputs
	}
	out := make([]string, 0, len(pins))
	seen := make(map[string]bool, len(pins))
	for _, p := range pins {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// indexHeap is a min-heap of vertex indexes.
type indexHeap []int

func (h indexHeap) Len() int            { return len(h) }
func (h indexHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h indexHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *indexHeap) Push(x interface{}) { *h = append(*h, x.(int)) }
func (h *indexHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
