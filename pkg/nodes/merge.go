package nodes

import (
	"context"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/value"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Input pins of the merge node. Neither is required, so the merge runs as
// soon as every incoming connection has settled and at least one produced.
const (
	PinInput1 = "input1"
	PinInput2 = "input2"
)

func mergePins() graph.Descriptor {
	return graph.Descriptor{
		Inputs:  []workflow.Pin{{Name: PinInput1}, {Name: PinInput2}},
		Outputs: []string{workflow.DefaultPin},
	}
}

// merge joins its two inputs. Modes: "append" (default) emits input1 then
// input2; "combineByPosition" merges the i-th maps of both inputs, input2
// winning on key clashes; "chooseBranch" emits only the input named by "branch".
func merge(_ context.Context, nc *node.Context, input workflow.NodeInput) (workflow.NodeOutput, error) {
	first := input.Flatten(PinInput1)
	second := input.Flatten(PinInput2)

	var out []workflow.Item
	switch mode := nc.StringParameter("mode", 0, "append"); mode {
	case "append":
		out = append(append(out, first...), second...)
	case "combineByPosition":
		n := len(first)
		if len(second) > n {
			n = len(second)
		}
		out = make([]workflow.Item, 0, n)
		for i := 0; i < n; i++ {
			merged := value.EmptyMap()
			for _, side := range [][]workflow.Item{first, second} {
				if i >= len(side) {
					continue
				}
				p := side[i].Payload
				if p.Kind() != value.KindMap {
					return nil, errors.NewValidationError("merge: combineByPosition needs map payloads", nil)
				}
				for _, k := range p.Keys() {
					v, _ := p.Get(k)
					merged = merged.With(k, v)
				}
			}
			out = append(out, workflow.Item{Payload: merged})
		}
	case "chooseBranch":
		switch nc.StringParameter("branch", 0, PinInput1) {
		case PinInput2:
			out = second
		default:
			out = first
		}
	default:
		return nil, errors.NewValidationError("merge: unknown mode "+mode, nil)
	}
	return workflow.NodeOutput{workflow.DefaultPin: out}, nil
}
