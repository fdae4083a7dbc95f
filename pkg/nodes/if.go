package nodes

import (
	"context"
	"strings"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Output pins of the if node.
const (
	PinTrue  = "true"
	PinFalse = "false"
)

func ifPins() graph.Descriptor {
	return graph.Descriptor{
		Inputs:  []workflow.Pin{{Name: workflow.DefaultPin, Required: true}},
		Outputs: []string{PinTrue, PinFalse},
	}
}

// ifNode routes each item to "true" or "false" by evaluating "conditions"
// combined with "combine" (and|or). A pin that receives no items is not
// produced, so the branch behind it is skipped.
func ifNode(_ context.Context, nc *node.Context, input workflow.NodeInput) (workflow.NodeOutput, error) {
	combineOr := strings.EqualFold(nc.StringParameter("combine", 0, "and"), "or")
	ignoreCase := nc.BoolParameter("ignoreCase", 0, false)

	out := workflow.NodeOutput{}
	for _, item := range mainItems(nc, input) {
		conds := resolveAgainst(nc, "conditions", item)
		list, ok := conds.AsList()
		if !ok || len(list) == 0 {
			return nil, errors.NewValidationError("if: at least one condition is required", nil)
		}

		matched := !combineOr
		for i, raw := range list {
			c, err := parseCondition(raw, item.Payload)
			if err != nil {
				return nil, errors.NewValidationError("if: condition "+itoa(i), err)
			}
			ok, err := c.eval(ignoreCase)
			if err != nil {
				return nil, errors.NewValidationError("if: condition "+itoa(i), err)
			}
			if combineOr && ok {
				matched = true
				break
			}
			if !combineOr && !ok {
				matched = false
				break
			}
		}

		pin := PinFalse
		if matched {
			pin = PinTrue
		}
		out[pin] = append(out[pin], item)
	}
	return out, nil
}
