package nodes

import (
	"context"
	"strconv"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/value"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// PinFallback receives items no rule matched when "fallback" is enabled.
const PinFallback = "fallback"

// switchNode routes items by "rules". Each rule is a condition with an
// optional "output" name; unnamed rules use their index. Mode "first"
// (default) stops at the first matching rule, "all" sends the item to every
// matching rule.
type switchNode struct{}

// DescribePins derives one output per rule from the parameters.
func (switchNode) DescribePins(n workflow.Node) graph.Descriptor {
	desc := graph.Descriptor{
		Inputs:  []workflow.Pin{{Name: workflow.DefaultPin, Required: true}},
		Outputs: ruleOutputs(n.Parameters),
	}
	if fb, ok := n.Parameters.Get("fallback"); ok && fb.Truthy() {
		desc.Outputs = append(desc.Outputs, PinFallback)
	}
	return desc
}

func ruleOutputs(params value.Value) []string {
	rules, _ := params.Get("rules")
	list, _ := rules.AsList()
	out := make([]string, 0, len(list))
	for i, r := range list {
		out = append(out, ruleOutput(r, i))
	}
	return out
}

func ruleOutput(rule value.Value, i int) string {
	if name, ok := rule.Get("output"); ok && name.String() != "" {
		return name.String()
	}
	return strconv.Itoa(i)
}

func (switchNode) Execute(_ context.Context, nc *node.Context, input workflow.NodeInput) (workflow.NodeOutput, error) {
	all := nc.StringParameter("mode", 0, "first") == "all"
	ignoreCase := nc.BoolParameter("ignoreCase", 0, false)
	fallback := nc.BoolParameter("fallback", 0, false)

	out := workflow.NodeOutput{}
	for _, item := range mainItems(nc, input) {
		rules, ok := resolveAgainst(nc, "rules", item).AsList()
		if !ok || len(rules) == 0 {
			return nil, errors.NewValidationError("switch: at least one rule is required", nil)
		}
		routed := false
		for i, raw := range rules {
			c, err := parseCondition(raw, item.Payload)
			if err != nil {
				return nil, errors.NewValidationError("switch: rule "+itoa(i), err)
			}
			ok, err := c.eval(ignoreCase)
			if err != nil {
				return nil, errors.NewValidationError("switch: rule "+itoa(i), err)
			}
			if !ok {
				continue
			}
			pin := ruleOutput(raw, i)
			out[pin] = append(out[pin], item)
			routed = true
			if !all {
				break
			}
		}
		if !routed && fallback {
			out[PinFallback] = append(out[PinFallback], item)
		}
	}
	return out, nil
}

func itoa(i int) string { return strconv.Itoa(i) }
