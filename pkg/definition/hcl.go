package definition

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"

	derrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

type hclFile struct {
	ID          string           `hcl:"id"`
	Name        string           `hcl:"name,optional"`
	Active      *bool            `hcl:"active,optional"`
	Settings    *hclSettings     `hcl:"settings,block"`
	Nodes       []*hclNode       `hcl:"node,block"`
	Connections []*hclConnection `hcl:"connection,block"`
}

type hclSettings struct {
	Timeout        string `hcl:"timeout,optional"`
	SaveData       string `hcl:"save_data,optional"`
	MaxConcurrency int    `hcl:"max_concurrency,optional"`
}

type hclNode struct {
	ID          string            `hcl:"id,label"`
	Type        string            `hcl:"type"`
	Name        string            `hcl:"name,optional"`
	Disabled    bool              `hcl:"disabled,optional"`
	Parameters  cty.Value         `hcl:"parameters,optional"`
	Outputs     []string          `hcl:"outputs,optional"`
	Credentials map[string]string `hcl:"credentials,optional"`
	Inputs      []*hclPin         `hcl:"input,block"`
	Options     *hclOptions       `hcl:"options,block"`
}

type hclPin struct {
	Name     string `hcl:"name,label"`
	Required bool   `hcl:"required,optional"`
}

type hclOptions struct {
	ContinueOnFail   bool      `hcl:"continue_on_fail,optional"`
	AlwaysOutputData bool      `hcl:"always_output_data,optional"`
	Timeout          string    `hcl:"timeout,optional"`
	Retry            *hclRetry `hcl:"retry,block"`
	PinData          cty.Value `hcl:"pin_data,optional"`
}

type hclRetry struct {
	MaxRetries int     `hcl:"max_retries,optional"`
	BaseDelay  string  `hcl:"base_delay,optional"`
	Multiplier float64 `hcl:"multiplier,optional"`
	MaxDelay   string  `hcl:"max_delay,optional"`
	Jitter     float64 `hcl:"jitter,optional"`
}

type hclConnection struct {
	From   string `hcl:"from"`
	Output string `hcl:"output,optional"`
	To     string `hcl:"to"`
	Input  string `hcl:"input,optional"`
}

// ParseHCL decodes an HCL document. Expressions may read process
// environment variables as env.NAME and call upper, lower, format and
// jsonencode.
func ParseHCL(data []byte, filename string) (*workflow.Workflow, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, derrors.NewValidationError("failed to parse HCL workflow "+filename, diags)
	}

	var parsed hclFile
	if diags := gohcl.DecodeBody(file.Body, evalContext(), &parsed); diags.HasErrors() {
		return nil, derrors.NewValidationError("failed to decode HCL workflow "+filename, diags)
	}

	doc, err := parsed.document()
	if err != nil {
		return nil, derrors.NewValidationError("invalid HCL workflow "+filename, err)
	}
	return doc.workflow()
}

func evalContext() *hcl.EvalContext {
	env := map[string]cty.Value{}
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = cty.StringVal(v)
		}
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(env)},
		Functions: map[string]function.Function{
			"upper":      stdlib.UpperFunc,
			"lower":      stdlib.LowerFunc,
			"format":     stdlib.FormatFunc,
			"jsonencode": stdlib.JSONEncodeFunc,
		},
	}
}

func (f *hclFile) document() (*document, error) {
	doc := &document{ID: f.ID, Name: f.Name, Active: f.Active}
	if s := f.Settings; s != nil {
		doc.Settings = settingsDoc{Timeout: s.Timeout, SaveData: s.SaveData, MaxConcurrency: s.MaxConcurrency}
	}
	for _, n := range f.Nodes {
		params, err := ctyToAny(n.Parameters)
		if err != nil {
			return nil, fmt.Errorf("node %s: parameters: %w", n.ID, err)
		}
		nd := nodeDoc{
			ID:          n.ID,
			Name:        n.Name,
			Type:        n.Type,
			Parameters:  params,
			Disabled:    n.Disabled,
			Outputs:     n.Outputs,
			Credentials: n.Credentials,
		}
		for _, p := range n.Inputs {
			nd.Inputs = append(nd.Inputs, workflow.Pin{Name: p.Name, Required: p.Required})
		}
		if o := n.Options; o != nil {
			nd.Options = optionsDoc{
				ContinueOnFail:   o.ContinueOnFail,
				AlwaysOutputData: o.AlwaysOutputData,
				Timeout:          o.Timeout,
			}
			if r := o.Retry; r != nil {
				nd.Options.Retry = &retryDoc{
					MaxRetries: r.MaxRetries,
					BaseDelay:  r.BaseDelay,
					Multiplier: r.Multiplier,
					MaxDelay:   r.MaxDelay,
					Jitter:     r.Jitter,
				}
			}
			pins, err := pinDataOf(o.PinData)
			if err != nil {
				return nil, fmt.Errorf("node %s: pin_data: %w", n.ID, err)
			}
			nd.Options.PinData = pins
		}
		doc.Nodes = append(doc.Nodes, nd)
	}
	for _, c := range f.Connections {
		doc.Connections = append(doc.Connections, connectionDoc{
			SourceNodeID: c.From,
			SourceOutput: c.Output,
			TargetNodeID: c.To,
			TargetInput:  c.Input,
		})
	}
	return doc, nil
}

// pinDataOf expects an object of pin name to a list of payloads.
func pinDataOf(v cty.Value) (map[string][]interface{}, error) {
	raw, err := ctyToAny(v)
	if err != nil || raw == nil {
		return nil, err
	}
	pins, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("expected an object of pin name to items")
	}
	out := make(map[string][]interface{}, len(pins))
	for pin, items := range pins {
		list, ok := items.([]interface{})
		if !ok {
			return nil, fmt.Errorf("pin %s: expected a list of items", pin)
		}
		out[pin] = list
	}
	return out, nil
}

// ctyToAny converts a known cty value into plain Go values.
func ctyToAny(v cty.Value) (interface{}, error) {
	if v.IsNull() {
		return nil, nil
	}
	if !v.IsWhollyKnown() {
		return nil, fmt.Errorf("value is not known until run time")
	}
	t := v.Type()
	switch {
	case t.Equals(cty.String):
		return v.AsString(), nil
	case t.Equals(cty.Number):
		f, _ := v.AsBigFloat().Float64()
		return f, nil
	case t.Equals(cty.Bool):
		return v.True(), nil
	case t.IsObjectType() || t.IsMapType():
		out := map[string]interface{}{}
		for k, e := range v.AsValueMap() {
			x, err := ctyToAny(e)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = x
		}
		return out, nil
	case t.IsListType() || t.IsTupleType() || t.IsSetType():
		out := []interface{}{}
		for i, e := range v.AsValueSlice() {
			x, err := ctyToAny(e)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out = append(out, x)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %s", t.FriendlyName())
	}
}
