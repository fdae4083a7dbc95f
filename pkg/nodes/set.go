package nodes

import (
	"context"

	"github.com/tidwall/sjson"

	"github.com/wehubfusion/Daedalus/internal/xjson"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/value"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// setFields writes the "values" map into every item. Keys are dotted field
// paths; values may hold placeholders resolved per item. With "keepOnlySet"
// the item starts from an empty object.
func setFields(_ context.Context, nc *node.Context, input workflow.NodeInput) (workflow.NodeOutput, error) {
	items := mainItems(nc, input)
	keepOnlySet := nc.BoolParameter("keepOnlySet", 0, false)
	out := make([]workflow.Item, 0, len(items))

	for _, item := range items {
		values := resolveAgainst(nc, "values", item)
		if values.Kind() != value.KindMap && !values.IsNull() {
			return nil, errors.NewValidationError("set: values must be a map of field paths", nil)
		}

		base := item.Payload
		if keepOnlySet || base.Kind() != value.KindMap {
			base = value.EmptyMap()
		}
		doc, err := xjson.Marshal(base)
		if err != nil {
			return nil, err
		}
		for _, path := range values.Keys() {
			v, _ := values.Get(path)
			doc, err = sjson.SetBytes(doc, path, v.ToAny())
			if err != nil {
				return nil, errors.NewValidationError("set: invalid field path "+path, err)
			}
		}
		payload, err := value.Parse(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, workflow.Item{Payload: payload})
	}
	return workflow.NodeOutput{workflow.DefaultPin: out}, nil
}

// resolveAgainst resolves parameter name against one specific item payload.
func resolveAgainst(nc *node.Context, name string, item workflow.Item) value.Value {
	raw, ok := nc.Node().Parameters.Get(name)
	if !ok {
		return value.Null()
	}
	return node.Resolve(raw, item.Payload)
}

// stringAgainst is resolveAgainst rendered as text, or def when missing.
func stringAgainst(nc *node.Context, name string, item workflow.Item, def string) string {
	v := resolveAgainst(nc, name, item)
	if v.IsNull() {
		return def
	}
	return v.String()
}
