package node

import (
	"github.com/wehubfusion/Daedalus/pkg/value"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// Wrap puts a plain value into an item envelope.
func Wrap(v interface{}) workflow.Item {
	return workflow.Item{Payload: value.FromAny(v)}
}

// WrapAll wraps each value.
func WrapAll(vs []value.Value) []workflow.Item {
	out := make([]workflow.Item, len(vs))
	for i, v := range vs {
		out[i] = workflow.Item{Payload: v}
	}
	return out
}

// Unwrap returns the payload of an item.
func Unwrap(item workflow.Item) value.Value {
	return item.Payload
}

// UnwrapAll returns the payloads of items in order.
func UnwrapAll(items []workflow.Item) []value.Value {
	out := make([]value.Value, len(items))
	for i, it := range items {
		out[i] = it.Payload
	}
	return out
}

// Flatten concatenates per-connection item sequences into one ordered sequence.
func Flatten(groups [][]workflow.Item) []workflow.Item {
	return workflow.FlattenItems(groups)
}

// Normalize turns loosely shaped node results into items. A list yields one
// item per element and nested lists are flattened one level, so both
// [a, b] and [[a], [b]] give two items. Elements shaped {"payload": x} are
// treated as envelopes. Anything else becomes a single item.
func Normalize(v value.Value) []workflow.Item {
	list, ok := v.AsList()
	if !ok {
		if v.IsNull() {
			return nil
		}
		return []workflow.Item{envelope(v)}
	}
	out := make([]workflow.Item, 0, len(list))
	for _, e := range list {
		if inner, ok := e.AsList(); ok {
			for _, x := range inner {
				out = append(out, envelope(x))
			}
			continue
		}
		out = append(out, envelope(e))
	}
	return out
}

func envelope(v value.Value) workflow.Item {
	if m, ok := v.AsMap(); ok && len(m) == 1 {
		if p, ok := m["payload"]; ok {
			return workflow.Item{Payload: p}
		}
	}
	return workflow.Item{Payload: v}
}

// EmptyItem is an item with an empty map payload.
func EmptyItem() workflow.Item {
	return workflow.Item{Payload: value.EmptyMap()}
}
