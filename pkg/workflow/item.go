package workflow

import "github.com/wehubfusion/Daedalus/pkg/value"

// Item is the envelope around one payload flowing along a connection.
type Item struct {
	Payload value.Value `json:"payload"`
}

// NodeInput maps an input pin to the item sequences delivered by each
// connection ending at that pin, in connection order.
type NodeInput map[string][][]Item

// NodeOutput maps an output pin to the items emitted on it. A pin is produced
// only when it carries at least one item; a missing key and an empty slice
// both mean not produced.
type NodeOutput map[string][]Item

// Flatten returns all items of pin in connection order.
func (in NodeInput) Flatten(pin string) []Item {
	return FlattenItems(in[pin])
}

// FlattenItems concatenates per-connection sequences into one ordered sequence.
func FlattenItems(groups [][]Item) []Item {
	n := 0
	for _, g := range groups {
		n += len(g)
	}
	out := make([]Item, 0, n)
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// ItemCount counts the items across all pins.
func (out NodeOutput) ItemCount() int {
	n := 0
	for _, items := range out {
		n += len(items)
	}
	return n
}

// Clone copies the pin map. Items are values and are shared.
func (out NodeOutput) Clone() NodeOutput {
	if out == nil {
		return nil
	}
	c := make(NodeOutput, len(out))
	for pin, items := range out {
		c[pin] = append([]Item(nil), items...)
	}
	return c
}
