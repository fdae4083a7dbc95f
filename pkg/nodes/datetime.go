package nodes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/sjson"

	"github.com/wehubfusion/Daedalus/internal/xjson"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/value"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

var namedLayouts = map[string]string{
	"ANSIC":       time.ANSIC,
	"UnixDate":    time.UnixDate,
	"RubyDate":    time.RubyDate,
	"RFC822":      time.RFC822,
	"RFC822Z":     time.RFC822Z,
	"RFC850":      time.RFC850,
	"RFC1123":     time.RFC1123,
	"RFC1123Z":    time.RFC1123Z,
	"RFC3339":     time.RFC3339,
	"RFC3339Nano": time.RFC3339Nano,
	"Kitchen":     time.Kitchen,
	"Stamp":       time.Stamp,
	"DateTime":    time.DateTime,
	"DateOnly":    time.DateOnly,
	"TimeOnly":    time.TimeOnly,
}

// layoutOf accepts a named layout or a Go reference-time layout.
func layoutOf(name string) string {
	if l, ok := namedLayouts[name]; ok {
		return l
	}
	return name
}

// dateTimeNode reformats the date string in "value" from "inFormat" to
// "outFormat", optionally moving it between the "inTimezone" and
// "outTimezone" locations. An empty value yields null.
func dateTimeNode(_ context.Context, nc *node.Context, input workflow.NodeInput) (workflow.NodeOutput, error) {
	items := mainItems(nc, input)
	out := make([]workflow.Item, 0, len(items))

	for i, item := range items {
		p := node.Resolve(nc.Node().Parameters, item.Payload)
		res, err := reformatDate(p)
		if err != nil {
			return nil, errors.NewValidationError(fmt.Sprintf("dateTime: item %d", i), err)
		}

		base := item.Payload
		if base.Kind() != value.KindMap {
			base = value.EmptyMap()
		}
		doc, err := xjson.Marshal(base)
		if err != nil {
			return nil, err
		}
		target := paramString(p, "target", "result")
		if doc, err = sjson.SetBytes(doc, target, res); err != nil {
			return nil, errors.NewValidationError("dateTime: invalid target "+target, err)
		}
		payload, err := value.Parse(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, workflow.Item{Payload: payload})
	}
	return workflow.NodeOutput{workflow.DefaultPin: out}, nil
}

func reformatDate(p value.Value) (interface{}, error) {
	raw := strings.TrimSpace(paramString(p, "value", ""))
	if raw == "" {
		return nil, nil
	}
	inName := paramString(p, "inFormat", "RFC3339")
	in := layoutOf(inName)
	outLayout := layoutOf(paramString(p, "outFormat", "RFC3339"))

	// Date-only input given to a date-time layout is read as midnight.
	if inName == "DateTime" && len(raw) == len(time.DateOnly) {
		raw += " 00:00:00"
	}

	loc := time.UTC
	if tz := paramString(p, "inTimezone", ""); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("invalid input timezone %q: %w", tz, err)
		}
		loc = l
	}
	t, err := time.ParseInLocation(in, raw, loc)
	if err != nil {
		return nil, fmt.Errorf("cannot parse %q with layout %q: %w", raw, in, err)
	}
	if tz := paramString(p, "outTimezone", ""); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("invalid output timezone %q: %w", tz, err)
		}
		t = t.In(l)
	}
	return t.Format(outLayout), nil
}
