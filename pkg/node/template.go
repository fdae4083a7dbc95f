package node

import (
	"regexp"
	"strings"

	"github.com/wehubfusion/Daedalus/pkg/value"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

const payloadRoot = "payload"

// Resolve substitutes {{payload.path}} placeholders in every string of params
// against payload. A string consisting of exactly one placeholder takes the
// referenced value with its type; placeholders embedded in text are rendered as
// text. Placeholders that cannot be resolved are left verbatim.
func Resolve(params value.Value, payload value.Value) value.Value {
	var encoded []byte
	lookup := func(expr string) (value.Value, bool) {
		path, ok := payloadPath(expr)
		if !ok {
			return value.Null(), false
		}
		if path == "" {
			return payload, true
		}
		if encoded == nil {
			data, err := payload.MarshalJSON()
			if err != nil {
				return value.Null(), false
			}
			encoded = data
		}
		return lookupSegments(encoded, SplitPath(path))
	}

	return params.Transform(func(v value.Value) value.Value {
		s, ok := v.AsString()
		if !ok || !strings.Contains(s, "{{") {
			return v
		}
		return resolveString(s, lookup)
	})
}

func resolveString(s string, lookup func(string) (value.Value, bool)) value.Value {
	if m := placeholderRe.FindStringSubmatchIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
		if v, ok := lookup(s[m[2]:m[3]]); ok {
			return v
		}
		return value.String(s)
	}

	out := placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		sub := placeholderRe.FindStringSubmatch(match)
		if v, ok := lookup(sub[1]); ok {
			return v.String()
		}
		return match
	})
	return value.String(out)
}

// payloadPath strips the payload root from an expression such as
// "payload.user.name" or "payload[0]".
func payloadPath(expr string) (string, bool) {
	if !strings.HasPrefix(expr, payloadRoot) {
		return "", false
	}
	rest := expr[len(payloadRoot):]
	switch {
	case rest == "":
		return "", true
	case rest[0] == '.':
		return rest[1:], true
	case rest[0] == '[':
		return rest, true
	}
	return "", false
}
