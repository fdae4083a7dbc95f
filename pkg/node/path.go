package node

import (
	"strings"

	"github.com/tidwall/gjson"

	"github.com/wehubfusion/Daedalus/pkg/value"
)

// Lookup navigates payload along a field path such as "user.tags[0].name" or
// "user/tags/0/name". An empty path returns the payload itself.
func Lookup(payload value.Value, path string) (value.Value, bool) {
	segments := SplitPath(path)
	if len(segments) == 0 {
		return payload, true
	}
	data, err := payload.MarshalJSON()
	if err != nil {
		return value.Null(), false
	}
	return lookupSegments(data, segments)
}

// LookupJSON is Lookup over an encoded document.
func LookupJSON(data []byte, path string) (value.Value, bool) {
	segments := SplitPath(path)
	if len(segments) == 0 {
		v, err := value.Parse(data)
		return v, err == nil
	}
	return lookupSegments(data, segments)
}

func lookupSegments(data []byte, segments []string) (value.Value, bool) {
	res := gjson.GetBytes(data, gjsonPath(segments))
	if !res.Exists() {
		return value.Null(), false
	}
	return value.FromAny(res.Value()), true
}

// SplitPath breaks a field path into segments. Dots, slashes and brackets all
// separate segments: "a.b[0]" and "a/b/0" are the same path.
func SplitPath(path string) []string {
	var segments []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			segments = append(segments, cur.String())
			cur.Reset()
		}
	}
	for _, r := range path {
		switch r {
		case '.', '/', '[', ']':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return segments
}

// gjsonPath joins segments with dots, escaping characters gjson treats as syntax.
func gjsonPath(segments []string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		var b strings.Builder
		for _, r := range s {
			switch r {
			case '\\', '*', '?', '|', '#', '@', '!':
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		}
		escaped[i] = b.String()
	}
	return strings.Join(escaped, ".")
}
