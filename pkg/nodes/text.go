package nodes

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/tidwall/sjson"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/wehubfusion/Daedalus/internal/xjson"
	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/value"
	"github.com/wehubfusion/Daedalus/pkg/workflow"
)

// textNode applies "operation" to the string in "value" (usually a
// {{payload.field}} placeholder) and writes the result to the "target" field
// of each item, "result" by default.
func textNode(_ context.Context, nc *node.Context, input workflow.NodeInput) (workflow.NodeOutput, error) {
	items := mainItems(nc, input)
	out := make([]workflow.Item, 0, len(items))

	for i, item := range items {
		p := node.Resolve(nc.Node().Parameters, item.Payload)
		op := paramString(p, "operation", "")
		res, err := textOp(op, p)
		if err != nil {
			return nil, errors.NewValidationError(fmt.Sprintf("text: item %d: %s", i, op), err)
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
		doc, err = sjson.SetBytes(doc, target, res)
		if err != nil {
			return nil, errors.NewValidationError("text: invalid target "+target, err)
		}
		payload, err := value.Parse(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, workflow.Item{Payload: payload})
	}
	return workflow.NodeOutput{workflow.DefaultPin: out}, nil
}

var titleCaser = cases.Title(language.Und)

func textOp(op string, p value.Value) (interface{}, error) {
	s := paramString(p, "value", "")
	switch op {
	case "concatenate":
		return strings.Join(paramStrings(p, "parts"), paramString(p, "separator", "")), nil
	case "split":
		d := paramString(p, "delimiter", "")
		if d == "" {
			return []string{s}, nil
		}
		return strings.Split(s, d), nil
	case "join":
		return strings.Join(paramStrings(p, "items"), paramString(p, "separator", "")), nil
	case "trim":
		if cutset := paramString(p, "cutset", ""); cutset != "" {
			return strings.Trim(s, cutset), nil
		}
		return strings.TrimSpace(s), nil
	case "replace":
		return replaceText(s, paramString(p, "old", ""), paramString(p, "new", ""), paramInt(p, "count", -1), paramBool(p, "regex"))
	case "substring":
		return substring(s, paramInt(p, "start", 0), paramInt(p, "end", 0)), nil
	case "upperCase":
		return strings.ToUpper(s), nil
	case "lowerCase":
		return strings.ToLower(s), nil
	case "titleCase":
		return titleCaser.String(s), nil
	case "capitalize":
		if s == "" {
			return s, nil
		}
		r, size := utf8.DecodeRuneInString(s)
		return string(unicode.ToUpper(r)) + s[size:], nil
	case "contains":
		sub := paramString(p, "substring", "")
		if !paramBool(p, "regex") {
			return strings.Contains(s, sub), nil
		}
		re, err := regexp.Compile(sub)
		if err != nil {
			return nil, err
		}
		return re.MatchString(s), nil
	case "length":
		return utf8.RuneCountInString(s), nil
	case "regexExtract":
		re, err := regexp.Compile(paramString(p, "pattern", ""))
		if err != nil {
			return nil, err
		}
		return re.FindAllStringSubmatch(s, -1), nil
	case "base64Encode":
		return base64.StdEncoding.EncodeToString([]byte(s)), nil
	case "base64Decode":
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case "urlEncode":
		return url.QueryEscape(s), nil
	case "urlDecode":
		return url.QueryUnescape(s)
	case "removeDiacritics":
		t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
		res, _, err := transform.String(t, s)
		return res, err
	case "":
		return nil, fmt.Errorf("operation is required")
	default:
		return nil, fmt.Errorf("unsupported operation")
	}
}

func replaceText(s, old, repl string, count int, useRegex bool) (string, error) {
	if !useRegex {
		return strings.Replace(s, old, repl, count), nil
	}
	re, err := regexp.Compile(old)
	if err != nil {
		return "", err
	}
	if count < 0 {
		return re.ReplaceAllString(s, repl), nil
	}
	var b strings.Builder
	last := 0
	for _, m := range re.FindAllStringIndex(s, count) {
		b.WriteString(s[last:m[0]])
		b.WriteString(repl)
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

// substring slices by rune. Negative start counts from the end; end <= 0 is
// relative to the end.
func substring(s string, start, end int) string {
	rs := []rune(s)
	n := len(rs)
	if start < 0 {
		start += n
	}
	if end <= 0 {
		end += n
	}
	start = max(start, 0)
	end = min(end, n)
	if start > end {
		start, end = end, start
	}
	return string(rs[start:end])
}

func paramString(p value.Value, key, def string) string {
	v, ok := p.Get(key)
	if !ok || v.IsNull() {
		return def
	}
	if s, ok := v.AsString(); ok {
		return s
	}
	return v.String()
}

func paramInt(p value.Value, key string, def int) int {
	v, ok := p.Get(key)
	if !ok {
		return def
	}
	if n, ok := v.AsNumber(); ok {
		return int(n)
	}
	return def
}

func paramBool(p value.Value, key string) bool {
	v, ok := p.Get(key)
	return ok && v.Truthy()
}

func paramStrings(p value.Value, key string) []string {
	v, ok := p.Get(key)
	if !ok {
		return nil
	}
	list, ok := v.AsList()
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, e := range list {
		if s, ok := e.AsString(); ok {
			out = append(out, s)
		} else if !e.IsNull() {
			out = append(out, e.String())
		}
	}
	return out
}
