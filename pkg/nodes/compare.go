package nodes

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"

	"github.com/wehubfusion/Daedalus/pkg/node"
	"github.com/wehubfusion/Daedalus/pkg/value"
)

// Operator is a comparison used by the if and switch nodes.
type Operator string

const (
	OpEquals             Operator = "equals"
	OpNotEquals          Operator = "notEquals"
	OpGreaterThan        Operator = "gt"
	OpGreaterThanOrEqual Operator = "gte"
	OpLessThan           Operator = "lt"
	OpLessThanOrEqual    Operator = "lte"
	OpContains           Operator = "contains"
	OpNotContains        Operator = "notContains"
	OpStartsWith         Operator = "startsWith"
	OpEndsWith           Operator = "endsWith"
	OpRegex              Operator = "regex"
	OpIn                 Operator = "in"
	OpNotIn              Operator = "notIn"
	OpIsEmpty            Operator = "isEmpty"
	OpIsNotEmpty         Operator = "isNotEmpty"
	OpIsTrue             Operator = "isTrue"
	OpIsFalse            Operator = "isFalse"
)

// condition is one comparison. Left is the resolved "left" parameter or, when
// "field" is set, the value at that path in the item payload.
type condition struct {
	Left     value.Value
	Operator Operator
	Right    value.Value
}

func parseCondition(raw value.Value, payload value.Value) (condition, error) {
	if raw.Kind() != value.KindMap {
		return condition{}, fmt.Errorf("condition must be a map, got %s", raw.Kind())
	}
	c := condition{Operator: OpEquals}
	if op, ok := raw.Get("operation"); ok {
		c.Operator = Operator(op.String())
	}
	if field, ok := raw.Get("field"); ok && field.String() != "" {
		c.Left, _ = node.Lookup(payload, field.String())
	} else {
		c.Left, _ = raw.Get("left")
	}
	c.Right, _ = raw.Get("right")
	return c, nil
}

func (c condition) eval(ignoreCase bool) (bool, error) {
	return compareValues(c.Left, c.Right, c.Operator, ignoreCase)
}

// compareValues dispatches on operator.
func compareValues(actual, expected value.Value, op Operator, ignoreCase bool) (bool, error) {
	switch op {
	case OpEquals:
		return valuesEqual(actual, expected, ignoreCase), nil
	case OpNotEquals:
		return !valuesEqual(actual, expected, ignoreCase), nil
	case OpGreaterThan, OpGreaterThanOrEqual, OpLessThan, OpLessThanOrEqual:
		return compareNumbers(actual, expected, op)
	case OpContains:
		return strings.Contains(fold(actual.String(), ignoreCase), fold(expected.String(), ignoreCase)), nil
	case OpNotContains:
		return !strings.Contains(fold(actual.String(), ignoreCase), fold(expected.String(), ignoreCase)), nil
	case OpStartsWith:
		return strings.HasPrefix(fold(actual.String(), ignoreCase), fold(expected.String(), ignoreCase)), nil
	case OpEndsWith:
		return strings.HasSuffix(fold(actual.String(), ignoreCase), fold(expected.String(), ignoreCase)), nil
	case OpRegex:
		pattern := expected.String()
		if ignoreCase {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid regex pattern %q: %w", expected.String(), err)
		}
		return re.MatchString(actual.String()), nil
	case OpIn, OpNotIn:
		list, ok := expected.AsList()
		if !ok {
			return false, fmt.Errorf("operator %s needs a list, got %s", op, expected.Kind())
		}
		found := false
		for _, e := range list {
			if valuesEqual(actual, e, ignoreCase) {
				found = true
				break
			}
		}
		return found == (op == OpIn), nil
	case OpIsEmpty:
		return isEmpty(actual), nil
	case OpIsNotEmpty:
		return !isEmpty(actual), nil
	case OpIsTrue:
		return actual.Truthy(), nil
	case OpIsFalse:
		return !actual.Truthy(), nil
	default:
		return false, fmt.Errorf("unsupported operator %q", op)
	}
}

func compareNumbers(actual, expected value.Value, op Operator) (bool, error) {
	a, err := toNumber(actual)
	if err != nil {
		return false, fmt.Errorf("%s: left side: %w", op, err)
	}
	b, err := toNumber(expected)
	if err != nil {
		return false, fmt.Errorf("%s: right side: %w", op, err)
	}
	switch op {
	case OpGreaterThan:
		return a > b, nil
	case OpGreaterThanOrEqual:
		return a >= b, nil
	case OpLessThan:
		return a < b, nil
	default:
		return a <= b, nil
	}
}

// valuesEqual compares numerically when both sides are numeric, then as text.
func valuesEqual(a, b value.Value, ignoreCase bool) bool {
	if a.IsNull() || b.IsNull() {
		return a.IsNull() && b.IsNull()
	}
	if x, err := toNumber(a); err == nil {
		if y, err := toNumber(b); err == nil {
			return x == y
		}
	}
	if a.Kind() == value.KindList || a.Kind() == value.KindMap {
		return a.Equal(b)
	}
	return fold(a.String(), ignoreCase) == fold(b.String(), ignoreCase)
}

func toNumber(v value.Value) (float64, error) {
	if n, ok := v.AsNumber(); ok {
		return n, nil
	}
	if s, ok := v.AsString(); ok {
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to number", s)
		}
		return n, nil
	}
	return 0, fmt.Errorf("cannot convert %s to number", v.Kind())
}

func isEmpty(v value.Value) bool {
	switch v.Kind() {
	case value.KindNull:
		return true
	case value.KindString:
		s, _ := v.AsString()
		return s == ""
	case value.KindList, value.KindMap:
		return v.Len() == 0
	}
	return false
}

// fold applies Unicode case folding when ignoreCase is set.
func fold(s string, ignoreCase bool) string {
	if !ignoreCase {
		return s
	}
	return cases.Fold().String(s)
}
