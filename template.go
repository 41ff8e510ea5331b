package spur

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// --- Template resolution ---

// ResolveTemplate replaces {{ path }} placeholders in s with values looked up
// in vars. A path is a dot-separated chain of map keys rooted at an input
// handle or an upstream node title ("summarize.response"). Unknown paths
// resolve to the empty string. Only variable lookup is supported; arbitrary
// expressions are deliberately not.
func ResolveTemplate(s string, vars map[string]any) string {
	var b strings.Builder
	for {
		start := strings.Index(s, "{{")
		if start < 0 {
			b.WriteString(s)
			return b.String()
		}
		end := strings.Index(s[start:], "}}")
		if end < 0 {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:start])
		path := strings.TrimSpace(s[start+2 : start+end])
		if v, ok := LookupPath(vars, path); ok {
			b.WriteString(stringifyValue(v))
		}
		s = s[start+end+2:]
	}
}

// LookupPath resolves a dot-separated path against nested maps.
// Returns the value and true, or nil and false if any segment is missing.
func LookupPath(vars map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	segments := strings.Split(path, ".")
	var cur any = vars
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// stringifyValue renders a context value for template output. Strings pass
// through unquoted; everything else is JSON-encoded.
func stringifyValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.RawMessage:
		return string(t)
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// --- Router condition evaluation ---

// RouteCondition is one comparison inside a route's condition group.
// Variable is a path resolved against the router's inputs. LogicalOperator
// joins this condition with the accumulated result of the previous ones
// ("AND" when empty).
type RouteCondition struct {
	Variable        string `json:"variable"`
	Operator        string `json:"operator"`
	Value           any    `json:"value"`
	LogicalOperator string `json:"logicalOperator,omitempty"`
}

// RouteSpec is a named route's condition group inside a router's route map.
type RouteSpec struct {
	Conditions []RouteCondition `json:"conditions"`
}

// EvalConditions evaluates a route's condition group against the router's
// inputs. Conditions are folded left to right: each condition's
// LogicalOperator ("AND"/"OR") combines it with the running result.
// An empty group evaluates to false: a route must state its conditions.
func EvalConditions(conds []RouteCondition, vars map[string]any) (bool, error) {
	if len(conds) == 0 {
		return false, nil
	}
	result, err := evalCondition(conds[0], vars)
	if err != nil {
		return false, err
	}
	for _, c := range conds[1:] {
		next, err := evalCondition(c, vars)
		if err != nil {
			return false, err
		}
		switch strings.ToUpper(c.LogicalOperator) {
		case "OR":
			result = result || next
		case "", "AND":
			result = result && next
		default:
			return false, fmt.Errorf("condition: unsupported logical operator %q", c.LogicalOperator)
		}
	}
	return result, nil
}

// evalCondition evaluates a single comparison. The variable side is resolved
// from vars before comparison, never the other way round, so values cannot
// inject operators.
func evalCondition(c RouteCondition, vars map[string]any) (bool, error) {
	v, found := LookupPath(vars, c.Variable)

	switch c.Operator {
	case "is_empty":
		return !found || isEmptyValue(v), nil
	case "is_not_empty":
		return found && !isEmptyValue(v), nil
	}
	if !found {
		// A missing variable matches nothing but emptiness checks.
		return false, nil
	}

	left := stringifyValue(v)
	right := stringifyValue(c.Value)

	switch c.Operator {
	case "contains":
		return strings.Contains(left, right), nil
	case "equals":
		return left == right, nil
	case "number_equals":
		lf, rf, err := parseNumbers(left, right)
		if err != nil {
			return false, err
		}
		return lf == rf, nil
	case "greater_than":
		lf, rf, err := parseNumbers(left, right)
		if err != nil {
			return false, err
		}
		return lf > rf, nil
	case "less_than":
		lf, rf, err := parseNumbers(left, right)
		if err != nil {
			return false, err
		}
		return lf < rf, nil
	case "starts_with":
		return strings.HasPrefix(left, right), nil
	case "not_starts_with":
		return !strings.HasPrefix(left, right), nil
	default:
		return false, fmt.Errorf("condition: unsupported operator %q", c.Operator)
	}
}

// parseNumbers parses both comparison sides as floats.
func parseNumbers(left, right string) (float64, float64, error) {
	lf, err := strconv.ParseFloat(strings.TrimSpace(left), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("condition: %q is not a number", left)
	}
	rf, err := strconv.ParseFloat(strings.TrimSpace(right), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("condition: %q is not a number", right)
	}
	return lf, rf, nil
}

// isEmptyValue reports whether a resolved value counts as empty for the
// is_empty / is_not_empty operators.
func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

// truncateStr shortens s to at most n runes, appending an ellipsis marker.
func truncateStr(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
