package ruledsl

import "encoding/json"

// Evaluate parses and evaluates expr against ctx, coercing the result to a
// boolean. A malformed expression returns false.
func Evaluate(expr string, ctx map[string]any) bool {
	node, err := Parse(expr)
	if err != nil {
		return false
	}
	return EvalBool(node, ctx)
}

// EvalBool evaluates a parsed node and coerces the result to a boolean.
func EvalBool(node Node, ctx map[string]any) bool {
	return truthy(node.eval(ctx))
}

// truthy applies boolean coercion: nil and zero values are false, everything
// else is true.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		if f, ok := asNumber(v); ok {
			return f != 0
		}
		return true
	}
}

// compare implements the six comparison operators. Numbers compare
// numerically across integer and float representations; strings and booleans
// support equality only, plus lexicographic ordering for strings. An ordered
// comparison against nil or a non-comparable pair is false, never an error.
func compare(op string, left, right any) bool {
	switch op {
	case "==":
		return looseEqual(left, right)
	case "!=":
		return !looseEqual(left, right)
	}

	if lf, ok := asNumber(left); ok {
		if rf, ok := asNumber(right); ok {
			switch op {
			case ">":
				return lf > rf
			case ">=":
				return lf >= rf
			case "<":
				return lf < rf
			case "<=":
				return lf <= rf
			}
		}
		return false
	}

	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		switch op {
		case ">":
			return ls > rs
		case ">=":
			return ls >= rs
		case "<":
			return ls < rs
		case "<=":
			return ls <= rs
		}
	}
	return false
}

func looseEqual(left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	if lf, ok := asNumber(left); ok {
		if rf, ok := asNumber(right); ok {
			return lf == rf
		}
		return false
	}
	return left == right
}

// asNumber widens the numeric types that appear in decoded JSON and in
// hand-built contexts to float64.
func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
