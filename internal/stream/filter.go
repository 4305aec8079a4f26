package stream

import "strings"

// Filter maps payload field paths to match specs: a literal (exact match),
// a list (membership), or a {min,max} object (closed-open numeric range).
// A missing payload field never matches.
type Filter map[string]interface{}

// Matches evaluates the filter against a message payload. An empty filter
// matches everything.
func (f Filter) Matches(payload map[string]interface{}) bool {
	for path, spec := range f {
		actual, ok := lookupPath(payload, path)
		if !ok {
			return false
		}
		if !matchSpec(actual, spec) {
			return false
		}
	}
	return true
}

func lookupPath(payload map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = payload
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func matchSpec(actual, spec interface{}) bool {
	switch s := spec.(type) {
	case []interface{}:
		for _, candidate := range s {
			if scalarEqual(actual, candidate) {
				return true
			}
		}
		return false
	case map[string]interface{}:
		// {min,max}: closed-open range on numeric payload fields.
		a, ok := toFloat(actual)
		if !ok {
			return false
		}
		if minRaw, has := s["min"]; has {
			lo, ok := toFloat(minRaw)
			if !ok || a < lo {
				return false
			}
		}
		if maxRaw, has := s["max"]; has {
			hi, ok := toFloat(maxRaw)
			if !ok || a >= hi {
				return false
			}
		}
		return true
	default:
		return scalarEqual(actual, spec)
	}
}

func scalarEqual(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return a == b
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
