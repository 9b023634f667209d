// Package jsonx navigates loosely typed JSON payloads decoded into
// map[string]any. Inbound attribute and RPC payloads are dict-shaped; every
// handler validates at the boundary instead of trusting the backend.
package jsonx

// Get walks nested maps along path and returns the value, or nil when any
// segment is missing or not a map.
func Get(v any, path ...string) any {
	for _, key := range path {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		v = m[key]
	}
	return v
}

// String returns the value as a string when it is one.
func String(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// Map returns the value as an object when it is one.
func Map(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// Bool returns the value as a bool when it is one.
func Bool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

// Int returns the value as an integer. JSON numbers decode as float64; only
// integral values are accepted.
func Int(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n == float64(int64(n)) {
			return int64(n), true
		}
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

// FirstString returns the first of the candidates that is a non-empty string.
func FirstString(candidates ...any) (string, bool) {
	for _, c := range candidates {
		if s, ok := c.(string); ok && s != "" {
			return s, true
		}
	}
	return "", false
}
