// Package mapfields provides helpers for working with nested key/value
// payloads: dotted-path lookup and numeric-aware value comparison. The
// idempotency resolver is its consumer.
package mapfields

import (
	"encoding/json"
	"math"
	"reflect"
	"strings"
)

// Lookup resolves a dotted path like "customer.account.number" inside a
// nested map. It reports false when any segment is missing or a non-map
// value is traversed.
func Lookup(m map[string]interface{}, path string) (interface{}, bool) {
	if m == nil {
		return nil, false
	}
	segments := strings.Split(path, ".")
	current := m
	for i, seg := range segments {
		v, ok := current[seg]
		if !ok {
			return nil, false
		}
		if i == len(segments)-1 {
			return v, true
		}
		next, ok := asMap(v)
		if !ok {
			return nil, false
		}
		current = next
	}
	return nil, false
}

// LeavesEqual compares two values. Numeric values compare within the given
// absolute tolerance; a number never equals its string form. Strings
// compare only to strings; remaining values compare by canonical JSON
// form, so nested maps match wholesale.
func LeavesEqual(a, b interface{}, tolerance float64) bool {
	fa, aNum := AsFloat(a)
	fb, bNum := AsFloat(b)
	if aNum || bNum {
		return aNum && bNum && math.Abs(fa-fb) < tolerance
	}
	_, aStr := a.(string)
	_, bStr := b.(string)
	if aStr != bStr {
		return false
	}
	return Canonical(a) == Canonical(b)
}

// AsFloat coerces numeric representations (ints, floats, json.Number) to
// float64. Strings are never coerced: a quoted number is a distinct value.
func AsFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Canonical renders a value in a stable textual form for equality checks.
func Canonical(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}

// asMap accepts plain maps and named map types such as core.JSONMap.
func asMap(v interface{}) (map[string]interface{}, bool) {
	if m, ok := v.(map[string]interface{}); ok {
		return m, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, false
	}
	out := make(map[string]interface{}, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[iter.Key().String()] = iter.Value().Interface()
	}
	return out, true
}
