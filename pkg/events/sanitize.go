package events

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// CircularSentinel replaces values that point back into their own
// structure.
const CircularSentinel = "[Circular]"

// Sanitize returns a JSON-safe copy of v. Maps and slices are rebuilt,
// non-serializable leaves are replaced by their string form, and circular
// references are cut with the CircularSentinel marker. Booleans and nil
// survive untouched.
func Sanitize(v any) any {
	return sanitize(v, make(map[uintptr]bool))
}

func sanitize(v any, seen map[uintptr]bool) any {
	switch val := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return val

	case map[string]any:
		ptr := reflect.ValueOf(val).Pointer()
		if seen[ptr] {
			return CircularSentinel
		}
		seen[ptr] = true
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = sanitize(item, seen)
		}
		delete(seen, ptr)
		return out

	case []any:
		if len(val) == 0 {
			return []any{}
		}
		ptr := reflect.ValueOf(val).Pointer()
		if seen[ptr] {
			return CircularSentinel
		}
		seen[ptr] = true
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitize(item, seen)
		}
		delete(seen, ptr)
		return out

	case error:
		return val.Error()

	case fmt.Stringer:
		return val.String()

	default:
		// Anything json can encode passes through; the rest is
		// stringified.
		if _, err := json.Marshal(val); err == nil {
			return val
		}
		return fmt.Sprintf("%v", val)
	}
}

// WrapForRecord normalizes a step payload for durable storage: maps pass
// through, nil stays nil, and scalar non-maps are wrapped as
// {"value": x} so records always hold an object.
func WrapForRecord(v any) map[string]any {
	switch val := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return val
	default:
		return map[string]any{"value": val}
	}
}
