package features

import (
	"encoding/json"
	"fmt"
	"math"
)

// InputError reports a raw attribute that cannot be used as a number.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid input for %q: %s", e.Field, e.Reason)
}

// ParseRaw converts loosely typed attributes (usually decoded JSON) into Raw.
//
// Only keys in columns are inspected. A null value counts as absent and is
// zero-filled later by Build; anything that is not a finite number is
// rejected rather than coerced.
func ParseRaw(in map[string]any, columns Columns) (Raw, error) {
	raw := make(Raw, len(columns))
	for _, name := range columns {
		v, ok := in[name]
		if !ok || v == nil {
			continue
		}
		f, err := toFloat(v)
		if err != nil {
			return nil, &InputError{Field: name, Reason: err.Error()}
		}
		raw[name] = f
	}
	return raw, nil
}

func toFloat(v any) (float64, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", n.String())
		}
		f = parsed
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("value must be finite")
	}
	return f, nil
}
