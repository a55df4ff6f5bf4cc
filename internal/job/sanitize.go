package job

import (
	"encoding/json"
	"fmt"
	"time"
)

// Placeholder substituted for values that cannot be represented in a JSON
// report. Serialization of a result must never fail outright.
const Placeholder = "<unserializable>"

const maxSanitizeDepth = 10

// Sanitize walks a result value and returns a JSON-safe copy: containers are
// recursed, representable leaves pass through, and anything the encoder
// would choke on (functions, channels, cycles past the depth guard) becomes
// Placeholder.
func Sanitize(v any) any {
	return sanitize(v, 0)
}

func sanitize(v any, depth int) any {
	if v == nil {
		return nil
	}
	if depth > maxSanitizeDepth {
		return Placeholder
	}

	switch x := v.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return x
	case time.Time:
		return x.Format(time.RFC3339)
	case time.Duration:
		return x.String()
	case error:
		return x.Error()
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = sanitize(val, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = sanitize(val, depth+1)
		}
		return out
	case []string:
		return x
	}

	// Anything else: probe the encoder once. Structs with exported JSON-able
	// fields pass; funcs, channels, complex numbers and friends do not.
	if _, err := json.Marshal(v); err == nil {
		return v
	}

	// Last resort mirrors fmt behavior for simple stringers before giving up.
	if s, ok := v.(fmt.Stringer); ok {
		return s.String()
	}
	return Placeholder
}
