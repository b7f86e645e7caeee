package server

import (
	"encoding/json"
	"math"
	"math/big"

	"github.com/wippyai/wasm-zones/transport"
)

// fromJSON converts a value decoded with json.Decoder.UseNumber into a
// transport value. Integral numbers that fit become int64, others float64.
func fromJSON(v any) any {
	switch val := v.(type) {
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return i
		}
		if f, err := val.Float64(); err == nil {
			return f
		}
		return val.String()
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = fromJSON(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = fromJSON(e)
		}
		return out
	default:
		return v
	}
}

// toJSON converts a transport value into one encoding/json can render.
func toJSON(v any) any {
	switch val := v.(type) {
	case transport.UndefinedValue:
		return nil
	case *transport.SharedBuffer:
		return val.Bytes()
	case *big.Int:
		return json.RawMessage(val.String())
	case float32:
		return finite(float64(val))
	case float64:
		return finite(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = toJSON(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = toJSON(e)
		}
		return out
	default:
		return v
	}
}

// finite maps values JSON cannot carry to null.
func finite(f float64) any {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return f
}
