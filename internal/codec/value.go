package codec

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
)

// Decode unmarshals one logical message into a normalized value tree made of
// map[string]any, []any, string, bool, nil, int64, float64 and []byte.
func Decode(c Codec, data []byte) (any, error) {
	var raw any
	if err := c.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return Normalize(raw), nil
}

// Normalize folds the format specific shapes produced by the decoders (sized
// integers, json.Number, map[any]any, float32) onto the normalized tree.
func Normalize(v any) any {
	switch value := v.(type) {
	case nil, bool, string, []byte, int64, float64:
		return value
	case int:
		return int64(value)
	case int8:
		return int64(value)
	case int16:
		return int64(value)
	case int32:
		return int64(value)
	case uint:
		return normalizeUnsigned(uint64(value))
	case uint8:
		return int64(value)
	case uint16:
		return int64(value)
	case uint32:
		return int64(value)
	case uint64:
		return normalizeUnsigned(value)
	case float32:
		return float64(value)
	case json.Number:
		if n, err := value.Int64(); err == nil {
			return n
		}
		if f, err := value.Float64(); err == nil {
			return f
		}
		return value.String()
	case map[string]any:
		out := make(map[string]any, len(value))
		for key, item := range value {
			out[key] = Normalize(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(value))
		for key, item := range value {
			out[mapKey(key)] = Normalize(item)
		}
		return out
	case []any:
		out := make([]any, len(value))
		for idx, item := range value {
			out[idx] = Normalize(item)
		}
		return out
	default:
		return normalizeReflect(value)
	}
}

func normalizeUnsigned(value uint64) any {
	if value > math.MaxInt64 {
		return float64(value)
	}
	return int64(value)
}

func mapKey(key any) string {
	switch k := key.(type) {
	case string:
		return k
	case []byte:
		return string(k)
	default:
		return fmt.Sprint(k)
	}
}

func normalizeReflect(v any) any {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for idx := 0; idx < rv.Len(); idx++ {
			out[idx] = Normalize(rv.Index(idx).Interface())
		}
		return out
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[mapKey(iter.Key().Interface())] = Normalize(iter.Value().Interface())
		}
		return out
	default:
		return v
	}
}
