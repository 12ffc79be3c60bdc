package stream

import (
	"math"
	"strconv"
)

// safeNum coerces a provider's usage-count field into an int64, accepting
// any of the four documented shapes (a number, a numeric string, an object
// with a "total" field, null/undefined) and never throwing. Mirrors the
// single-constructor discipline Design Notes §9 requires: normalization
// goes through exactly one helper.
func safeNum(v any) int64 {
	switch n := v.(type) {
	case nil:
		return 0
	case float64:
		return safeFloat(n)
	case float32:
		return safeFloat(float64(n))
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint64:
		return int64(n)
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0
		}
		return safeFloat(f)
	case map[string]any:
		return safeNum(n["total"])
	default:
		return 0
	}
}

func safeFloat(f float64) int64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int64(f)
}
