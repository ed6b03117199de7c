package engine

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Payload accessors. The adapter normalizes SDK messages into loose maps;
// these helpers are the one place that copes with the JSON-ish typing.

func payloadString(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func payloadInt64(m map[string]any, key string) (int64, bool) {
	switch v := m[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

// payloadDecimal accepts strings (preferred, lossless) and floats (tolerated
// from JSON decoding).
func payloadDecimal(m map[string]any, key string) (decimal.Decimal, error) {
	switch v := m[key].(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero, fmt.Errorf("payload %q: %w", key, err)
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(v), nil
	case decimal.Decimal:
		return v, nil
	default:
		return decimal.Zero, fmt.Errorf("payload %q: missing or unsupported type %T", key, m[key])
	}
}
