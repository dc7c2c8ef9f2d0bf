package event

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// valueString renders a payload or operand value for string comparison.
// Numbers print the same whether they were recorded as integers or came
// back from JSON as float64, so 1000000 and float64(1e6) compare equal.
func valueString(v any) string {
	switch val := v.(type) {
	case nil:
		return "<nil>"
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}
		return val.String()
	default:
		return fmt.Sprint(v)
	}
}
