package frame

import (
	"encoding/json"
	"fmt"
	"time"
)

// ParseTime reads a decoded JSON timestamp as unix seconds. Numbers are
// epoch seconds; strings are RFC3339.
func ParseTime(v interface{}) (int64, error) {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i, nil
		}
		f, err := t.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid time %q", t)
		}
		return int64(f), nil
	case float64:
		return int64(t), nil
	case int64:
		return t, nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return 0, fmt.Errorf("invalid time %q", t)
		}
		return parsed.Unix(), nil
	default:
		return 0, fmt.Errorf("unsupported time type %T", v)
	}
}
