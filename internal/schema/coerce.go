package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// coerce converts v to the Go representation of t: string, int64, float64,
// bool, []any, or map[string]any. Strings are parsed so CLI input and form
// values validate the same way as typed JSON.
func coerce(t FieldType, v any) (any, error) {
	switch t {
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case fmt.Stringer:
			return x.String(), nil
		case bool, int, int64, float64:
			return fmt.Sprint(x), nil
		}
	case TypeInt:
		switch x := v.(type) {
		case int:
			return int64(x), nil
		case int64:
			return x, nil
		case int32:
			return int64(x), nil
		case float64:
			if x != math.Trunc(x) {
				return nil, fmt.Errorf("expected integer, got %v", x)
			}
			return int64(x), nil
		case json.Number:
			return x.Int64()
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("expected integer, got %q", x)
			}
			return n, nil
		}
	case TypeFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case json.Number:
			return x.Float64()
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
			if err != nil {
				return nil, fmt.Errorf("expected number, got %q", x)
			}
			return f, nil
		}
	case TypeBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(x))
			if err != nil {
				return nil, fmt.Errorf("expected boolean, got %q", x)
			}
			return b, nil
		}
	case TypeList:
		switch x := v.(type) {
		case []any:
			return x, nil
		case []string:
			out := make([]any, 0, len(x))
			for _, s := range x {
				out = append(out, s)
			}
			return out, nil
		case string:
			if strings.TrimSpace(x) == "" {
				return []any{}, nil
			}
			parts := strings.Split(x, ",")
			out := make([]any, 0, len(parts))
			for _, p := range parts {
				out = append(out, strings.TrimSpace(p))
			}
			return out, nil
		}
	case TypeMap:
		switch x := v.(type) {
		case map[string]any:
			return x, nil
		case map[string]string:
			out := make(map[string]any, len(x))
			for k, s := range x {
				out[k] = s
			}
			return out, nil
		case string:
			var out map[string]any
			if err := json.Unmarshal([]byte(x), &out); err != nil {
				return nil, fmt.Errorf("expected JSON object: %v", err)
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("expected %s, got %T", t, v)
}
