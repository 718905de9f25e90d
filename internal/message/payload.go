package message

import (
	"encoding/json"
	"fmt"
)

// plain converts a payload into the value it decodes to on the wire: nil,
// bool, float64, string, []any or map[string]any. Numbers become float64 and
// structs become maps keyed by their JSON names. A payload that cannot be
// encoded is kept as its %v text.
func plain(v any) any {
	switch x := v.(type) {
	case nil, bool, float64, string:
		return x
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = plain(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = plain(item)
		}
		return out
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Sprintf("%v", v)
	}
	return out
}
