package message

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownType  = errors.New("message: unknown type")
	ErrInvalidField = errors.New("message: invalid field")
)

// Render produces the canonical wire mapping:
// {type, name?, prefix?, message, data?, silent?, system?, traceback?}.
// Optional fields are omitted when empty or false.
func (m Message) Render() map[string]any {
	out := map[string]any{"type": string(m.Type)}
	if m.Type == TypeStatus {
		out["message"] = m.Success
	} else {
		out["message"] = m.Text
	}
	if m.Name != "" {
		out["name"] = m.Name
	}
	if m.Prefix != "" {
		out["prefix"] = m.Prefix
	}
	if m.Data != nil {
		out["data"] = m.Data
	}
	if m.Silent {
		out["silent"] = true
	}
	if m.System {
		out["system"] = true
	}
	if m.Type == TypeError && len(m.Traceback) > 0 {
		tb := make([]any, 0, len(m.Traceback))
		for _, line := range m.Traceback {
			tb = append(tb, line)
		}
		out["traceback"] = tb
	}
	return out
}

// FromMap decodes a rendered mapping back into its Message variant.
func FromMap(in map[string]any) (Message, error) {
	rawType, _ := in["type"].(string)
	t := Type(rawType)
	if !t.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, rawType)
	}
	m := Message{Type: t, Data: in["data"]}

	var err error
	if m.Name, err = optionalString(in, "name"); err != nil {
		return Message{}, err
	}
	if m.Prefix, err = optionalString(in, "prefix"); err != nil {
		return Message{}, err
	}
	if m.Silent, err = optionalBool(in, "silent"); err != nil {
		return Message{}, err
	}
	if m.System, err = optionalBool(in, "system"); err != nil {
		return Message{}, err
	}

	if t == TypeStatus {
		if m.Success, err = optionalBool(in, "message"); err != nil {
			return Message{}, err
		}
	} else if m.Text, err = optionalString(in, "message"); err != nil {
		return Message{}, err
	}

	if t == TypeError {
		if raw, ok := in["traceback"]; ok && raw != nil {
			lines, err := stringList(raw)
			if err != nil {
				return Message{}, err
			}
			m.Traceback = lines
		}
	}
	return m, nil
}

func optionalString(in map[string]any, key string) (string, error) {
	raw, ok := in[key]
	if !ok || raw == nil {
		return "", nil
	}
	v, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string", ErrInvalidField, key)
	}
	return v, nil
}

func optionalBool(in map[string]any, key string) (bool, error) {
	raw, ok := in[key]
	if !ok || raw == nil {
		return false, nil
	}
	v, ok := raw.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s must be a bool", ErrInvalidField, key)
	}
	return v, nil
}

func stringList(raw any) ([]string, error) {
	switch v := raw.(type) {
	case []string:
		return append([]string(nil), v...), nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: traceback entries must be strings", ErrInvalidField)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: traceback must be a list", ErrInvalidField)
	}
}
