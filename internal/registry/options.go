package registry

import (
	"fmt"
	"maps"
	"strconv"
	"strings"
	"time"
)

// Options are the bound parameter values of one invocation.
type Options map[string]any

func (o Options) Clone() Options {
	if o == nil {
		return Options{}
	}
	return maps.Clone(o)
}

func (o Options) Has(name string) bool {
	v, ok := o[name]
	return ok && v != nil
}

// Without returns a copy with names removed.
func (o Options) Without(names ...string) Options {
	out := o.Clone()
	for _, n := range names {
		delete(out, n)
	}
	return out
}

func (o Options) String(name string) string {
	switch v := o[name].(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func (o Options) Int(name string) int64 {
	switch v := o[name].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n
	default:
		return 0
	}
}

func (o Options) Float(name string) float64 {
	switch v := o[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f
	default:
		return 0
	}
}

func (o Options) Bool(name string) bool {
	switch v := o[name].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(v))
		return b
	default:
		return false
	}
}

// Duration reads numbers as seconds and strings as Go durations or seconds.
func (o Options) Duration(name string) time.Duration {
	switch v := o[name].(type) {
	case time.Duration:
		return v
	case int, int64, float64:
		return time.Duration(o.Float(name) * float64(time.Second))
	case string:
		raw := strings.TrimSpace(v)
		if d, err := time.ParseDuration(raw); err == nil {
			return d
		}
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return 0
}

func (o Options) List(name string) []string {
	switch v := o[name].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	default:
		return nil
	}
}

func (o Options) Map(name string) map[string]any {
	switch v := o[name].(type) {
	case map[string]any:
		return maps.Clone(v)
	case map[string]string:
		out := make(map[string]any, len(v))
		for k, s := range v {
			out[k] = s
		}
		return out
	default:
		return nil
	}
}

// ParseAssignments turns "key=value" pairs into raw options.
func ParseAssignments(pairs []string) (Options, error) {
	out := Options{}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("registry: option %q must be key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}
