// Package schema owns the serializable parameter contract of a command.
//
// The same Schema value validates CLI options, transport requests, and
// server-side submissions.
package schema

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

var ErrInvalidSchema = errors.New("schema: invalid schema")

// FieldType is the declared value type of a field.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeInt    FieldType = "int"
	TypeFloat  FieldType = "float"
	TypeBool   FieldType = "bool"
	TypeList   FieldType = "list"
	TypeMap    FieldType = "map"
)

var knownTypes = map[FieldType]struct{}{
	TypeString: {}, TypeInt: {}, TypeFloat: {}, TypeBool: {}, TypeList: {}, TypeMap: {},
}

func (t FieldType) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// Field is one declared parameter.
type Field struct {
	Name     string    `json:"name"`
	Type     FieldType `json:"type"`
	Required bool      `json:"required"`
	Default  any       `json:"default,omitempty"`
	Tags     []string  `json:"tags,omitempty"`
	Help     string    `json:"help,omitempty"`
}

// Schema is the ordered field set of one command.
type Schema struct {
	Command string  `json:"command"`
	Fields  []Field `json:"fields"`
}

// New validates fields and returns the schema. Field names must be unique and
// required fields may not declare a default.
func New(command string, fields []Field) (Schema, error) {
	seen := make(map[string]struct{}, len(fields))
	out := make([]Field, 0, len(fields))
	for _, f := range fields {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			return Schema{}, fmt.Errorf("%w: %s: empty field name", ErrInvalidSchema, command)
		}
		if _, dup := seen[name]; dup {
			return Schema{}, fmt.Errorf("%w: %s: duplicate field %q", ErrInvalidSchema, command, name)
		}
		if f.Type == "" {
			f.Type = TypeString
		}
		if !f.Type.Valid() {
			return Schema{}, fmt.Errorf("%w: %s: field %q has unknown type %q", ErrInvalidSchema, command, name, f.Type)
		}
		if f.Required && f.Default != nil {
			return Schema{}, fmt.Errorf("%w: %s: required field %q declares a default", ErrInvalidSchema, command, name)
		}
		seen[name] = struct{}{}
		f.Name = name
		f.Tags = slices.Clone(f.Tags)
		out = append(out, f)
	}
	return Schema{Command: command, Fields: out}, nil
}

// Field returns the named field.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Required returns required field names in declaration order.
func (s Schema) Required() []string {
	var out []string
	for _, f := range s.Fields {
		if f.Required {
			out = append(out, f.Name)
		}
	}
	return out
}

// Tagged returns field names carrying tag.
func (s Schema) Tagged(tag string) []string {
	var out []string
	for _, f := range s.Fields {
		if slices.Contains(f.Tags, tag) {
			out = append(out, f.Name)
		}
	}
	return out
}

// ValidationError lists every problem found in one parameter set.
type ValidationError struct {
	Command string
	Missing []string
	Unknown []string
	Invalid map[string]string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown "+strings.Join(e.Unknown, ", "))
	}
	if len(e.Invalid) > 0 {
		names := make([]string, 0, len(e.Invalid))
		for name := range e.Invalid {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			parts = append(parts, fmt.Sprintf("invalid %s: %s", name, e.Invalid[name]))
		}
	}
	return fmt.Sprintf("schema: %s: %s", e.Command, strings.Join(parts, "; "))
}

func (e *ValidationError) empty() bool {
	return len(e.Missing) == 0 && len(e.Unknown) == 0 && len(e.Invalid) == 0
}

// Validate enforces presence of required fields and rejects undeclared ones.
// Values that are present are checked against the declared type.
func (s Schema) Validate(params map[string]any) error {
	log.Debug().Str("command", s.Command).Int("params", len(params)).Msg("schema_validate")
	verr := &ValidationError{Command: s.Command}
	for _, f := range s.Fields {
		v, ok := params[f.Name]
		if !ok || v == nil {
			if f.Required {
				verr.Missing = append(verr.Missing, f.Name)
			}
			continue
		}
		if _, err := coerce(f.Type, v); err != nil {
			if verr.Invalid == nil {
				verr.Invalid = make(map[string]string)
			}
			verr.Invalid[f.Name] = err.Error()
		}
	}
	for name := range params {
		if _, ok := s.Field(name); !ok {
			verr.Unknown = append(verr.Unknown, name)
		}
	}
	sort.Strings(verr.Unknown)
	if verr.empty() {
		return nil
	}
	log.Debug().
		Str("command", s.Command).
		Strs("missing", verr.Missing).
		Strs("unknown", verr.Unknown).
		Msg("schema_validate_failed")
	return verr
}

// Coerce validates params, converts present values to their declared types,
// and fills defaults for absent optional fields.
func (s Schema) Coerce(params map[string]any) (map[string]any, error) {
	if err := s.Validate(params); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		v, ok := params[f.Name]
		if !ok || v == nil {
			if f.Default != nil {
				out[f.Name] = f.Default
			}
			continue
		}
		cv, err := coerce(f.Type, v)
		if err != nil {
			return nil, &ValidationError{Command: s.Command, Invalid: map[string]string{f.Name: err.Error()}}
		}
		out[f.Name] = cv
	}
	return out, nil
}
