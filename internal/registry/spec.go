package registry

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/zimagi/zimagi-sub000/internal/schema"
)

var ErrInvalidSpec = errors.New("registry: invalid command spec")

// ParamKind is how a parameter is supplied.
type ParamKind string

const (
	KindFlag         ParamKind = "flag"
	KindVariable     ParamKind = "variable"
	KindVariableList ParamKind = "variable_list"
	KindFieldMap     ParamKind = "field_map"
)

// ParamSpec declares one command parameter.
type ParamSpec struct {
	Name     string
	Kind     ParamKind
	Type     schema.FieldType
	Default  any
	Required bool
	Tags     []string
	Help     string
}

// Field projects p into its schema field. Flags are optional booleans that
// default to false; lists and field maps carry their container type.
func (p ParamSpec) Field() (schema.Field, error) {
	f := schema.Field{
		Name:     p.Name,
		Type:     p.Type,
		Required: p.Required,
		Default:  p.Default,
		Tags:     slices.Clone(p.Tags),
		Help:     p.Help,
	}
	switch p.Kind {
	case KindFlag:
		if p.Required {
			return schema.Field{}, fmt.Errorf("%w: flag %q cannot be required", ErrInvalidSpec, p.Name)
		}
		f.Type = schema.TypeBool
		if f.Default == nil {
			f.Default = false
		}
	case KindVariable, "":
		if f.Type == "" {
			f.Type = schema.TypeString
		}
	case KindVariableList:
		f.Type = schema.TypeList
	case KindFieldMap:
		f.Type = schema.TypeMap
	default:
		return schema.Field{}, fmt.Errorf("%w: parameter %q has unknown kind %q", ErrInvalidSpec, p.Name, p.Kind)
	}
	return f, nil
}

// Spec is the immutable declaration of one executable command.
type Spec struct {
	Path               []string
	Help               string
	Priority           int
	Background         bool
	APIEnabled         bool
	RequireLockDefault bool
	RemoteExec         bool
	WorkerType         string
	MaxRetries         int
	Capabilities       []string
	Params             []ParamSpec
}

// Name returns the space separated command path.
func (s Spec) Name() string {
	return strings.Join(s.Path, " ")
}

// Validate checks path segments and numeric bounds.
func (s Spec) Validate() error {
	if len(s.Path) == 0 {
		return fmt.Errorf("%w: empty command path", ErrInvalidSpec)
	}
	for _, seg := range s.Path {
		if !isValidID(seg) {
			return fmt.Errorf("%w: invalid path segment %q in %q", ErrInvalidSpec, seg, s.Name())
		}
	}
	if s.Priority < 0 {
		return fmt.Errorf("%w: %s: negative priority", ErrInvalidSpec, s.Name())
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("%w: %s: negative max_retries", ErrInvalidSpec, s.Name())
	}
	for _, p := range s.Params {
		if !isValidParam(p.Name) {
			return fmt.Errorf("%w: %s: invalid parameter name %q", ErrInvalidSpec, s.Name(), p.Name)
		}
	}
	return nil
}

func (s Spec) clone() Spec {
	out := s
	out.Path = slices.Clone(s.Path)
	out.Capabilities = slices.Clone(s.Capabilities)
	out.Params = make([]ParamSpec, 0, len(s.Params))
	for _, p := range s.Params {
		p.Tags = slices.Clone(p.Tags)
		out.Params = append(out.Params, p)
	}
	return out
}

// SplitName splits "task sleep" or "task/sleep" into path segments.
func SplitName(name string) []string {
	return strings.FieldsFunc(name, func(r rune) bool {
		return r == ' ' || r == '/' || r == '\t'
	})
}

func isValidID(id string) bool {
	if id == "" {
		return false
	}
	lastSep := false
	for i := 0; i < len(id); i++ {
		c := id[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		isSep := c == '.' || c == '-' || c == '_'
		if !(isLower || isDigit || isSep) {
			return false
		}
		if i == 0 || i == len(id)-1 {
			if isSep {
				return false
			}
		}
		if isSep && lastSep {
			return false
		}
		lastSep = isSep
	}
	return true
}

func isValidParam(name string) bool {
	if name == "" || name[0] == '_' {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return true
}
