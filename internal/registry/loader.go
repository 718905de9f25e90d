package registry

import (
	"bytes"
	"fmt"
	"io"

	yaml "gopkg.in/yaml.v3"

	"github.com/zimagi/zimagi-sub000/internal/schema"
)

type paramDoc struct {
	Name     string   `yaml:"name"`
	Kind     string   `yaml:"kind"`
	Type     string   `yaml:"type"`
	Default  any      `yaml:"default"`
	Required bool     `yaml:"required"`
	Tags     []string `yaml:"tags"`
	Help     string   `yaml:"help"`
}

type commandDoc struct {
	Name         string       `yaml:"name"`
	Help         string       `yaml:"help"`
	Priority     int          `yaml:"priority"`
	Background   bool         `yaml:"background"`
	APIEnabled   *bool        `yaml:"api_enabled"`
	RequireLock  bool         `yaml:"require_lock"`
	RemoteExec   bool         `yaml:"remote_exec"`
	WorkerType   string       `yaml:"worker_type"`
	MaxRetries   int          `yaml:"max_retries"`
	Capabilities []string     `yaml:"capabilities"`
	Params       []paramDoc   `yaml:"params"`
	Commands     []commandDoc `yaml:"commands"`
}

type treeDoc struct {
	Commands []commandDoc `yaml:"commands"`
}

// Load reads a YAML command tree and registers every leaf with the body keyed
// by its full command name. Nodes with nested commands become routers.
func (r *Registry) Load(in io.Reader, bodies map[string]Body) error {
	raw, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("registry: read command tree: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	var doc treeDoc
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return fmt.Errorf("registry: decode command tree: %w", err)
	}
	return r.loadNodes(nil, doc.Commands, bodies)
}

func (r *Registry) loadNodes(prefix []string, nodes []commandDoc, bodies map[string]Body) error {
	for _, node := range nodes {
		path := append(append([]string(nil), prefix...), node.Name)
		if len(node.Commands) > 0 {
			if err := r.loadNodes(path, node.Commands, bodies); err != nil {
				return err
			}
			if err := r.Describe(path, node.Help); err != nil {
				return err
			}
			continue
		}
		spec := node.spec(path)
		body, ok := bodies[spec.Name()]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingBody, spec.Name())
		}
		if _, err := r.Register(spec, body); err != nil {
			return err
		}
	}
	return nil
}

func (d commandDoc) spec(path []string) Spec {
	apiEnabled := true
	if d.APIEnabled != nil {
		apiEnabled = *d.APIEnabled
	}
	params := make([]ParamSpec, 0, len(d.Params))
	for _, p := range d.Params {
		params = append(params, ParamSpec{
			Name:     p.Name,
			Kind:     ParamKind(p.Kind),
			Type:     schema.FieldType(p.Type),
			Default:  normalizeDefault(p.Default),
			Required: p.Required,
			Tags:     p.Tags,
			Help:     p.Help,
		})
	}
	return Spec{
		Path:               path,
		Help:               d.Help,
		Priority:           d.Priority,
		Background:         d.Background,
		APIEnabled:         apiEnabled,
		RequireLockDefault: d.RequireLock,
		RemoteExec:         d.RemoteExec,
		WorkerType:         d.WorkerType,
		MaxRetries:         d.MaxRetries,
		Capabilities:       d.Capabilities,
		Params:             params,
	}
}

// yaml.v3 decodes integers as int; schema coercion works on int64.
func normalizeDefault(v any) any {
	if n, ok := v.(int); ok {
		return int64(n)
	}
	return v
}
