package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/zimagi/zimagi-sub000/internal/schema"
)

var (
	ErrCommandExists   = errors.New("registry: command already registered")
	ErrCommandNotFound = errors.New("registry: command not found")
	ErrPathConflict    = errors.New("registry: command path conflicts with a router")
	ErrSealed          = errors.New("registry: registry is sealed")
)

// Router is an interior node of the command tree.
type Router struct {
	Name    string
	Help    string
	routers map[string]*Router
	actions map[string]*Action
}

func newRouter(name string) *Router {
	return &Router{
		Name:    name,
		routers: make(map[string]*Router),
		actions: make(map[string]*Action),
	}
}

// Routers returns child router names in sorted order.
func (r *Router) Routers() []string {
	return sortedKeys(r.routers)
}

// Actions returns child action names in sorted order.
func (r *Router) Actions() []string {
	return sortedKeys(r.actions)
}

// Registry is the process-wide command tree.
type Registry struct {
	mu     sync.RWMutex
	root   *Router
	byName map[string]*Action
	caps   *Capabilities
	sealed bool
}

// New returns an empty registry composing actions from caps. A nil caps
// uses DefaultCapabilities.
func New(caps *Capabilities) *Registry {
	if caps == nil {
		caps = DefaultCapabilities()
	}
	return &Registry{root: newRouter(""), byName: make(map[string]*Action), caps: caps}
}

func (r *Registry) Capabilities() *Capabilities { return r.caps }

// Register builds spec with body and adds it.
func (r *Registry) Register(spec Spec, body Body) (*Action, error) {
	a, err := Build(spec, body, r.caps)
	if err != nil {
		return nil, err
	}
	if err := r.Add(a); err != nil {
		return nil, err
	}
	return a, nil
}

// Add inserts a built action, creating intermediate routers as needed.
func (r *Registry) Add(a *Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrSealed
	}
	name := a.Name()
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("%w: %s", ErrCommandExists, name)
	}
	path := a.spec.Path
	node := r.root
	for i, seg := range path[:len(path)-1] {
		if _, ok := node.actions[seg]; ok {
			return fmt.Errorf("%w: %s is an action", ErrPathConflict, strings.Join(path[:i+1], " "))
		}
		child, ok := node.routers[seg]
		if !ok {
			child = newRouter(seg)
			node.routers[seg] = child
		}
		node = child
	}
	leaf := path[len(path)-1]
	if _, ok := node.routers[leaf]; ok {
		return fmt.Errorf("%w: %s", ErrPathConflict, name)
	}
	node.actions[leaf] = a
	r.byName[name] = a
	log.Debug().Str("command", name).Strs("capabilities", a.caps).Msg("command_registered")
	return nil
}

// Describe sets help text on the router at path.
func (r *Registry) Describe(path []string, help string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	node := r.root
	for _, seg := range path {
		child, ok := node.routers[seg]
		if !ok {
			return fmt.Errorf("%w: router %s", ErrCommandNotFound, strings.Join(path, " "))
		}
		node = child
	}
	node.Help = help
	return nil
}

// Seal freezes the tree. Further Add calls fail.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

// Resolve looks up an action by space or slash separated name.
func (r *Registry) Resolve(name string) (*Action, error) {
	key := strings.Join(SplitName(name), " ")
	r.mu.RLock()
	a, ok := r.byName[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrCommandNotFound, name)
	}
	return a, nil
}

// Router returns the interior node at path. An empty path is the root.
func (r *Registry) Router(path ...string) (*Router, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node := r.root
	for _, seg := range path {
		child, ok := node.routers[seg]
		if !ok {
			return nil, false
		}
		node = child
	}
	return node, true
}

// Actions returns every registered action sorted by name.
func (r *Registry) Actions() []*Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Action, 0, len(r.byName))
	for _, name := range sortedKeys(r.byName) {
		out = append(out, r.byName[name])
	}
	return out
}

// Schema returns the schema of the named command.
func (r *Registry) Schema(name string) (schema.Schema, error) {
	a, err := r.Resolve(name)
	if err != nil {
		return schema.Schema{}, err
	}
	return a.Schema(), nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
