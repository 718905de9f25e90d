package registry

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/zimagi/zimagi-sub000/internal/message"
	"github.com/zimagi/zimagi-sub000/internal/schema"
)

var (
	ErrDuplicateParam = errors.New("registry: duplicate parameter")
	ErrMissingBody    = errors.New("registry: action has no body")
)

// Context is what an action body sees of its invocation.
type Context interface {
	Command() string
	Key() string
	Options() Options
	// Action is the built action being invoked.
	Action() *Action
	Emit(m message.Message)
	// Execute runs another command as a child of this invocation. Child
	// messages propagate into this invocation's channel.
	Execute(ctx context.Context, name string, opts Options) (*message.Response, error)
}

// Body is the executable part of an action. A returned error fails the
// invocation; emitted Error messages alone do not.
type Body func(ctx context.Context, c Context) error

// Action is a built, executable command: a spec, its composed capabilities,
// and a body.
type Action struct {
	spec   Spec
	caps   []string
	params []ParamSpec
	schema schema.Schema
	body   Body
}

// Build composes capability parameters ahead of the spec's own parameters and
// derives the schema. Any parameter name defined twice is a build error.
func Build(spec Spec, body Body, caps *Capabilities) (*Action, error) {
	if body == nil {
		return nil, fmt.Errorf("%w: %s", ErrMissingBody, spec.Name())
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if caps == nil {
		caps = DefaultCapabilities()
	}
	spec = spec.clone()
	resolved, err := caps.resolve(spec.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", spec.Name(), err)
	}

	owner := make(map[string]string)
	var params []ParamSpec
	add := func(from string, p ParamSpec) error {
		if prev, ok := owner[p.Name]; ok {
			return fmt.Errorf("%w: %s: %q from %s already defined by %s", ErrDuplicateParam, spec.Name(), p.Name, from, prev)
		}
		owner[p.Name] = from
		params = append(params, p)
		return nil
	}
	names := make([]string, 0, len(resolved))
	for _, capability := range resolved {
		names = append(names, capability.Name)
		for _, p := range capability.Params {
			if err := add("capability "+capability.Name, p); err != nil {
				return nil, err
			}
		}
	}
	for _, p := range spec.Params {
		if err := add("command", p); err != nil {
			return nil, err
		}
	}

	fields := make([]schema.Field, 0, len(params))
	for _, p := range params {
		f, err := p.Field()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", spec.Name(), err)
		}
		fields = append(fields, f)
	}
	s, err := schema.New(spec.Name(), fields)
	if err != nil {
		return nil, err
	}
	return &Action{spec: spec, caps: names, params: params, schema: s, body: body}, nil
}

func (a *Action) Name() string { return a.spec.Name() }

// Spec returns a copy of the declaration.
func (a *Action) Spec() Spec { return a.spec.clone() }

// Schema returns the derived parameter schema.
func (a *Action) Schema() schema.Schema {
	out := a.schema
	out.Fields = slices.Clone(a.schema.Fields)
	return out
}

// Capabilities returns composed capability names, base first.
func (a *Action) Capabilities() []string { return slices.Clone(a.caps) }

func (a *Action) Has(capability string) bool { return slices.Contains(a.caps, capability) }

func (a *Action) Body() Body { return a.body }

// Bind validates raw options against the schema and returns typed values with
// defaults filled.
func (a *Action) Bind(raw Options) (Options, error) {
	out, err := a.schema.Coerce(raw)
	if err != nil {
		return nil, err
	}
	return Options(out), nil
}

// LockSettings reads the lock capability options. A command that requires a
// lock by default locks on its own name when no lock_id is given.
func (a *Action) LockSettings(opts Options) LockSettings {
	if !a.Has(CapLock) {
		if a.spec.RequireLockDefault {
			return LockSettings{ID: a.Name(), Wait: true, Timeout: 600 * time.Second, Interval: 2 * time.Second}
		}
		return LockSettings{}
	}
	ls := LockSettings{
		ID:            opts.String(OptLockID),
		Wait:          opts.Bool(OptLockWait),
		Timeout:       opts.Duration(OptLockTimeout),
		Interval:      opts.Duration(OptLockInterval),
		ErrorOnLocked: opts.Bool(OptLockError),
		RunOnce:       opts.Bool(OptRunOnce),
	}
	if ls.ID == "" && a.spec.RequireLockDefault {
		ls.ID = a.Name()
	}
	return ls
}

func (a *Action) RemoteSettings(opts Options) RemoteSettings {
	if !a.Has(CapRemote) {
		return RemoteSettings{Local: true}
	}
	return RemoteSettings{Host: opts.String(OptHost), Local: opts.Bool(OptLocal)}
}

// AsyncSettings falls back to the spec's worker type and retry budget.
func (a *Action) AsyncSettings(opts Options) AsyncSettings {
	as := AsyncSettings{
		Priority:   a.spec.Priority,
		MaxRetries: a.spec.MaxRetries,
		WorkerType: a.spec.WorkerType,
	}
	if !a.Has(CapAsync) {
		return as
	}
	as.Async = opts.Bool(OptAsync)
	if opts.Has(OptTaskPriority) {
		as.Priority = int(opts.Int(OptTaskPriority))
	}
	if opts.Has(OptMaxRetries) {
		as.MaxRetries = int(opts.Int(OptMaxRetries))
	}
	if wt := opts.String(OptWorkerType); wt != "" {
		as.WorkerType = wt
	}
	return as
}

func (a *Action) NotifySettings(opts Options) NotifySettings {
	if !a.Has(CapNotify) {
		return NotifySettings{}
	}
	return NotifySettings{Recipients: opts.List(OptNotify), FailureOnly: opts.Bool(OptNotifyFailure)}
}

func (a *Action) SSHSettings(opts Options) SSHSettings {
	if !a.Has(CapSSH) {
		return SSHSettings{}
	}
	return SSHSettings{
		Host:                        opts.String(OptSSHHost),
		Port:                        opts.String(OptSSHPort),
		User:                        opts.String(OptSSHUser),
		KeyPath:                     opts.String(OptSSHKey),
		KnownHostsPath:              opts.String(OptSSHKnownHosts),
		InsecureSkipHostKeyChecking: opts.Bool(OptSSHInsecure),
	}
}

// Debug reports the base debug switch.
func (a *Action) Debug(opts Options) bool { return opts.Bool(OptDebug) }

// ReverseStatus reports the base reverse_status switch.
func (a *Action) ReverseStatus(opts Options) bool { return opts.Bool(OptReverseStatus) }
