package registry

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/zimagi/zimagi-sub000/internal/schema"
)

var (
	ErrUnknownCapability   = errors.New("registry: unknown capability")
	ErrCapabilityExists    = errors.New("registry: capability already defined")
	ErrDuplicateCapability = errors.New("registry: capability referenced twice")
)

// Capability names shipped with the default set.
const (
	CapBase   = "base"
	CapLock   = "lock"
	CapRemote = "remote"
	CapAsync  = "async"
	CapNotify = "notify"
	CapSSH    = "ssh"
)

// Option names owned by the default capabilities.
const (
	OptDebug         = "debug"
	OptReverseStatus = "reverse_status"

	OptLockID       = "lock_id"
	OptLockWait     = "lock_wait"
	OptLockTimeout  = "lock_timeout"
	OptLockInterval = "lock_interval"
	OptLockError    = "lock_error"
	OptRunOnce      = "run_once"

	OptHost  = "host"
	OptLocal = "local"

	OptAsync        = "async"
	OptTaskPriority = "task_priority"
	OptMaxRetries   = "max_retries"
	OptWorkerType   = "worker_type"

	OptNotify        = "notify"
	OptNotifyFailure = "notify_failure"

	OptSSHHost       = "ssh_host"
	OptSSHPort       = "ssh_port"
	OptSSHUser       = "ssh_user"
	OptSSHKey        = "ssh_key"
	OptSSHKnownHosts = "ssh_known_hosts"
	OptSSHInsecure   = "ssh_insecure"
)

// RoutingOptions are consumed by the caller side and never forwarded to a
// remote host.
var RoutingOptions = []string{OptHost, OptLocal}

// Capability contributes parameters to every action that composes it.
type Capability struct {
	Name     string
	Help     string
	Params   []ParamSpec
	Requires []string
}

// Capabilities is an ordered, named set of capability providers.
type Capabilities struct {
	items map[string]Capability
	order []string
}

func NewCapabilities(caps ...Capability) (*Capabilities, error) {
	c := &Capabilities{items: make(map[string]Capability)}
	for _, capability := range caps {
		if err := c.Define(capability); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Define adds a capability. Names are unique.
func (c *Capabilities) Define(capability Capability) error {
	if !isValidID(capability.Name) {
		return fmt.Errorf("%w: invalid capability name %q", ErrInvalidSpec, capability.Name)
	}
	if _, ok := c.items[capability.Name]; ok {
		return fmt.Errorf("%w: %s", ErrCapabilityExists, capability.Name)
	}
	for _, p := range capability.Params {
		if !isValidParam(p.Name) {
			return fmt.Errorf("%w: capability %s: invalid parameter name %q", ErrInvalidSpec, capability.Name, p.Name)
		}
	}
	c.items[capability.Name] = capability
	c.order = append(c.order, capability.Name)
	return nil
}

func (c *Capabilities) Get(name string) (Capability, bool) {
	capability, ok := c.items[name]
	return capability, ok
}

// Names returns capability names in definition order.
func (c *Capabilities) Names() []string {
	return slices.Clone(c.order)
}

// resolve expands requested names into composition order: base first, then
// each request preceded by its requirements. Repeating a name is an error.
func (c *Capabilities) resolve(requested []string) ([]Capability, error) {
	var out []Capability
	seen := make(map[string]bool)
	explicit := make(map[string]bool)

	var visit func(name string, stack []string) error
	visit = func(name string, stack []string) error {
		if seen[name] {
			return nil
		}
		if slices.Contains(stack, name) {
			return fmt.Errorf("%w: capability cycle through %s", ErrInvalidSpec, name)
		}
		capability, ok := c.items[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownCapability, name)
		}
		for _, req := range capability.Requires {
			if err := visit(req, append(stack, name)); err != nil {
				return err
			}
		}
		seen[name] = true
		out = append(out, capability)
		return nil
	}

	if _, ok := c.items[CapBase]; ok {
		if err := visit(CapBase, nil); err != nil {
			return nil, err
		}
	}
	for _, name := range requested {
		if explicit[name] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCapability, name)
		}
		explicit[name] = true
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DefaultCapabilities returns the stock capability providers.
func DefaultCapabilities() *Capabilities {
	c, err := NewCapabilities(
		Capability{
			Name: CapBase,
			Help: "Common invocation switches",
			Params: []ParamSpec{
				{Name: OptDebug, Kind: KindFlag, Help: "Show tracebacks for errors"},
				{Name: OptReverseStatus, Kind: KindFlag, Help: "Invert the exit status"},
			},
		},
		Capability{
			Name: CapLock,
			Help: "Exclusive execution under a named lock",
			Params: []ParamSpec{
				{Name: OptLockID, Kind: KindVariable, Type: schema.TypeString, Help: "Lock identifier"},
				{Name: OptLockWait, Kind: KindVariable, Type: schema.TypeBool, Default: true, Help: "Wait for a held lock"},
				{Name: OptLockTimeout, Kind: KindVariable, Type: schema.TypeFloat, Default: 600.0, Help: "Seconds to wait for the lock"},
				{Name: OptLockInterval, Kind: KindVariable, Type: schema.TypeFloat, Default: 2.0, Help: "Seconds between lock attempts"},
				{Name: OptLockError, Kind: KindFlag, Help: "Fail when the lock cannot be acquired"},
				{Name: OptRunOnce, Kind: KindFlag, Help: "Skip if this lock already completed once"},
			},
		},
		Capability{
			Name: CapRemote,
			Help: "Execution on a configured remote host",
			Params: []ParamSpec{
				{Name: OptHost, Kind: KindVariable, Type: schema.TypeString, Help: "Target host name"},
				{Name: OptLocal, Kind: KindFlag, Help: "Force local execution"},
			},
		},
		Capability{
			Name: CapAsync,
			Help: "Background execution on the worker fleet",
			Params: []ParamSpec{
				{Name: OptAsync, Kind: KindFlag, Help: "Return immediately with a task key"},
				{Name: OptTaskPriority, Kind: KindVariable, Type: schema.TypeInt, Help: "Task priority, 0 is highest"},
				{Name: OptMaxRetries, Kind: KindVariable, Type: schema.TypeInt, Help: "Retries after a failed attempt"},
				{Name: OptWorkerType, Kind: KindVariable, Type: schema.TypeString, Help: "Worker type to run on"},
			},
		},
		Capability{
			Name: CapNotify,
			Help: "Completion notifications",
			Params: []ParamSpec{
				{Name: OptNotify, Kind: KindVariableList, Help: "Notification recipients"},
				{Name: OptNotifyFailure, Kind: KindFlag, Help: "Only notify on failure"},
			},
		},
		Capability{
			Name: CapSSH,
			Help: "Process execution over SSH",
			Params: []ParamSpec{
				{Name: OptSSHHost, Kind: KindVariable, Type: schema.TypeString, Help: "SSH host"},
				{Name: OptSSHPort, Kind: KindVariable, Type: schema.TypeString, Help: "SSH port"},
				{Name: OptSSHUser, Kind: KindVariable, Type: schema.TypeString, Help: "SSH user"},
				{Name: OptSSHKey, Kind: KindVariable, Type: schema.TypeString, Help: "Private key path"},
				{Name: OptSSHKnownHosts, Kind: KindVariable, Type: schema.TypeString, Help: "known_hosts path"},
				{Name: OptSSHInsecure, Kind: KindFlag, Help: "Skip host key verification"},
			},
		},
	)
	if err != nil {
		panic(err)
	}
	return c
}

// LockSettings is the lock capability view of an invocation.
type LockSettings struct {
	ID            string
	Wait          bool
	Timeout       time.Duration
	Interval      time.Duration
	ErrorOnLocked bool
	RunOnce       bool
}

// RemoteSettings is the remote capability view of an invocation.
type RemoteSettings struct {
	Host  string
	Local bool
}

// AsyncSettings is the async capability view of an invocation.
type AsyncSettings struct {
	Async      bool
	Priority   int
	MaxRetries int
	WorkerType string
}

// NotifySettings is the notify capability view of an invocation.
type NotifySettings struct {
	Recipients  []string
	FailureOnly bool
}

// SSHSettings is the ssh capability view of an invocation.
type SSHSettings struct {
	Host                        string
	Port                        string
	User                        string
	KeyPath                     string
	KnownHostsPath              string
	InsecureSkipHostKeyChecking bool
}
