package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	env "github.com/caarlos0/env/v11"
)

var ErrInvalid = errors.New("config: invalid")

// EnvPrefix prefixes every environment override, e.g. ZIMAGI_SERVER_ADDR.
const EnvPrefix = "ZIMAGI_"

// Duration is a time.Duration written as "5s" in TOML and environment values.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

type Config struct {
	Server    ServerConfig     `toml:"server" envPrefix:"SERVER_"`
	Security  SecurityConfig   `toml:"security" envPrefix:"SECURITY_"`
	Locks     LockConfig       `toml:"locks" envPrefix:"LOCKS_"`
	Queue     QueueConfig      `toml:"queue" envPrefix:"QUEUE_"`
	Status    StatusConfig     `toml:"status" envPrefix:"STATUS_"`
	Transport TransportConfig  `toml:"transport" envPrefix:"TRANSPORT_"`
	Scaling   ScalingConfig    `toml:"scaling" envPrefix:"SCALING_"`
	Commands  CommandsConfig   `toml:"commands" envPrefix:"COMMANDS_"`
	Notify    NotifyConfig     `toml:"notify" envPrefix:"NOTIFY_"`
	Hosts     []HostConfig     `toml:"hosts"`
	Schedules []ScheduleConfig `toml:"schedules"`
}

type ServerConfig struct {
	Name string `toml:"name" env:"NAME"`
	Addr string `toml:"addr" env:"ADDR"`
	// Users maps user names to API tokens. Empty disables authentication.
	Users       map[string]string `toml:"users" env:"USERS"`
	CORSOrigins []string          `toml:"cors_origins" env:"CORS_ORIGINS"`
	// TLSCert and TLSKey switch the server to HTTPS when both are set.
	TLSCert string `toml:"tls_cert" env:"TLS_CERT"`
	TLSKey  string `toml:"tls_key" env:"TLS_KEY"`
}

type SecurityConfig struct {
	EncryptionKey string `toml:"encryption_key" env:"ENCRYPTION_KEY"`
}

type LockConfig struct {
	Backend string   `toml:"backend" env:"BACKEND"`
	DSN     string   `toml:"dsn" env:"DSN"`
	TTL     Duration `toml:"ttl" env:"TTL"`
	// Grace bounds lock reclaim on a termination signal.
	Grace Duration `toml:"grace" env:"GRACE"`
}

type BackoffConfig struct {
	Initial    Duration `toml:"initial" env:"INITIAL"`
	Max        Duration `toml:"max" env:"MAX"`
	Multiplier float64  `toml:"multiplier" env:"MULTIPLIER"`
	Jitter     bool     `toml:"jitter" env:"JITTER"`
}

type QueueConfig struct {
	Backend     string        `toml:"backend" env:"BACKEND"`
	DSN         string        `toml:"dsn" env:"DSN"`
	Workers     int           `toml:"workers" env:"WORKERS"`
	WorkerType  string        `toml:"worker_type" env:"WORKER_TYPE"`
	Heartbeat   Duration      `toml:"heartbeat" env:"HEARTBEAT"`
	StallAfter  Duration      `toml:"stall_after" env:"STALL_AFTER"`
	PollTimeout Duration      `toml:"poll_timeout" env:"POLL_TIMEOUT"`
	TaskWait    Duration      `toml:"task_wait" env:"TASK_WAIT"`
	Backoff     BackoffConfig `toml:"backoff" envPrefix:"BACKOFF_"`
}

type StatusConfig struct {
	Backend string   `toml:"backend" env:"BACKEND"`
	DSN     string   `toml:"dsn" env:"DSN"`
	Poll    Duration `toml:"poll" env:"POLL"`
}

type TransportConfig struct {
	Tries   int      `toml:"tries" env:"TRIES"`
	Wait    Duration `toml:"wait" env:"WAIT"`
	Timeout Duration `toml:"timeout" env:"TIMEOUT"`
}

type ScalingConfig struct {
	Backend          string  `toml:"backend" env:"BACKEND"`
	Namespace        string  `toml:"namespace" env:"NAMESPACE"`
	DeploymentPrefix string  `toml:"deployment_prefix" env:"DEPLOYMENT_PREFIX"`
	Kubeconfig       string  `toml:"kubeconfig" env:"KUBECONFIG"`
	MaxWorkers       int     `toml:"max_workers" env:"MAX_WORKERS"`
	Rate             float64 `toml:"rate" env:"RATE"`
	Burst            int     `toml:"burst" env:"BURST"`
}

type CommandsConfig struct {
	SpecPath    string `toml:"spec_path" env:"SPEC_PATH"`
	LogDir      string `toml:"log_dir" env:"LOG_DIR"`
	LogMessages bool   `toml:"log_messages" env:"LOG_MESSAGES"`
}

type NotifyConfig struct {
	File string `toml:"file" env:"FILE"`
	Log  bool   `toml:"log" env:"LOG"`
}

// HostConfig is a remote command server reachable by name.
type HostConfig struct {
	Name          string `toml:"name"`
	URL           string `toml:"url"`
	User          string `toml:"user"`
	Token         string `toml:"token"`
	EncryptionKey string `toml:"encryption_key"`
	// CAFile adds a PEM authority trusted for this host's certificate.
	CAFile string `toml:"ca_file"`
}

type ScheduleConfig struct {
	Name    string         `toml:"name"`
	Cron    string         `toml:"cron"`
	Command string         `toml:"command"`
	Options map[string]any `toml:"options"`
}

// Default returns a single-process configuration backed by memory stores.
func Default() Config {
	return Config{
		Server: ServerConfig{Name: "zimagi", Addr: ":5123"},
		Locks: LockConfig{
			Backend: BackendMemory,
			TTL:     Duration(time.Hour),
			Grace:   Duration(10 * time.Second),
		},
		Queue: QueueConfig{
			Backend:     BackendMemory,
			Workers:     2,
			WorkerType:  "default",
			Heartbeat:   Duration(5 * time.Second),
			StallAfter:  Duration(time.Minute),
			PollTimeout: Duration(5 * time.Second),
			Backoff: BackoffConfig{
				Initial:    Duration(time.Second),
				Max:        Duration(time.Minute),
				Multiplier: 2,
			},
		},
		Status:    StatusConfig{Backend: BackendMemory, Poll: Duration(500 * time.Millisecond)},
		Transport: TransportConfig{Tries: 3, Wait: Duration(time.Second)},
		Scaling: ScalingConfig{
			Backend:          ScalingNone,
			DeploymentPrefix: "zimagi-worker-",
			MaxWorkers:       10,
			Rate:             1,
			Burst:            1,
		},
		Notify: NotifyConfig{Log: true},
	}
}

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"

	ScalingNone       = "none"
	ScalingLog        = "log"
	ScalingKubernetes = "kubernetes"
)

// Load reads path over the defaults, applies ZIMAGI_* environment overrides,
// and validates the result. An empty path skips the file. Unknown keys in the
// file are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return Config{}, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalid, path, strings.Join(keys, ", "))
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("config env overrides: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Validate(cfg Config) error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
		}
	}
	stores := []string{BackendMemory, BackendSQLite}

	check(strings.TrimSpace(cfg.Server.Addr) != "", "server.addr is required")
	check((cfg.Server.TLSCert == "") == (cfg.Server.TLSKey == ""), "server.tls_cert and server.tls_key must be set together")
	check(slices.Contains(append(stores, BackendPostgres), cfg.Locks.Backend), "locks.backend %q", cfg.Locks.Backend)
	check(cfg.Locks.Backend == BackendMemory || cfg.Locks.DSN != "", "locks.dsn is required for %s", cfg.Locks.Backend)
	check(slices.Contains(stores, cfg.Queue.Backend), "queue.backend %q", cfg.Queue.Backend)
	check(cfg.Queue.Backend == BackendMemory || cfg.Queue.DSN != "", "queue.dsn is required for %s", cfg.Queue.Backend)
	check(cfg.Queue.Workers >= 1, "queue.workers must be at least 1")
	check(cfg.Queue.Backoff.Multiplier >= 1, "queue.backoff.multiplier must be at least 1")
	check(slices.Contains(stores, cfg.Status.Backend), "status.backend %q", cfg.Status.Backend)
	check(cfg.Status.Backend == BackendMemory || cfg.Status.DSN != "", "status.dsn is required for %s", cfg.Status.Backend)
	check(cfg.Transport.Tries >= 1, "transport.tries must be at least 1")
	check(slices.Contains([]string{ScalingNone, ScalingLog, ScalingKubernetes}, cfg.Scaling.Backend), "scaling.backend %q", cfg.Scaling.Backend)
	check(cfg.Scaling.Rate > 0, "scaling.rate must be positive")

	hosts := make(map[string]struct{}, len(cfg.Hosts))
	for i, h := range cfg.Hosts {
		check(h.Name != "", "hosts[%d].name is required", i)
		check(h.URL != "", "hosts[%d].url is required", i)
		_, dup := hosts[h.Name]
		check(!dup, "hosts[%d]: duplicate name %q", i, h.Name)
		hosts[h.Name] = struct{}{}
	}
	for i, s := range cfg.Schedules {
		check(s.Name != "" && s.Cron != "" && s.Command != "", "schedules[%d] needs name, cron and command", i)
	}
	return errors.Join(errs...)
}
