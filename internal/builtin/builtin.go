// Package builtin provides the default command tree.
//
// Ownership boundary:
// - the embedded YAML declaration of stock commands
// - the bodies those commands run
package builtin

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"slices"
	"time"

	"github.com/zimagi/zimagi-sub000/internal/dispatch"
	"github.com/zimagi/zimagi-sub000/internal/lock"
	"github.com/zimagi/zimagi-sub000/internal/message"
	"github.com/zimagi/zimagi-sub000/internal/registry"
	"github.com/zimagi/zimagi-sub000/internal/runner"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

//go:embed commands.yaml
var commandTree []byte

// Deps are the collaborators command bodies reach for.
type Deps struct {
	Locks  *lock.Manager
	Status func(ctx context.Context, key string) (dispatch.Record, error)
	// Runner overrides process selection for shell run. When nil, runs are
	// local unless ssh_host is set.
	Runner runner.Runner
}

// Tree returns the embedded command declaration.
func Tree() io.Reader {
	return bytes.NewReader(commandTree)
}

// Load registers the command tree into reg. An empty specPath loads the
// embedded tree; otherwise the file replaces it and may only declare
// commands that have built-in bodies.
func Load(reg *registry.Registry, deps Deps, specPath string) error {
	in := Tree()
	if specPath != "" {
		f, err := os.Open(specPath)
		if err != nil {
			return fmt.Errorf("builtin: open command tree: %w", err)
		}
		defer f.Close()
		in = f
	}
	return reg.Load(in, Bodies(deps))
}

// Bodies maps full command names to their bodies.
func Bodies(deps Deps) map[string]registry.Body {
	return map[string]registry.Body{
		"version":    version,
		"echo":       echo,
		"status":     status(deps),
		"lock clear": lockClear(deps),
		"lock held":  lockHeld(deps),
		"test lock":  sleepFor("holding lock"),
		"test fail":  fail,
		"task sleep": sleepFor("sleeping"),
		"shell run":  shellRun(deps),
	}
}

func version(_ context.Context, c registry.Context) error {
	c.Emit(message.Data(Version, map[string]any{
		"version": Version,
		"go":      runtime.Version(),
		"os":      runtime.GOOS,
		"arch":    runtime.GOARCH,
	}, message.WithName("version")))
	return nil
}

func echo(_ context.Context, c registry.Context) error {
	opts := c.Options()
	text := opts.String("text")
	for range max(opts.Int("repeat"), 1) {
		c.Emit(message.Info(text))
	}
	return nil
}

func status(deps Deps) registry.Body {
	return func(ctx context.Context, c registry.Context) error {
		if deps.Status == nil {
			return errors.New("status store is not configured")
		}
		key := c.Options().String("key")
		rec, err := deps.Status(ctx, key)
		if err != nil {
			return err
		}
		c.Emit(message.Data(string(rec.State), rec, message.WithName("status")))
		if rec.Error != "" {
			c.Emit(message.Warning(rec.Error))
		}
		return nil
	}
}

func lockClear(deps Deps) registry.Body {
	return func(ctx context.Context, c registry.Context) error {
		if deps.Locks == nil {
			return errors.New("lock manager is not configured")
		}
		id := c.Options().String("id")
		if err := deps.Locks.ForceRelease(ctx, id); err != nil {
			return err
		}
		c.Emit(message.Success(fmt.Sprintf("lock %q released", id)))
		return nil
	}
}

func lockHeld(deps Deps) registry.Body {
	return func(_ context.Context, c registry.Context) error {
		if deps.Locks == nil {
			return errors.New("lock manager is not configured")
		}
		held := deps.Locks.Held()
		slices.Sort(held)
		rows := [][]any{{"lock_id"}}
		for _, id := range held {
			rows = append(rows, []any{id})
		}
		c.Emit(message.Table(rows, message.WithName("locks")))
		return nil
	}
}

func sleepFor(verb string) registry.Body {
	return func(ctx context.Context, c registry.Context) error {
		d := c.Options().Duration("seconds")
		c.Emit(message.Info(fmt.Sprintf("%s for %s", verb, d)))
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		c.Emit(message.Success("done"))
		return nil
	}
}

func fail(_ context.Context, c registry.Context) error {
	return errors.New(c.Options().String("reason"))
}

func shellRun(deps Deps) registry.Body {
	return func(ctx context.Context, c registry.Context) error {
		opts := c.Options()
		cmd := opts.String("cmd")
		r, prefix := selectRunner(deps.Runner, c.Action().SSHSettings(opts), opts.String("dir"))

		stdout := runner.NewLineWriter(func(line string) {
			c.Emit(message.Info(line, message.WithPrefix(prefix)))
		})
		stderr := runner.NewLineWriter(func(line string) {
			c.Emit(message.Warning(line, message.WithPrefix(prefix)))
		})
		err := r.Run(ctx, cmd, opts.List("args"), stdout, stderr)
		stdout.Flush()
		stderr.Flush()

		code := runner.ExitCode(err)
		c.Emit(message.Data(fmt.Sprintf("exit status %d", code), code, message.WithName("exit_code")))
		var exitErr *runner.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("%s exited with status %d", cmd, exitErr.Code)
		}
		return err
	}
}

// selectRunner returns override when set, an ssh runner when the invocation
// names an ssh host, and a local runner otherwise. The prefix tags output lines
// with the remote host.
func selectRunner(override runner.Runner, ssh registry.SSHSettings, dir string) (runner.Runner, string) {
	if override != nil {
		return override, ""
	}
	if ssh.Host == "" {
		return runner.LocalRunner{Dir: dir}, ""
	}
	return runner.SSHRunner{
		Host:                        ssh.Host,
		Port:                        ssh.Port,
		User:                        ssh.User,
		KeyPath:                     ssh.KeyPath,
		KnownHostsPath:              ssh.KnownHostsPath,
		InsecureSkipHostKeyChecking: ssh.InsecureSkipHostKeyChecking,
	}, ssh.Host
}
