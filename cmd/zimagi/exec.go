package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zimagi/zimagi-sub000/internal/config"
	"github.com/zimagi/zimagi-sub000/internal/message"
	"github.com/zimagi/zimagi-sub000/internal/registry"
)

func execCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec <command...> [key=value...]",
		Short: "Run a command and stream its messages",
		Long: `Run a command through the dispatcher and print its messages as they arrive.

Words up to the first key=value argument name the command; the rest are
options. The process exits 0 on success and 1 on failure, inverted when
reverse_status=true.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, opts, err := parseExecArgs(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := openApp(ctx, "exec", nil)
			if err != nil {
				return err
			}
			defer a.Close()
			stop := a.WatchSignals(ctx)
			defer stop()

			ctx, cancel := context.WithCancel(ctx)
			defer cancel()
			if a.Config.Queue.Backend == config.BackendMemory {
				go func() { _ = a.Work(ctx) }()
			}

			action, err := a.Registry.Resolve(name)
			if err != nil {
				return err
			}
			ch, _, err := a.Dispatcher.Stream(ctx, name, opts, nil)
			if err != nil {
				return err
			}
			resp := message.NewResponse(action.Name())
			printMessages(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr(), ch, resp, opts.Bool(registry.OptDebug))
			if code := message.ExitCode(resp, opts.Bool(registry.OptReverseStatus)); code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}
}

// parseExecArgs splits leading command words from key=value options.
func parseExecArgs(args []string) (string, registry.Options, error) {
	var words []string
	opts := registry.Options{}
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok {
			if len(opts) > 0 {
				return "", nil, fmt.Errorf("unexpected argument %q after options", arg)
			}
			words = append(words, arg)
			continue
		}
		if key == "" {
			return "", nil, fmt.Errorf("empty option name in %q", arg)
		}
		opts[key] = value
	}
	if len(words) == 0 {
		return "", nil, fmt.Errorf("command name is required")
	}
	return strings.Join(words, " "), opts, nil
}

func printMessages(ctx context.Context, out, errOut io.Writer, ch *message.Channel, resp *message.Response, debug bool) {
	for m := range ch.Messages(ctx) {
		resp.Add(m)
		if m.Silent || m.System {
			continue
		}
		if !debug {
			m.Traceback = nil
		}
		w := out
		if m.IsError() {
			w = errOut
		}
		fmt.Fprintln(w, m.Format())
	}
}
