package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/zimagi/zimagi-sub000/internal/app"
	"github.com/zimagi/zimagi-sub000/internal/builtin"
	"github.com/zimagi/zimagi-sub000/internal/config"
	"github.com/zimagi/zimagi-sub000/internal/logging"
	"github.com/zimagi/zimagi-sub000/internal/observability"
)

var flagConfig string

// exitError carries a command exit status out of RunE.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	logging.ConfigureRuntime()
	root := rootCmd()
	if err := root.Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		fmt.Fprintf(os.Stderr, "zimagi: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "zimagi",
		Short:         "Distributed command execution",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       builtin.Version,
	}
	root.SetVersionTemplate("zimagi {{.Version}} (" + runtime.Version() + ")\n")
	root.PersistentFlags().StringVar(&flagConfig, "config", os.Getenv("ZIMAGI_CONFIG"), "config file (or ZIMAGI_CONFIG)")

	root.AddCommand(execCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(workerCmd())
	root.AddCommand(schemaCmd())
	root.AddCommand(configCmd())
	return root
}

func loadConfig() (config.Config, error) {
	return config.Load(flagConfig)
}

// openApp loads the config and builds the application context for component.
func openApp(ctx context.Context, component string, mutate func(*config.Config)) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(&cfg)
		if err := config.Validate(cfg); err != nil {
			return nil, err
		}
	}
	logger := observability.InitLogger("zimagi-" + component)
	return app.New(ctx, cfg, app.WithLogger(logger))
}
