package main

import (
	"github.com/spf13/cobra"

	"github.com/zimagi/zimagi-sub000/internal/config"
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the command API and run schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, "server", func(cfg *config.Config) {
				if addr != "" {
					cfg.Server.Addr = addr
				}
			})
			if err != nil {
				return err
			}
			defer a.Close()
			stop := a.WatchSignals(ctx)
			defer stop()
			return a.Serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}

func workerCmd() *cobra.Command {
	var (
		workers    int
		workerType string
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run queued commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, "worker", func(cfg *config.Config) {
				if workers > 0 {
					cfg.Queue.Workers = workers
				}
				if workerType != "" {
					cfg.Queue.WorkerType = workerType
				}
			})
			if err != nil {
				return err
			}
			defer a.Close()
			stop := a.WatchSignals(ctx)
			defer stop()
			return a.Work(ctx)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "worker goroutines (overrides queue.workers)")
	cmd.Flags().StringVar(&workerType, "type", "", "worker type to consume (overrides queue.worker_type)")
	return cmd
}
