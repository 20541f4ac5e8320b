package main

import (
	"github.com/spf13/cobra"

	"github.com/camofleet/camofleet/internal/config"
	"github.com/camofleet/camofleet/internal/worker"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the worker forwarding service",
		Long: `Start the worker service.

The worker fronts one runner: it forwards the session API, stamps
sessions with its worker id, bridges automation WebSockets and reports
combined health.

Configuration comes from WORKER_* environment variables.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := serviceContext()
			defer stop()

			cfg, err := config.LoadWorker(ctx)
			if err != nil {
				return err
			}
			logger := newLogger("worker")
			for _, warning := range cfg.Warnings() {
				logger.Warn(warning)
			}

			srv := worker.NewServer(cfg, logger, version)
			defer srv.Close()
			return srv.ListenAndServe(ctx)
		},
	}
}
