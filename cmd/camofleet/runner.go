package main

import (
	"github.com/spf13/cobra"

	"github.com/camofleet/camofleet/internal/config"
	"github.com/camofleet/camofleet/internal/runner"
)

func runnerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runner",
		Short: "Start the node-local session runner",
		Long: `Start the runner service.

The runner owns the browser sessions on one node: it launches browser
servers and virtual display chains, keeps a prewarm pool topped up,
reaps idle sessions and serves the node-local session API.

Configuration comes from RUNNER_* environment variables.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := serviceContext()
			defer stop()

			cfg, err := config.LoadRunner(ctx)
			if err != nil {
				return err
			}
			logger := newLogger("runner")
			for _, warning := range cfg.Warnings() {
				logger.Warn(warning)
			}

			manager := runner.NewManager(cfg, logger)
			srv := runner.NewServer(cfg, manager, logger, version)
			srv.Start(ctx)
			defer srv.Close()
			return srv.ListenAndServe(ctx)
		},
	}
}
