package main

import (
	"github.com/spf13/cobra"

	"github.com/camofleet/camofleet/internal/config"
	"github.com/camofleet/camofleet/internal/control"
)

func controlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "control",
		Short: "Start the fleet control plane",
		Long: `Start the control-plane service.

The control plane is the public entry point: it picks a worker for each
new session, fans requests out across the fleet, rewrites VNC and
WebSocket endpoints for external consumption and aggregates health.

Configuration comes from CONTROL_* environment variables.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := serviceContext()
			defer stop()

			cfg, err := config.LoadControl(ctx)
			if err != nil {
				return err
			}
			logger := newLogger("control")
			for _, warning := range cfg.Warnings() {
				logger.Warn(warning)
			}

			srv := control.NewServer(cfg, logger, version)
			defer srv.Close()
			return srv.ListenAndServe(ctx)
		},
	}
}
