package main

import (
	"github.com/spf13/cobra"

	"github.com/camofleet/camofleet/internal/config"
	"github.com/camofleet/camofleet/internal/vncgateway"
)

func vncGatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vnc-gateway",
		Short: "Start the VNC viewer gateway",
		Long: `Start the VNC gateway service.

The gateway exposes one public endpoint in front of many per-session
VNC listeners: viewer assets are reverse-proxied and the websockify
WebSocket is relayed onto the raw RFB stream selected by target_port.

Configuration comes from VNCGATEWAY_* environment variables.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := serviceContext()
			defer stop()

			cfg, err := config.LoadGateway(ctx)
			if err != nil {
				return err
			}
			logger := newLogger("vnc-gateway")
			for _, warning := range cfg.Warnings() {
				logger.Warn(warning)
			}

			srv := vncgateway.NewServer(cfg, logger)
			defer srv.Close()
			return srv.ListenAndServe(ctx)
		},
	}
}
