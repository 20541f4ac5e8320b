package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const banner = `
  ┌─┐┌─┐┌┬┐┌─┐┌─┐┬  ┌─┐┌─┐┌┬┐
  │  ├─┤││││ │├┤ │  ├┤ ├┤  │
  └─┘┴ ┴┴ ┴└─┘└  ┴─┘└─┘└─┘ ┴
`

var (
	logLevel  string
	logFormat string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "camofleet",
		Short: "Fleet manager for headless and virtualised browser sessions",
		Long: `Camofleet runs disposable browser sessions across a fleet of nodes.

One binary carries all four services:

  • runner      owns sessions on a node (browser servers, VNC chains)
  • worker      forwards the session API to its runner
  • control     routes clients across workers and merges their views
  • vnc-gateway fronts per-session VNC listeners on one public port`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "json", "Log format (json, text)")

	rootCmd.AddCommand(
		runnerCmd(),
		workerCmd(),
		controlCmd(),
		vncGatewayCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "\033[31mError:\033[0m %s\n", err)
		os.Exit(1)
	}
}

// printBanner prints the Camofleet ASCII art banner.
func printBanner() {
	fmt.Print(banner)
}

// serviceContext returns a context cancelled by SIGINT or SIGTERM.
func serviceContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// newLogger builds the process logger from the persistent flags.
func newLogger(service string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(logLevel)}
	var handler slog.Handler
	if strings.EqualFold(logFormat, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler).With("service", service)
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
