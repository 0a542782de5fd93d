// Command mcpfleet runs the MCP fleet runtime backing the realtime voice
// assistant: it supervises the configured tool servers and serves the
// catalog, invocation, and resource-event APIs.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/voicebridge/mcpfleet/internal/config"
	"github.com/voicebridge/mcpfleet/internal/observability"
	"github.com/voicebridge/mcpfleet/internal/runtime"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:     "mcpfleet",
		Short:   "MCP fleet runtime",
		Long:    "Supervises MCP tool servers and serves the aggregated catalog, tool invocation, and resource event APIs.",
		Version: version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to fleet.yaml (defaults apply when absent)")

	root.AddCommand(newServeCmd(&configPath))
	root.AddCommand(newValidateCmd(&configPath))
	return root
}

func newServeCmd(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the fleet and serve the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			logger := observability.NewLogger(observability.LogConfig{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
			})
			metrics := observability.NewMetrics()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := runtime.New(ctx, cfg, logger, metrics)
			if err != nil {
				return err
			}
			logger.Info("starting mcpfleet", "version", version, "addr", cfg.Server.Addr)
			return rt.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func newValidateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the service and server configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			logger := observability.NewLogger(observability.LogConfig{
				Level:  "warn",
				Format: cfg.Logging.Format,
			})
			defs, err := config.LoadServers(cfg.ServersPath, logger)
			if err != nil {
				return err
			}

			enabled := 0
			for _, def := range defs {
				if def.Enabled {
					enabled++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d servers (%d enabled), listen %s\n",
				len(defs), enabled, cfg.Server.Addr)
			return nil
		},
	}
}
