package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/easytunnel/internal/agent"
	"github.com/matst80/easytunnel/internal/config"
	"github.com/matst80/easytunnel/internal/obs"
	"github.com/spf13/cobra"
)

func main() {
	var (
		configPath  string
		metricsAddr string
		debug       bool
	)
	rootCmd := &cobra.Command{
		Use:   "easytunnel-agent",
		Short: "Private side of the easytunnel reverse TCP tunnel",
		Long: `easytunnel-agent registers remote ports on a relay and forwards every
inbound connection the relay announces to a local service.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			obs.EnableDebug(debug)
			return runAgent(cmd.Context(), configPath, metricsAddr)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", config.AgentFile, "path to the agent configuration file")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics", "", "metrics and health listen address (empty disables)")
	rootCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logs")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		obs.Error("agent.fatal", obs.Fields{"err": err})
		stop()
		os.Exit(1)
	}
}

func runAgent(ctx context.Context, configPath, metricsAddr string) error {
	cfg, created, err := config.LoadAgent(configPath)
	if err != nil {
		return err
	}
	if created {
		obs.Info("agent.config.created", obs.Fields{"path": configPath})
	}
	a := agent.New(agent.OptionsFromConfig(cfg), cfg.Pairs())
	if metricsAddr != "" {
		go startMetricsServer(ctx, metricsAddr, a)
	}
	return a.Run(ctx)
}
