package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/easytunnel/internal/config"
	"github.com/matst80/easytunnel/internal/obs"
	"github.com/matst80/easytunnel/internal/relay"
	"github.com/spf13/cobra"
)

func main() {
	var (
		configPath  string
		metricsAddr string
		debug       bool
	)
	rootCmd := &cobra.Command{
		Use:   "easytunnel-relay",
		Short: "Public side of the easytunnel reverse TCP tunnel",
		Long: `easytunnel-relay accepts agent control connections, binds the remote
ports they ask for and pairs every inbound connection with a forward
connection dialed back by the owning agent.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			obs.EnableDebug(debug)
			return runRelay(cmd.Context(), configPath, metricsAddr)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.RelayFile, "path to the relay configuration file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logs")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics", ":9100", "metrics, health and dashboard listen address (empty disables)")
	rootCmd.AddCommand(directoryCmd(&configPath))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		obs.Error("relay.fatal", obs.Fields{"err": err})
		stop()
		os.Exit(1)
	}
}

func runRelay(ctx context.Context, configPath, metricsAddr string) error {
	cfg, created, err := config.LoadRelay(configPath)
	if err != nil {
		return err
	}
	if created {
		obs.Info("relay.config.created", obs.Fields{"path": configPath})
	}
	dir, err := relay.NewDirectory(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return fmt.Errorf("directory: %w", err)
	}
	defer dir.Close()

	srv := relay.New(relay.OptionsFromConfig(cfg, dir))
	obs.Info("relay.start", obs.Fields{"addr": cfg.ListenAddr(), "metrics": metricsAddr, "redis": cfg.RedisAddr != ""})
	if metricsAddr != "" {
		go startMetricsServer(ctx, metricsAddr, srv)
	}
	if err := srv.ListenAndServe(ctx, cfg.ListenAddr()); err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr(), err)
	}
	obs.Info("relay.stopped", obs.Fields{})
	return nil
}

// directoryCmd prints the registration directory, which spans every relay instance
// sharing the configured Redis.
func directoryCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "directory",
		Short: "List remote port registrations known to the directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := config.LoadRelay(*configPath)
			if err != nil {
				return err
			}
			dir, err := relay.NewDirectory(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
			if err != nil {
				return err
			}
			defer dir.Close()
			recs, err := dir.List(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(recs)
		},
	}
}
