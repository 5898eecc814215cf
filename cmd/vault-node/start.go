package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gezibash/vault-node/internal/config"
	"github.com/gezibash/vault-node/internal/observability"
	"github.com/gezibash/vault-node/internal/vault"

	// Register storage backends.
	_ "github.com/gezibash/vault-node/internal/attrindex/physical/memory"
	_ "github.com/gezibash/vault-node/internal/attrindex/physical/sqlite"
	_ "github.com/gezibash/vault-node/internal/entitystore/physical/badger"
	_ "github.com/gezibash/vault-node/internal/entitystore/physical/memory"
	_ "github.com/gezibash/vault-node/internal/entitystore/physical/s3"
)

const shutdownGrace = 30 * time.Second

func newStartCmd() *cobra.Command {
	v := viper.New()
	var configFile string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the storage service",
		Long: `Start the storage service.

Examples:
  vault-node start
  vault-node start --mode ledger --gateway-url http://ledger-gw:8080
  vault-node start --redis-addr localhost:6379
  vault-node start --config /etc/vault-node/vault.hcl`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx := cmd.Context()

			obs, err := observability.New(ctx, observability.ObsConfig{
				LogLevel:       cfg.Observability.LogLevel,
				LogFormat:      cfg.Observability.LogFormat,
				OTLPEndpoint:   cfg.Observability.OTLPEndpoint,
				OTLPProtocol:   cfg.Observability.OTLPProtocol,
				ServiceName:    cfg.Observability.ServiceName,
				ServiceVersion: cfg.Observability.ServiceVersion,
			}, os.Stderr)
			if err != nil {
				return fmt.Errorf("init observability: %w", err)
			}

			if cfg.Observability.MetricsAddr != "" {
				obs.ServeMetrics(ctx, cfg.Observability.MetricsAddr)
			}

			svc, err := vault.New(ctx, cfg, obs)
			if err != nil {
				return fmt.Errorf("start service: %w", err)
			}

			obs.Logger.Info("vault-node started",
				"mode", cfg.Storage.Mode,
				"chunk_size", cfg.Limits.ChunkSize,
				"batch_size", cfg.Ingest.BatchSize,
			)

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			<-stop

			obs.Logger.Info("shutting down, draining writers")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()

			svc.Close(shutdownCtx)
			return obs.Close(shutdownCtx)
		},
	}

	config.BindServeFlags(cmd, v)
	cmd.Flags().StringVar(&configFile, "config", "", "config file path")

	return cmd
}
