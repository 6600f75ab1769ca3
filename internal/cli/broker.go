// SPDX-License-Identifier: AGPL-3.0-or-later

/*

Fuseline - A distributed workflow engine: step graphs, a broker, and workers coordinating over a pluggable runtime store.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

// Package cli wires together the Cobra root commands for the
// fuseline-broker and fuseline-worker binaries. Per the package's
// scope, it only parses flags/env and calls into pkg/broker,
// pkg/worker, and pkg/transport/http — no scheduling logic lives here.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jsam/fuseline/pkg/broker"
	"github.com/jsam/fuseline/pkg/config"
	"github.com/jsam/fuseline/pkg/logging"
	"github.com/jsam/fuseline/pkg/metrics"
	"github.com/jsam/fuseline/pkg/storage"
	"github.com/jsam/fuseline/pkg/storage/memory"
	"github.com/jsam/fuseline/pkg/storage/postgres"
	httptransport "github.com/jsam/fuseline/pkg/transport/http"
)

// NewBrokerRootCommand constructs the fuseline-broker root command.
func NewBrokerRootCommand() *cobra.Command {
	version := os.Getenv("FUSELINE_VERSION")
	if version == "" {
		version = "0.0.0-dev"
	}

	cmd := &cobra.Command{
		Use:           "fuseline-broker",
		Short:         "fuseline-broker – central coordinator for Fuseline workflow execution",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("config", "c", "", "path to fuseline-broker config YAML")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of fuseline-broker",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fuseline-broker version %s\n", version)
		},
	})
	cmd.AddCommand(newServeCommand())

	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the broker HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.LoadBroker(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			log := logging.NewLogger(parseLevel(cfg.LogLevel))
			defer log.Sync() //nolint:errcheck

			store, closeStore, err := openBrokerStorage(cmd.Context(), cfg.Storage)
			if err != nil {
				return err
			}
			defer closeStore()

			b := broker.New(store, cfg.WorkerTTL)
			brokerMetrics := metrics.NewBroker("fuseline_broker")
			server := httptransport.NewServer(b, log, brokerMetrics)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info("starting fuseline-broker",
				logging.NewField("listen_addr", cfg.ListenAddr),
				logging.NewField("storage_driver", cfg.Storage.Driver),
			)
			return server.ListenAndServe(ctx, cfg.ListenAddr)
		},
	}
}

func openBrokerStorage(ctx context.Context, cfg config.StorageConfig) (storage.RuntimeStorage, func(), error) {
	switch cfg.Driver {
	case "postgres":
		store, err := postgres.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres storage: %w", err)
		}
		return store, store.Close, nil
	default:
		return memory.New(), func() {}, nil
	}
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}
