// SPDX-License-Identifier: AGPL-3.0-or-later

/*

Fuseline - A distributed workflow engine: step graphs, a broker, and workers coordinating over a pluggable runtime store.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jsam/fuseline/pkg/config"
	"github.com/jsam/fuseline/pkg/logging"
	"github.com/jsam/fuseline/pkg/metrics"
	httptransport "github.com/jsam/fuseline/pkg/transport/http"
	"github.com/jsam/fuseline/pkg/worker"
)

// NewWorkerRootCommand constructs the fuseline-worker root command.
func NewWorkerRootCommand() *cobra.Command {
	version := os.Getenv("FUSELINE_VERSION")
	if version == "" {
		version = "0.0.0-dev"
	}

	cmd := &cobra.Command{
		Use:           "fuseline-worker",
		Short:         "fuseline-worker – polls a Fuseline broker and executes ready steps",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("config", "c", "", "path to fuseline-worker config YAML")

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of fuseline-worker",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fuseline-worker version %s\n", version)
		},
	})
	cmd.AddCommand(newRunCommand())

	return cmd
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run [workflow-locator ...]",
		Short: "Register named workflows with the broker and execute ready steps as they are leased",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.LoadWorker(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			workflows, err := worker.Resolve(args)
			if err != nil {
				return err
			}

			log := logging.NewLogger(parseLevel(cfg.LogLevel))
			defer log.Sync() //nolint:errcheck

			client := httptransport.NewClient(cfg.BrokerURL)
			workerMetrics := metrics.NewWorker("fuseline_worker")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			for i := 0; i < cfg.Processes; i++ {
				g.Go(func() error {
					w := worker.New(client, workflows,
						worker.WithLogger(log),
						worker.WithMetrics(workerMetrics),
						worker.WithPollInterval(cfg.PollInterval),
					)
					if err := w.Register(gctx); err != nil {
						return fmt.Errorf("registering worker: %w", err)
					}
					for {
						if _, err := w.Work(gctx, true); err != nil {
							if gctx.Err() != nil {
								return nil
							}
							return err
						}
					}
				})
			}

			log.Info("starting fuseline-worker",
				logging.NewField("broker_url", cfg.BrokerURL),
				logging.NewField("processes", cfg.Processes),
				logging.NewField("workflows", args),
			)
			return g.Wait()
		},
	}
}
