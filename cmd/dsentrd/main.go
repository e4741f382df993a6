// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// dsentrd is the workflow automation daemon: HTTP and webhook surfaces, the
// run queue workers, and the scheduler, in one process.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/jasonrsadler/dsentr/internal/config"
	"github.com/jasonrsadler/dsentr/internal/daemon"
	"github.com/jasonrsadler/dsentr/internal/log"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		listenAddr string
		backend    string
		workers    int
	)

	cmd := &cobra.Command{
		Use:           "dsentrd",
		Short:         "dsentr workflow automation daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := log.New(log.FromEnv())
			slog.SetDefault(logger)

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			applyFlagOverrides(cfg, cmd.Flags(), listenAddr, backend, workers)

			d, err := daemon.New(cfg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return d.Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address")
	cmd.Flags().StringVar(&backend, "backend", "", "store backend: postgres, sqlite, memory")
	cmd.Flags().IntVar(&workers, "workers", 0, "worker count")
	return cmd
}

func applyFlagOverrides(cfg *config.Config, flags *pflag.FlagSet, listenAddr, backend string, workers int) {
	if flags.Changed("listen") {
		cfg.ListenAddr = listenAddr
	}
	if flags.Changed("backend") {
		cfg.Backend = backend
	}
	if flags.Changed("workers") && workers > 0 {
		cfg.WorkerCount = workers
	}
}
