// Copyright 2025 Galad Dirie
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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/galaddirie/flowline/internal/config"
	"github.com/galaddirie/flowline/internal/daemon"
	"github.com/galaddirie/flowline/internal/log"
	"github.com/galaddirie/flowline/internal/tracing"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath string
		addr       string
		backend    string
		dbPath     string
	)

	root := &cobra.Command{
		Use:   "flowlined",
		Short: "Flowline workflow collaboration daemon",
		Long: `flowlined hosts collaborative workflow editing sessions and runs
workflow executions. It serves the editing API, webhook trigger
endpoints, health, and metrics on a single HTTP listener.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath, addr, backend, dbPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	root.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	root.Flags().StringVar(&backend, "backend", "", "Storage backend: sqlite or memory (overrides config)")
	root.Flags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(configPath, addr, backend, dbPath)
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	serveCmd.Flags().StringVar(&backend, "backend", "", "Storage backend: sqlite or memory (overrides config)")
	serveCmd.Flags().StringVar(&dbPath, "db", "", "SQLite database path (overrides config)")
	root.AddCommand(serveCmd)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("flowlined %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func serve(configPath, addr, backend, dbPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if backend != "" {
		cfg.Storage.Backend = backend
	}
	if dbPath != "" {
		cfg.Storage.Path = dbPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := buildLogger(cfg.Log)
	slog.SetDefault(logger)

	shutdownTracing, err := tracing.Setup(tracing.Config{
		Exporter:       cfg.Observability.TraceExporter,
		ServiceName:    "flowlined",
		ServiceVersion: version,
	})
	if err != nil {
		return err
	}

	d, err := daemon.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting flowlined",
		"version", version,
		"addr", cfg.Server.Addr,
		"backend", cfg.Storage.Backend)

	runErr := d.Run(ctx)
	if err := shutdownTracing(context.Background()); err != nil {
		logger.Warn("trace exporter shutdown incomplete", log.Error(err))
	}
	return runErr
}

// buildLogger merges file configuration into the environment-derived
// logging config. Environment variables win.
func buildLogger(cfg config.LogConfig) *slog.Logger {
	lc := log.FromEnv()
	envLevel := os.Getenv("FLOWLINE_DEBUG") != "" ||
		os.Getenv("FLOWLINE_LOG_LEVEL") != "" ||
		os.Getenv("LOG_LEVEL") != ""
	if !envLevel && cfg.Level != "" {
		lc.Level = cfg.Level
	}
	if os.Getenv("LOG_FORMAT") == "" && cfg.Format != "" {
		lc.Format = log.Format(cfg.Format)
	}
	if cfg.Source {
		lc.AddSource = true
	}
	return log.New(lc)
}
