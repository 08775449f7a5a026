// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Command modbus-node serves the node's assemblies over Modbus TCP.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ffutop/modbus-node/internal/config"
	"github.com/ffutop/modbus-node/internal/node"
)

var version = "dev"

var configFile string

var rootCmd = &cobra.Command{
	Use:   "modbus-node",
	Short: "Modbus TCP adapter for the node's process data assemblies",
	Long: `modbus-node exposes three shared assemblies as Modbus registers:

  Input registers    0-15   Input Assembly 100 (read-only)
  Holding registers  100-115 Output Assembly 150
  Holding registers  150-154 Config Assembly 151

Function codes 03, 04, 06 and 16 are served; everything else is answered
with Illegal Function.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	Args:          cobra.NoArgs,
	RunE:          runNode,
}

func init() {
	flags := rootCmd.Flags()
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default: /etc/modbus-node/config.yaml, $HOME/.modbus-node/config.yaml, ./config.yaml)")
	flags.StringP("log-level", "v", "info", "Log verbosity level (debug, info, warn, error)")
	flags.StringP("log-file", "L", "", "Log file name ('-' for logging to STDOUT only)")
	flags.StringP("address", "A", "0.0.0.0:502", "Modbus TCP address to bind")
	flags.String("persistence", "memory", "Assembly storage: memory, file, mmap, sql")
	flags.String("persistence-path", "", "Image file or SQLite database for persistent storage")
	flags.String("metrics-address", "", "Prometheus /metrics address, empty disables")

	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	// Load Configuration
	cfg, err := config.LoadConfig(configFile, cmd.Flags())
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	closer := setupLogger(cfg.Log)
	defer closer.Close()

	slog.Info("Starting Modbus node...", "version", version, "address", cfg.Modbus.Address, "persistence", cfg.Persistence.Type)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n := node.New(cfg)
	if err := n.Start(ctx); err != nil {
		return err
	}
	slog.Info("Goodbye.")
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func setupLogger(cfg config.LogConfig) io.Closer {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var handler slog.Handler
	var closer io.Closer = nopCloser{}
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stdout: %v\n", err)
			handler = slog.NewTextHandler(os.Stdout, opts)
		} else {
			handler = slog.NewTextHandler(f, opts)
			closer = f
		}
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
	return closer
}
