// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/DiscoveryRelay/pkg/logging"
	"github.com/AleutianAI/DiscoveryRelay/services/relay"
	"github.com/AleutianAI/DiscoveryRelay/services/relay/config"
	"github.com/AleutianAI/DiscoveryRelay/services/relay/middleware"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// flags shared by serve and config.
type flags struct {
	configPath string
	port       int
	logLevel   string
}

func newRootCmd() *cobra.Command {
	var f flags

	rootCmd := &cobra.Command{
		Use:           "relay",
		Short:         "Streaming conversation relay for Discovery Engine and Agentspace",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&f.configPath, "config", "c", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().IntVarP(&f.port, "port", "p", 0, "HTTP port (overrides config and RELAY_PORT)")
	rootCmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), f)
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			cfg.Server.APIKeys = redact(cfg.Server.APIKeys)
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the relay version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	rootCmd.AddCommand(serveCmd, configCmd, versionCmd)
	return rootCmd
}

// loadConfig merges file, environment and flags, then validates.
func loadConfig(f flags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if f.port != 0 {
		cfg.Server.Port = f.port
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func runServe(ctx context.Context, f flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		JSON:    cfg.Logging.JSON,
		Dir:     cfg.Logging.Dir,
		Service: cfg.Telemetry.ServiceName,
	})
	if err != nil {
		return err
	}
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := relay.New(cfg, relay.Options{Logger: logger.Slog()})
	if err != nil {
		slog.Error("failed to initialize relay", "error", err)
		return err
	}
	return svc.Run(ctx)
}

// redact replaces secrets with their key ids.
func redact(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = middleware.KeyID(k)
	}
	return out
}
