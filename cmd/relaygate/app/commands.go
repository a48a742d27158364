// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the relaygate command-line application.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/relaygate/pkg/config"
	"github.com/stacklok/relaygate/pkg/logger"
	"github.com/stacklok/relaygate/pkg/server"
	"github.com/stacklok/relaygate/pkg/versions"
)

var rootCmd = &cobra.Command{
	Use:               "relaygate",
	DisableAutoGenTag: true,
	Short:             "OAuth relay and token gate for MCP servers",
	Long: `relaygate fronts an MCP (Model Context Protocol) server with an OAuth 2.0
authorization relay. MCP clients authorize against relaygate with PKCE, the
flow is relayed to an upstream identity provider, and every MCP request is
gated on a bearer token validated against the upstream userinfo endpoint
through a bounded in-memory cache.`,
	Run: func(cmd *cobra.Command, _ []string) {
		// If no subcommand is provided, print help
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the relaygate CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true

	return rootCmd
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		Long: `Start the relay server with the transport and upstream identity provider
taken from the environment. The server runs until it receives SIGINT or
SIGTERM.`,
		RunE: runServe,
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			info := versions.GetVersionInfo()
			fmt.Printf("relaygate %s (commit %s, built %s, %s, %s)\n",
				info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
		},
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("configuration loading failed: %w", err)
	}

	logger.Infow("configuration loaded",
		"server_name", cfg.ServerName,
		"transport", cfg.Transport,
		"auth_enabled", cfg.AuthEnabled,
	)

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Run(ctx)
}
