// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

// Package cli wires the datapipe commands: the long-running service plus
// operator tooling for the dead letter queue and record requeues.
package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/PDRWeb/analytics-pipeline/internal/config"
)

// RootOptions holds global flags shared by all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
}

// NewRootCommand creates the root command for the datapipe CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "datapipe",
		Short:         "Validation and staged-sync pipeline for analytics records",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to YAML config (defaults to built-in sqlite dev config)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewRequeueCommand(opts))
	cmd.AddCommand(NewDLQCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))

	return cmd
}

// LoadConfig resolves the effective configuration for a command run.
func (o *RootOptions) LoadConfig() (*config.Config, error) {
	if o.ConfigPath == "" {
		return config.Default(), nil
	}
	return config.Load(o.ConfigPath)
}

// Logger builds the process logger honoring the verbose flag.
func (o *RootOptions) Logger() *slog.Logger {
	level := slog.LevelInfo
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
