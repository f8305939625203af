// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// NewDLQCommand groups dead letter queue operations.
func NewDLQCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and manage the dead letter queue",
	}
	cmd.AddCommand(newDLQStatsCommand(opts))
	cmd.AddCommand(newDLQPurgeCommand(opts))
	return cmd
}

func newDLQStatsCommand(opts *RootOptions) *cobra.Command {
	var windowHours int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print dead letter statistics and the data quality score",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.LoadConfig()
			if err != nil {
				return err
			}
			stores, err := openStores(cmd.Context(), cfg, opts.Logger())
			if err != nil {
				return err
			}
			defer stores.Close()

			stats, err := stores.DLQ.GetStats(cmd.Context(), time.Duration(windowHours)*time.Hour)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(stats, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().IntVar(&windowHours, "window", 24, "trailing window in hours for the quality score")
	return cmd
}

func newDLQPurgeCommand(opts *RootOptions) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every dead letter entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to purge without --yes")
			}
			cfg, err := opts.LoadConfig()
			if err != nil {
				return err
			}
			stores, err := openStores(cmd.Context(), cfg, opts.Logger())
			if err != nil {
				return err
			}
			defer stores.Close()

			purged, err := stores.DLQ.Purge(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d entries\n", purged)
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the purge")
	return cmd
}
