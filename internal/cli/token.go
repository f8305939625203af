// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/PDRWeb/analytics-pipeline/pipeline"
)

// NewTokenCommand mints an operator token for the admin endpoints.
func NewTokenCommand(opts *RootOptions) *cobra.Command {
	var operator string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token for the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.LoadConfig()
			if err != nil {
				return err
			}
			if cfg.API.JWTSecret == "" {
				return fmt.Errorf("no jwt_secret configured (set api.jwt_secret or PIPELINE_JWT_SECRET)")
			}
			token, err := pipeline.NewAdminJWT(cfg.API.JWTSecret).GenerateToken(operator, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "admin", "operator name placed in the token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
