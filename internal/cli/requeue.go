// Copyright 2025 PDRWeb
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRequeueCommand resets rejected records back to PENDING directly against
// the holding store, for operators without access to the admin API.
func NewRequeueCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue RECORD_ID...",
		Short: "Requeue rejected records for another validation pass",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.LoadConfig()
			if err != nil {
				return err
			}
			logger := opts.Logger()

			stores, err := openStores(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer stores.Close()

			var failed int
			for _, id := range args {
				if err := stores.Intake.Requeue(cmd.Context(), id); err != nil {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", id, err)
					failed++
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: requeued\n", id)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d records could not be requeued", failed, len(args))
			}
			return nil
		},
	}
}
