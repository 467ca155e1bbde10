package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/timrozday-mgnify/emgapi-v2/internal/reconcile"
)

var reconcileOlderThan time.Duration

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one zombie-run reconciliation sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if err := a.store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		sweeper := a.reconciler
		if reconcileOlderThan > 0 {
			sweeper = reconcile.NewReconciler(a.store, a.cluster, reconcileOlderThan, a.logger)
		}

		report, err := sweeper.Reconcile(ctx)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

func init() {
	reconcileCmd.Flags().DurationVar(&reconcileOlderThan, "older-than", 0,
		"staleness threshold for this sweep (default: configured tolerance)")
}
