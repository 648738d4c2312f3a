package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/gregfielding/hrx-god-view-sub021/modules/crm/services"
)

type reconcileOptions struct {
	Tenant    string
	DryRun    bool
	BatchSize int
}

func newReconcileCmd() *cobra.Command {
	var opts reconcileOptions

	cmd := &cobra.Command{
		Use:   "reconcile --tenant <uuid> [--dry-run]",
		Short: "Rebuild expected snapshots for a tenant and repair drift",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := newEnv(cmd.Context(), opts.Tenant)
			if err != nil {
				return err
			}
			defer e.Close()

			report, err := e.reconciliation.Run(e.ctx, services.RunOptions{
				DryRun:    opts.DryRun,
				BatchSize: opts.BatchSize,
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}

	cmd.Flags().StringVar(&opts.Tenant, "tenant", "", "tenant UUID")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report drift without writing repairs")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 200, "entities per batch")

	return cmd
}
