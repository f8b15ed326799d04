package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

type wireFunc func(ctx context.Context) (*app, error)

func newRootCmd(wire wireFunc) *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "creditctl",
		Short:         "Operate the credit ledger: balances, grants, reconciliation and tier changes",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			wired, err := wire(cmd.Context())
			if err != nil {
				return err
			}
			*a = *wired
			return nil
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if a.close != nil {
				a.close()
			}
		},
	}

	rootCmd.AddCommand(
		newBalanceCmd(a),
		newGrantCmd(a),
		newAllocationsCmd(a),
		newReconcileCmd(a),
		newRolloverCmd(a),
		newProrateCmd(a),
		newMigrateCmd(a),
	)

	return rootCmd
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseTime accepts RFC3339 or a plain date, read as midnight UTC.
func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC3339 or YYYY-MM-DD", raw)
	}
	return t, nil
}
