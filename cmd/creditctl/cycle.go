package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vnmchuo/llm-metering/internal/ledger"
)

func newReconcileCmd(a *app) *cobra.Command {
	var (
		all    bool
		repair bool
		reason string
	)

	cmd := &cobra.Command{
		Use:   "reconcile [user-id]",
		Short: "Compare cached balances with their recomputed history",
		Long:  "Compare cached balances with their recomputed history. Drift is reported, never corrected, unless --repair is given with a --reason.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			if all {
				if repair {
					return fmt.Errorf("--repair cannot be combined with --all")
				}
				drifts, err := a.cycles.ReconcileAll(cmd.Context())
				for _, d := range drifts {
					_, _ = fmt.Fprintf(out, "drift %s: cached %d, recomputed %d\n", d.UserID, d.Cached, d.Recomputed)
				}
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(out, "Reconciled: %d drifted\n", len(drifts))
				return err
			}

			if len(args) == 0 {
				return fmt.Errorf("user id is required without --all")
			}
			userID := args[0]

			if repair {
				drift, err := a.cycles.Repair(cmd.Context(), userID, reason)
				if err != nil {
					return err
				}
				if drift.Delta() == 0 {
					_, err = fmt.Fprintf(out, "user %s: consistent at %d\n", userID, drift.Recomputed)
					return err
				}
				_, err = fmt.Fprintf(out, "user %s: repaired %d -> %d\n", userID, drift.Cached, drift.Recomputed)
				return err
			}

			err := a.cycles.Reconcile(cmd.Context(), userID)
			var drift *ledger.BalanceDriftError
			if errors.As(err, &drift) {
				_, _ = fmt.Fprintf(out, "user %s: drift, cached %d, recomputed %d\n", userID, drift.Cached, drift.Recomputed)
				return err
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(out, "user %s: consistent\n", userID)
			return err
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Reconcile every user with a balance")
	cmd.Flags().BoolVar(&repair, "repair", false, "Overwrite the cached balance with the recomputed value")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded for a repair")

	return cmd
}

func newRolloverCmd(a *app) *cobra.Command {
	var cycleEnd string

	cmd := &cobra.Command{
		Use:   "rollover <user-id>",
		Short: "Close a billing cycle and carry capped credits forward",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			end, err := parseTime(cycleEnd)
			if err != nil {
				return err
			}

			res, err := a.cycles.CalculateRollover(cmd.Context(), args[0], end)
			if err != nil {
				return err
			}
			if !res.Applied {
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "user %s: cycle ending %s already closed\n",
					res.UserID, res.CycleEnd.Format(time.RFC3339))
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "user %s: balance %d, carried %d, forfeited %d\n",
				res.UserID, res.Balance, res.Carried, res.Forfeited)
			return err
		},
	}

	cmd.Flags().StringVar(&cycleEnd, "cycle-end", "", "End of the cycle being closed (RFC3339 or YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("cycle-end")

	return cmd
}
