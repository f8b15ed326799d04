package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vnmchuo/llm-metering/internal/ledger"
)

func newBalanceCmd(a *app) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "balance <user-id>",
		Short: "Show a user's credit balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bal, err := a.ledger.GetBalance(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			view := bal.View()
			if asJSON {
				return writeJSON(cmd, view)
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(), "user %s: remaining %d, total %d, used %d, rollover %d\n",
				bal.UserID, view.RemainingCredits, view.TotalCredits, view.UsedCredits, view.RolloverCredits)
			return err
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the balance as JSON")
	return cmd
}

func newGrantCmd(a *app) *cobra.Command {
	var (
		amount    int64
		source    string
		reason    string
		reference string
	)

	cmd := &cobra.Command{
		Use:   "grant <user-id>",
		Short: "Allocate credits to a user",
		Long:  "Allocate credits to a user. A negative amount claws credits back. Repeating a grant with the same --reference is a no-op.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alloc, applied, err := a.ledger.Allocate(cmd.Context(), &ledger.Allocation{
				UserID:    args[0],
				Source:    ledger.Source(source),
				Amount:    amount,
				Reason:    reason,
				Reference: reference,
			})
			if err != nil {
				return err
			}

			verb := "Granted"
			if !applied {
				verb = "Already granted"
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %d credits to %s (allocation %s, reference %s)\n",
				verb, alloc.Amount, alloc.UserID, alloc.ID, alloc.Reference)
			return err
		},
	}

	cmd.Flags().Int64Var(&amount, "amount", 0, "Credits to allocate")
	cmd.Flags().StringVar(&source, "source", string(ledger.SourceManual), "Allocation source: manual or bonus")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the allocation")
	cmd.Flags().StringVar(&reference, "reference", "", "Idempotency reference for the grant")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func newAllocationsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "allocations <user-id>",
		Short: "List a user's credit allocations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			allocs, err := a.ledger.ListAllocations(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd, allocs)
		},
	}
}
