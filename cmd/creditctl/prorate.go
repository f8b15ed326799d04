package main

import (
	"time"

	"github.com/spf13/cobra"
)

func newProrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prorate",
		Short: "Quote, apply, resume or reverse mid-cycle tier changes",
	}

	cmd.AddCommand(
		newProratePreviewCmd(a),
		newProrateApplyCmd(a),
		newProrateReverseCmd(a),
		newProrateResumeCmd(a),
	)

	return cmd
}

type tierChangeFlags struct {
	from string
	to   string
	at   string
}

func (f *tierChangeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.from, "from", "", "Current tier")
	cmd.Flags().StringVar(&f.to, "to", "", "Target tier")
	cmd.Flags().StringVar(&f.at, "at", "", "Effective time (RFC3339 or YYYY-MM-DD), default now")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
}

func (f *tierChangeFlags) effective(a *app) (time.Time, error) {
	if f.at == "" {
		return a.now().UTC(), nil
	}
	return parseTime(f.at)
}

func newProratePreviewCmd(a *app) *cobra.Command {
	var f tierChangeFlags

	cmd := &cobra.Command{
		Use:   "preview <subscription-id>",
		Short: "Show the proration quote for a tier change without applying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := f.effective(a)
			if err != nil {
				return err
			}
			q, err := a.proration.Compute(cmd.Context(), args[0], f.from, f.to, at)
			if err != nil {
				return err
			}
			return writeJSON(cmd, q)
		},
	}

	f.register(cmd)
	return cmd
}

func newProrateApplyCmd(a *app) *cobra.Command {
	var f tierChangeFlags

	cmd := &cobra.Command{
		Use:   "apply <subscription-id>",
		Short: "Apply a tier change and settle its proration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := f.effective(a)
			if err != nil {
				return err
			}
			ev, err := a.proration.Apply(cmd.Context(), args[0], f.from, f.to, at)
			if ev != nil {
				_ = writeJSON(cmd, ev)
			}
			return err
		},
	}

	f.register(cmd)
	return cmd
}

func newProrateReverseCmd(a *app) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "reverse <event-id>",
		Short: "Reverse an applied proration event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := a.proration.Reverse(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return writeJSON(cmd, ev)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Why the change is reversed")
	_ = cmd.MarkFlagRequired("reason")

	return cmd
}

func newProrateResumeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <event-id>",
		Short: "Finish a pending proration event left by an interrupted apply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := a.proration.Resume(cmd.Context(), args[0])
			if ev != nil {
				_ = writeJSON(cmd, ev)
			}
			return err
		},
	}
}
