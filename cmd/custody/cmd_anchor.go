package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmerrifield20/custodyledger/internal/anchor"
)

func newAnchorCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "anchor",
		Short: "Submit ledger state to the external anchor and track it",
		Long: `Anchoring publishes a digest (by default the current ledger head) to an
external time-stamping service. Submissions, confirmations, failures and
cancellations are all recorded in the ledger; an unconfirmed submission
stays pending and can be checked again later.

Without anchor.url configured an in-process stub is used, which only
confirms submissions made by the same process.`,
	}
	cmd.AddCommand(newAnchorSubmitCmd(a), newAnchorStatusCmd(a), newAnchorCancelCmd(a))
	return cmd
}

func newAnchorSubmitCmd(a *app) *cobra.Command {
	var (
		wait    bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit [digest]",
		Short: "Submit a digest (default: the ledger head)",
		Args:  rangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := a.openService(ctx)
			if err != nil {
				return err
			}
			cfg := a.monitorConfig()
			if timeout > 0 {
				cfg.Timeout = timeout
			}
			outcome := make(chan anchor.State, 1)
			cfg.OnResolve = func(_ anchor.Handle, st anchor.State) {
				select {
				case outcome <- st:
				default:
				}
			}
			m, err := a.newMonitor(svc, cfg)
			if err != nil {
				return err
			}

			d := svc.Ledger().Head()
			if len(args) == 1 {
				d = args[0]
			}
			h, err := m.Submit(ctx, d)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "submitted %s as handle %s\n", h.Digest, h.ID)
			if !wait {
				return nil
			}

			if err := m.Wait(ctx, h.ID); err != nil {
				return err
			}
			select {
			case st := <-outcome:
				if st != anchor.StateConfirmed {
					return fmt.Errorf("anchor handle %s %s", h.ID, st)
				}
				fmt.Fprintf(a.out, "confirmed handle %s\n", h.ID)
			default:
				fmt.Fprintf(a.out, "handle %s no longer tracked\n", h.ID)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "poll until the anchor resolves or the timeout passes")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long --wait polls (default anchor.timeout)")
	return cmd
}

func newAnchorStatusCmd(a *app) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List pending anchors, optionally asking the anchor service once",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := a.openService(ctx)
			if err != nil {
				return err
			}
			pending := anchor.PendingFromEvents(svc.Ledger().Events())
			if len(pending) == 0 {
				fmt.Fprintln(a.out, "no pending anchors")
				return nil
			}

			var m *anchor.Monitor
			if check {
				if m, err = a.newMonitor(svc, a.monitorConfig()); err != nil {
					return err
				}
			}

			w := tabwriter.NewWriter(a.out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "HANDLE\tDIGEST\tSUBMITTED\tSTATE")
			for _, h := range pending {
				state := string(anchor.StatePending)
				if m != nil {
					state = checkOnce(ctx, a.logger, m, h)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", h.ID, short(h.Digest), h.SubmittedAt.Format(time.RFC3339), state)
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "query the anchor service and record final outcomes")
	return cmd
}

func checkOnce(ctx context.Context, logger *zap.Logger, m *anchor.Monitor, h anchor.Handle) string {
	st, err := m.Check(ctx, h)
	if err != nil {
		logger.Warn("anchor status check failed", zap.String("handle", h.ID), zap.Error(err))
		return "unknown"
	}
	return string(st.State)
}

func newAnchorCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <handle>",
		Short: "Stop tracking a pending anchor and record ANCHOR_CANCELLED",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := a.openService(ctx)
			if err != nil {
				return err
			}
			var target *anchor.Handle
			for _, h := range anchor.PendingFromEvents(svc.Ledger().Events()) {
				if h.ID == args[0] {
					target = &h
					break
				}
			}
			if target == nil {
				return fmt.Errorf("%w: %s", anchor.ErrNotPending, args[0])
			}

			// Cancel only needs the handle in the monitor's pending set; a
			// monitor that is closed before tracking never polls.
			cfg := a.monitorConfig()
			m, err := a.newMonitor(svc, cfg)
			if err != nil {
				return err
			}
			m.Close()
			m.Track(*target)
			if err := m.Cancel(ctx, target.ID); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "cancelled handle %s\n", target.ID)
			return nil
		},
	}
}
