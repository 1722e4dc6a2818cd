package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	cl "flagplant/internal/cli"
	"flagplant/internal/game"
	"flagplant/internal/ledger"
)

func newAdminCmd(apiBase *string) *cobra.Command {
	admin := &cobra.Command{
		Use:   "admin",
		Short: "Operator commands (admin role required)",
	}
	admin.AddCommand(
		newPendingCmd(apiBase),
		newClearCmd(apiBase),
		newRepriceCmd(apiBase),
		newOverrideCmd(apiBase),
		newAdminWinnersCmd(apiBase),
		newCloseCmd(apiBase),
	)
	return admin
}

func sideArg(raw string) (ledger.OrderSide, error) {
	side := ledger.OrderSide(strings.ToLower(strings.TrimSpace(raw)))
	if !side.Valid() {
		return "", fmt.Errorf("side must be buy or sell, got %q", raw)
	}
	return side, nil
}

func newPendingCmd(apiBase *string) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "pending <buy|sell>",
		Short: "Pending orders per user that the next clearing would settle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			side, err := sideArg(args[0])
			if err != nil {
				return err
			}
			sess, ctx, cancel, err := session(cmd, 30*time.Second)
			if err != nil {
				return err
			}
			defer cancel()
			env, err := newClient(apiBase).Get(ctx, sess.AccessToken, "/v1/admin/pending/"+string(side), dateValues("trade_date", date))
			if err != nil {
				return err
			}
			if side == ledger.SideBuy {
				var rows []game.PendingBuySummary
				if err := env.Decode(&rows); err != nil {
					return err
				}
				renderPendingBuys(rows)
				return nil
			}
			var rows []game.PendingSellSummary
			if err := env.Decode(&rows); err != nil {
				return err
			}
			renderPendingSells(rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "trade date YYYY-MM-DD (default today)")
	return cmd
}

func newClearCmd(apiBase *string) *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "clear <buy|sell>",
		Short: "Settle pending orders of one side at current prices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			side, err := sideArg(args[0])
			if err != nil {
				return err
			}
			sess, ctx, cancel, err := session(cmd, 5*time.Minute)
			if err != nil {
				return err
			}
			defer cancel()
			env, err := newClient(apiBase).Clear(ctx, sess.AccessToken, string(side), date)
			if err != nil {
				return err
			}
			var sum game.ClearingSummary
			if err := env.Decode(&sum); err != nil {
				return err
			}
			renderClearing(sum)
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "trade date YYYY-MM-DD (default today)")
	return cmd
}

func newRepriceCmd(apiBase *string) *cobra.Command {
	var date string
	var apply bool
	cmd := &cobra.Command{
		Use:   "reprice",
		Short: "Preview, or with --apply write, the daily player repricing",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, ctx, cancel, err := session(cmd, 2*time.Minute)
			if err != nil {
				return err
			}
			defer cancel()
			client := newClient(apiBase)
			var env cl.Envelope
			if apply {
				env, err = client.ApplyRepricing(ctx, sess.AccessToken, date)
			} else {
				env, err = client.Get(ctx, sess.AccessToken, "/v1/admin/repricing/preview", dateValues("trade_date", date))
			}
			if err != nil {
				return err
			}
			var rows []game.RepricingRow
			if err := env.Decode(&rows); err != nil {
				return err
			}
			renderRepricing(rows, apply)
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "trade date YYYY-MM-DD (default today)")
	cmd.Flags().BoolVar(&apply, "apply", false, "write the new prices")
	return cmd
}

func newOverrideCmd(apiBase *string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "override <player_id> <price>",
		Short: "Set a player's price by hand, with an audit reason",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(reason) == "" {
				return errors.New("--reason is required")
			}
			sess, ctx, cancel, err := session(cmd, 30*time.Second)
			if err != nil {
				return err
			}
			defer cancel()
			env, err := newClient(apiBase).OverridePrice(ctx, sess.AccessToken, args[0], args[1], reason)
			if err != nil {
				return err
			}
			var o ledger.PriceOverride
			if err := env.Decode(&o); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("%s: %s -> %s (audit %s)", o.PlayerID, money(o.PreviousPrice), money(o.NewPrice), o.ID))
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "why the price is being overridden")
	return cmd
}

func newAdminWinnersCmd(apiBase *string) *cobra.Command {
	var date string
	var publish bool
	cmd := &cobra.Command{
		Use:   "winners",
		Short: "Preview, or with --publish pay out, the daily winners",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, ctx, cancel, err := session(cmd, time.Minute)
			if err != nil {
				return err
			}
			defer cancel()
			client := newClient(apiBase)
			if publish {
				env, err := client.PublishWinners(ctx, sess.AccessToken, date)
				if err != nil {
					return err
				}
				var res game.PublishResult
				if err := env.Decode(&res); err != nil {
					return err
				}
				renderPublication(res)
				return nil
			}
			env, err := client.Get(ctx, sess.AccessToken, "/v1/admin/winners/preview", dateValues("date", date))
			if err != nil {
				return err
			}
			var rows []game.WinnerCandidate
			if err := env.Decode(&rows); err != nil {
				return err
			}
			renderCandidates(rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "winner date YYYY-MM-DD (default today)")
	cmd.Flags().BoolVar(&publish, "publish", false, "publish and credit rewards")
	return cmd
}

func newCloseCmd(apiBase *string) *cobra.Command {
	closeCmd := &cobra.Command{
		Use:   "close",
		Short: "Daily close pipeline",
	}

	var date string
	var force bool
	run := &cobra.Command{
		Use:   "run",
		Short: "Run every close step for a trade date",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, ctx, cancel, err := session(cmd, 10*time.Minute)
			if err != nil {
				return err
			}
			defer cancel()
			env, err := newClient(apiBase).RunClose(ctx, sess.AccessToken, date, force)
			var apiErr *cl.APIError
			if errors.As(err, &apiErr) && apiErr.Step != "" {
				printError(fmt.Sprintf("Close halted at %s", apiErr.Step))
				return err
			}
			if err != nil {
				return err
			}
			var res game.CloseResult
			if err := env.Decode(&res); err != nil {
				return err
			}
			renderCloseResult(res)
			return nil
		},
	}
	run.Flags().StringVar(&date, "date", "", "trade date YYYY-MM-DD (default today)")
	run.Flags().BoolVar(&force, "force", false, "rerun steps that already succeeded")

	var diagDate string
	diag := &cobra.Command{
		Use:   "status",
		Short: "Close diagnostics for a trade date",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, ctx, cancel, err := session(cmd, 30*time.Second)
			if err != nil {
				return err
			}
			defer cancel()
			env, err := newClient(apiBase).Get(ctx, sess.AccessToken, "/v1/admin/close/diagnostics", dateValues("trade_date", diagDate))
			if err != nil {
				return err
			}
			var d game.CloseDiagnostics
			if err := env.Decode(&d); err != nil {
				return err
			}
			renderDiagnostics(d)
			return nil
		},
	}
	diag.Flags().StringVar(&diagDate, "date", "", "trade date YYYY-MM-DD (default today)")

	closeCmd.AddCommand(run, diag)
	return closeCmd
}

func dateValues(name, date string) url.Values {
	q := url.Values{}
	if date = strings.TrimSpace(date); date != "" {
		q.Set(name, date)
	}
	return q
}
