package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"flagplant/internal/auth"
	cl "flagplant/internal/cli"
	"flagplant/internal/config"
	"flagplant/internal/game"
	"flagplant/internal/ledger"
	"flagplant/internal/syncq"
)

func main() {
	cfg := config.LoadCLIFromEnv()
	apiBase := cfg.APIBaseURL

	root := &cobra.Command{
		Use:          "fpk",
		Short:        "Flagplant command line client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&apiBase, "api", apiBase, "API base URL")

	root.AddCommand(
		newSignupCmd(&apiBase),
		newLoginCmd(&apiBase),
		newLogoutCmd(),
		newPlayersCmd(&apiBase),
		newOrderCmd(&apiBase, ledger.SideBuy),
		newOrderCmd(&apiBase, ledger.SideSell),
		newOrdersCmd(&apiBase),
		newCancelCmd(&apiBase),
		newPortfolioCmd(&apiBase),
		newProfileCmd(&apiBase),
		newLeaderboardCmd(&apiBase),
		newWinnersCmd(&apiBase),
		newSyncCmd(&apiBase),
		newAdminCmd(&apiBase),
	)

	if err := root.Execute(); err != nil {
		printError(err.Error())
		os.Exit(1)
	}
}

func newClient(apiBase *string) *cl.Client {
	return cl.NewClient(strings.TrimSpace(*apiBase))
}

// session loads the saved login and a request context for one command.
func session(cmd *cobra.Command, timeout time.Duration) (cl.Session, context.Context, context.CancelFunc, error) {
	sf, err := cl.OpenSessionFile()
	if err != nil {
		return cl.Session{}, nil, nil, err
	}
	sess, err := sf.Load(time.Now())
	if err != nil {
		return cl.Session{}, nil, nil, fmt.Errorf("run `fpk login`: %w", err)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	return sess, ctx, cancel, nil
}

func saveSession(s auth.Session) error {
	sf, err := cl.OpenSessionFile()
	if err != nil {
		return err
	}
	return sf.Save(cl.SessionFrom(s, time.Now()))
}

func newSignupCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "signup",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, err := promptRequired("Email")
			if err != nil {
				return err
			}
			password, err := promptPassword("Password")
			if err != nil {
				return err
			}
			username, err := promptOptional("Username (optional)")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			s, err := newClient(apiBase).Signup(ctx, email, password, username)
			if err != nil {
				return err
			}
			if s.AccessToken == "" {
				printWarn("Account created. Confirm your email, then run `fpk login`.")
				return nil
			}
			if err := saveSession(s); err != nil {
				return err
			}
			printSuccess("Signed up. Session saved.")
			return nil
		},
	}
}

func newLoginCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Log in with email and password",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, err := promptRequired("Email")
			if err != nil {
				return err
			}
			password, err := promptPassword("Password")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			s, err := newClient(apiBase).Login(ctx, email, password)
			if err != nil {
				return err
			}
			if err := saveSession(s); err != nil {
				return err
			}
			printSuccess("Logged in as " + s.User.Email)
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved session",
		RunE: func(cmd *cobra.Command, args []string) error {
			sf, err := cl.OpenSessionFile()
			if err != nil {
				return err
			}
			if err := sf.Clear(); err != nil {
				return err
			}
			printSuccess("Logged out.")
			return nil
		},
	}
}

func newPlayersCmd(apiBase *string) *cobra.Command {
	var activeOnly bool
	players := &cobra.Command{
		Use:   "players",
		Short: "List players and their prices",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, ctx, cancel, err := session(cmd, 30*time.Second)
			if err != nil {
				return err
			}
			defer cancel()
			q := url.Values{}
			if activeOnly {
				q.Set("active", "true")
			}
			env, err := newClient(apiBase).Get(ctx, sess.AccessToken, "/v1/players", q)
			if err != nil {
				return err
			}
			var rows []ledger.Player
			if err := env.Decode(&rows); err != nil {
				return err
			}
			renderPlayers(rows)
			return nil
		},
	}
	players.Flags().BoolVar(&activeOnly, "active", false, "only players open for buying")

	players.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Holders and invested capital per player",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, ctx, cancel, err := session(cmd, 30*time.Second)
			if err != nil {
				return err
			}
			defer cancel()
			env, err := newClient(apiBase).Get(ctx, sess.AccessToken, "/v1/players/stats", nil)
			if err != nil {
				return err
			}
			var rows []game.PlayerStats
			if err := env.Decode(&rows); err != nil {
				return err
			}
			renderPlayerStats(rows)
			return nil
		},
	})

	var limit int
	history := &cobra.Command{
		Use:   "history <player_id>",
		Short: "Daily repricing history, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, ctx, cancel, err := session(cmd, 30*time.Second)
			if err != nil {
				return err
			}
			defer cancel()
			q := url.Values{"limit": {strconv.Itoa(limit)}}
			env, err := newClient(apiBase).Get(ctx, sess.AccessToken, "/v1/players/"+url.PathEscape(args[0])+"/history", q)
			if err != nil {
				return err
			}
			var rows []ledger.PriceHistory
			if err := env.Decode(&rows); err != nil {
				return err
			}
			renderPriceHistory(args[0], rows)
			return nil
		},
	}
	history.Flags().IntVar(&limit, "limit", 30, "rows to show")
	players.AddCommand(history)

	players.AddCommand(&cobra.Command{
		Use:   "available <player_id>",
		Short: "What you can still buy or sell of a player",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, ctx, cancel, err := session(cmd, 30*time.Second)
			if err != nil {
				return err
			}
			defer cancel()
			env, err := newClient(apiBase).Get(ctx, sess.AccessToken, "/v1/players/"+url.PathEscape(args[0])+"/availability", nil)
			if err != nil {
				return err
			}
			var a game.Availability
			if err := env.Decode(&a); err != nil {
				return err
			}
			renderAvailability(a)
			return nil
		},
	})
	return players
}

func newOrderCmd(apiBase *string, side ledger.OrderSide) *cobra.Command {
	var tradeDate string
	cmd := &cobra.Command{
		Use:   string(side) + " <player_id> <flags>",
		Short: fmt.Sprintf("Queue a %s order for the next daily close", side),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, ctx, cancel, err := session(cmd, 30*time.Second)
			if err != nil {
				return err
			}
			defer cancel()
			playerID := strings.TrimSpace(args[0])
			flags := strings.TrimSpace(args[1])
			idem := uuid.NewString()

			env, err := newClient(apiBase).PlaceOrder(ctx, sess.AccessToken, string(side), playerID, flags, tradeDate, idem)
			if err != nil {
				if cl.IsAPIError(err) {
					return err
				}
				body := map[string]any{"player_id": playerID, "flags_amount": flags}
				if tradeDate != "" {
					body["trade_date"] = tradeDate
				}
				return queueOffline(err, syncq.Command{
					Method:         http.MethodPost,
					Path:           cl.OrderPath(string(side)),
					Body:           body,
					IdempotencyKey: idem,
					QueuedAt:       time.Now().UTC(),
				})
			}
			var res game.OrderResult
			if err := env.Decode(&res); err != nil {
				return err
			}
			renderOrderResult(res)
			return nil
		},
	}
	cmd.Flags().StringVar(&tradeDate, "date", "", "trade date YYYY-MM-DD (default today)")
	return cmd
}

func newOrdersCmd(apiBase *string) *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "List your orders, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, ctx, cancel, err := session(cmd, 30*time.Second)
			if err != nil {
				return err
			}
			defer cancel()
			q := url.Values{"limit": {strconv.Itoa(limit)}}
			if status != "" {
				q.Set("status", status)
			}
			env, err := newClient(apiBase).Get(ctx, sess.AccessToken, "/v1/orders", q)
			if err != nil {
				return err
			}
			var rows []ledger.Order
			if err := env.Decode(&rows); err != nil {
				return err
			}
			renderOrders(rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "pending, executed, cancelled or failed")
	cmd.Flags().IntVar(&limit, "limit", 50, "rows to show")
	return cmd
}

func newCancelCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <order_id>",
		Short: "Cancel a pending order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, ctx, cancel, err := session(cmd, 30*time.Second)
			if err != nil {
				return err
			}
			defer cancel()
			env, err := newClient(apiBase).CancelOrder(ctx, sess.AccessToken, args[0])
			if err != nil {
				return err
			}
			var out struct {
				Cancelled bool `json:"cancelled"`
			}
			if err := env.Decode(&out); err != nil {
				return err
			}
			if out.Cancelled {
				printSuccess("Order cancelled.")
			} else {
				printWarn("Order was already processed; nothing to cancel.")
			}
			return nil
		},
	}
}

func newPortfolioCmd(apiBase *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "portfolio",
		Short: "Your holdings valued at current prices",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, ctx, cancel, err := session(cmd, 30*time.Second)
			if err != nil {
				return err
			}
			defer cancel()
			env, err := newClient(apiBase).Get(ctx, sess.AccessToken, "/v1/portfolio", nil)
			if err != nil {
				return err
			}
			var pf game.Portfolio
			if err := env.Decode(&pf); err != nil {
				return err
			}
			renderPortfolio(pf)
			return nil
		},
	}
	var days int
	history := &cobra.Command{
		Use:   "history",
		Short: "Daily portfolio snapshots, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, ctx, cancel, err := session(cmd, 30*time.Second)
			if err != nil {
				return err
			}
			defer cancel()
			env, err := newClient(apiBase).Get(ctx, sess.AccessToken, "/v1/portfolio/history", url.Values{"days": {strconv.Itoa(days)}})
			if err != nil {
				return err
			}
			var rows []ledger.PortfolioSnapshot
			if err := env.Decode(&rows); err != nil {
				return err
			}
			renderPortfolioHistory(rows)
			return nil
		},
	}
	history.Flags().IntVar(&days, "days", 30, "lookback in days")
	cmd.AddCommand(history, &cobra.Command{
		Use:   "networth",
		Short: "Your net worth for the current day",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, ctx, cancel, err := session(cmd, 15*time.Second)
			if err != nil {
				return err
			}
			defer cancel()
			env, err := newClient(apiBase).Get(ctx, sess.AccessToken, "/v1/portfolio/networth", nil)
			if err != nil {
				return err
			}
			var row game.NetWorthRow
			if err := env.Decode(&row); err != nil {
				return err
			}
			accent.Printf("Net worth: %s flags\n", money(row.NetWorth))
			return nil
		},
	})
	return cmd
}

func newProfileCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "profile <user_id>",
		Short: "Public profile of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, ctx, cancel, err := session(cmd, 30*time.Second)
			if err != nil {
				return err
			}
			defer cancel()
			client := newClient(apiBase)
			base := "/v1/profiles/" + url.PathEscape(args[0])
			env, err := client.Get(ctx, sess.AccessToken, base, nil)
			if err != nil {
				return err
			}
			var p game.PublicProfile
			if err := env.Decode(&p); err != nil {
				return err
			}
			env, err = client.Get(ctx, sess.AccessToken, base+"/holdings", nil)
			if err != nil {
				return err
			}
			var holdings []game.HoldingView
			if err := env.Decode(&holdings); err != nil {
				return err
			}
			renderPublicProfile(p, holdings)
			return nil
		},
	}
}

func newLeaderboardCmd(apiBase *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Users ranked by net worth",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, ctx, cancel, err := session(cmd, 30*time.Second)
			if err != nil {
				return err
			}
			defer cancel()
			env, err := newClient(apiBase).Get(ctx, sess.AccessToken, "/v1/leaderboard", url.Values{"limit": {strconv.Itoa(limit)}})
			if err != nil {
				return err
			}
			var rows []game.LeaderboardRow
			if err := env.Decode(&rows); err != nil {
				return err
			}
			renderLeaderboard(rows)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 25, "rows to show")
	return cmd
}

func newWinnersCmd(apiBase *string) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "winners",
		Short: "Recent daily winner boards",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, ctx, cancel, err := session(cmd, 30*time.Second)
			if err != nil {
				return err
			}
			defer cancel()
			env, err := newClient(apiBase).Get(ctx, sess.AccessToken, "/v1/winners/recent", url.Values{"days": {strconv.Itoa(days)}})
			if err != nil {
				return err
			}
			var boards []game.WinnerBoard
			if err := env.Decode(&boards); err != nil {
				return err
			}
			renderWinnerBoards(boards)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "how many days back")
	return cmd
}

func newSyncCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay orders queued while the API was unreachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, ctx, cancel, err := session(cmd, 60*time.Second)
			if err != nil {
				return err
			}
			defer cancel()
			q, err := openQueue()
			if err != nil {
				return err
			}
			client := newClient(apiBase)
			res, err := q.Replay(func(c syncq.Command) syncq.Outcome {
				_, err := client.Do(ctx, c.Method, c.Path, sess.AccessToken, c.Body, c.IdempotencyKey)
				switch {
				case err == nil:
					return syncq.Applied
				case cl.HasCode(err, "duplicate_idempotency"):
					// An earlier replay reached the server before the queue was saved.
					return syncq.Applied
				case cl.IsAPIError(err):
					printError(fmt.Sprintf("dropped %s %s: %v", c.Method, c.Path, err))
					return syncq.Rejected
				default:
					return syncq.Retry
				}
			})
			if err != nil {
				return err
			}
			if res.Applied+res.Rejected+res.Remaining == 0 {
				printInfo("Queue is empty.")
				return nil
			}
			printSuccess(fmt.Sprintf("Sync done: applied=%d rejected=%d remaining=%d", res.Applied, res.Rejected, res.Remaining))
			return nil
		},
	}
}

func openQueue() (*syncq.Queue, error) {
	dir, err := cl.BaseDir()
	if err != nil {
		return nil, err
	}
	return syncq.Open(dir)
}

// queueOffline parks a write that failed on the network so `fpk sync` can
// replay it with the same idempotency key.
func queueOffline(cause error, c syncq.Command) error {
	q, err := openQueue()
	if err != nil {
		return fmt.Errorf("request failed (%v) and queueing failed: %w", cause, err)
	}
	if err := q.Push(c); err != nil {
		return fmt.Errorf("request failed (%v) and queueing failed: %w", cause, err)
	}
	printWarn(fmt.Sprintf("API unreachable (%v). Order queued; run `fpk sync` later.", cause))
	return nil
}
