package game

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flagplant/internal/ledger"
)

const (
	StepSelectWinners      = "select_winners"
	StepPublishWinners     = "publish_winners"
	StepClearBuyOrders     = "clear_buy_orders"
	StepClearSellOrders    = "clear_sell_orders"
	StepRepricePlayers     = "reprice_players"
	StepSnapshotPortfolios = "snapshot_portfolios"
)

// CloseSteps is the fixed pipeline order. Each step depends on the ones before it.
var CloseSteps = []string{
	StepSelectWinners,
	StepPublishWinners,
	StepClearBuyOrders,
	StepClearSellOrders,
	StepRepricePlayers,
	StepSnapshotPortfolios,
}

type stepFunc func(ctx context.Context, day time.Time) (affected int64, detail string, err error)

func (s *Service) stepFuncs() map[string]stepFunc {
	return map[string]stepFunc{
		StepSelectWinners:      s.stepSelectWinners,
		StepPublishWinners:     s.stepPublishWinners,
		StepClearBuyOrders:     s.clearStep(ledger.SideBuy),
		StepClearSellOrders:    s.clearStep(ledger.SideSell),
		StepRepricePlayers:     s.stepReprice,
		StepSnapshotPortfolios: s.stepSnapshot,
	}
}

// RunDailyClose runs the close pipeline for tradeDate. Steps that already
// succeeded for the date are skipped unless force is set. The first failing
// step is recorded and returned as a *StepError; later steps do not run.
// Only one run per date may be in flight.
func (s *Service) RunDailyClose(ctx context.Context, tradeDate time.Time, force bool) (CloseResult, error) {
	day := s.tradeDateOrToday(tradeDate)
	runID := uuid.NewString()
	out := CloseResult{TradeDate: day.Format(ledger.DateLayout), RunID: runID, Steps: []StepResult{}}
	log := s.log.With("trade_date", out.TradeDate, "run_id", runID)

	if err := s.withTx(ctx, func(tx ledger.Tx) error {
		return tx.ClaimCloseRun(ctx, day, runID, s.now().UTC(), s.params.CloseStaleAfter)
	}); err != nil {
		return out, err
	}
	log.Info("daily close started", "force", force)

	status := ledger.RunFailed
	defer func() {
		// The run marker must be released even when ctx was cancelled mid-step.
		finishCtx := context.WithoutCancel(ctx)
		if err := s.withTx(finishCtx, func(tx ledger.Tx) error {
			return tx.FinishCloseRun(finishCtx, day, runID, status, s.now().UTC())
		}); err != nil {
			log.Error("release close run marker", "err", err)
		}
	}()

	var prior []ledger.CloseJobStep
	if err := s.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		prior, err = tx.CloseSteps(ctx, day)
		return err
	}); err != nil {
		return out, err
	}
	done := map[string]bool{}
	for _, st := range prior {
		if st.Status == ledger.StepSuccess {
			done[st.Step] = true
		}
	}

	funcs := s.stepFuncs()
	for _, name := range CloseSteps {
		if done[name] && !force {
			out.Steps = append(out.Steps, StepResult{
				Step:    name,
				Status:  ledger.StepSuccess,
				Detail:  "already completed",
				Skipped: true,
			})
			continue
		}
		res, err := s.runStep(ctx, day, name, funcs[name])
		out.Steps = append(out.Steps, res)
		if err != nil {
			log.Error("daily close step failed", "step", name, "err", err)
			return out, &StepError{Step: name, Detail: res.Detail, Err: err}
		}
		log.Info("daily close step finished", "step", name, "affected", res.AffectedCount, "detail", res.Detail)
	}

	status = ledger.RunFinished
	log.Info("daily close finished")
	return out, nil
}

func (s *Service) runStep(ctx context.Context, day time.Time, name string, fn stepFunc) (StepResult, error) {
	started := s.now().UTC()
	row := ledger.CloseJobStep{
		TradeDate: day,
		Step:      name,
		Status:    ledger.StepRunning,
		StartedAt: &started,
	}
	if err := s.saveStep(ctx, row); err != nil {
		return StepResult{Step: name, Status: ledger.StepFailed, Detail: "record step start"}, err
	}

	affected, detail, stepErr := fn(ctx, day)
	finished := s.now().UTC()
	row.FinishedAt = &finished
	row.AffectedCount = affected
	row.Detail = detail
	row.Status = ledger.StepSuccess
	if stepErr != nil {
		row.Status = ledger.StepFailed
		row.Error = stepErr.Error()
	}

	saveCtx := ctx
	if stepErr != nil {
		saveCtx = context.WithoutCancel(ctx)
	}
	if err := s.saveStep(saveCtx, row); err != nil && stepErr == nil {
		stepErr = fmt.Errorf("record step result: %w", err)
		row.Status = ledger.StepFailed
	}
	return StepResult{
		Step:          name,
		Status:        row.Status,
		Detail:        detail,
		AffectedCount: affected,
	}, stepErr
}

func (s *Service) saveStep(ctx context.Context, row ledger.CloseJobStep) error {
	return s.withTx(ctx, func(tx ledger.Tx) error {
		return tx.SaveCloseStep(ctx, row)
	})
}

func (s *Service) stepSelectWinners(ctx context.Context, day time.Time) (int64, string, error) {
	c, err := s.GetDailyWinnerPreview(ctx, day)
	if err != nil {
		return 0, "", err
	}
	return int64(len(c)), fmt.Sprintf("%d winner candidates", len(c)), nil
}

func (s *Service) stepPublishWinners(ctx context.Context, day time.Time) (int64, string, error) {
	res, err := s.PublishDailyWinners(ctx, day)
	if err != nil {
		return 0, "", err
	}
	if res.AlreadyPublished {
		return 0, fmt.Sprintf("already published (%d rows)", len(res.Rows)), nil
	}
	return int64(len(res.Rows)), fmt.Sprintf("published %d winners", len(res.Rows)), nil
}

func (s *Service) clearStep(side ledger.OrderSide) stepFunc {
	return func(ctx context.Context, day time.Time) (int64, string, error) {
		sum, err := s.ClearPendingOrders(ctx, side, day)
		detail := fmt.Sprintf("executed=%d failed=%d skipped=%d deferred=%d", sum.Executed, sum.Failed, sum.Skipped, sum.Deferred)
		affected := sum.Executed + sum.Failed
		if err != nil {
			return affected, detail, err
		}
		if sum.Deferred > 0 {
			return affected, detail, fmt.Errorf("%d %s orders could not be settled and remain pending", sum.Deferred, side)
		}
		return affected, detail, nil
	}
}

func (s *Service) stepReprice(ctx context.Context, day time.Time) (int64, string, error) {
	rows, err := s.ApplyPlayerRepricing(ctx, day)
	if err != nil {
		return 0, "", err
	}
	applied := countApplied(rows)
	return applied, fmt.Sprintf("repriced %d of %d players", applied, len(rows)), nil
}

func (s *Service) stepSnapshot(ctx context.Context, day time.Time) (int64, string, error) {
	n, err := s.SnapshotPortfolios(ctx, day)
	if err != nil {
		return 0, "", err
	}
	s.invalidateNetWorth(ctx)
	return n, fmt.Sprintf("snapshotted %d portfolios", n), nil
}

// GetDailyCloseDiagnostics reports the close state of a date: the run
// marker, every step in pipeline order, and what is left to do.
func (s *Service) GetDailyCloseDiagnostics(ctx context.Context, tradeDate time.Time) (CloseDiagnostics, error) {
	day := s.tradeDateOrToday(tradeDate)
	out := CloseDiagnostics{TradeDate: day.Format(ledger.DateLayout)}
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		run, err := tx.CloseRun(ctx, day)
		switch {
		case err == nil:
			out.Run = &run
		case !errors.Is(err, ledger.ErrNotFound):
			return err
		}

		steps, err := tx.CloseSteps(ctx, day)
		if err != nil {
			return err
		}
		byName := make(map[string]ledger.CloseJobStep, len(steps))
		for _, st := range steps {
			byName[st.Step] = st
		}
		out.Steps = make([]ledger.CloseJobStep, 0, len(CloseSteps))
		for _, name := range CloseSteps {
			st, ok := byName[name]
			if !ok {
				st = ledger.CloseJobStep{TradeDate: day, Step: name, Status: ledger.StepQueued}
			}
			out.Steps = append(out.Steps, st)
		}

		buys, err := tx.PendingOrders(ctx, ledger.PendingFilter{Side: ledger.SideBuy, ThroughDate: day})
		if err != nil {
			return err
		}
		sells, err := tx.PendingOrders(ctx, ledger.PendingFilter{Side: ledger.SideSell, ThroughDate: day})
		if err != nil {
			return err
		}
		out.PendingBuyCount = int64(len(buys))
		out.PendingSellCount = int64(len(sells))

		pubs, err := tx.Publications(ctx, day)
		if err != nil {
			return err
		}
		out.PublishedWinners = int64(len(pubs))

		if out.RepricedPlayers, err = tx.PriceHistoryCount(ctx, day); err != nil {
			return err
		}
		out.Snapshots, err = tx.PortfolioSnapshotCount(ctx, day)
		return err
	})
	return out, err
}
