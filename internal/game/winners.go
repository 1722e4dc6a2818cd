package game

import (
	"context"
	"sort"
	"time"

	"flagplant/internal/ledger"
)

// rankWinners orders opinions by votes, then earliest submission, then id,
// and keeps the top n. Opinions without votes never win.
func rankWinners(tallies []ledger.VoteTally, n int, p Params) []WinnerCandidate {
	ranked := make([]ledger.VoteTally, 0, len(tallies))
	for _, t := range tallies {
		if t.Votes > 0 {
			ranked = append(ranked, t)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Votes != b.Votes {
			return a.Votes > b.Votes
		}
		if !a.SubmittedAt.Equal(b.SubmittedAt) {
			return a.SubmittedAt.Before(b.SubmittedAt)
		}
		return a.OpinionID < b.OpinionID
	})
	if len(ranked) > n {
		ranked = ranked[:n]
	}

	out := make([]WinnerCandidate, 0, len(ranked))
	for i, t := range ranked {
		out = append(out, WinnerCandidate{
			Rank:          i + 1,
			UserID:        t.UserID,
			OpinionID:     t.OpinionID,
			Body:          t.Body,
			VotesReceived: t.Votes,
			SubmittedAt:   t.SubmittedAt,
			RewardFlags:   p.RewardForRank(i + 1),
		})
	}
	return out
}

func (s *Service) candidates(ctx context.Context, tx ledger.Tx, day time.Time) ([]WinnerCandidate, error) {
	tallies, err := tx.VoteTallies(ctx, day)
	if err != nil {
		return nil, err
	}
	out := rankWinners(tallies, s.params.WinnerCount, s.params)
	ids := make([]string, 0, len(out))
	for _, c := range out {
		ids = append(ids, c.UserID)
	}
	names, err := usernames(ctx, tx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Username = names[out[i].UserID]
	}
	return out, nil
}

// GetDailyWinnerPreview ranks the day's opinions and shows the rewards a
// publication would pay. It writes nothing.
func (s *Service) GetDailyWinnerPreview(ctx context.Context, winnerDate time.Time) ([]WinnerCandidate, error) {
	day := s.tradeDateOrToday(winnerDate)
	var out []WinnerCandidate
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		out, err = s.candidates(ctx, tx, day)
		return err
	})
	return out, err
}

// PublishDailyWinners writes the winner rows for a date and credits each
// reward in the same transaction. A date that already has rows is returned
// as-is and pays nothing.
func (s *Service) PublishDailyWinners(ctx context.Context, winnerDate time.Time) (PublishResult, error) {
	day := s.tradeDateOrToday(winnerDate)
	out := PublishResult{WinnerDate: day.Format(ledger.DateLayout)}
	var board WinnerBoard

	err := s.withTx(ctx, func(tx ledger.Tx) error {
		existing, err := tx.Publications(ctx, day)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			out.AlreadyPublished = true
			out.Rows = existing
			return nil
		}
		out.AlreadyPublished = false

		winners, err := s.candidates(ctx, tx, day)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		rows := make([]ledger.WinnerPublication, 0, len(winners))
		board = WinnerBoard{WinnerDate: out.WinnerDate}
		for _, w := range winners {
			pub := ledger.WinnerPublication{
				WinnerDate:    day,
				Rank:          w.Rank,
				UserID:        w.UserID,
				OpinionID:     w.OpinionID,
				VotesReceived: w.VotesReceived,
				RewardFlags:   w.RewardFlags,
				PublishedAt:   now,
			}
			if err := tx.InsertPublication(ctx, pub); err != nil {
				return err
			}
			if w.RewardFlags.IsPositive() {
				if _, err := tx.AdjustWallet(ctx, w.UserID, w.RewardFlags, now); err != nil {
					return err
				}
			}
			rows = append(rows, pub)
			board.Winners = append(board.Winners, WinnerBoardRow{
				Rank:          w.Rank,
				UserID:        w.UserID,
				Username:      w.Username,
				OpinionID:     w.OpinionID,
				Body:          w.Body,
				VotesReceived: w.VotesReceived,
				RewardFlags:   w.RewardFlags,
			})
		}
		out.Rows = rows
		return nil
	})
	if err != nil {
		return PublishResult{}, err
	}
	if out.AlreadyPublished {
		s.log.Info("winners already published", "winner_date", out.WinnerDate, "rows", len(out.Rows))
		return out, nil
	}

	s.log.Info("winners published", "winner_date", out.WinnerDate, "rows", len(out.Rows))
	if s.announcer != nil && len(board.Winners) > 0 {
		if err := s.announcer.AnnounceWinners(ctx, board); err != nil {
			s.log.Warn("winner announcement failed", "winner_date", out.WinnerDate, "err", err)
		}
	}
	return out, nil
}

// GetRecentWinnerBoards returns published winners for the last days market
// dates, newest first.
func (s *Service) GetRecentWinnerBoards(ctx context.Context, days int) ([]WinnerBoard, error) {
	if days <= 0 {
		days = 7
	}
	since := s.Today().AddDate(0, 0, -(days - 1))
	var boards []WinnerBoard
	err := s.store.View(ctx, func(tx ledger.Tx) error {
		pubs, err := tx.PublicationsSince(ctx, since)
		if err != nil {
			return err
		}
		var userIDs, opinionIDs []string
		for _, p := range pubs {
			userIDs = append(userIDs, p.UserID)
			opinionIDs = append(opinionIDs, p.OpinionID)
		}
		names, err := usernames(ctx, tx, userIDs)
		if err != nil {
			return err
		}
		bodies, err := tx.OpinionBodies(ctx, opinionIDs)
		if err != nil {
			return err
		}

		index := map[string]int{}
		for _, p := range pubs {
			key := p.WinnerDate.Format(ledger.DateLayout)
			i, ok := index[key]
			if !ok {
				i = len(boards)
				index[key] = i
				boards = append(boards, WinnerBoard{WinnerDate: key})
			}
			boards[i].Winners = append(boards[i].Winners, WinnerBoardRow{
				Rank:          p.Rank,
				UserID:        p.UserID,
				Username:      names[p.UserID],
				OpinionID:     p.OpinionID,
				Body:          bodies[p.OpinionID],
				VotesReceived: p.VotesReceived,
				RewardFlags:   p.RewardFlags,
			})
		}
		return nil
	})
	return boards, err
}
