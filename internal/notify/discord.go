package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"flagplant/internal/game"
)

// channelSender is the slice of *discordgo.Session the notifier uses.
type channelSender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts winner boards to one channel through a bot token.
type Discord struct {
	session   channelSender
	channelID string
	log       *slog.Logger
}

func NewDiscord(token, channelID string, logger *slog.Logger) (*Discord, error) {
	token = strings.TrimSpace(token)
	channelID = strings.TrimSpace(channelID)
	if token == "" || channelID == "" {
		return nil, errors.New("discord bot token and channel id are required")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{session: s, channelID: channelID, log: logger}, nil
}

func (d *Discord) AnnounceWinners(ctx context.Context, board game.WinnerBoard) error {
	if len(board.Winners) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := FormatWinnerBoard(board)
	if _, err := d.session.ChannelMessageSend(d.channelID, msg, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	d.log.Info("winners announced", "winner_date", board.WinnerDate, "count", len(board.Winners))
	return nil
}

// FormatWinnerBoard renders one line per winner under a dated heading.
func FormatWinnerBoard(board game.WinnerBoard) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Daily winners for %s**\n", board.WinnerDate)
	for _, w := range board.Winners {
		name := w.Username
		if name == "" {
			name = w.UserID
		}
		fmt.Fprintf(&b, "#%d %s: %d votes, +%s flags\n", w.Rank, name, w.VotesReceived, w.RewardFlags.StringFixed(2))
	}
	return strings.TrimRight(b.String(), "\n")
}
