package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/fatih/color"
	"github.com/shopspring/decimal"
	"golang.org/x/term"

	"flagplant/internal/game"
	"flagplant/internal/ledger"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func printSuccess(msg string) { success.Println(msg) }
func printWarn(msg string)    { warn.Println(msg) }
func printError(msg string)   { danger.Println(msg) }
func printInfo(msg string)    { neutral.Println(msg) }

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func promptOptional(label string) (string, error) {
	fmt.Printf("%s: ", label)
	text, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// promptPassword reads without echo when stdin is a terminal.
func promptPassword(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptRequired(label)
	}
	for {
		fmt.Printf("%s: ", label)
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		if pw := strings.TrimSpace(string(raw)); pw != "" {
			return pw, nil
		}
		printWarn(label + " is required.")
	}
}

func heading(title string) {
	accent.Printf("\n== %s ==\n", strings.ToUpper(title))
}

func renderTable(headers []string, rows [][]string) {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	fmt.Println(t.Render())
}

func money(d decimal.Decimal) string {
	return comma(d.StringFixed(2))
}

func units(d decimal.Decimal) string {
	return d.StringFixed(4)
}

func signed(d decimal.Decimal) string {
	text := money(d)
	switch d.Sign() {
	case 1:
		return success.Sprint("+" + text)
	case -1:
		return danger.Sprint(text)
	default:
		return neutral.Sprint(text)
	}
}

func pct(p *decimal.Decimal) string {
	if p == nil {
		return "-"
	}
	text := p.StringFixed(2) + "%"
	switch p.Sign() {
	case 1:
		return success.Sprint("+" + text)
	case -1:
		return danger.Sprint(text)
	default:
		return text
	}
}

func day(t time.Time) string {
	return t.Format(ledger.DateLayout)
}

// comma groups the integer part of a plain decimal string.
func comma(s string) string {
	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}
	intPart, frac, hasFrac := strings.Cut(s, ".")
	if len(intPart) > 3 {
		var b strings.Builder
		pre := len(intPart) % 3
		if pre > 0 {
			b.WriteString(intPart[:pre])
		}
		for i := pre; i < len(intPart); i += 3 {
			if b.Len() > 0 {
				b.WriteByte(',')
			}
			b.WriteString(intPart[i : i+3])
		}
		intPart = b.String()
	}
	if hasFrac {
		return sign + intPart + "." + frac
	}
	return sign + intPart
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func renderPlayers(rows []ledger.Player) {
	heading("players")
	if len(rows) == 0 {
		printInfo("No players listed.")
		return
	}
	out := make([][]string, 0, len(rows))
	for _, p := range rows {
		state := "active"
		if !p.Active {
			state = "inactive"
		}
		out = append(out, []string{p.ID, truncate(p.Name, 24), money(p.CurrentPrice), money(p.SeedPrice), state})
	}
	renderTable([]string{"ID", "NAME", "PRICE", "SEED", "STATE"}, out)
}

func renderPlayerStats(rows []game.PlayerStats) {
	heading("market")
	out := make([][]string, 0, len(rows))
	for _, s := range rows {
		out = append(out, []string{s.PlayerID, truncate(s.PlayerName, 24), money(s.CurrentPrice), strconv.FormatInt(s.HolderCount, 10), units(s.TotalUnits), money(s.InvestedCapital)})
	}
	renderTable([]string{"ID", "NAME", "PRICE", "HOLDERS", "UNITS", "INVESTED"}, out)
}

func renderPriceHistory(playerID string, rows []ledger.PriceHistory) {
	heading("price history " + playerID)
	if len(rows) == 0 {
		printInfo("No repricing yet.")
		return
	}
	out := make([][]string, 0, len(rows))
	for _, h := range rows {
		out = append(out, []string{day(h.SnapshotDate), money(h.PrePrice), money(h.PostPrice), h.PriceMultiplier.StringFixed(4), signed(h.NetFlowFlags)})
	}
	renderTable([]string{"DATE", "PRE", "POST", "MULT", "NET FLOW"}, out)
}

func renderAvailability(a game.Availability) {
	heading("availability " + a.PlayerID)
	fmt.Printf("Price:              %s\n", money(a.CurrentPrice))
	fmt.Printf("Liquid flags:       %s\n", money(a.LiquidFlags))
	fmt.Printf("Pending buys:       %s\n", money(a.PendingBuyFlags))
	fmt.Printf("Available to buy:   %s\n", money(a.AvailableFlags))
	fmt.Printf("Held units:         %s\n", units(a.HeldUnits))
	fmt.Printf("Pending sell units: %s\n", units(a.PendingSellUnits))
	fmt.Printf("Available to sell:  %s\n", units(a.AvailableUnits))
}

func renderOrderResult(o game.OrderResult) {
	printSuccess(fmt.Sprintf("%s order %s queued for %s", o.Side, o.OrderID, o.TradeDate))
	fmt.Printf("Flags: %s at entry price %s\n", money(o.FlagsAmount), money(o.PriceAtEntry))
	if o.UnitsAmount.Valid {
		fmt.Printf("Units: %s\n", units(o.UnitsAmount.Decimal))
	}
	if o.Side == ledger.SideBuy {
		fmt.Printf("Still available for buys: %s\n", money(o.AvailableAfter))
	} else {
		fmt.Printf("Units still available to sell: %s\n", units(o.AvailableAfter))
	}
}

func statusText(s ledger.OrderStatus) string {
	switch s {
	case ledger.StatusExecuted:
		return success.Sprint(s)
	case ledger.StatusFailed:
		return danger.Sprint(s)
	case ledger.StatusCancelled:
		return warn.Sprint(s)
	default:
		return string(s)
	}
}

func renderOrders(rows []ledger.Order) {
	heading("orders")
	if len(rows) == 0 {
		printInfo("No orders.")
		return
	}
	out := make([][]string, 0, len(rows))
	for _, o := range rows {
		u, settled := "-", "-"
		if o.UnitsAmount.Valid {
			u = units(o.UnitsAmount.Decimal)
		}
		if o.SettledFlags.Valid {
			settled = money(o.SettledFlags.Decimal)
		}
		out = append(out, []string{o.ID[:min(8, len(o.ID))], string(o.Side), o.PlayerID, money(o.FlagsAmount), u, settled, statusText(o.Status), day(o.TradeDate), truncate(o.Note, 30)})
	}
	renderTable([]string{"ID", "SIDE", "PLAYER", "FLAGS", "UNITS", "SETTLED", "STATUS", "TRADE DATE", "NOTE"}, out)
}

func renderHoldings(rows []game.HoldingView) {
	if len(rows) == 0 {
		printInfo("No holdings.")
		return
	}
	out := make([][]string, 0, len(rows))
	for _, h := range rows {
		out = append(out, []string{truncate(h.PlayerName, 22), units(h.Units), money(h.AvgCostBasis), money(h.CurrentPrice), money(h.MarketValue), signed(h.UnrealizedPnL), pct(h.UnrealizedReturnPct)})
	}
	renderTable([]string{"PLAYER", "UNITS", "AVG COST", "PRICE", "VALUE", "P/L", "RETURN"}, out)
}

func renderPortfolio(pf game.Portfolio) {
	heading("portfolio")
	fmt.Printf("Liquid flags:   %s (%s)\n", money(pf.LiquidFlags), pct(pf.LiquidSharePct))
	fmt.Printf("Holdings value: %s (%s)\n", money(pf.MarketValue), pct(pf.InvestedSharePct))
	fmt.Printf("Cost basis:     %s\n", money(pf.CostBasisValue))
	fmt.Printf("Unrealized P/L: %s\n", signed(pf.UnrealizedPnL))
	fmt.Printf("Net worth:      %s\n\n", money(pf.NetWorth))
	renderHoldings(pf.Holdings)
}

func renderPortfolioHistory(rows []ledger.PortfolioSnapshot) {
	heading("portfolio history")
	if len(rows) == 0 {
		printInfo("No snapshots yet.")
		return
	}
	out := make([][]string, 0, len(rows))
	for _, s := range rows {
		out = append(out, []string{day(s.SnapDate), money(s.UnplantedFlagsClose), money(s.PlantedValueClose), money(s.TotalValueClose), strconv.Itoa(len(s.Holdings))})
	}
	renderTable([]string{"DATE", "LIQUID", "PLANTED", "TOTAL", "POSITIONS"}, out)
}

func renderPublicProfile(p game.PublicProfile, holdings []game.HoldingView) {
	heading("profile " + p.Username)
	fmt.Printf("Net worth:      %s\n", money(p.NetWorth))
	fmt.Printf("Liquid flags:   %s (%s)\n", money(p.LiquidFlags), pct(p.LiquidSharePct))
	fmt.Printf("Holdings value: %s (%s)\n", money(p.HoldingsValue), pct(p.InvestedSharePct))
	fmt.Printf("Unrealized P/L: %s (%s)\n", signed(p.UnrealizedPnL), pct(p.UnrealizedReturnPct))
	if p.TopHolding != nil {
		fmt.Printf("Top holding:    %s (%s)\n", p.TopHolding.PlayerName, money(p.TopHolding.Value))
	}
	if p.LatestWin != nil {
		fmt.Printf("Latest win:     #%d on %s, %d votes, +%s flags\n", p.LatestWin.Rank, p.LatestWin.WinnerDate, p.LatestWin.VotesReceived, money(p.LatestWin.RewardFlags))
	}
	fmt.Println()
	renderHoldings(holdings)
}

func renderLeaderboard(rows []game.LeaderboardRow) {
	heading("leaderboard")
	if len(rows) == 0 {
		printInfo("No players yet.")
		return
	}
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, []string{strconv.FormatInt(r.Rank, 10), truncate(r.Username, 18), money(r.NetWorth), money(r.LiquidFlags), money(r.HoldingsValue), strconv.Itoa(r.HoldingCount)})
	}
	renderTable([]string{"RANK", "USER", "NET WORTH", "LIQUID", "HOLDINGS", "POSITIONS"}, out)
}

func renderWinnerBoards(boards []game.WinnerBoard) {
	heading("winners")
	if len(boards) == 0 {
		printInfo("No winners published yet.")
		return
	}
	for _, b := range boards {
		accent.Println(b.WinnerDate)
		out := make([][]string, 0, len(b.Winners))
		for _, w := range b.Winners {
			out = append(out, []string{strconv.Itoa(w.Rank), truncate(w.Username, 18), strconv.FormatInt(w.VotesReceived, 10), money(w.RewardFlags), truncate(w.Body, 40)})
		}
		renderTable([]string{"RANK", "USER", "VOTES", "REWARD", "OPINION"}, out)
	}
}

func renderPendingBuys(rows []game.PendingBuySummary) {
	heading("pending buys")
	if len(rows) == 0 {
		printInfo("Nothing pending.")
		return
	}
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, []string{truncate(r.Username, 18), strconv.FormatInt(r.PendingOrderCount, 10), money(r.PendingFlagsTotal)})
	}
	renderTable([]string{"USER", "ORDERS", "FLAGS"}, out)
}

func renderPendingSells(rows []game.PendingSellSummary) {
	heading("pending sells")
	if len(rows) == 0 {
		printInfo("Nothing pending.")
		return
	}
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, []string{truncate(r.Username, 18), strconv.FormatInt(r.PendingOrderCount, 10), units(r.PendingUnitsTotal), money(r.PendingFlagsTotal), money(r.EstimatedFlagsTotal)})
	}
	renderTable([]string{"USER", "ORDERS", "UNITS", "FLAGS AT ENTRY", "EST. PROCEEDS"}, out)
}

func renderClearing(sum game.ClearingSummary) {
	heading(fmt.Sprintf("%s clearing %s", sum.Side, sum.TradeDate))
	fmt.Printf("executed=%d failed=%d skipped=%d deferred=%d\n", sum.Executed, sum.Failed, sum.Skipped, sum.Deferred)
	if len(sum.Rows) == 0 {
		return
	}
	out := make([][]string, 0, len(sum.Rows))
	for _, r := range sum.Rows {
		settled := "-"
		if r.SettledFlags.Valid {
			settled = money(r.SettledFlags.Decimal)
		}
		out = append(out, []string{r.OrderID[:min(8, len(r.OrderID))], r.UserID, r.PlayerID, money(r.FlagsAmount), settled, statusText(r.Status), truncate(r.Note, 30)})
	}
	renderTable([]string{"ORDER", "USER", "PLAYER", "FLAGS", "SETTLED", "STATUS", "NOTE"}, out)
}

func renderRepricing(rows []game.RepricingRow, applied bool) {
	title := "repricing preview"
	if applied {
		title = "repricing applied"
	}
	heading(title)
	out := make([][]string, 0, len(rows))
	for _, r := range rows {
		flag := ""
		if r.Clamped {
			flag = "clamped"
		}
		if r.AlreadyApplied {
			flag = strings.TrimSpace(flag + " done")
		}
		out = append(out, []string{r.PlayerID, money(r.PrePrice), money(r.PostPrice), r.PriceMultiplier.StringFixed(4), signed(r.NetFlowFlags), money(r.EffectiveCapital), flag})
	}
	renderTable([]string{"PLAYER", "PRE", "POST", "MULT", "NET FLOW", "CAPITAL", ""}, out)
}

func renderCandidates(rows []game.WinnerCandidate) {
	heading("winner preview")
	if len(rows) == 0 {
		printInfo("No voted opinions for this date.")
		return
	}
	out := make([][]string, 0, len(rows))
	for _, c := range rows {
		out = append(out, []string{strconv.Itoa(c.Rank), truncate(c.Username, 18), strconv.FormatInt(c.VotesReceived, 10), money(c.RewardFlags), truncate(c.Body, 40)})
	}
	renderTable([]string{"RANK", "USER", "VOTES", "REWARD", "OPINION"}, out)
}

func renderPublication(res game.PublishResult) {
	if res.AlreadyPublished {
		printWarn(fmt.Sprintf("Winners for %s were already published; nothing paid twice.", res.WinnerDate))
	} else {
		printSuccess(fmt.Sprintf("Published %d winners for %s.", len(res.Rows), res.WinnerDate))
	}
	out := make([][]string, 0, len(res.Rows))
	for _, w := range res.Rows {
		out = append(out, []string{strconv.Itoa(w.Rank), w.UserID, strconv.FormatInt(w.VotesReceived, 10), money(w.RewardFlags)})
	}
	if len(out) > 0 {
		renderTable([]string{"RANK", "USER", "VOTES", "REWARD"}, out)
	}
}

func stepStatus(s ledger.StepStatus) string {
	switch s {
	case ledger.StepSuccess:
		return success.Sprint(s)
	case ledger.StepFailed:
		return danger.Sprint(s)
	case ledger.StepRunning:
		return warn.Sprint(s)
	default:
		return neutral.Sprint(s)
	}
}

func renderCloseResult(res game.CloseResult) {
	heading("daily close " + res.TradeDate)
	out := make([][]string, 0, len(res.Steps))
	for _, s := range res.Steps {
		detail := s.Detail
		if s.Skipped {
			detail = "skipped: " + detail
		}
		out = append(out, []string{s.Step, stepStatus(s.Status), strconv.FormatInt(s.AffectedCount, 10), truncate(detail, 50)})
	}
	renderTable([]string{"STEP", "STATUS", "AFFECTED", "DETAIL"}, out)
	printInfo("run " + res.RunID)
}

func renderDiagnostics(d game.CloseDiagnostics) {
	heading("close status " + d.TradeDate)
	if d.Run != nil {
		fmt.Printf("Run %s: %s since %s\n", d.Run.RunID, d.Run.Status, d.Run.StartedAt.Format("15:04:05"))
	} else {
		printInfo("No close has run for this date.")
	}
	out := make([][]string, 0, len(d.Steps))
	for _, s := range d.Steps {
		detail := s.Detail
		if s.Error != "" {
			detail = s.Error
		}
		out = append(out, []string{s.Step, stepStatus(s.Status), strconv.FormatInt(s.AffectedCount, 10), truncate(detail, 50)})
	}
	renderTable([]string{"STEP", "STATUS", "AFFECTED", "DETAIL"}, out)
	fmt.Printf("Pending buys: %d  Pending sells: %d  Winners: %d  Repriced: %d  Snapshots: %d\n",
		d.PendingBuyCount, d.PendingSellCount, d.PublishedWinners, d.RepricedPlayers, d.Snapshots)
}
