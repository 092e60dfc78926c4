package notify

import (
	"fmt"
	"strings"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/position"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/precision"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/risk"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
)

// FormatSignal renders a new signal for chat delivery.
func FormatSignal(s *signal.Signal) string {
	icon := "🚀"
	if s.Direction == signal.Short {
		icon = "🔴"
	}
	rr := "n/a"
	if ratio, err := risk.RewardRisk(s.EntryPrice, s.SLPrice, s.TP1Price); err == nil {
		rr = "1:" + ratio.StringFixed(1)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\n\n", icon, s.Direction, s.Symbol)
	fmt.Fprintf(&b, "📍 Entry: $%s\n", precision.FormatPrice(s.EntryPrice))
	fmt.Fprintf(&b, "🛑 Stop Loss: $%s\n", precision.FormatPrice(s.SLPrice))
	fmt.Fprintf(&b, "🎯 Take Profit 1: $%s\n", precision.FormatPrice(s.TP1Price))
	fmt.Fprintf(&b, "🎯 Take Profit 2: $%s\n\n", precision.FormatPrice(s.TP2Price))
	fmt.Fprintf(&b, "📈 Risk/Reward: %s\n", rr)
	fmt.Fprintf(&b, "⏰ %s UTC\n\n", s.CreatedAt.UTC().Format("15:04:05"))
	b.WriteString("⚠️ Not financial advice!")
	return b.String()
}

// FormatUpdate renders a position transition for chat delivery.
func FormatUpdate(u signal.PositionUpdate) string {
	icon, label := "📊", "Position updated"
	switch u.Level {
	case signal.LevelTP1:
		icon, label = "🎯", "Take Profit 1"
	case signal.LevelTP2:
		icon, label = "🏆", "Take Profit 2"
	case signal.LevelSL:
		icon, label = "🛑", "Stop Loss"
	}
	pnlIcon := "❌"
	if u.PnLPercent.IsPositive() {
		pnlIcon = "💚"
	}
	sign := ""
	if !u.PnLPercent.IsNegative() {
		sign = "+"
	}
	state := "partially closed, stop moved to breakeven"
	if u.Closed() {
		state = "closed"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s reached!\n\n", icon, label)
	fmt.Fprintf(&b, "📊 %s %s\n", u.Direction, u.Symbol)
	fmt.Fprintf(&b, "📍 Price: $%s\n", precision.FormatPrice(u.Price))
	fmt.Fprintf(&b, "%s PnL: %s%s%%\n", pnlIcon, sign, u.PnLPercent.StringFixed(2))
	fmt.Fprintf(&b, "⏰ %s UTC\n\n", u.Time.UTC().Format("15:04:05"))
	fmt.Fprintf(&b, "⚠️ Position %s", state)
	return b.String()
}

// FormatStats renders the aggregate for the /stats command.
func FormatStats(st position.Statistics) string {
	var b strings.Builder
	b.WriteString("📊 Statistics\n\n")
	fmt.Fprintf(&b, "Signals: %d\n", st.TotalSignals)
	fmt.Fprintf(&b, "TP1: %d  TP2: %d  SL: %d\n", st.TP1Hits, st.TP2Hits, st.SLHits)
	fmt.Fprintf(&b, "Win rate: %s%%\n", st.WinRate.StringFixed(2))
	fmt.Fprintf(&b, "Total PnL: %s%%\n", st.TotalPnL.StringFixed(2))
	fmt.Fprintf(&b, "Avg per trade: %s%%\n", st.AveragePnL.StringFixed(2))
	fmt.Fprintf(&b, "Best/Worst: %s%% / %s%%", st.BestTrade.StringFixed(2), st.WorstTrade.StringFixed(2))
	return b.String()
}

// FormatStatus lists the active signals for the /status command.
func FormatStatus(active []*signal.Signal) string {
	if len(active) == 0 {
		return "No active signals."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Active signals: %d\n", len(active))
	for _, s := range active {
		fmt.Fprintf(&b, "\n%s %s %s entry $%s", s.Symbol, s.Direction, s.Status, precision.FormatPrice(s.EntryPrice))
	}
	return b.String()
}

// DataUnavailable is sent when the store cannot be read.
const DataUnavailable = "⚠️ Data unavailable, please try again later."
