package notifier

import (
	"fmt"
	"html"
	"strings"
	"time"

	"SignalDesk/internal/model"
	"SignalDesk/internal/paper"
)

func directionIcon(t model.SignalType) string {
	if t == model.SignalSell {
		return "🔴"
	}
	return "🟢"
}

func statusLabel(s model.SignalStatus) string {
	switch s {
	case model.StatusHitTP:
		return "✅ TP hit"
	case model.StatusHitSL:
		return "❌ SL hit"
	case model.StatusPending:
		return "⏳ pending"
	default:
		return "▶️ active"
	}
}

// SignalNotification builds the new-signal notification.
func SignalNotification(s model.Signal) Notification {
	return Notification{
		Title: fmt.Sprintf("%s %s %s", directionIcon(s.Type), s.Type, s.Symbol),
		Body:  fmt.Sprintf("Entry %s · SL %s · TP %s · %d%% confidence", s.Entry, s.StopLoss, s.TakeProfit, s.Confidence),
		Data: map[string]string{
			"signal_id": s.ID,
			"symbol":    s.Symbol,
			"type":      string(s.Type),
		},
	}
}

// FormatNotification renders a notification as a Telegram HTML message.
func FormatNotification(n Notification) string {
	return fmt.Sprintf("<b>%s</b>\n%s", html.EscapeString(n.Title), html.EscapeString(n.Body))
}

// FormatSignalAlert formats a single signal with its reason and insight.
func FormatSignalAlert(s model.Signal) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%s <b>%s %s</b> | %s\n\n", directionIcon(s.Type), s.Type, html.EscapeString(s.Symbol), statusLabel(s.Status)))
	b.WriteString(fmt.Sprintf("Entry: %s\n", s.Entry))
	b.WriteString(fmt.Sprintf("Stop loss: %s | Take profit: %s\n", s.StopLoss, s.TakeProfit))
	if rr := s.RiskReward(); rr.IsPositive() {
		b.WriteString(fmt.Sprintf("Risk/reward: 1:%s\n", rr.StringFixed(2)))
	}
	b.WriteString(fmt.Sprintf("Confidence: %d%%\n", s.Confidence))
	if s.TechnicalReason != "" {
		b.WriteString(fmt.Sprintf("\n📐 %s\n", html.EscapeString(s.TechnicalReason)))
	}
	if s.HasInsight() {
		b.WriteString(fmt.Sprintf("\n🤖 %s\n", html.EscapeString(s.AIInsight)))
	}
	return b.String()
}

// FormatSignalList formats a compact list of signals under a title.
func FormatSignalList(title string, signals []model.Signal) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("📊 <b>%s</b> (%d)\n\n", html.EscapeString(title), len(signals)))
	if len(signals) == 0 {
		b.WriteString("No signals.")
		return b.String()
	}
	for _, s := range signals {
		b.WriteString(fmt.Sprintf("%s %s %s @ %s | %s | %d%%\n",
			directionIcon(s.Type), s.Type, html.EscapeString(s.Symbol), s.Entry, statusLabel(s.Status), s.Confidence))
	}
	return b.String()
}

// FormatPaperSummary formats the paper-trading book.
func FormatPaperSummary(r paper.Report) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("📒 <b>Paper trading</b> | %s\n\n", time.Now().Format("2006-01-02")))
	if len(r.Positions) == 0 {
		b.WriteString("No followed signals.")
		return b.String()
	}
	for _, p := range r.Positions {
		state := "open"
		if p.Closed {
			state = "closed"
		}
		b.WriteString(fmt.Sprintf("%s %s %s: %s → %s (%s%%, %s)\n",
			directionIcon(p.Signal.Type), p.Signal.Type, html.EscapeString(p.Signal.Symbol),
			p.Follow.EntryPrice, p.Mark, p.PnLPct.StringFixed(2), state))
	}
	s := r.Summary
	b.WriteString("  ─────────────────\n")
	b.WriteString(fmt.Sprintf("Open: %d | Closed: %d\n", s.Open, s.Closed))
	b.WriteString(fmt.Sprintf("Wins: %d | Losses: %d | Win rate: %s%%\n", s.Wins, s.Losses, s.WinRate.StringFixed(1)))
	b.WriteString(fmt.Sprintf("Total return: %s%%\n", s.TotalReturnPct.StringFixed(2)))
	return b.String()
}

// FormatStatus formats the client status reply.
func FormatStatus(live bool, signals, unseen, following int) string {
	state := "🟢 live"
	if !live {
		state = "🔴 offline"
	}
	var b strings.Builder
	b.WriteString("🛰 <b>SignalDesk status</b>\n\n")
	b.WriteString(fmt.Sprintf("Feed: %s\n", state))
	b.WriteString(fmt.Sprintf("Signals: %d (%d new)\n", signals, unseen))
	b.WriteString(fmt.Sprintf("Following: %d\n", following))
	return b.String()
}
