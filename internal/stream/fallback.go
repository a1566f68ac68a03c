package stream

import (
	"time"

	"github.com/shopspring/decimal"

	"SignalDesk/internal/model"
)

type fallbackRow struct {
	symbol     string
	typ        model.SignalType
	entry      string
	sl         string
	tp         string
	status     model.SignalStatus
	confidence int
	reason     string
}

var fallbackRows = []fallbackRow{
	{"XAUUSD", model.SignalBuy, "2345.50", "2331.00", "2374.50", model.StatusActive, 82, "Bullish engulfing on H4 at 2330 support, RSI turning up from 40"},
	{"EURUSD", model.SignalSell, "1.08520", "1.09050", "1.07450", model.StatusActive, 74, "Lower high under 1.0900 with bearish MACD cross on H1"},
	{"BTCUSD", model.SignalBuy, "64250", "62400", "68000", model.StatusPending, 68, "Breakout retest of 64k range high, volume confirming"},
	{"GBPUSD", model.SignalSell, "1.26840", "1.27400", "1.25700", model.StatusActive, 71, "Double top at 1.2740, price below 50 EMA"},
	{"USDJPY", model.SignalBuy, "154.20", "153.30", "156.00", model.StatusActive, 77, "Higher lows along rising trendline, rate differential support"},
	{"ETHUSD", model.SignalBuy, "3120", "2990", "3380", model.StatusPending, 65, "Bull flag on daily, holding 3000 psychological level"},
}

// FallbackSignals returns the example set used to seed an empty signal table.
// Creation times are staggered an hour apart, first row newest.
func FallbackSignals() []model.Signal {
	now := time.Now().UTC()
	out := make([]model.Signal, len(fallbackRows))
	for i, r := range fallbackRows {
		out[i] = model.Signal{
			Symbol:          r.symbol,
			Type:            r.typ,
			Entry:           decimal.RequireFromString(r.entry),
			StopLoss:        decimal.RequireFromString(r.sl),
			TakeProfit:      decimal.RequireFromString(r.tp),
			Status:          r.status,
			Confidence:      r.confidence,
			TechnicalReason: r.reason,
			CreatedAt:       now.Add(-time.Duration(i) * time.Hour),
		}
	}
	return out
}
