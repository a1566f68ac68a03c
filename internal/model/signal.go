package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SignalType is the trade direction of a signal.
type SignalType string

const (
	SignalBuy  SignalType = "BUY"
	SignalSell SignalType = "SELL"
)

// SignalStatus is the lifecycle state of a signal.
type SignalStatus string

const (
	StatusActive  SignalStatus = "active"
	StatusPending SignalStatus = "pending"
	StatusHitTP   SignalStatus = "hit_tp"
	StatusHitSL   SignalStatus = "hit_sl"
)

// Closed reports whether the signal has reached its target or stop.
func (s SignalStatus) Closed() bool {
	return s == StatusHitTP || s == StatusHitSL
}

// Signal is a trading signal distributed to all authorized clients.
type Signal struct {
	ID              string          `json:"id" db:"id"`
	Symbol          string          `json:"symbol" db:"symbol"`
	Type            SignalType      `json:"type" db:"type"`
	Entry           decimal.Decimal `json:"entry" db:"entry"`
	StopLoss        decimal.Decimal `json:"sl" db:"sl"`
	TakeProfit      decimal.Decimal `json:"tp" db:"tp"`
	Status          SignalStatus    `json:"status" db:"status"`
	Confidence      int             `json:"confidence" db:"confidence"`
	TechnicalReason string          `json:"technical_reason,omitempty" db:"technical_reason"`
	AIInsight       string          `json:"ai_insight,omitempty" db:"ai_insight"` // empty until enriched
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
}

// HasInsight reports whether enrichment text is attached.
func (s *Signal) HasInsight() bool { return s.AIInsight != "" }

// Validate checks the fields an external writer must supply.
func (s *Signal) Validate() error {
	if s.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	switch s.Type {
	case SignalBuy, SignalSell:
	default:
		return fmt.Errorf("unknown signal type %q", s.Type)
	}
	switch s.Status {
	case StatusActive, StatusPending, StatusHitTP, StatusHitSL:
	default:
		return fmt.Errorf("unknown signal status %q", s.Status)
	}
	if s.Confidence < 0 || s.Confidence > 100 {
		return fmt.Errorf("confidence %d out of range 0-100", s.Confidence)
	}
	if !s.Entry.IsPositive() {
		return fmt.Errorf("entry must be positive")
	}
	return nil
}

// RiskReward returns reward/risk measured from entry to take-profit and stop-loss.
// Zero when the stop sits on the entry.
func (s *Signal) RiskReward() decimal.Decimal {
	risk := s.Entry.Sub(s.StopLoss).Abs()
	if risk.IsZero() {
		return decimal.Zero
	}
	return s.TakeProfit.Sub(s.Entry).Abs().Div(risk).Round(2)
}

// SignalPatch is a partial update to a signal. Nil fields are left unchanged.
type SignalPatch struct {
	Status    *SignalStatus
	AIInsight *string
}
