package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Follow links a user to a signal they paper-trade. Unique per (UserID, SignalID).
type Follow struct {
	ID         string          `json:"id" db:"id"`
	UserID     string          `json:"user_id" db:"user_id"`
	SignalID   string          `json:"signal_id" db:"signal_id"`
	EntryPrice decimal.Decimal `json:"entry_price" db:"entry_price"`
	FollowedAt time.Time       `json:"followed_at" db:"followed_at"`
}
