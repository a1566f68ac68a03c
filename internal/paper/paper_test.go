package paper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"SignalDesk/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestEvaluate(t *testing.T) {
	now := time.Now()
	signals := []model.Signal{
		{ID: "win", Symbol: "XAUUSD", Type: model.SignalBuy, Entry: d("100"), StopLoss: d("90"), TakeProfit: d("120"), Status: model.StatusHitTP},
		{ID: "loss", Symbol: "EURUSD", Type: model.SignalSell, Entry: d("1.10"), StopLoss: d("1.21"), TakeProfit: d("1.00"), Status: model.StatusHitSL},
		{ID: "open", Symbol: "BTCUSD", Type: model.SignalSell, Entry: d("60000"), StopLoss: d("62000"), TakeProfit: d("55000"), Status: model.StatusActive},
		{ID: "unquoted", Symbol: "GBPJPY", Type: model.SignalBuy, Entry: d("190"), StopLoss: d("188"), TakeProfit: d("195"), Status: model.StatusPending},
	}
	follows := []model.Follow{
		{SignalID: "win", EntryPrice: d("100"), FollowedAt: now.Add(-4 * time.Hour)},
		{SignalID: "loss", EntryPrice: d("1.10"), FollowedAt: now.Add(-3 * time.Hour)},
		{SignalID: "open", EntryPrice: d("60000"), FollowedAt: now.Add(-2 * time.Hour)},
		{SignalID: "unquoted", FollowedAt: now.Add(-time.Hour)},
		{SignalID: "gone", EntryPrice: d("1"), FollowedAt: now},
	}
	quotes := map[string]decimal.Decimal{"BTCUSD": d("57000")}

	r := Evaluate(follows, signals, quotes)
	if len(r.Positions) != 4 {
		t.Fatalf("expected 4 positions, got %d", len(r.Positions))
	}
	if r.Positions[0].Signal.ID != "unquoted" {
		t.Errorf("positions should be newest first, got %s", r.Positions[0].Signal.ID)
	}

	byID := map[string]Position{}
	for _, p := range r.Positions {
		byID[p.Signal.ID] = p
	}
	if p := byID["win"]; !p.Won() || !p.PnLPct.Equal(d("20")) {
		t.Errorf("win: %+v", p)
	}
	if p := byID["loss"]; p.Won() || !p.PnLPct.Equal(d("-10")) {
		t.Errorf("loss: pct %s", p.PnLPct)
	}
	if p := byID["open"]; p.Closed || !p.Quoted || !p.PnL.Equal(d("3000")) || !p.PnLPct.Equal(d("5")) {
		t.Errorf("open: %+v", p)
	}
	if p := byID["unquoted"]; p.Quoted || !p.Mark.Equal(d("190")) || !p.PnL.IsZero() {
		t.Errorf("unquoted should mark at signal entry: %+v", p)
	}

	s := r.Summary
	if s.Open != 2 || s.Closed != 2 || s.Wins != 1 || s.Losses != 1 {
		t.Errorf("summary counts %+v", s)
	}
	if !s.WinRate.Equal(d("50")) || !s.TotalReturnPct.Equal(d("15")) {
		t.Errorf("win rate %s total %s", s.WinRate, s.TotalReturnPct)
	}
}

func TestOpenSymbols(t *testing.T) {
	signals := []model.Signal{
		{ID: "a", Symbol: "XAUUSD", Status: model.StatusActive},
		{ID: "b", Symbol: "XAUUSD", Status: model.StatusPending},
		{ID: "c", Symbol: "BTCUSD", Status: model.StatusHitTP},
		{ID: "e", Symbol: "EURUSD", Status: model.StatusActive},
	}
	follows := []model.Follow{{SignalID: "a"}, {SignalID: "b"}, {SignalID: "c"}, {SignalID: "e"}}
	got := OpenSymbols(follows, signals)
	if len(got) != 2 || got[0] != "EURUSD" || got[1] != "XAUUSD" {
		t.Errorf("got %v", got)
	}
}

type mapQuoter map[string]decimal.Decimal

func (m mapQuoter) Price(_ context.Context, sym string) (decimal.Decimal, error) {
	p, ok := m[sym]
	if !ok {
		return decimal.Zero, errors.New("no quote for " + sym)
	}
	return p, nil
}

func TestFetchQuotes(t *testing.T) {
	q := mapQuoter{"XAUUSD": d("2400"), "BTCUSD": d("65000")}
	quotes, errs := FetchQuotes(context.Background(), q, []string{"XAUUSD", "BTCUSD", "NOPE"})
	if len(quotes) != 2 || !quotes["XAUUSD"].Equal(d("2400")) {
		t.Errorf("quotes %v", quotes)
	}
	if len(errs) != 1 {
		t.Errorf("expected one error, got %v", errs)
	}
}
