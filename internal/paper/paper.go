package paper

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"SignalDesk/internal/model"
)

var hundred = decimal.NewFromInt(100)

// Position is a followed signal marked to its exit or current price.
type Position struct {
	Follow model.Follow
	Signal model.Signal
	Mark   decimal.Decimal // TP or SL once closed, the quote (or entry) while open
	Closed bool
	Quoted bool
	PnL    decimal.Decimal // per unit, direction aware
	PnLPct decimal.Decimal
}

// Won reports whether a closed position ended in profit.
func (p Position) Won() bool { return p.Closed && p.PnL.IsPositive() }

// Summary aggregates a set of positions.
type Summary struct {
	Open           int
	Closed         int
	Wins           int
	Losses         int
	WinRate        decimal.Decimal // percent of closed positions
	TotalReturnPct decimal.Decimal // sum of position returns
}

// Report is the paper-trading book of one user.
type Report struct {
	Positions []Position
	Summary   Summary
}

// Quoter looks up the current price of a symbol.
type Quoter interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Evaluate marks every follow against its signal. Follows whose signal is
// unknown are skipped. quotes may be nil.
func Evaluate(follows []model.Follow, signals []model.Signal, quotes map[string]decimal.Decimal) Report {
	byID := make(map[string]model.Signal, len(signals))
	for _, s := range signals {
		byID[s.ID] = s
	}

	var r Report
	for _, f := range follows {
		s, ok := byID[f.SignalID]
		if !ok {
			continue
		}
		p := Position{Follow: f, Signal: s}
		entry := f.EntryPrice
		if entry.IsZero() {
			entry = s.Entry
		}

		switch s.Status {
		case model.StatusHitTP:
			p.Mark, p.Closed = s.TakeProfit, true
		case model.StatusHitSL:
			p.Mark, p.Closed = s.StopLoss, true
		default:
			p.Mark = entry
			if q, ok := quotes[s.Symbol]; ok && q.IsPositive() {
				p.Mark, p.Quoted = q, true
			}
		}

		p.PnL = p.Mark.Sub(entry)
		if s.Type == model.SignalSell {
			p.PnL = p.PnL.Neg()
		}
		if entry.IsPositive() {
			p.PnLPct = p.PnL.Div(entry).Mul(hundred).Round(2)
		}
		r.Positions = append(r.Positions, p)
	}

	sort.SliceStable(r.Positions, func(i, j int) bool {
		return r.Positions[i].Follow.FollowedAt.After(r.Positions[j].Follow.FollowedAt)
	})
	r.Summary = summarize(r.Positions)
	return r
}

func summarize(positions []Position) Summary {
	var s Summary
	for _, p := range positions {
		s.TotalReturnPct = s.TotalReturnPct.Add(p.PnLPct)
		if !p.Closed {
			s.Open++
			continue
		}
		s.Closed++
		if p.Won() {
			s.Wins++
		} else {
			s.Losses++
		}
	}
	if s.Closed > 0 {
		s.WinRate = decimal.NewFromInt(int64(s.Wins)).Div(decimal.NewFromInt(int64(s.Closed))).Mul(hundred).Round(1)
	}
	return s
}

// OpenSymbols returns the distinct symbols of followed signals that are still open.
func OpenSymbols(follows []model.Follow, signals []model.Signal) []string {
	open := make(map[string]bool)
	for _, s := range signals {
		if !s.Status.Closed() {
			open[s.ID] = true
		}
	}
	seen := make(map[string]bool)
	var out []string
	for _, f := range follows {
		if !open[f.SignalID] {
			continue
		}
		for _, s := range signals {
			if s.ID == f.SignalID && !seen[s.Symbol] {
				seen[s.Symbol] = true
				out = append(out, s.Symbol)
			}
		}
	}
	sort.Strings(out)
	return out
}

// FetchQuotes prices symbols with at most four requests in flight.
// Symbols that fail are left out of the result and reported in errs.
func FetchQuotes(ctx context.Context, q Quoter, symbols []string) (map[string]decimal.Decimal, []error) {
	var (
		mu     sync.Mutex
		quotes = make(map[string]decimal.Decimal, len(symbols))
		errs   []error
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, sym := range symbols {
		g.Go(func() error {
			price, err := q.Price(ctx, sym)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return nil
			}
			quotes[sym] = price
			return nil
		})
	}
	_ = g.Wait()
	return quotes, errs
}
