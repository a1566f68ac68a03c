package stream

import (
	"fmt"

	"SignalDesk/internal/model"
)

// Category selects a subset of signals by status.
type Category string

const (
	All     Category = "all"
	Active  Category = "active"
	Pending Category = "pending"
	Closed  Category = "closed"
	Won     Category = "won"
	Lost    Category = "lost"
)

// ParseCategory validates a category name. Empty means All.
func ParseCategory(s string) (Category, error) {
	switch c := Category(s); c {
	case "":
		return All, nil
	case All, Active, Pending, Closed, Won, Lost:
		return c, nil
	default:
		return "", fmt.Errorf("unknown category %q", s)
	}
}

// Match reports whether a status falls in the category.
func (c Category) Match(status model.SignalStatus) bool {
	switch c {
	case All, "":
		return true
	case Active:
		return status == model.StatusActive
	case Pending:
		return status == model.StatusPending
	case Closed:
		return status.Closed()
	case Won:
		return status == model.StatusHitTP
	case Lost:
		return status == model.StatusHitSL
	}
	return false
}

// Filter returns the signals in category c, keeping their order. The input is not modified.
func Filter(signals []model.Signal, c Category) []model.Signal {
	out := make([]model.Signal, 0, len(signals))
	for _, s := range signals {
		if c.Match(s.Status) {
			out = append(out, s)
		}
	}
	return out
}
