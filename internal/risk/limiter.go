// Package risk enforces position limits that account for correlation between
// markets in the same event.
//
// A user buying every driver in one race is not diversified: all of those
// markets settle off the same result sheet. The limiter caps shares per
// market and aggregate shares across sibling markets of one event.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPerMarketLimitExceeded is returned when a buy would push a single
	// position beyond the per-market maximum.
	ErrPerMarketLimitExceeded = errors.New("risk: per-market position limit exceeded")

	// ErrPerEventLimitExceeded is returned when a buy would push the
	// aggregate share count across one event's markets beyond the event
	// maximum.
	ErrPerEventLimitExceeded = errors.New("risk: per-event exposure limit exceeded")
)

// Exposure is a user's current share count in one market.
type Exposure struct {
	MarketID string
	EventID  string
	Shares   decimal.Decimal
}

// Limiter enforces per-market and per-event share caps. Sells always pass:
// reducing exposure is never a risk problem.
type Limiter struct {
	// MaxPerMarket is the maximum share count in any single market.
	MaxPerMarket decimal.Decimal

	// MaxPerEvent is the maximum aggregate share count across all markets
	// bound to the same event.
	MaxPerEvent decimal.Decimal
}

// NewLimiter creates a limiter with the given caps. Non-positive caps
// disable the corresponding check.
func NewLimiter(maxPerMarket, maxPerEvent decimal.Decimal) *Limiter {
	return &Limiter{MaxPerMarket: maxPerMarket, MaxPerEvent: maxPerEvent}
}

// CheckBuy validates whether buying delta shares of the target market keeps
// the user inside both caps, given their existing exposures.
func (l *Limiter) CheckBuy(
	targetMarket, targetEvent string,
	delta decimal.Decimal,
	existing []Exposure,
) error {
	if !delta.IsPositive() {
		return nil
	}

	inMarket := delta
	inEvent := delta
	for _, e := range existing {
		if e.MarketID == targetMarket {
			inMarket = inMarket.Add(e.Shares)
		}
		if e.EventID == targetEvent {
			inEvent = inEvent.Add(e.Shares)
		}
	}

	if l.MaxPerMarket.IsPositive() && inMarket.GreaterThan(l.MaxPerMarket) {
		return ErrPerMarketLimitExceeded
	}
	if l.MaxPerEvent.IsPositive() && inEvent.GreaterThan(l.MaxPerEvent) {
		return ErrPerEventLimitExceeded
	}
	return nil
}
