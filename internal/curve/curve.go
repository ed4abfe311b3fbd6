// Package curve implements the square-root bonding curve used to price every
// market: P(s) = a·√s + b, where s is the outstanding share supply.
//
// Buy cost and sell payout are the exact integral of the price function over
// the supply delta, which makes pricing path-independent: buying Δs and then
// selling Δs at the same supply returns the same credits (within rounding).
//
// All monetary values use shopspring/decimal — never float64 for money.
// The fractional powers are computed in float64 and immediately converted
// back to decimal, rounded to Scale.
package curve

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidQuantity is returned when a quote is requested for a zero or
	// negative share delta.
	ErrInvalidQuantity = errors.New("curve: quantity must be positive")

	// ErrNegativeSupply is returned when the supplied market supply is below
	// zero. Callers maintain the supply ≥ 0 invariant; this is a guard
	// against programmer error, not user input.
	ErrNegativeSupply = errors.New("curve: supply cannot be negative")

	// ErrOversold is returned when a sell quote asks for more shares than
	// the outstanding supply.
	ErrOversold = errors.New("curve: cannot sell more shares than outstanding supply")
)

// Scale is the number of decimal places for price/cost rounding. It matches
// the NUMERIC(18,8) columns the store persists into.
const Scale int32 = 8

// Curve is a stateless pricer for one market's parameters. Supply is passed
// as an argument, not stored.
type Curve struct {
	a decimal.Decimal
	b decimal.Decimal
}

// New creates a pricer for the given slope a and intercept b. A zero slope
// yields a flat market priced at b; a negative slope is rejected by market
// creation, not here.
func New(a, b decimal.Decimal) Curve {
	return Curve{a: a, b: b}
}

// A returns the curve slope.
func (c Curve) A() decimal.Decimal { return c.a }

// B returns the curve intercept.
func (c Curve) B() decimal.Decimal { return c.b }

// Price returns the spot price at supply s: a·√s + b.
// At zero supply the price is the intercept.
func (c Curve) Price(s decimal.Decimal) (decimal.Decimal, error) {
	if s.IsNegative() {
		return decimal.Zero, ErrNegativeSupply
	}
	if s.IsZero() {
		return c.b, nil
	}
	sqrtS := decimal.NewFromFloat(math.Sqrt(s.InexactFloat64()))
	return c.a.Mul(sqrtS).Add(c.b).Round(Scale), nil
}

// BuyCost returns the cost to mint deltaS shares starting from supply s:
//
//	cost = (2a/3)·[(s+Δs)^1.5 − s^1.5] + b·Δs
//
// the integral of the price function from s to s+Δs.
func (c Curve) BuyCost(s, deltaS decimal.Decimal) (decimal.Decimal, error) {
	if !deltaS.IsPositive() {
		return decimal.Zero, ErrInvalidQuantity
	}
	if s.IsNegative() {
		return decimal.Zero, ErrNegativeSupply
	}
	integral := c.integral(s.InexactFloat64(), s.Add(deltaS).InexactFloat64())
	return integral.Add(c.b.Mul(deltaS)).Round(Scale), nil
}

// SellPayout returns the credits released by burning deltaS shares from
// supply s:
//
//	payout = (2a/3)·[s^1.5 − (s−Δs)^1.5] + b·Δs
//
// the integral of the price function from s−Δs to s. Selling from zero
// supply, or more than the outstanding supply, is rejected.
func (c Curve) SellPayout(s, deltaS decimal.Decimal) (decimal.Decimal, error) {
	if !deltaS.IsPositive() {
		return decimal.Zero, ErrInvalidQuantity
	}
	if s.IsNegative() {
		return decimal.Zero, ErrNegativeSupply
	}
	if deltaS.GreaterThan(s) {
		return decimal.Zero, ErrOversold
	}
	integral := c.integral(s.Sub(deltaS).InexactFloat64(), s.InexactFloat64())
	return integral.Add(c.b.Mul(deltaS)).Round(Scale), nil
}

// integral computes (2a/3)·(hi^1.5 − lo^1.5) for 0 ≤ lo ≤ hi.
// The same float path is used for buys and sells so that a buy followed by a
// sell over the identical supply interval cancels exactly.
func (c Curve) integral(lo, hi float64) decimal.Decimal {
	af := c.a.InexactFloat64()
	v := (2 * af / 3) * (math.Pow(hi, 1.5) - math.Pow(lo, 1.5))
	return decimal.NewFromFloat(v)
}
