// Package scoring converts a participant's real-world performance score into
// a payout per share at settlement time.
//
// A rule is a tagged variant: linear-normalized, sigmoid, or piecewise, each
// with its own parameter set and evaluation path. Rules are read-only at
// settlement. Participants with no clean result (DNF, disqualified) settle at
// the rule's floor payout, which defaults to zero.
package scoring

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/gridprix/market-engine/internal/model"
)

// Formula identifies the payout function variant.
type Formula string

const (
	LinearNormalized Formula = "linear_normalized"
	Sigmoid          Formula = "sigmoid"
	Piecewise        Formula = "piecewise"
)

var (
	// ErrUnknownFormula is returned for a formula tag the engine does not
	// implement.
	ErrUnknownFormula = errors.New("scoring: unknown formula type")

	// ErrZeroMaxScore is returned when a linear-normalized rule is
	// configured with max_score = 0.
	ErrZeroMaxScore = errors.New("scoring: max_score cannot be zero")

	// ErrNoBreakpoints is returned when a piecewise rule has no points.
	ErrNoBreakpoints = errors.New("scoring: piecewise rule requires at least one breakpoint")
)

// Scale matches the store's NUMERIC(18,8) payout columns.
const Scale int32 = 8

// Breakpoint is one (score, payout) anchor of a piecewise rule.
type Breakpoint struct {
	Score  decimal.Decimal `json:"score"`
	Payout decimal.Decimal `json:"payout"`
}

// Rule is the per-event scoring configuration resolved once per market at
// settlement time.
type Rule struct {
	ID      string  `json:"id"`
	Code    string  `json:"code"` // e.g. "F1_POINTS"
	Formula Formula `json:"formula"`

	// Linear-normalized and sigmoid parameters.
	Alpha    decimal.Decimal `json:"alpha"`
	Beta     decimal.Decimal `json:"beta"`
	MaxScore decimal.Decimal `json:"max_score"` // linear normalization denominator

	// Sigmoid shape: alpha·σ(k·(score − midpoint)) + beta.
	K        decimal.Decimal `json:"k,omitempty"`
	Midpoint decimal.Decimal `json:"midpoint,omitempty"`

	// Piecewise anchors, interpolated linearly and clamped at the extremes.
	Points []Breakpoint `json:"points,omitempty"`

	// Floor is the payout per share for DNF/disqualified participants and
	// for markets whose participant has no recorded result.
	Floor decimal.Decimal `json:"floor"`
}

// PayoutPerShare evaluates the rule against a final result. Results with a
// non-finished status settle at the floor regardless of score. Payouts are
// never negative.
func (r Rule) PayoutPerShare(res model.EventResult) (decimal.Decimal, error) {
	if res.Status != model.ResultFinished {
		return clampZero(r.Floor), nil
	}

	switch r.Formula {
	case LinearNormalized:
		return r.linear(res.PrimaryScore)
	case Sigmoid:
		return r.sigmoid(res.PrimaryScore)
	case Piecewise:
		return r.piecewise(res.PrimaryScore)
	default:
		return decimal.Zero, fmt.Errorf("%w: %q", ErrUnknownFormula, r.Formula)
	}
}

// FloorPayout is the payout applied when no result exists for a participant.
func (r Rule) FloorPayout() decimal.Decimal {
	return clampZero(r.Floor)
}

// linear: alpha·(score/max_score) + beta.
func (r Rule) linear(score decimal.Decimal) (decimal.Decimal, error) {
	if r.MaxScore.IsZero() {
		return decimal.Zero, ErrZeroMaxScore
	}
	normalized := score.Div(r.MaxScore)
	return clampZero(r.Alpha.Mul(normalized).Add(r.Beta).Round(Scale)), nil
}

// sigmoid: alpha·σ(k·(score − midpoint)) + beta, sharpening the separation
// between top and bottom performers.
func (r Rule) sigmoid(score decimal.Decimal) (decimal.Decimal, error) {
	k := r.K
	if k.IsZero() {
		k = decimal.NewFromInt(10) // default steepness
	}
	x := k.Mul(score.Sub(r.Midpoint)).InexactFloat64()
	sig := decimal.NewFromFloat(1 / (1 + math.Exp(-x)))
	return clampZero(r.Alpha.Mul(sig).Add(r.Beta).Round(Scale)), nil
}

// piecewise: linear interpolation between sorted (score, payout) anchors,
// clamped to the first/last payout outside the configured range.
func (r Rule) piecewise(score decimal.Decimal) (decimal.Decimal, error) {
	if len(r.Points) == 0 {
		return decimal.Zero, ErrNoBreakpoints
	}

	pts := make([]Breakpoint, len(r.Points))
	copy(pts, r.Points)
	sort.Slice(pts, func(i, j int) bool { return pts[i].Score.LessThan(pts[j].Score) })

	if score.LessThanOrEqual(pts[0].Score) {
		return clampZero(pts[0].Payout), nil
	}
	last := pts[len(pts)-1]
	if score.GreaterThanOrEqual(last.Score) {
		return clampZero(last.Payout), nil
	}

	for i := 1; i < len(pts); i++ {
		if score.GreaterThan(pts[i].Score) {
			continue
		}
		lo, hi := pts[i-1], pts[i]
		span := hi.Score.Sub(lo.Score)
		frac := score.Sub(lo.Score).Div(span)
		payout := lo.Payout.Add(hi.Payout.Sub(lo.Payout).Mul(frac))
		return clampZero(payout.Round(Scale)), nil
	}
	return clampZero(last.Payout), nil
}

func clampZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
