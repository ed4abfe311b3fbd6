// Package symbol handles market symbol parsing, validation, and derivation of
// bonding-curve parameters from championship standings.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/shopspring/decimal"
)

// Supported asset kinds encoded in the symbol.
const (
	KindDriver      = "DRV"
	KindConstructor = "CON"
)

var validKinds = map[string]bool{
	KindDriver:      true,
	KindConstructor: true,
}

// symbolRegex matches: GPX-{season}-{eventCode}-{kind}-{participantCode}
// Example: GPX-2026-MON-DRV-VER
var symbolRegex = regexp.MustCompile(
	`^GPX-(\d{4})-([A-Z0-9]{2,6})-([A-Z]{3})-([A-Z0-9]{2,6})$`,
)

var (
	ErrInvalidSymbol = errors.New("symbol: invalid market symbol format")
	ErrInvalidKind   = errors.New("symbol: unsupported asset kind")
)

// Symbol is a parsed market symbol.
type Symbol struct {
	Raw             string `json:"raw"`
	Season          int    `json:"season"`
	EventCode       string `json:"event_code"`
	Kind            string `json:"kind"`
	ParticipantCode string `json:"participant_code"`
}

// Parse parses and validates a market symbol string.
// Format: GPX-{season}-{eventCode}-{kind}-{participantCode}
func Parse(raw string) (*Symbol, error) {
	matches := symbolRegex.FindStringSubmatch(raw)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected GPX-{season}-{event}-{kind}-{participant})",
			ErrInvalidSymbol, raw)
	}

	season, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("%w: invalid season %s", ErrInvalidSymbol, matches[1])
	}

	kind := matches[3]
	if !validKinds[kind] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidKind, kind)
	}

	return &Symbol{
		Raw:             raw,
		Season:          season,
		EventCode:       matches[2],
		Kind:            kind,
		ParticipantCode: matches[4],
	}, nil
}

// Standing holds a participant's championship position going into an event,
// used to shape the curve: stronger entrants get a steeper slope so their
// price reacts faster to demand.
type Standing struct {
	Points    decimal.Decimal `json:"points"`
	MaxPoints decimal.Decimal `json:"max_points"` // leader's points, normalization ceiling
}

// DeriveSlope computes the curve slope `a` from standings:
//
//	a = baseSlope × (1 + points/maxPoints)
//
// An entrant with no points trades on the base slope; the championship leader
// on twice the base slope. Falls back to baseSlope when standings are empty.
func DeriveSlope(st Standing, baseSlope decimal.Decimal) decimal.Decimal {
	if st.MaxPoints.LessThanOrEqual(decimal.Zero) {
		return baseSlope
	}
	share := st.Points.Div(st.MaxPoints)
	if share.IsNegative() {
		share = decimal.Zero
	}
	one := decimal.NewFromInt(1)
	return baseSlope.Mul(one.Add(share)).Round(2)
}
