package symbol

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestParse_Valid(t *testing.T) {
	s, err := Parse("GPX-2026-MON-DRV-VER")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Season != 2026 {
		t.Errorf("expected season 2026, got %d", s.Season)
	}
	if s.EventCode != "MON" {
		t.Errorf("expected event MON, got %s", s.EventCode)
	}
	if s.Kind != KindDriver {
		t.Errorf("expected kind DRV, got %s", s.Kind)
	}
	if s.ParticipantCode != "VER" {
		t.Errorf("expected participant VER, got %s", s.ParticipantCode)
	}
}

func TestParse_Constructor(t *testing.T) {
	s, err := Parse("GPX-2026-SPA-CON-RBR")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Kind != KindConstructor {
		t.Errorf("expected kind CON, got %s", s.Kind)
	}
}

func TestParse_InvalidFormat(t *testing.T) {
	for _, raw := range []string{
		"",
		"GPX-26-MON-DRV-VER",      // short season
		"gpx-2026-mon-drv-ver",    // lowercase
		"GPX-2026-MON-DRV",        // missing participant
		"F1-2026-MON-DRV-VER",     // wrong prefix
		"GPX-2026-MON-DRV-VER-X1", // trailing segment
	} {
		if _, err := Parse(raw); !errors.Is(err, ErrInvalidSymbol) {
			t.Errorf("Parse(%q): expected ErrInvalidSymbol, got %v", raw, err)
		}
	}
}

func TestParse_UnknownKind(t *testing.T) {
	if _, err := Parse("GPX-2026-MON-PRP-VER"); !errors.Is(err, ErrInvalidKind) {
		t.Errorf("expected ErrInvalidKind, got %v", err)
	}
}

func TestDeriveSlope_LeaderSteepest(t *testing.T) {
	base := d(2)
	leader := DeriveSlope(Standing{Points: d(250), MaxPoints: d(250)}, base)
	mid := DeriveSlope(Standing{Points: d(125), MaxPoints: d(250)}, base)
	rookie := DeriveSlope(Standing{Points: d(0), MaxPoints: d(250)}, base)

	if !leader.Equal(d(4)) {
		t.Errorf("leader slope should be 2×base, got %s", leader)
	}
	if !mid.Equal(d(3)) {
		t.Errorf("mid-field slope should be 1.5×base, got %s", mid)
	}
	if !rookie.Equal(base) {
		t.Errorf("pointless entrant should trade on base slope, got %s", rookie)
	}
}

func TestDeriveSlope_EmptyStandings(t *testing.T) {
	base := d(2)
	got := DeriveSlope(Standing{}, base)
	if !got.Equal(base) {
		t.Errorf("empty standings should fall back to base slope, got %s", got)
	}
}
