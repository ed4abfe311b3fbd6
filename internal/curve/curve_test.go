package curve

import (
	"testing"

	"github.com/shopspring/decimal"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// --- Spot price tests ---

func TestPrice_ZeroSupplyIsIntercept(t *testing.T) {
	c := New(d(2), d(10))
	p, err := c.Price(decimal.Zero)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Equal(d(10)) {
		t.Errorf("expected price 10 at zero supply, got %s", p)
	}
}

func TestPrice_KnownValue(t *testing.T) {
	// a=2, b=10, s=9 → 2·3 + 10 = 16.
	c := New(d(2), d(10))
	p, err := c.Price(d(9))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !p.Equal(d(16)) {
		t.Errorf("expected price 16 at supply 9, got %s", p)
	}
}

func TestPrice_NegativeSupply(t *testing.T) {
	c := New(d(2), d(10))
	if _, err := c.Price(d(-1)); err != ErrNegativeSupply {
		t.Errorf("expected ErrNegativeSupply, got %v", err)
	}
}

func TestPrice_MonotonicInSupply(t *testing.T) {
	c := New(d(2), d(10))
	prev := decimal.Zero
	for _, s := range []float64{0, 1, 4, 9, 25, 100, 10000} {
		p, err := c.Price(d(s))
		if err != nil {
			t.Fatalf("price at %f: %v", s, err)
		}
		if p.LessThan(prev) {
			t.Errorf("price should be non-decreasing in supply: %s < %s at s=%f", p, prev, s)
		}
		prev = p
	}
}

// --- Buy cost tests ---

func TestBuyCost_FromZero(t *testing.T) {
	// a=2, b=10, s=0, Δs=9:
	// cost = (2·2/3)·9^1.5 + 10·9 = (4/3)·27 + 90 = 36 + 90 = 126.
	c := New(d(2), d(10))
	cost, err := c.BuyCost(decimal.Zero, d(9))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cost.Sub(d(126)).Abs().GreaterThan(d(0.000001)) {
		t.Errorf("expected cost 126, got %s", cost)
	}
}

func TestBuyCost_ExceedsBaseline(t *testing.T) {
	c := New(d(1), d(0.5))
	cost, err := c.BuyCost(d(1), d(1))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// With a positive slope, cost must exceed the intercept-only cost b·Δs.
	if cost.LessThanOrEqual(d(0.5)) {
		t.Errorf("cost should exceed baseline b·Δs, got %s", cost)
	}
}

func TestBuyCost_InvalidInputs(t *testing.T) {
	c := New(d(1), d(0))
	if _, err := c.BuyCost(d(10), decimal.Zero); err != ErrInvalidQuantity {
		t.Errorf("expected ErrInvalidQuantity for zero delta, got %v", err)
	}
	if _, err := c.BuyCost(d(10), d(-1)); err != ErrInvalidQuantity {
		t.Errorf("expected ErrInvalidQuantity for negative delta, got %v", err)
	}
	if _, err := c.BuyCost(d(-1), d(1)); err != ErrNegativeSupply {
		t.Errorf("expected ErrNegativeSupply, got %v", err)
	}
}

func TestBuyCost_MarginalCostIncreases(t *testing.T) {
	// Convexity: the second batch costs more than the first.
	c := New(d(2), d(10))
	first, _ := c.BuyCost(decimal.Zero, d(10))
	second, _ := c.BuyCost(d(10), d(10))
	if second.LessThanOrEqual(first) {
		t.Errorf("second batch should cost more: first=%s second=%s", first, second)
	}
}

func TestBuyCost_PathIndependence(t *testing.T) {
	c := New(d(2), d(10))
	tolerance := d(0.000001)

	c1, _ := c.BuyCost(decimal.Zero, d(10))
	c2, _ := c.BuyCost(d(10), d(5))
	sequential := c1.Add(c2)

	direct, _ := c.BuyCost(decimal.Zero, d(15))

	if sequential.Sub(direct).Abs().GreaterThan(tolerance) {
		t.Errorf("cost should be path-independent: sequential=%s direct=%s", sequential, direct)
	}
}

// --- Sell payout tests ---

func TestSellPayout_AllShares(t *testing.T) {
	// Selling the entire supply must return the cost of buying it from zero.
	c := New(d(2), d(10))
	cost, _ := c.BuyCost(decimal.Zero, d(9))
	payout, err := c.SellPayout(d(9), d(9))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payout.Sub(cost).Abs().GreaterThan(d(0.000001)) {
		t.Errorf("selling all shares should invert the buy: cost=%s payout=%s", cost, payout)
	}
}

func TestSellPayout_Oversell(t *testing.T) {
	c := New(d(2), d(10))
	if _, err := c.SellPayout(d(5), d(6)); err != ErrOversold {
		t.Errorf("expected ErrOversold, got %v", err)
	}
}

func TestSellPayout_ZeroSupply(t *testing.T) {
	c := New(d(2), d(10))
	if _, err := c.SellPayout(decimal.Zero, d(1)); err != ErrOversold {
		t.Errorf("selling from zero supply should fail, got %v", err)
	}
}

func TestSellPayout_InvalidQuantity(t *testing.T) {
	c := New(d(2), d(10))
	if _, err := c.SellPayout(d(10), decimal.Zero); err != ErrInvalidQuantity {
		t.Errorf("expected ErrInvalidQuantity, got %v", err)
	}
}

// --- Round-trip property ---

func TestRoundTrip_BuyThenSell(t *testing.T) {
	tolerance := d(0.000001)

	tests := []struct {
		name        string
		a, b, s, dq float64
	}{
		{"from zero", 2, 10, 0, 9},
		{"mid supply", 2, 10, 50, 7},
		{"fractional", 1.5, 0.25, 3.3, 0.7},
		{"flat curve", 0, 14, 10, 4},
		{"large", 3, 100, 100000, 123.45},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(d(tt.a), d(tt.b))
			cost, err := c.BuyCost(d(tt.s), d(tt.dq))
			if err != nil {
				t.Fatalf("buy: %v", err)
			}
			payout, err := c.SellPayout(d(tt.s).Add(d(tt.dq)), d(tt.dq))
			if err != nil {
				t.Fatalf("sell: %v", err)
			}
			if payout.Sub(cost).Abs().GreaterThan(tolerance) {
				t.Errorf("round trip drift: cost=%s payout=%s", cost, payout)
			}
		})
	}
}

func TestRoundTrip_RepeatedSmallTrades(t *testing.T) {
	// Many tiny buy/sell pairs must not drift the wallet beyond tolerance.
	c := New(d(2), d(10))
	supply := d(25)
	net := decimal.Zero
	for i := 0; i < 100; i++ {
		cost, err := c.BuyCost(supply, d(0.01))
		if err != nil {
			t.Fatalf("buy %d: %v", i, err)
		}
		payout, err := c.SellPayout(supply.Add(d(0.01)), d(0.01))
		if err != nil {
			t.Fatalf("sell %d: %v", i, err)
		}
		net = net.Add(cost).Sub(payout)
	}
	if net.Abs().GreaterThan(d(0.000001)) {
		t.Errorf("repeated round trips drifted by %s", net)
	}
}

// --- Flat curve ---

func TestFlatCurve_PricedAtIntercept(t *testing.T) {
	// a=0 degenerates to constant pricing: every share costs b.
	c := New(decimal.Zero, d(14))
	cost, _ := c.BuyCost(d(10), d(4))
	if !cost.Equal(d(56)) {
		t.Errorf("expected flat-curve cost 56, got %s", cost)
	}
	payout, _ := c.SellPayout(d(10), d(4))
	if !payout.Equal(d(56)) {
		t.Errorf("expected flat-curve payout 56, got %s", payout)
	}
}
