package risk

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckBuy_WithinLimits(t *testing.T) {
	l := NewLimiter(d(1000), d(3000))
	err := l.CheckBuy("m1", "evt1", d(100), nil)
	if err != nil {
		t.Errorf("expected buy within limits to pass, got %v", err)
	}
}

func TestCheckBuy_AtLimitAllowed(t *testing.T) {
	l := NewLimiter(d(1000), d(3000))
	existing := []Exposure{{MarketID: "m1", EventID: "evt1", Shares: d(900)}}
	if err := l.CheckBuy("m1", "evt1", d(100), existing); err != nil {
		t.Errorf("buy landing exactly at limit should pass, got %v", err)
	}
}

func TestCheckBuy_PerMarketExceeded(t *testing.T) {
	l := NewLimiter(d(1000), d(3000))
	existing := []Exposure{{MarketID: "m1", EventID: "evt1", Shares: d(950)}}
	err := l.CheckBuy("m1", "evt1", d(51), existing)
	if !errors.Is(err, ErrPerMarketLimitExceeded) {
		t.Errorf("expected ErrPerMarketLimitExceeded, got %v", err)
	}
}

func TestCheckBuy_PerEventAggregates(t *testing.T) {
	l := NewLimiter(d(1000), d(1500))
	existing := []Exposure{
		{MarketID: "m1", EventID: "evt1", Shares: d(800)},
		{MarketID: "m2", EventID: "evt1", Shares: d(600)},
		{MarketID: "m3", EventID: "evt2", Shares: d(900)}, // different event, ignored
	}
	err := l.CheckBuy("m4", "evt1", d(200), existing)
	if !errors.Is(err, ErrPerEventLimitExceeded) {
		t.Errorf("expected ErrPerEventLimitExceeded, got %v", err)
	}

	// Same buy against the other event passes.
	if err := l.CheckBuy("m5", "evt2", d(200), existing); err != nil {
		t.Errorf("buy in uncorrelated event should pass, got %v", err)
	}
}

func TestCheckBuy_SellsAlwaysPass(t *testing.T) {
	l := NewLimiter(d(10), d(10))
	existing := []Exposure{{MarketID: "m1", EventID: "evt1", Shares: d(10)}}
	if err := l.CheckBuy("m1", "evt1", d(-5), existing); err != nil {
		t.Errorf("negative delta should never be limited, got %v", err)
	}
}

func TestCheckBuy_DisabledCaps(t *testing.T) {
	l := NewLimiter(decimal.Zero, decimal.Zero)
	if err := l.CheckBuy("m1", "evt1", d(1e9), nil); err != nil {
		t.Errorf("zero caps disable limits, got %v", err)
	}
}
