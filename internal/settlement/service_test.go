package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gridprix/market-engine/internal/engine"
	"github.com/gridprix/market-engine/internal/keylock"
	"github.com/gridprix/market-engine/internal/model"
	"github.com/gridprix/market-engine/internal/risk"
	"github.com/gridprix/market-engine/internal/scoring"
	"github.com/gridprix/market-engine/internal/store"
	"github.com/gridprix/market-engine/internal/wallet"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fixture struct {
	store  *store.MemoryStore
	locks  *keylock.Table
	svc    *Service
	engine *engine.Service
	wallet *wallet.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	locks := keylock.NewTable()
	return &fixture{
		store:  st,
		locks:  locks,
		svc:    NewService(st, locks, nil),
		engine: engine.NewService(st, locks, risk.NewLimiter(decimal.Zero, decimal.Zero), nil),
		wallet: wallet.NewService(st, locks),
	}
}

func (f *fixture) seedEvent(t *testing.T, id string) {
	t.Helper()
	err := f.store.CreateEvent(context.Background(), &model.Event{
		ID:        id,
		SeasonID:  "2026",
		Name:      "Monaco Grand Prix",
		Status:    model.EventLive,
		StartAt:   time.Now().UTC(),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed event: %v", err)
	}
}

func (f *fixture) seedLinearRule(t *testing.T, id string) {
	t.Helper()
	err := f.store.PutScoringRule(context.Background(), &scoring.Rule{
		ID:       id,
		Code:     "F1_POINTS",
		Formula:  scoring.LinearNormalized,
		Alpha:    d(100),
		Beta:     decimal.Zero,
		MaxScore: d(25),
		Floor:    decimal.Zero,
	})
	if err != nil {
		t.Fatalf("seed rule: %v", err)
	}
}

func (f *fixture) seedMarket(t *testing.T, eventID, participantID, ruleID string, a, b float64) *model.Market {
	t.Helper()
	now := time.Now().UTC()
	m := &model.Market{
		ID:            uuid.New().String(),
		EventID:       eventID,
		ParticipantID: participantID,
		ScoringRuleID: ruleID,
		Symbol:        "GPX-2026-MON-DRV-" + participantID,
		A:             d(a),
		B:             d(b),
		Supply:        decimal.Zero,
		Price:         d(b),
		Status:        model.MarketOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := f.store.CreateMarket(context.Background(), m); err != nil {
		t.Fatalf("seed market: %v", err)
	}
	return m
}

func (f *fixture) seedResult(t *testing.T, eventID, participantID string, score float64, status model.ResultStatus) {
	t.Helper()
	err := f.store.PutEventResult(context.Background(), &model.EventResult{
		EventID:       eventID,
		ParticipantID: participantID,
		PrimaryScore:  d(score),
		Status:        status,
	})
	if err != nil {
		t.Fatalf("seed result: %v", err)
	}
}

func (f *fixture) buy(t *testing.T, userID, marketID string, qty float64) {
	t.Helper()
	if _, err := f.engine.ExecuteTrade(context.Background(), userID, marketID, d(qty)); err != nil {
		t.Fatalf("buy: %v", err)
	}
}

func TestSettleEvent_PaysOutAndZeroesPositions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedEvent(t, "evt1")
	f.seedLinearRule(t, "rule1")
	m := f.seedMarket(t, "evt1", "HAM", "rule1", 0, 14)
	f.seedResult(t, "evt1", "HAM", 18, model.ResultFinished) // 100·(18/25) = 72/share

	f.wallet.Deposit(ctx, "alice", d(1000))
	f.buy(t, "alice", m.ID, 5) // cost 70, balance 930

	report, err := f.svc.SettleEvent(ctx, "evt1")
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if report.Settled != 1 || report.Failed != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if !report.TotalPaid.Equal(d(360)) { // 72 × 5
		t.Errorf("expected total paid 360, got %s", report.TotalPaid)
	}

	w, _ := f.store.EnsureWallet(ctx, "alice")
	if !w.Balance.Equal(d(1290)) { // 930 + 360
		t.Errorf("expected balance 1290, got %s", w.Balance)
	}

	pos, err := f.store.GetPosition(ctx, "alice", m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !pos.Shares.IsZero() {
		t.Errorf("settlement must zero shares, got %s", pos.Shares)
	}
	// realized = (72 − 14)·5 = 290
	if !pos.RealizedPnL.Equal(d(290)) {
		t.Errorf("expected realized P&L 290, got %s", pos.RealizedPnL)
	}

	stored, _ := f.store.GetMarket(ctx, m.ID)
	if stored.Status != model.MarketSettled {
		t.Errorf("market should be settled, got %s", stored.Status)
	}

	ms, err := f.store.GetSettlement(ctx, m.ID)
	if err != nil {
		t.Fatalf("settlement record missing: %v", err)
	}
	if !ms.PayoutPerShare.Equal(d(72)) {
		t.Errorf("expected payout per share 72, got %s", ms.PayoutPerShare)
	}
	if ms.Source != SourceEventResult {
		t.Errorf("expected source %s, got %s", SourceEventResult, ms.Source)
	}

	event, _ := f.store.GetEvent(ctx, "evt1")
	if event.Status != model.EventFinished {
		t.Errorf("event should be finished, got %s", event.Status)
	}
}

func TestSettleEvent_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedEvent(t, "evt1")
	f.seedLinearRule(t, "rule1")
	m := f.seedMarket(t, "evt1", "HAM", "rule1", 0, 14)
	f.seedResult(t, "evt1", "HAM", 18, model.ResultFinished)

	f.wallet.Deposit(ctx, "alice", d(1000))
	f.buy(t, "alice", m.ID, 5)

	if _, err := f.svc.SettleEvent(ctx, "evt1"); err != nil {
		t.Fatal(err)
	}
	balanceAfterFirst, _ := f.store.EnsureWallet(ctx, "alice")

	report, err := f.svc.SettleEvent(ctx, "evt1")
	if err != nil {
		t.Fatalf("second run must succeed as a no-op: %v", err)
	}
	if report.Settled != 0 || report.Skipped != 1 {
		t.Errorf("second run should skip, got %+v", report)
	}

	w, _ := f.store.EnsureWallet(ctx, "alice")
	if !w.Balance.Equal(balanceAfterFirst.Balance) {
		t.Errorf("double settlement paid twice: %s vs %s", w.Balance, balanceAfterFirst.Balance)
	}
}

func TestSettleEvent_MissingRuleIsolatesFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedEvent(t, "evt1")
	f.seedLinearRule(t, "rule1")
	good := f.seedMarket(t, "evt1", "HAM", "rule1", 0, 14)
	bad := f.seedMarket(t, "evt1", "VER", "rule-missing", 0, 14)
	f.seedResult(t, "evt1", "HAM", 18, model.ResultFinished)
	f.seedResult(t, "evt1", "VER", 25, model.ResultFinished)

	f.wallet.Deposit(ctx, "alice", d(1000))
	f.buy(t, "alice", good.ID, 2)
	f.buy(t, "alice", bad.ID, 2)

	report, err := f.svc.SettleEvent(ctx, "evt1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Settled != 1 || report.Failed != 1 {
		t.Fatalf("expected 1 settled + 1 failed, got %+v", report)
	}

	goodStored, _ := f.store.GetMarket(ctx, good.ID)
	if goodStored.Status != model.MarketSettled {
		t.Errorf("healthy sibling should settle, got %s", goodStored.Status)
	}
	badStored, _ := f.store.GetMarket(ctx, bad.ID)
	if badStored.Status == model.MarketSettled {
		t.Error("market with missing rule must not settle")
	}

	// Event stays unfinished while a market is stuck.
	event, _ := f.store.GetEvent(ctx, "evt1")
	if event.Status == model.EventFinished {
		t.Error("event must not finish with unsettled markets")
	}
}

func TestSettleEvent_DNFPaysFloor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedEvent(t, "evt1")
	f.store.PutScoringRule(ctx, &scoring.Rule{
		ID:       "rule1",
		Code:     "F1_POINTS",
		Formula:  scoring.LinearNormalized,
		Alpha:    d(100),
		MaxScore: d(25),
		Floor:    d(3),
	})
	m := f.seedMarket(t, "evt1", "HAM", "rule1", 0, 14)
	f.seedResult(t, "evt1", "HAM", 20, model.ResultDNF)

	f.wallet.Deposit(ctx, "alice", d(1000))
	f.buy(t, "alice", m.ID, 4)

	report, err := f.svc.SettleEvent(ctx, "evt1")
	if err != nil {
		t.Fatal(err)
	}
	// DNF pays the floor regardless of score: 3 × 4 = 12.
	if !report.TotalPaid.Equal(d(12)) {
		t.Errorf("expected floor payout 12, got %s", report.TotalPaid)
	}
}

func TestSettleEvent_MissingResultPaysFloor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedEvent(t, "evt1")
	f.seedLinearRule(t, "rule1") // floor defaults to zero
	m := f.seedMarket(t, "evt1", "HAM", "rule1", 0, 14)
	// No result recorded for HAM.

	f.wallet.Deposit(ctx, "alice", d(1000))
	f.buy(t, "alice", m.ID, 5)

	report, err := f.svc.SettleEvent(ctx, "evt1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Settled != 1 {
		t.Fatalf("market without result should still settle, got %+v", report)
	}
	if !report.TotalPaid.IsZero() {
		t.Errorf("zero floor should pay nothing, got %s", report.TotalPaid)
	}
	if report.Markets[0].Source != SourceFloor {
		t.Errorf("expected source %s, got %s", SourceFloor, report.Markets[0].Source)
	}

	// Shares are still zeroed: the market is terminal.
	pos, _ := f.store.GetPosition(ctx, "alice", m.ID)
	if !pos.Shares.IsZero() {
		t.Errorf("settlement must zero shares even at zero payout, got %s", pos.Shares)
	}
}

func TestPreviewEvent_DoesNotMutate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedEvent(t, "evt1")
	f.seedLinearRule(t, "rule1")
	m := f.seedMarket(t, "evt1", "HAM", "rule1", 0, 14)
	f.seedResult(t, "evt1", "HAM", 18, model.ResultFinished)

	f.wallet.Deposit(ctx, "alice", d(1000))
	f.buy(t, "alice", m.ID, 5)
	balanceBefore, _ := f.store.EnsureWallet(ctx, "alice")

	report, err := f.svc.PreviewEvent(ctx, "evt1")
	if err != nil {
		t.Fatalf("preview failed: %v", err)
	}
	if !report.TotalPaid.Equal(d(360)) {
		t.Errorf("preview should compute 360, got %s", report.TotalPaid)
	}

	// Nothing moved.
	w, _ := f.store.EnsureWallet(ctx, "alice")
	if !w.Balance.Equal(balanceBefore.Balance) {
		t.Errorf("preview mutated wallet: %s vs %s", w.Balance, balanceBefore.Balance)
	}
	stored, _ := f.store.GetMarket(ctx, m.ID)
	if stored.Status != model.MarketOpen {
		t.Errorf("preview mutated market status: %s", stored.Status)
	}
	pos, _ := f.store.GetPosition(ctx, "alice", m.ID)
	if !pos.Shares.Equal(d(5)) {
		t.Errorf("preview mutated position: %s", pos.Shares)
	}
}

func TestCloseEventMarkets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedEvent(t, "evt1")
	f.seedLinearRule(t, "rule1")
	m1 := f.seedMarket(t, "evt1", "HAM", "rule1", 0, 14)
	m2 := f.seedMarket(t, "evt1", "VER", "rule1", 0, 14)
	f.store.UpdateMarketStatus(ctx, m2.ID, model.MarketClosed)

	closed, err := f.svc.CloseEventMarkets(ctx, "evt1")
	if err != nil {
		t.Fatal(err)
	}
	if closed != 1 {
		t.Errorf("expected 1 newly closed market, got %d", closed)
	}

	stored, _ := f.store.GetMarket(ctx, m1.ID)
	if stored.Status != model.MarketClosed {
		t.Errorf("market should be closed, got %s", stored.Status)
	}

	// Trading is rejected after close.
	f.wallet.Deposit(ctx, "alice", d(100))
	if _, err := f.engine.ExecuteTrade(ctx, "alice", m1.ID, d(1)); err == nil {
		t.Error("trade on closed market should fail")
	}
}

func TestSettleEvent_SettlesOpenMarketsDirectly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedEvent(t, "evt1")
	f.seedLinearRule(t, "rule1")
	m := f.seedMarket(t, "evt1", "HAM", "rule1", 2, 10)
	f.seedResult(t, "evt1", "HAM", 25, model.ResultFinished)

	// Market never explicitly closed; settlement closes it on the way.
	report, err := f.svc.SettleEvent(ctx, "evt1")
	if err != nil {
		t.Fatal(err)
	}
	if report.Settled != 1 {
		t.Fatalf("open market should settle, got %+v", report)
	}
	stored, _ := f.store.GetMarket(ctx, m.ID)
	if stored.Status != model.MarketSettled {
		t.Errorf("expected settled, got %s", stored.Status)
	}
}
