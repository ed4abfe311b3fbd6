// Package settlement converts markets into credited payouts once an event's
// results are final.
//
// The unit of atomicity is one market: its settlement record, status
// transition, position zeroing, wallet credits, and ledger entries land in a
// single store batch. A failure in one market never blocks its siblings, and
// re-running settlement skips markets that already settled.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gridprix/market-engine/internal/curve"
	"github.com/gridprix/market-engine/internal/engine"
	"github.com/gridprix/market-engine/internal/keylock"
	"github.com/gridprix/market-engine/internal/metrics"
	"github.com/gridprix/market-engine/internal/model"
	"github.com/gridprix/market-engine/internal/store"
)

var (
	// ErrScoringRuleMissing is returned when a market references a rule that
	// does not exist. The market is left unsettled.
	ErrScoringRuleMissing = errors.New("settlement: scoring rule not found")

	// ErrEventNotFound is returned when settling an unknown event.
	ErrEventNotFound = errors.New("settlement: event not found")
)

// Settlement payout sources recorded on the settlement row.
const (
	SourceEventResult = "event_result"
	SourceFloor       = "floor" // participant has no recorded result
)

// maxRetries bounds re-execution after a store serialization conflict.
const maxRetries = 3

// Service settles events. It shares the engine's lock table so settlement
// and trading on the same market serialize.
type Service struct {
	store store.Store
	locks *keylock.Table
	wsHub *engine.WSHub // optional, nil disables broadcasting
}

// NewService creates a settlement service.
func NewService(st store.Store, locks *keylock.Table, hub *engine.WSHub) *Service {
	return &Service{store: st, locks: locks, wsHub: hub}
}

// MarketOutcome reports how one market fared during event settlement.
type MarketOutcome struct {
	MarketID       string          `json:"market_id"`
	Symbol         string          `json:"symbol"`
	Status         string          `json:"status"` // "settled", "skipped", "failed"
	PayoutPerShare decimal.Decimal `json:"payout_per_share"`
	TotalPayout    decimal.Decimal `json:"total_payout"`
	Positions      int             `json:"positions"`
	Source         string          `json:"source,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// Report summarizes one settlement run over an event.
type Report struct {
	EventID   string          `json:"event_id"`
	Settled   int             `json:"settled"`
	Skipped   int             `json:"skipped"`
	Failed    int             `json:"failed"`
	TotalPaid decimal.Decimal `json:"total_paid"`
	Markets   []MarketOutcome `json:"markets"`
}

// SettleEvent settles every market bound to the event. Already-settled
// markets are skipped; a failing market is reported and its siblings
// continue. The event transitions to finished once no market remains
// unsettled.
func (s *Service) SettleEvent(ctx context.Context, eventID string) (*Report, error) {
	if _, err := s.store.GetEvent(ctx, eventID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
		}
		return nil, err
	}

	markets, err := s.store.ListMarketsByEvent(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}

	report := &Report{EventID: eventID, TotalPaid: decimal.Zero, Markets: []MarketOutcome{}}
	for i := range markets {
		outcome := s.settleMarket(ctx, &markets[i])
		switch outcome.Status {
		case "settled":
			report.Settled++
			report.TotalPaid = report.TotalPaid.Add(outcome.TotalPayout)
		case "skipped":
			report.Skipped++
		default:
			report.Failed++
		}
		report.Markets = append(report.Markets, outcome)
	}

	if report.Failed == 0 {
		if err := s.store.UpdateEventStatus(ctx, eventID, model.EventFinished); err != nil {
			return report, fmt.Errorf("finish event: %w", err)
		}
	}

	slog.Info("event settlement complete",
		"event", eventID,
		"settled", report.Settled,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"total_paid", report.TotalPaid.String(),
	)
	return report, nil
}

// settleMarket settles one market end to end. Never returns an error; the
// outcome carries failure details so sibling markets keep going.
func (s *Service) settleMarket(ctx context.Context, m *model.Market) MarketOutcome {
	outcome := MarketOutcome{
		MarketID:       m.ID,
		Symbol:         m.Symbol,
		PayoutPerShare: decimal.Zero,
		TotalPayout:    decimal.Zero,
	}

	if m.Status == model.MarketSettled {
		outcome.Status = "skipped"
		return outcome
	}

	payout, source, err := s.resolvePayout(ctx, m)
	if err != nil {
		outcome.Status = "failed"
		outcome.Error = err.Error()
		slog.Error("market settlement failed", "market", m.ID, "err", err)
		return outcome
	}
	outcome.PayoutPerShare = payout
	outcome.Source = source

	for attempt := 0; attempt < maxRetries; attempt++ {
		total, positions, err := s.applyMarketSettlement(ctx, m, payout, source)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if errors.Is(err, store.ErrDuplicate) {
			// Lost the race to another settlement run.
			outcome.Status = "skipped"
			return outcome
		}
		if err != nil {
			outcome.Status = "failed"
			outcome.Error = err.Error()
			slog.Error("market settlement failed", "market", m.ID, "err", err)
			return outcome
		}

		outcome.Status = "settled"
		outcome.TotalPayout = total
		outcome.Positions = positions

		metrics.MarketsSettled.WithLabelValues(source).Inc()
		metrics.SettlementPayouts.Add(total.InexactFloat64())

		if s.wsHub != nil {
			s.wsHub.Broadcast(engine.WSMessage{
				Type:           "market_settled",
				MarketID:       m.ID,
				Symbol:         m.Symbol,
				PayoutPerShare: payout.String(),
			})
		}
		slog.Info("market settled",
			"market", m.ID,
			"symbol", m.Symbol,
			"payout_per_share", payout.String(),
			"total", total.String(),
			"positions", positions,
			"source", source,
		)
		return outcome
	}

	outcome.Status = "failed"
	outcome.Error = store.ErrConflict.Error()
	return outcome
}

// resolvePayout looks up the scoring rule and result for a market. A missing
// result settles at the rule's floor; a missing rule is a hard failure.
func (s *Service) resolvePayout(ctx context.Context, m *model.Market) (decimal.Decimal, string, error) {
	rule, err := s.store.GetScoringRule(ctx, m.ScoringRuleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return decimal.Zero, "", fmt.Errorf("%w: %s", ErrScoringRuleMissing, m.ScoringRuleID)
		}
		return decimal.Zero, "", err
	}

	res, err := s.store.GetEventResult(ctx, m.EventID, m.ParticipantID)
	if errors.Is(err, store.ErrNotFound) {
		return rule.FloorPayout(), SourceFloor, nil
	}
	if err != nil {
		return decimal.Zero, "", err
	}

	payout, err := rule.PayoutPerShare(*res)
	if err != nil {
		return decimal.Zero, "", err
	}
	return payout, SourceEventResult, nil
}

// applyMarketSettlement builds and applies the atomic settlement batch under
// the market lock and every holder's wallet lock.
func (s *Service) applyMarketSettlement(ctx context.Context, m *model.Market, payout decimal.Decimal, source string) (decimal.Decimal, int, error) {
	unlockMarket := s.locks.Lock(keylock.MarketKey(m.ID))
	defer unlockMarket()

	// Re-read under the lock: a concurrent run may have settled it already.
	current, err := s.store.GetMarket(ctx, m.ID)
	if err != nil {
		return decimal.Zero, 0, err
	}
	if current.Status == model.MarketSettled {
		return decimal.Zero, 0, fmt.Errorf("%w: settlement for market %s", store.ErrDuplicate, m.ID)
	}

	// Open markets pass through closed on their way to settled. The gauge
	// counts open markets, so it moves on this transition, not on settle.
	if current.Status == model.MarketOpen {
		if err := s.store.UpdateMarketStatus(ctx, m.ID, model.MarketClosed); err != nil {
			return decimal.Zero, 0, err
		}
		metrics.ActiveMarkets.Dec()
	}

	positions, err := s.store.ListOpenPositionsByMarket(ctx, m.ID)
	if err != nil {
		return decimal.Zero, 0, err
	}
	// Deterministic wallet lock order.
	sort.Slice(positions, func(i, j int) bool { return positions[i].UserID < positions[j].UserID })

	unlocks := make([]func(), 0, len(positions))
	for _, p := range positions {
		unlocks = append(unlocks, s.locks.Lock(keylock.WalletKey(p.UserID)))
	}
	defer func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}()

	cv := curve.New(current.A, current.B)
	settlementPrice, err := cv.Price(current.Supply)
	if err != nil {
		return decimal.Zero, 0, err
	}

	now := time.Now().UTC()
	mut := &store.SettlementMutation{
		MarketID: m.ID,
		Settlement: &model.MarketSettlement{
			MarketID:        m.ID,
			SettledAt:       now,
			SettlementPrice: settlementPrice,
			PayoutPerShare:  payout,
			Source:          source,
		},
	}

	total := decimal.Zero
	for i := range positions {
		p := positions[i]

		credit := payout.Mul(p.Shares).Round(curve.Scale)
		w, err := s.store.EnsureWallet(ctx, p.UserID)
		if err != nil {
			return decimal.Zero, 0, err
		}
		w.Balance = w.Balance.Add(credit)
		w.UpdatedAt = now

		p.RealizedPnL = p.RealizedPnL.Add(payout.Sub(p.AvgEntryPrice).Mul(p.Shares)).Round(curve.Scale)
		p.Shares = decimal.Zero
		p.LastMark = payout
		p.UpdatedAt = now

		mut.Positions = append(mut.Positions, p)
		mut.Wallets = append(mut.Wallets, *w)
		mut.Ledger = append(mut.Ledger, model.LedgerEntry{
			ID:        uuid.New().String(),
			UserID:    p.UserID,
			Amount:    credit,
			Type:      model.TxSettlement,
			RefType:   "market",
			RefID:     m.ID,
			CreatedAt: now,
		})
		total = total.Add(credit)
	}

	if err := s.store.ApplySettlement(ctx, mut); err != nil {
		return decimal.Zero, 0, err
	}
	return total, len(positions), nil
}

// CloseEventMarkets transitions every open market of the event to closed,
// halting trading ahead of results.
func (s *Service) CloseEventMarkets(ctx context.Context, eventID string) (int, error) {
	if _, err := s.store.GetEvent(ctx, eventID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
		}
		return 0, err
	}

	markets, err := s.store.ListMarketsByEvent(ctx, eventID)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, m := range markets {
		if m.Status != model.MarketOpen {
			continue
		}
		unlock := s.locks.Lock(keylock.MarketKey(m.ID))
		err := s.store.UpdateMarketStatus(ctx, m.ID, model.MarketClosed)
		unlock()
		if err != nil {
			return closed, err
		}
		metrics.ActiveMarkets.Dec()
		closed++
	}

	slog.Info("event markets closed", "event", eventID, "closed", closed)
	return closed, nil
}

// PreviewEvent computes what each market would pay without mutating
// anything.
func (s *Service) PreviewEvent(ctx context.Context, eventID string) (*Report, error) {
	if _, err := s.store.GetEvent(ctx, eventID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
		}
		return nil, err
	}

	markets, err := s.store.ListMarketsByEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}

	report := &Report{EventID: eventID, TotalPaid: decimal.Zero, Markets: []MarketOutcome{}}
	for i := range markets {
		m := &markets[i]
		outcome := MarketOutcome{
			MarketID:       m.ID,
			Symbol:         m.Symbol,
			PayoutPerShare: decimal.Zero,
			TotalPayout:    decimal.Zero,
		}

		if m.Status == model.MarketSettled {
			outcome.Status = "skipped"
			report.Skipped++
			report.Markets = append(report.Markets, outcome)
			continue
		}

		payout, source, err := s.resolvePayout(ctx, m)
		if err != nil {
			outcome.Status = "failed"
			outcome.Error = err.Error()
			report.Failed++
			report.Markets = append(report.Markets, outcome)
			continue
		}

		positions, err := s.store.ListOpenPositionsByMarket(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		total := decimal.Zero
		for _, p := range positions {
			total = total.Add(payout.Mul(p.Shares).Round(curve.Scale))
		}

		outcome.Status = "settled"
		outcome.PayoutPerShare = payout
		outcome.Source = source
		outcome.TotalPayout = total
		outcome.Positions = len(positions)
		report.Settled++
		report.TotalPaid = report.TotalPaid.Add(total)
		report.Markets = append(report.Markets, outcome)
	}
	return report, nil
}
