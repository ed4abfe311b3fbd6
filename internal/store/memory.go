package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gridprix/market-engine/internal/model"
	"github.com/gridprix/market-engine/internal/risk"
	"github.com/gridprix/market-engine/internal/scoring"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	markets   map[string]*model.Market
	events    map[string]*model.Event
	results   map[string]*model.EventResult // eventID|participantID
	rules     map[string]*scoring.Rule
	positions map[string]*model.Position // userID|marketID
	wallets   map[string]*model.Wallet
	ledger    []model.LedgerEntry
	trades    []model.Trade
	settled   map[string]*model.MarketSettlement // marketID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:   make(map[string]*model.Market),
		events:    make(map[string]*model.Event),
		results:   make(map[string]*model.EventResult),
		rules:     make(map[string]*scoring.Rule),
		positions: make(map[string]*model.Position),
		wallets:   make(map[string]*model.Wallet),
		settled:   make(map[string]*model.MarketSettlement),
	}
}

func resultKey(eventID, participantID string) string { return eventID + "|" + participantID }
func positionKey(userID, marketID string) string     { return userID + "|" + marketID }

// --- Markets ---

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.markets {
		if existing.Symbol == m.Symbol {
			return fmt.Errorf("%w: market symbol %s", ErrDuplicate, m.Symbol)
		}
	}

	// Store a copy to avoid external mutation.
	cp := *m
	s.markets[m.ID] = &cp
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetMarketBySymbol(_ context.Context, symbol string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.markets {
		if m.Symbol == symbol {
			cp := *m
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("%w: market symbol %s", ErrNotFound, symbol)
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	return markets, nil
}

func (s *MemoryStore) ListMarketsByEvent(_ context.Context, eventID string) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var markets []model.Market
	for _, m := range s.markets {
		if m.EventID == eventID {
			markets = append(markets, *m)
		}
	}
	return markets, nil
}

func (s *MemoryStore) UpdateMarketStatus(_ context.Context, id string, status model.MarketStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	m.Status = status
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Events, results, scoring rules ---

func (s *MemoryStore) CreateEvent(_ context.Context, e *model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[e.ID]; ok {
		return fmt.Errorf("%w: event %s", ErrDuplicate, e.ID)
	}
	cp := *e
	s.events[e.ID] = &cp
	return nil
}

func (s *MemoryStore) GetEvent(_ context.Context, id string) (*model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: event %s", ErrNotFound, id)
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) UpdateEventStatus(_ context.Context, id string, status model.EventStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok {
		return fmt.Errorf("%w: event %s", ErrNotFound, id)
	}
	e.Status = status
	return nil
}

func (s *MemoryStore) PutEventResult(_ context.Context, r *model.EventResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	s.results[resultKey(r.EventID, r.ParticipantID)] = &cp
	return nil
}

func (s *MemoryStore) GetEventResult(_ context.Context, eventID, participantID string) (*model.EventResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.results[resultKey(eventID, participantID)]
	if !ok {
		return nil, fmt.Errorf("%w: result for event %s participant %s", ErrNotFound, eventID, participantID)
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) PutScoringRule(_ context.Context, r *scoring.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	s.rules[r.ID] = &cp
	return nil
}

func (s *MemoryStore) GetScoringRule(_ context.Context, id string) (*scoring.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: scoring rule %s", ErrNotFound, id)
	}
	cp := *r
	return &cp, nil
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, userID, marketID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[positionKey(userID, marketID)]
	if !ok {
		return nil, fmt.Errorf("%w: position user %s market %s", ErrNotFound, userID, marketID)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) ListOpenPositionsByMarket(_ context.Context, marketID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for _, p := range s.positions {
		if p.MarketID == marketID && p.Shares.IsPositive() {
			positions = append(positions, *p)
		}
	}
	return positions, nil
}

func (s *MemoryStore) ListPositionsByUser(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var positions []model.Position
	for _, p := range s.positions {
		if p.UserID == userID {
			positions = append(positions, *p)
		}
	}
	return positions, nil
}

func (s *MemoryStore) ListUserExposures(_ context.Context, userID string) ([]risk.Exposure, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var exposures []risk.Exposure
	for _, p := range s.positions {
		if p.UserID != userID || !p.Shares.IsPositive() {
			continue
		}
		eventID := ""
		if m, ok := s.markets[p.MarketID]; ok {
			eventID = m.EventID
		}
		exposures = append(exposures, risk.Exposure{
			MarketID: p.MarketID,
			EventID:  eventID,
			Shares:   p.Shares,
		})
	}
	return exposures, nil
}

// --- Wallets & ledger ---

func (s *MemoryStore) EnsureWallet(_ context.Context, userID string) (*model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[userID]
	if !ok {
		w = &model.Wallet{UserID: userID, UpdatedAt: time.Now().UTC()}
		s.wallets[userID] = w
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) ApplyLedger(_ context.Context, w *model.Wallet, e *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *w
	s.wallets[w.UserID] = &cp
	s.ledger = append(s.ledger, *e)
	return nil
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []model.LedgerEntry
	for i := len(s.ledger) - 1; i >= 0; i-- { // newest first
		if s.ledger[i].UserID == userID {
			entries = append(entries, s.ledger[i])
			if limit > 0 && len(entries) >= limit {
				break
			}
		}
	}
	return entries, nil
}

// --- Trades ---

func (s *MemoryStore) ListTradesByMarket(_ context.Context, marketID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var trades []model.Trade
	for _, t := range s.trades {
		if t.MarketID == marketID {
			trades = append(trades, t)
		}
	}
	return trades, nil
}

func (s *MemoryStore) ListTradesByUser(_ context.Context, userID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var trades []model.Trade
	for _, t := range s.trades {
		if t.UserID == userID {
			trades = append(trades, t)
		}
	}
	return trades, nil
}

// --- Settlement ---

func (s *MemoryStore) GetSettlement(_ context.Context, marketID string) (*model.MarketSettlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ms, ok := s.settled[marketID]
	if !ok {
		return nil, fmt.Errorf("%w: settlement for market %s", ErrNotFound, marketID)
	}
	cp := *ms
	return &cp, nil
}

// --- Atomic batches ---

// ApplyTrade applies the whole trade batch under one lock: either every
// record lands or none does.
func (s *MemoryStore) ApplyTrade(_ context.Context, mut *TradeMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[mut.MarketID]
	if !ok {
		return fmt.Errorf("%w: market %s", ErrNotFound, mut.MarketID)
	}

	m.Supply = mut.Supply
	m.Price = mut.Price
	m.UpdatedAt = time.Now().UTC()

	wcp := *mut.Wallet
	s.wallets[mut.Wallet.UserID] = &wcp

	pcp := *mut.Position
	s.positions[positionKey(mut.Position.UserID, mut.Position.MarketID)] = &pcp

	s.trades = append(s.trades, *mut.Trade)
	s.ledger = append(s.ledger, *mut.Ledger)
	return nil
}

// ApplySettlement applies one market's settlement batch under one lock.
func (s *MemoryStore) ApplySettlement(_ context.Context, mut *SettlementMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[mut.MarketID]
	if !ok {
		return fmt.Errorf("%w: market %s", ErrNotFound, mut.MarketID)
	}
	if _, done := s.settled[mut.MarketID]; done {
		return fmt.Errorf("%w: settlement for market %s", ErrDuplicate, mut.MarketID)
	}

	scp := *mut.Settlement
	s.settled[mut.MarketID] = &scp
	m.Status = model.MarketSettled
	m.UpdatedAt = time.Now().UTC()

	for i := range mut.Positions {
		pcp := mut.Positions[i]
		s.positions[positionKey(pcp.UserID, pcp.MarketID)] = &pcp
	}
	for i := range mut.Wallets {
		wcp := mut.Wallets[i]
		s.wallets[wcp.UserID] = &wcp
	}
	s.ledger = append(s.ledger, mut.Ledger...)
	return nil
}
