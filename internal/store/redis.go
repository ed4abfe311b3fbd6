package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gridprix/market-engine/internal/model"
	"github.com/gridprix/market-engine/internal/risk"
	"github.com/gridprix/market-engine/internal/scoring"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the hot read paths: markets, wallets, and positions. Writes go
// to the primary and invalidate the affected keys; the next read
// re-populates them.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMarket(ctx, m)
	return m, nil
}

func (s *CachedStore) GetMarketBySymbol(ctx context.Context, symbol string) (*model.Market, error) {
	// Try cache via symbol→marketID mapping.
	marketID, err := s.rdb.Get(ctx, symbolKey(symbol)).Result()
	if err == nil {
		return s.GetMarket(ctx, marketID)
	}

	m, err := s.primary.GetMarketBySymbol(ctx, symbol)
	if err != nil {
		return nil, err
	}

	// Cache both the market and the symbol→ID mapping.
	s.cacheMarket(ctx, m)
	s.rdb.Set(ctx, symbolKey(symbol), m.ID, s.ttl)
	return m, nil
}

func (s *CachedStore) EnsureWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	data, err := s.rdb.Get(ctx, walletKey(userID)).Bytes()
	if err == nil {
		var w model.Wallet
		if json.Unmarshal(data, &w) == nil {
			return &w, nil
		}
	}

	w, err := s.primary.EnsureWallet(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(w); err == nil {
		s.rdb.Set(ctx, walletKey(userID), data, s.ttl)
	}
	return w, nil
}

func (s *CachedStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositionsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(positions); err == nil {
		s.rdb.Set(ctx, positionsKey(userID), data, s.ttl)
	}
	return positions, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cacheMarket(ctx, m)
	s.rdb.Set(ctx, symbolKey(m.Symbol), m.ID, s.ttl)
	return nil
}

func (s *CachedStore) UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus) error {
	if err := s.primary.UpdateMarketStatus(ctx, id, status); err != nil {
		return err
	}
	s.rdb.Del(ctx, marketKey(id))
	return nil
}

func (s *CachedStore) ApplyLedger(ctx context.Context, w *model.Wallet, e *model.LedgerEntry) error {
	if err := s.primary.ApplyLedger(ctx, w, e); err != nil {
		return err
	}
	s.rdb.Del(ctx, walletKey(w.UserID))
	return nil
}

func (s *CachedStore) ApplyTrade(ctx context.Context, mut *TradeMutation) error {
	if err := s.primary.ApplyTrade(ctx, mut); err != nil {
		return err
	}
	s.rdb.Del(ctx,
		marketKey(mut.MarketID),
		walletKey(mut.Wallet.UserID),
		positionsKey(mut.Wallet.UserID),
	)
	return nil
}

func (s *CachedStore) ApplySettlement(ctx context.Context, mut *SettlementMutation) error {
	if err := s.primary.ApplySettlement(ctx, mut); err != nil {
		return err
	}
	keys := []string{marketKey(mut.MarketID)}
	for i := range mut.Wallets {
		keys = append(keys, walletKey(mut.Wallets[i].UserID), positionsKey(mut.Wallets[i].UserID))
	}
	s.rdb.Del(ctx, keys...)
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListMarketsByEvent(ctx context.Context, eventID string) ([]model.Market, error) {
	return s.primary.ListMarketsByEvent(ctx, eventID)
}

func (s *CachedStore) CreateEvent(ctx context.Context, e *model.Event) error {
	return s.primary.CreateEvent(ctx, e)
}

func (s *CachedStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	return s.primary.GetEvent(ctx, id)
}

func (s *CachedStore) UpdateEventStatus(ctx context.Context, id string, status model.EventStatus) error {
	return s.primary.UpdateEventStatus(ctx, id, status)
}

func (s *CachedStore) PutEventResult(ctx context.Context, r *model.EventResult) error {
	return s.primary.PutEventResult(ctx, r)
}

func (s *CachedStore) GetEventResult(ctx context.Context, eventID, participantID string) (*model.EventResult, error) {
	return s.primary.GetEventResult(ctx, eventID, participantID)
}

func (s *CachedStore) PutScoringRule(ctx context.Context, r *scoring.Rule) error {
	return s.primary.PutScoringRule(ctx, r)
}

func (s *CachedStore) GetScoringRule(ctx context.Context, id string) (*scoring.Rule, error) {
	return s.primary.GetScoringRule(ctx, id)
}

func (s *CachedStore) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	return s.primary.GetPosition(ctx, userID, marketID)
}

func (s *CachedStore) ListOpenPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.primary.ListOpenPositionsByMarket(ctx, marketID)
}

func (s *CachedStore) ListUserExposures(ctx context.Context, userID string) ([]risk.Exposure, error) {
	return s.primary.ListUserExposures(ctx, userID)
}

func (s *CachedStore) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	return s.primary.ListLedgerEntries(ctx, userID, limit)
}

func (s *CachedStore) ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	return s.primary.ListTradesByMarket(ctx, marketID)
}

func (s *CachedStore) ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.primary.ListTradesByUser(ctx, userID)
}

func (s *CachedStore) GetSettlement(ctx context.Context, marketID string) (*model.MarketSettlement, error) {
	return s.primary.GetSettlement(ctx, marketID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheMarket(ctx context.Context, m *model.Market) {
	if data, err := json.Marshal(m); err == nil {
		s.rdb.Set(ctx, marketKey(m.ID), data, s.ttl)
	}
}

func marketKey(id string) string     { return fmt.Sprintf("market:%s", id) }
func symbolKey(sym string) string    { return fmt.Sprintf("symbol:%s", sym) }
func walletKey(uid string) string    { return fmt.Sprintf("wallet:%s", uid) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
