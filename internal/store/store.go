// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Trade execution and settlement mutate several records at once (market,
// wallet, position, trade, ledger). Those mutations are expressed as batch
// values applied through ApplyTrade/ApplySettlement so that every backend
// can make the whole batch atomic: a single transaction in PostgreSQL, a
// single critical section in memory. No partial batch is ever observable.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/gridprix/market-engine/internal/model"
	"github.com/gridprix/market-engine/internal/risk"
	"github.com/gridprix/market-engine/internal/scoring"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when a unique constraint would be violated.
	ErrDuplicate = errors.New("store: duplicate record")

	// ErrConflict is returned on transaction serialization failure. Safe to
	// retry a bounded number of times.
	ErrConflict = errors.New("store: serialization conflict")
)

// TradeMutation bundles every record touched by one trade execution.
type TradeMutation struct {
	MarketID string
	Supply   decimal.Decimal // new market supply
	Price    decimal.Decimal // new market price
	Wallet   *model.Wallet   // updated balances
	Position *model.Position // created or updated
	Trade    *model.Trade    // immutable record
	Ledger   *model.LedgerEntry
}

// SettlementMutation bundles one market's settlement: the settlement record,
// the status transition to settled, and every credited position/wallet with
// its ledger entry.
type SettlementMutation struct {
	MarketID   string
	Settlement *model.MarketSettlement
	Positions  []model.Position // shares zeroed, P&L realized
	Wallets    []model.Wallet   // credited
	Ledger     []model.LedgerEntry
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Markets ---

	CreateMarket(ctx context.Context, m *model.Market) error
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	GetMarketBySymbol(ctx context.Context, symbol string) (*model.Market, error)
	ListMarkets(ctx context.Context) ([]model.Market, error)
	ListMarketsByEvent(ctx context.Context, eventID string) ([]model.Market, error)

	// UpdateMarketStatus advances the one-way open → closed → settled chain.
	UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus) error

	// --- Events, results, scoring rules ---

	CreateEvent(ctx context.Context, e *model.Event) error
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	UpdateEventStatus(ctx context.Context, id string, status model.EventStatus) error
	PutEventResult(ctx context.Context, r *model.EventResult) error
	GetEventResult(ctx context.Context, eventID, participantID string) (*model.EventResult, error)
	PutScoringRule(ctx context.Context, r *scoring.Rule) error
	GetScoringRule(ctx context.Context, id string) (*scoring.Rule, error)

	// --- Positions ---

	GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error)
	ListOpenPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error)
	ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error)

	// ListUserExposures joins a user's open positions to their markets for
	// risk-limit checks.
	ListUserExposures(ctx context.Context, userID string) ([]risk.Exposure, error)

	// --- Wallets & immutable ledger ---

	// EnsureWallet returns the user's wallet, creating an empty one on
	// first touch.
	EnsureWallet(ctx context.Context, userID string) (*model.Wallet, error)

	// ApplyLedger atomically appends one ledger entry and stores the
	// updated wallet projection (deposits/withdrawals).
	ApplyLedger(ctx context.Context, w *model.Wallet, e *model.LedgerEntry) error

	ListLedgerEntries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error)

	// --- Trades ---

	ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error)
	ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error)

	// --- Settlement ---

	GetSettlement(ctx context.Context, marketID string) (*model.MarketSettlement, error)

	// --- Atomic batches ---

	ApplyTrade(ctx context.Context, mut *TradeMutation) error
	ApplySettlement(ctx context.Context, mut *SettlementMutation) error
}
