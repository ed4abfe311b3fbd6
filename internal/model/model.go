// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketStatus is the one-way lifecycle of a market: open → closed → settled.
type MarketStatus string

const (
	MarketOpen    MarketStatus = "open"
	MarketClosed  MarketStatus = "closed"
	MarketSettled MarketStatus = "settled"
)

// EventStatus is the lifecycle of a real-world event.
type EventStatus string

const (
	EventUpcoming EventStatus = "upcoming"
	EventLive     EventStatus = "live"
	EventFinished EventStatus = "finished"
)

// ResultStatus classifies how a participant finished an event.
type ResultStatus string

const (
	ResultFinished     ResultStatus = "finished"
	ResultDNF          ResultStatus = "dnf"
	ResultDisqualified ResultStatus = "disqualified"
)

// TransactionType partitions ledger entries by cause.
type TransactionType string

const (
	TxDeposit    TransactionType = "deposit"
	TxWithdrawal TransactionType = "withdrawal"
	TxBuy        TransactionType = "buy"
	TxSell       TransactionType = "sell"
	TxSettlement TransactionType = "settlement"
	TxFee        TransactionType = "fee"
)

// Trade sides.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Market represents one tradeable asset (a driver or constructor) within one
// event, priced by a square-root bonding curve: P(s) = a·√s + b.
// Supply and Price are mutated only by trade execution while open; Status is
// advanced to settled exactly once by the settlement engine.
type Market struct {
	ID            string          `json:"id" db:"id"`
	EventID       string          `json:"event_id" db:"event_id"`
	ParticipantID string          `json:"participant_id" db:"participant_id"`
	ScoringRuleID string          `json:"scoring_rule_id" db:"scoring_rule_id"`
	Symbol        string          `json:"symbol" db:"symbol"` // GPX-{season}-{event}-{participant}
	A             decimal.Decimal `json:"a" db:"a"`           // curve slope
	B             decimal.Decimal `json:"b" db:"b"`           // curve intercept
	Supply        decimal.Decimal `json:"supply" db:"supply"` // shares outstanding, ≥ 0
	Price         decimal.Decimal `json:"price" db:"price"`   // a·√supply + b, derived
	Status        MarketStatus    `json:"status" db:"status"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Position is a user's holding in one market. Closed positions (zero shares)
// are retained for history. AvgEntryPrice follows the weighted-average rule on
// buys and is unaffected by sells; sells only realize P&L against it.
type Position struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"`
	MarketID      string          `json:"market_id" db:"market_id"`
	Shares        decimal.Decimal `json:"shares" db:"shares"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price" db:"avg_entry_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
	LastMark      decimal.Decimal `json:"last_mark" db:"last_mark"` // last-known market price
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// UnrealizedPnL marks the position against the given price.
func (p *Position) UnrealizedPnL(price decimal.Decimal) decimal.Decimal {
	return price.Sub(p.AvgEntryPrice).Mul(p.Shares)
}

// Trade is an immutable record of one executed buy or sell — the audit trail
// for price history and reconciliation. Never updated after creation.
type Trade struct {
	ID         string          `json:"id" db:"id"`
	MarketID   string          `json:"market_id" db:"market_id"`
	UserID     string          `json:"user_id" db:"user_id"`
	Side       string          `json:"side" db:"side"`         // buy or sell
	Quantity   decimal.Decimal `json:"quantity" db:"quantity"` // always positive
	Price      decimal.Decimal `json:"price" db:"price"`       // average fill price per share
	Credits    decimal.Decimal `json:"credits" db:"credits"`   // credits moved (cost or payout)
	ExecutedAt time.Time       `json:"executed_at" db:"executed_at"`
}

// Wallet holds a user's simulated credits. Available = Balance − Locked.
// Balance is a materialized projection of the ledger and must always
// reconcile with the sum of the user's ledger entries.
type Wallet struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	Locked    decimal.Decimal `json:"locked" db:"locked"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Available returns the spendable balance.
func (w *Wallet) Available() decimal.Decimal {
	return w.Balance.Sub(w.Locked)
}

// LedgerEntry is an immutable, append-only record of one signed credit
// movement. The ledger is the sole source of truth for balances.
type LedgerEntry struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"` // signed: + credit, − debit
	Type      TransactionType `json:"type" db:"type"`
	RefType   string          `json:"ref_type,omitempty" db:"ref_type"` // "trade", "market", "event"
	RefID     string          `json:"ref_id,omitempty" db:"ref_id"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Event is one real-world race. Markets reference it; settlement is triggered
// per event once results are final.
type Event struct {
	ID        string      `json:"id" db:"id"`
	SeasonID  string      `json:"season_id" db:"season_id"`
	Name      string      `json:"name" db:"name"`
	Venue     string      `json:"venue,omitempty" db:"venue"`
	Status    EventStatus `json:"status" db:"status"`
	StartAt   time.Time   `json:"start_at" db:"start_at"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// EventResult is the final outcome for one participant in one event. Produced
// by results ingestion (out of scope), consumed only by the settlement engine.
type EventResult struct {
	EventID       string          `json:"event_id" db:"event_id"`
	ParticipantID string          `json:"participant_id" db:"participant_id"`
	PrimaryScore  decimal.Decimal `json:"primary_score" db:"primary_score"`
	Rank          int             `json:"rank" db:"rank"`
	Status        ResultStatus    `json:"status" db:"status"`
}

// MarketSettlement records the terminal conversion of a market's shares into
// credited payouts. One per market, written exactly once.
type MarketSettlement struct {
	MarketID        string          `json:"market_id" db:"market_id"`
	SettledAt       time.Time       `json:"settled_at" db:"settled_at"`
	SettlementPrice decimal.Decimal `json:"settlement_price" db:"settlement_price"` // curve price at final supply
	PayoutPerShare  decimal.Decimal `json:"payout_per_share" db:"payout_per_share"`
	Source          string          `json:"source,omitempty" db:"source"` // "event_result", "manual"
}

// Portfolio aggregates all positions for a user with P&L totals.
type Portfolio struct {
	UserID          string          `json:"user_id"`
	Positions       []PositionView  `json:"positions"`
	TotalRealized   decimal.Decimal `json:"total_realized_pnl"`
	TotalUnrealized decimal.Decimal `json:"total_unrealized_pnl"`
	WalletBalance   decimal.Decimal `json:"wallet_balance"`
}

// PositionView is a position marked against the live market price.
type PositionView struct {
	Position
	Symbol       string          `json:"symbol"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	Unrealized   decimal.Decimal `json:"unrealized_pnl"`
}
