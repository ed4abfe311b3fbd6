// Package engine executes trades against bonding-curve markets. It owns the
// trade invariants: supply never negative, wallets never overdrawn, every
// credit movement mirrored by exactly one ledger entry, and market price
// always equal to the curve evaluated at the current supply.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gridprix/market-engine/internal/curve"
	"github.com/gridprix/market-engine/internal/keylock"
	"github.com/gridprix/market-engine/internal/metrics"
	"github.com/gridprix/market-engine/internal/model"
	"github.com/gridprix/market-engine/internal/risk"
	"github.com/gridprix/market-engine/internal/store"
	"github.com/gridprix/market-engine/internal/wallet"
)

var (
	// ErrMarketNotOpen is returned when trading a closed or settled market.
	ErrMarketNotOpen = errors.New("engine: market is not open for trading")

	// ErrInsufficientShares is returned when a sell exceeds the caller's
	// position.
	ErrInsufficientShares = errors.New("engine: insufficient shares to sell")

	// ErrInvalidQuantity is returned for a zero share quantity.
	ErrInvalidQuantity = errors.New("engine: quantity must be non-zero")

	// ErrConcurrencyConflict is returned after exhausting retries against
	// store serialization conflicts.
	ErrConcurrencyConflict = errors.New("engine: trade conflicted with concurrent activity, retry")
)

// maxRetries bounds re-execution after a store serialization conflict.
const maxRetries = 3

// Service executes trades. Per-market and per-wallet locks serialize
// conflicting trades while unrelated markets trade in parallel. The lock
// order is always market before wallet.
type Service struct {
	store   store.Store
	locks   *keylock.Table
	limiter *risk.Limiter
	wsHub   *WSHub // optional, nil disables broadcasting
}

// NewService creates a trade engine. Pass nil for hub if WebSocket
// broadcasting is not needed.
func NewService(st store.Store, locks *keylock.Table, limiter *risk.Limiter, hub *WSHub) *Service {
	return &Service{
		store:   st,
		locks:   locks,
		limiter: limiter,
		wsHub:   hub,
	}
}

// Quote is a non-binding price preview. Nothing is persisted.
type Quote struct {
	MarketID    string          `json:"market_id"`
	Symbol      string          `json:"symbol"`
	Side        string          `json:"side"`
	Quantity    decimal.Decimal `json:"quantity"`
	Credits     decimal.Decimal `json:"credits"`   // cost for buys, payout for sells
	AvgPrice    decimal.Decimal `json:"avg_price"` // credits per share
	PriceBefore decimal.Decimal `json:"price_before"`
	PriceAfter  decimal.Decimal `json:"price_after"`
}

// TradeResult is the outcome of one executed trade.
type TradeResult struct {
	Trade    model.Trade     `json:"trade"`
	Position model.Position  `json:"position"`
	Wallet   model.Wallet    `json:"wallet"`
	Symbol   string          `json:"symbol"`
	Supply   decimal.Decimal `json:"supply"`
	Price    decimal.Decimal `json:"price"`
}

// GetQuote prices a prospective trade against the current supply. Positive
// quantity quotes a buy, negative a sell.
func (s *Service) GetQuote(ctx context.Context, marketID string, quantity decimal.Decimal) (*Quote, error) {
	if quantity.IsZero() {
		return nil, ErrInvalidQuantity
	}

	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.MarketOpen {
		return nil, ErrMarketNotOpen
	}

	cv := curve.New(m.A, m.B)
	priceBefore, err := cv.Price(m.Supply)
	if err != nil {
		return nil, err
	}

	q := &Quote{
		MarketID:    m.ID,
		Symbol:      m.Symbol,
		Quantity:    quantity.Abs(),
		PriceBefore: priceBefore,
	}

	var newSupply decimal.Decimal
	if quantity.IsPositive() {
		q.Side = model.SideBuy
		q.Credits, err = cv.BuyCost(m.Supply, quantity)
		newSupply = m.Supply.Add(quantity)
	} else {
		q.Side = model.SideSell
		q.Credits, err = cv.SellPayout(m.Supply, quantity.Neg())
		newSupply = m.Supply.Sub(quantity.Neg())
	}
	if err != nil {
		return nil, err
	}

	q.AvgPrice = q.Credits.Div(q.Quantity).Round(curve.Scale)
	q.PriceAfter, err = cv.Price(newSupply)
	if err != nil {
		return nil, err
	}
	return q, nil
}

// ExecuteTrade executes a buy (positive quantity) or sell (negative
// quantity) for the user against the market, atomically updating supply,
// wallet, position, trade log, and ledger. Serialization conflicts from the
// store are retried a bounded number of times.
func (s *Service) ExecuteTrade(ctx context.Context, userID, marketID string, quantity decimal.Decimal) (*TradeResult, error) {
	if quantity.IsZero() {
		return nil, ErrInvalidQuantity
	}

	start := time.Now()
	for attempt := 0; attempt < maxRetries; attempt++ {
		res, err := s.executeOnce(ctx, userID, marketID, quantity)
		if errors.Is(err, store.ErrConflict) {
			metrics.TradeRetries.Inc()
			continue
		}
		if err != nil {
			return nil, err
		}

		metrics.TradesTotal.WithLabelValues(res.Trade.Side).Inc()
		metrics.TradeLatency.WithLabelValues(res.Trade.Side).Observe(time.Since(start).Seconds())
		metrics.MarketVolume.WithLabelValues(marketID, res.Trade.Side).
			Add(res.Trade.Quantity.InexactFloat64())

		if s.wsHub != nil {
			s.wsHub.Broadcast(WSMessage{
				Type:     "trade_executed",
				MarketID: marketID,
				Symbol:   res.Symbol,
				Price:    res.Price.String(),
				Supply:   res.Supply.String(),
				Side:     res.Trade.Side,
				Quantity: res.Trade.Quantity.String(),
			})
		}
		return res, nil
	}
	return nil, ErrConcurrencyConflict
}

// executeOnce runs a single trade attempt under the market and wallet locks.
func (s *Service) executeOnce(ctx context.Context, userID, marketID string, quantity decimal.Decimal) (*TradeResult, error) {
	// Fixed lock order: market, then wallet.
	unlockMarket := s.locks.Lock(keylock.MarketKey(marketID))
	defer unlockMarket()
	unlockWallet := s.locks.Lock(keylock.WalletKey(userID))
	defer unlockWallet()

	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.MarketOpen {
		return nil, ErrMarketNotOpen
	}

	w, err := s.store.EnsureWallet(ctx, userID)
	if err != nil {
		return nil, err
	}

	pos, err := s.store.GetPosition(ctx, userID, marketID)
	if errors.Is(err, store.ErrNotFound) {
		now := time.Now().UTC()
		pos = &model.Position{
			ID:        uuid.New().String(),
			UserID:    userID,
			MarketID:  marketID,
			CreatedAt: now,
			UpdatedAt: now,
		}
	} else if err != nil {
		return nil, err
	}

	cv := curve.New(m.A, m.B)
	now := time.Now().UTC()

	var (
		side       string
		qty        decimal.Decimal // always positive
		credits    decimal.Decimal // moved this trade
		newSupply  decimal.Decimal
		ledgerType model.TransactionType
	)

	if quantity.IsPositive() {
		side = model.SideBuy
		qty = quantity

		cost, err := cv.BuyCost(m.Supply, qty)
		if err != nil {
			return nil, err
		}

		exposures, err := s.store.ListUserExposures(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("load exposures: %w", err)
		}
		if err := s.limiter.CheckBuy(marketID, m.EventID, qty, exposures); err != nil {
			switch {
			case errors.Is(err, risk.ErrPerMarketLimitExceeded):
				metrics.RiskRejections.WithLabelValues("market").Inc()
			case errors.Is(err, risk.ErrPerEventLimitExceeded):
				metrics.RiskRejections.WithLabelValues("event").Inc()
			}
			return nil, err
		}

		if w.Available().LessThan(cost) {
			return nil, fmt.Errorf("%w: available %s, cost %s",
				wallet.ErrInsufficientFunds, w.Available(), cost)
		}

		// Weighted-average entry price over the enlarged position.
		totalCost := pos.Shares.Mul(pos.AvgEntryPrice).Add(cost)
		pos.AvgEntryPrice = totalCost.Div(pos.Shares.Add(qty)).Round(curve.Scale)
		pos.Shares = pos.Shares.Add(qty)

		w.Balance = w.Balance.Sub(cost)
		credits = cost
		newSupply = m.Supply.Add(qty)
		ledgerType = model.TxBuy
	} else {
		side = model.SideSell
		qty = quantity.Neg()

		if pos.Shares.LessThan(qty) {
			return nil, fmt.Errorf("%w: have %s, selling %s",
				ErrInsufficientShares, pos.Shares, qty)
		}

		payout, err := cv.SellPayout(m.Supply, qty)
		if err != nil {
			return nil, err
		}

		// Realize P&L against the average entry price; the average itself is
		// unchanged by sells.
		fill := payout.Div(qty)
		pos.RealizedPnL = pos.RealizedPnL.Add(fill.Sub(pos.AvgEntryPrice).Mul(qty)).Round(curve.Scale)
		pos.Shares = pos.Shares.Sub(qty)

		w.Balance = w.Balance.Add(payout)
		credits = payout
		newSupply = m.Supply.Sub(qty)
		ledgerType = model.TxSell
	}

	newPrice, err := cv.Price(newSupply)
	if err != nil {
		return nil, err
	}

	pos.LastMark = newPrice
	pos.UpdatedAt = now
	w.UpdatedAt = now

	trade := &model.Trade{
		ID:         uuid.New().String(),
		MarketID:   marketID,
		UserID:     userID,
		Side:       side,
		Quantity:   qty,
		Price:      credits.Div(qty).Round(curve.Scale),
		Credits:    credits,
		ExecutedAt: now,
	}

	ledgerAmount := credits
	if side == model.SideBuy {
		ledgerAmount = credits.Neg()
	}
	entry := &model.LedgerEntry{
		ID:        uuid.New().String(),
		UserID:    userID,
		Amount:    ledgerAmount,
		Type:      ledgerType,
		RefType:   "trade",
		RefID:     trade.ID,
		CreatedAt: now,
	}

	mut := &store.TradeMutation{
		MarketID: marketID,
		Supply:   newSupply,
		Price:    newPrice,
		Wallet:   w,
		Position: pos,
		Trade:    trade,
		Ledger:   entry,
	}
	if err := s.store.ApplyTrade(ctx, mut); err != nil {
		return nil, err
	}

	return &TradeResult{
		Trade:    *trade,
		Position: *pos,
		Wallet:   *w,
		Symbol:   m.Symbol,
		Supply:   newSupply,
		Price:    newPrice,
	}, nil
}
