package engine

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gridprix/market-engine/internal/curve"
	"github.com/gridprix/market-engine/internal/metrics"
	"github.com/gridprix/market-engine/internal/model"
	"github.com/gridprix/market-engine/internal/risk"
	"github.com/gridprix/market-engine/internal/store"
	"github.com/gridprix/market-engine/internal/symbol"
	"github.com/gridprix/market-engine/internal/wallet"
)

// --- Request/Response types ---

// CreateMarketRequest is the JSON body for market creation. The curve slope
// may be given directly or derived from championship standings.
type CreateMarketRequest struct {
	Symbol        string          `json:"symbol"` // GPX-{season}-{event}-{kind}-{participant}
	EventID       string          `json:"event_id"`
	ParticipantID string          `json:"participant_id"`
	ScoringRuleID string          `json:"scoring_rule_id"`
	A             decimal.Decimal `json:"a"` // curve slope; 0 with standing → derived
	B             decimal.Decimal `json:"b"` // curve intercept (base price)

	// Optional: derive the slope from current standings instead of A.
	Standing *symbol.Standing `json:"standing,omitempty"`
}

// TradeRequest is the JSON body for buy and sell endpoints. Quantity is
// always positive; the endpoint determines the side.
type TradeRequest struct {
	UserID   string          `json:"user_id"`
	Quantity decimal.Decimal `json:"quantity"`
}

// buildTradeResponse keys the credit movement by side: buys report "cost",
// sells report "payout".
func buildTradeResponse(res *TradeResult) map[string]any {
	key := "cost"
	if res.Trade.Side == model.SideSell {
		key = "payout"
	}
	return map[string]any{
		"trade_id":        res.Trade.ID,
		"side":            res.Trade.Side,
		"quantity":        res.Trade.Quantity,
		key:               res.Trade.Credits,
		"new_supply":      res.Supply,
		"new_price":       res.Price,
		"position_shares": res.Position.Shares,
		"wallet_balance":  res.Wallet.Balance,
	}
}

// --- HTTP handlers ---

// HandleCreateMarket handles POST /api/v1/markets
func (s *Service) HandleCreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	parsed, err := symbol.Parse(req.Symbol)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.EventID == "" || req.ParticipantID == "" || req.ScoringRuleID == "" {
		writeError(w, "event_id, participant_id and scoring_rule_id are required", http.StatusBadRequest)
		return
	}
	if req.B.IsNegative() {
		writeError(w, "b must be non-negative", http.StatusBadRequest)
		return
	}

	a := req.A
	if req.Standing != nil {
		a = symbol.DeriveSlope(*req.Standing, req.A)
	}
	if a.IsNegative() {
		writeError(w, "a must be non-negative", http.StatusBadRequest)
		return
	}

	now := time.Now().UTC()
	m := &model.Market{
		ID:            uuid.New().String(),
		EventID:       req.EventID,
		ParticipantID: req.ParticipantID,
		ScoringRuleID: req.ScoringRuleID,
		Symbol:        parsed.Raw,
		A:             a,
		B:             req.B,
		Supply:        decimal.Zero,
		Price:         req.B, // curve price at zero supply
		Status:        model.MarketOpen,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.CreateMarket(r.Context(), m); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, "market already exists for symbol "+parsed.Raw, http.StatusConflict)
			return
		}
		writeError(w, "failed to create market", http.StatusInternalServerError)
		return
	}

	metrics.ActiveMarkets.Inc()
	slog.Info("market created",
		"id", m.ID,
		"symbol", m.Symbol,
		"event", m.EventID,
		"a", a.String(),
		"b", req.B.String(),
	)
	writeJSON(w, http.StatusCreated, m)
}

// HandleListMarkets handles GET /api/v1/markets?event_id=
func (s *Service) HandleListMarkets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		markets []model.Market
		err     error
	)
	if eventID := r.URL.Query().Get("event_id"); eventID != "" {
		markets, err = s.store.ListMarketsByEvent(ctx, eventID)
	} else {
		markets, err = s.store.ListMarkets(ctx)
	}
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// HandleGetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) HandleGetMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	m, err := s.store.GetMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, "market not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// HandleQuote handles GET /api/v1/markets/{marketID}/quote?quantity=N
// Positive quantity quotes a buy, negative a sell.
func (s *Service) HandleQuote(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	qty, err := decimal.NewFromString(r.URL.Query().Get("quantity"))
	if err != nil {
		writeError(w, "quantity must be a decimal number", http.StatusBadRequest)
		return
	}

	q, err := s.GetQuote(r.Context(), marketID, qty)
	if err != nil {
		writeTradeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// HandleBuy handles POST /api/v1/markets/{marketID}/buy
func (s *Service) HandleBuy(w http.ResponseWriter, r *http.Request) {
	s.handleTrade(w, r, false)
}

// HandleSell handles POST /api/v1/markets/{marketID}/sell
func (s *Service) HandleSell(w http.ResponseWriter, r *http.Request) {
	s.handleTrade(w, r, true)
}

func (s *Service) handleTrade(w http.ResponseWriter, r *http.Request, sell bool) {
	marketID := chi.URLParam(r, "marketID")

	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if !req.Quantity.IsPositive() {
		writeError(w, "quantity must be positive", http.StatusBadRequest)
		return
	}

	qty := req.Quantity
	if sell {
		qty = qty.Neg()
	}

	res, err := s.ExecuteTrade(r.Context(), req.UserID, marketID, qty)
	if err != nil {
		writeTradeError(w, err)
		return
	}

	slog.Info("trade executed",
		"trade_id", res.Trade.ID,
		"user", req.UserID,
		"symbol", res.Symbol,
		"side", res.Trade.Side,
		"qty", res.Trade.Quantity.String(),
		"credits", res.Trade.Credits.String(),
		"new_price", res.Price.String(),
	)
	writeJSON(w, http.StatusOK, buildTradeResponse(res))
}

// HandleHistory handles GET /api/v1/markets/{marketID}/history
// Trades double as price history: each carries the post-trade fill price.
func (s *Service) HandleHistory(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	trades, err := s.store.ListTradesByMarket(r.Context(), marketID)
	if err != nil {
		writeError(w, "failed to load trade history", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// HandlePosition handles GET /api/v1/markets/{marketID}/position?user_id=
func (s *Service) HandlePosition(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	pos, err := s.store.GetPosition(r.Context(), userID, marketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "position not found", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load position", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// HandlePortfolio handles GET /api/v1/portfolio/{userID}
// Marks every position against the live market price.
func (s *Service) HandlePortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	positions, err := s.store.ListPositionsByUser(ctx, userID)
	if err != nil {
		writeError(w, "failed to load positions", http.StatusInternalServerError)
		return
	}
	wal, err := s.store.EnsureWallet(ctx, userID)
	if err != nil {
		writeError(w, "failed to load wallet", http.StatusInternalServerError)
		return
	}

	portfolio := model.Portfolio{
		UserID:          userID,
		Positions:       []model.PositionView{},
		TotalRealized:   decimal.Zero,
		TotalUnrealized: decimal.Zero,
		WalletBalance:   wal.Balance,
	}

	for _, p := range positions {
		view := model.PositionView{Position: p}
		if m, err := s.store.GetMarket(ctx, p.MarketID); err == nil {
			view.Symbol = m.Symbol
			view.CurrentPrice = m.Price
			view.Unrealized = p.UnrealizedPnL(m.Price)
		}
		portfolio.TotalRealized = portfolio.TotalRealized.Add(p.RealizedPnL)
		portfolio.TotalUnrealized = portfolio.TotalUnrealized.Add(view.Unrealized)
		portfolio.Positions = append(portfolio.Positions, view)
	}

	writeJSON(w, http.StatusOK, portfolio)
}

// HandleGetSettlement handles GET /api/v1/markets/{marketID}/settlement
func (s *Service) HandleGetSettlement(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	ms, err := s.store.GetSettlement(r.Context(), marketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "market is not settled", http.StatusNotFound)
			return
		}
		writeError(w, "failed to load settlement", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ms)
}

// writeTradeError maps engine errors onto HTTP statuses.
func writeTradeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, "market not found", http.StatusNotFound)
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, curve.ErrInvalidQuantity):
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrMarketNotOpen):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, wallet.ErrInsufficientFunds),
		errors.Is(err, ErrInsufficientShares),
		errors.Is(err, curve.ErrOversold):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, risk.ErrPerMarketLimitExceeded),
		errors.Is(err, risk.ErrPerEventLimitExceeded):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrConcurrencyConflict):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
	default:
		writeError(w, "trade failed", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
