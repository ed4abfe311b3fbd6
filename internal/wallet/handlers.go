package wallet

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/gridprix/market-engine/internal/model"
)

// AmountRequest is the JSON body for deposits and withdrawals.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// HandleGet handles GET /api/v1/wallets/{userID}
func (s *Service) HandleGet(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	wal, err := s.Get(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to load wallet", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, wal)
}

// HandleDeposit handles POST /api/v1/wallets/{userID}/deposit
func (s *Service) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	wal, err := s.Deposit(r.Context(), userID, req.Amount)
	if err != nil {
		if errors.Is(err, ErrInvalidAmount) {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeError(w, "deposit failed", http.StatusInternalServerError)
		return
	}

	slog.Info("deposit", "user", userID, "amount", req.Amount.String())
	writeJSON(w, http.StatusOK, wal)
}

// HandleWithdraw handles POST /api/v1/wallets/{userID}/withdraw
func (s *Service) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	wal, err := s.Withdraw(r.Context(), userID, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidAmount):
			writeError(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, ErrInsufficientFunds):
			writeError(w, err.Error(), http.StatusUnprocessableEntity)
		default:
			writeError(w, "withdrawal failed", http.StatusInternalServerError)
		}
		return
	}

	slog.Info("withdrawal", "user", userID, "amount", req.Amount.String())
	writeJSON(w, http.StatusOK, wal)
}

// HandleLedger handles GET /api/v1/wallets/{userID}/ledger?limit=N
func (s *Service) HandleLedger(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := s.Ledger(r.Context(), userID, limit)
	if err != nil {
		writeError(w, "failed to load ledger", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// HandleReconcile handles GET /api/v1/wallets/{userID}/reconcile
func (s *Service) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	rec, err := s.Reconcile(r.Context(), userID)
	if err != nil {
		writeError(w, "reconciliation failed", http.StatusInternalServerError)
		return
	}
	if !rec.Consistent {
		slog.Error("wallet drift detected",
			"user", userID,
			"balance", rec.Balance.String(),
			"ledger_sum", rec.LedgerSum.String(),
		)
	}
	writeJSON(w, http.StatusOK, rec)
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
