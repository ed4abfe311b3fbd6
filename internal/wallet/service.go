// Package wallet manages simulated-credit balances backed by an immutable
// ledger. Every balance change appends exactly one signed ledger entry; the
// wallet row is a materialized projection that must always reconcile with
// the sum of its entries.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/gridprix/market-engine/internal/keylock"
	"github.com/gridprix/market-engine/internal/model"
	"github.com/gridprix/market-engine/internal/store"
)

var (
	// ErrInsufficientFunds is returned when a debit exceeds the available
	// balance (balance minus locked).
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")

	// ErrInvalidAmount is returned for zero or negative deposit/withdrawal
	// amounts.
	ErrInvalidAmount = errors.New("wallet: amount must be positive")
)

// Service provides deposits, withdrawals, and ledger queries. Balance
// mutations serialize per user through the shared lock table.
type Service struct {
	store store.Store
	locks *keylock.Table
}

// NewService creates a wallet service sharing the engine's lock table so
// that trades and deposits on the same wallet never interleave.
func NewService(st store.Store, locks *keylock.Table) *Service {
	return &Service{store: st, locks: locks}
}

// Get returns the user's wallet, creating an empty one on first touch.
func (s *Service) Get(ctx context.Context, userID string) (*model.Wallet, error) {
	return s.store.EnsureWallet(ctx, userID)
}

// Deposit credits the wallet and appends a deposit ledger entry.
func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*model.Wallet, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	unlock := s.locks.Lock(keylock.WalletKey(userID))
	defer unlock()

	w, err := s.store.EnsureWallet(ctx, userID)
	if err != nil {
		return nil, err
	}

	w.Balance = w.Balance.Add(amount)
	w.UpdatedAt = time.Now().UTC()

	entry := &model.LedgerEntry{
		ID:        uuid.New().String(),
		UserID:    userID,
		Amount:    amount,
		Type:      model.TxDeposit,
		CreatedAt: w.UpdatedAt,
	}
	if err := s.store.ApplyLedger(ctx, w, entry); err != nil {
		return nil, fmt.Errorf("apply deposit: %w", err)
	}
	return w, nil
}

// Withdraw debits the wallet if the available balance covers the amount.
func (s *Service) Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (*model.Wallet, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	unlock := s.locks.Lock(keylock.WalletKey(userID))
	defer unlock()

	w, err := s.store.EnsureWallet(ctx, userID)
	if err != nil {
		return nil, err
	}

	if w.Available().LessThan(amount) {
		return nil, fmt.Errorf("%w: available %s, requested %s",
			ErrInsufficientFunds, w.Available(), amount)
	}

	w.Balance = w.Balance.Sub(amount)
	w.UpdatedAt = time.Now().UTC()

	entry := &model.LedgerEntry{
		ID:        uuid.New().String(),
		UserID:    userID,
		Amount:    amount.Neg(),
		Type:      model.TxWithdrawal,
		CreatedAt: w.UpdatedAt,
	}
	if err := s.store.ApplyLedger(ctx, w, entry); err != nil {
		return nil, fmt.Errorf("apply withdrawal: %w", err)
	}
	return w, nil
}

// Ledger returns the user's most recent ledger entries, newest first.
func (s *Service) Ledger(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	return s.store.ListLedgerEntries(ctx, userID, limit)
}

// Reconciliation reports whether a wallet's materialized balance matches
// the sum of its ledger entries.
type Reconciliation struct {
	UserID     string          `json:"user_id"`
	Balance    decimal.Decimal `json:"balance"`
	LedgerSum  decimal.Decimal `json:"ledger_sum"`
	Drift      decimal.Decimal `json:"drift"` // balance − ledger sum, zero when healthy
	Entries    int             `json:"entries"`
	Consistent bool            `json:"consistent"`
}

// Reconcile recomputes the balance from the full ledger and reports drift.
func (s *Service) Reconcile(ctx context.Context, userID string) (*Reconciliation, error) {
	unlock := s.locks.Lock(keylock.WalletKey(userID))
	defer unlock()

	w, err := s.store.EnsureWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListLedgerEntries(ctx, userID, 0) // 0 = no limit
	if err != nil {
		return nil, err
	}

	sum := decimal.Zero
	for _, e := range entries {
		sum = sum.Add(e.Amount)
	}

	return &Reconciliation{
		UserID:     userID,
		Balance:    w.Balance,
		LedgerSum:  sum,
		Drift:      w.Balance.Sub(sum),
		Entries:    len(entries),
		Consistent: w.Balance.Equal(sum),
	}, nil
}
