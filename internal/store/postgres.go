package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/gridprix/market-engine/internal/model"
	"github.com/gridprix/market-engine/internal/risk"
	"github.com/gridprix/market-engine/internal/scoring"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Trade and settlement batches run in serializable transactions; a
// serialization failure surfaces as ErrConflict for the caller to retry.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// translateErr maps driver errors onto the store sentinels.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case "23505": // unique_violation
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		}
	}
	return err
}

// --- Markets ---

const marketColumns = `id, event_id, participant_id, scoring_rule_id, symbol,
	a::TEXT, b::TEXT, supply::TEXT, price::TEXT, status, created_at, updated_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var a, b, supply, price string

	if err := row.Scan(&m.ID, &m.EventID, &m.ParticipantID, &m.ScoringRuleID, &m.Symbol,
		&a, &b, &supply, &price, &m.Status, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, translateErr(err)
	}

	m.A, _ = decimal.NewFromString(a)
	m.B, _ = decimal.NewFromString(b)
	m.Supply, _ = decimal.NewFromString(supply)
	m.Price, _ = decimal.NewFromString(price)
	return &m, nil
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (id, event_id, participant_id, scoring_rule_id, symbol,
		                      a, b, supply, price, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12)`,
		m.ID, m.EventID, m.ParticipantID, m.ScoringRuleID, m.Symbol,
		m.A.String(), m.B.String(), m.Supply.String(), m.Price.String(),
		m.Status, m.CreatedAt, m.UpdatedAt,
	)
	return translateErr(err)
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func (s *PostgresStore) GetMarketBySymbol(ctx context.Context, symbol string) (*model.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE symbol = $1`, symbol)
	m, err := scanMarket(row)
	if err != nil {
		return nil, fmt.Errorf("get market by symbol %s: %w", symbol, err)
	}
	return m, nil
}

func (s *PostgresStore) listMarkets(ctx context.Context, query string, args ...any) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, translateErr(rows.Err())
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.listMarkets(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
}

func (s *PostgresStore) ListMarketsByEvent(ctx context.Context, eventID string) ([]model.Market, error) {
	return s.listMarkets(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE event_id = $1 ORDER BY created_at`, eventID)
}

func (s *PostgresStore) UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET status = $2, updated_at = now() WHERE id = $1`, id, status)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: market %s", ErrNotFound, id)
	}
	return nil
}

// --- Events, results, scoring rules ---

func (s *PostgresStore) CreateEvent(ctx context.Context, e *model.Event) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (id, season_id, name, venue, status, start_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.SeasonID, e.Name, e.Venue, e.Status, e.StartAt, e.CreatedAt,
	)
	return translateErr(err)
}

func (s *PostgresStore) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	var e model.Event
	err := s.pool.QueryRow(ctx,
		`SELECT id, season_id, name, venue, status, start_at, created_at
		 FROM events WHERE id = $1`, id).
		Scan(&e.ID, &e.SeasonID, &e.Name, &e.Venue, &e.Status, &e.StartAt, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, translateErr(err))
	}
	return &e, nil
}

func (s *PostgresStore) UpdateEventStatus(ctx context.Context, id string, status model.EventStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE events SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: event %s", ErrNotFound, id)
	}
	return nil
}

func (s *PostgresStore) PutEventResult(ctx context.Context, r *model.EventResult) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO event_results (event_id, participant_id, primary_score, rank, status)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5)
		 ON CONFLICT (event_id, participant_id)
		 DO UPDATE SET primary_score = EXCLUDED.primary_score,
		               rank = EXCLUDED.rank, status = EXCLUDED.status`,
		r.EventID, r.ParticipantID, r.PrimaryScore.String(), r.Rank, r.Status,
	)
	return translateErr(err)
}

func (s *PostgresStore) GetEventResult(ctx context.Context, eventID, participantID string) (*model.EventResult, error) {
	var r model.EventResult
	var score string
	err := s.pool.QueryRow(ctx,
		`SELECT event_id, participant_id, primary_score::TEXT, rank, status
		 FROM event_results WHERE event_id = $1 AND participant_id = $2`,
		eventID, participantID).
		Scan(&r.EventID, &r.ParticipantID, &score, &r.Rank, &r.Status)
	if err != nil {
		return nil, fmt.Errorf("get result event %s participant %s: %w",
			eventID, participantID, translateErr(err))
	}
	r.PrimaryScore, _ = decimal.NewFromString(score)
	return &r, nil
}

// Scoring rules persist as one JSONB document per rule; the tagged-variant
// parameters differ too much per formula to flatten into columns.
func (s *PostgresStore) PutScoringRule(ctx context.Context, r *scoring.Rule) error {
	doc, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal scoring rule %s: %w", r.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO scoring_rules (id, code, params)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET code = EXCLUDED.code, params = EXCLUDED.params`,
		r.ID, r.Code, doc,
	)
	return translateErr(err)
}

func (s *PostgresStore) GetScoringRule(ctx context.Context, id string) (*scoring.Rule, error) {
	var doc []byte
	err := s.pool.QueryRow(ctx,
		`SELECT params FROM scoring_rules WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		return nil, fmt.Errorf("get scoring rule %s: %w", id, translateErr(err))
	}
	var r scoring.Rule
	if err := json.Unmarshal(doc, &r); err != nil {
		return nil, fmt.Errorf("unmarshal scoring rule %s: %w", id, err)
	}
	return &r, nil
}

// --- Positions ---

const positionColumns = `id, user_id, market_id, shares::TEXT, avg_entry_price::TEXT,
	realized_pnl::TEXT, last_mark::TEXT, created_at, updated_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var shares, avg, realized, mark string

	if err := row.Scan(&p.ID, &p.UserID, &p.MarketID, &shares, &avg,
		&realized, &mark, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, translateErr(err)
	}

	p.Shares, _ = decimal.NewFromString(shares)
	p.AvgEntryPrice, _ = decimal.NewFromString(avg)
	p.RealizedPnL, _ = decimal.NewFromString(realized)
	p.LastMark, _ = decimal.NewFromString(mark)
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, userID, marketID string) (*model.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 AND market_id = $2`,
		userID, marketID)
	p, err := scanPosition(row)
	if err != nil {
		return nil, fmt.Errorf("get position user %s market %s: %w", userID, marketID, err)
	}
	return p, nil
}

func (s *PostgresStore) listPositions(ctx context.Context, query string, args ...any) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, translateErr(rows.Err())
}

func (s *PostgresStore) ListOpenPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.listPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE market_id = $1 AND shares > 0`, marketID)
}

func (s *PostgresStore) ListPositionsByUser(ctx context.Context, userID string) ([]model.Position, error) {
	return s.listPositions(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 ORDER BY created_at`, userID)
}

func (s *PostgresStore) ListUserExposures(ctx context.Context, userID string) ([]risk.Exposure, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT p.market_id, m.event_id, p.shares::TEXT
		 FROM positions p
		 JOIN markets m ON m.id = p.market_id
		 WHERE p.user_id = $1 AND p.shares > 0`, userID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var exposures []risk.Exposure
	for rows.Next() {
		var e risk.Exposure
		var shares string
		if err := rows.Scan(&e.MarketID, &e.EventID, &shares); err != nil {
			return nil, translateErr(err)
		}
		e.Shares, _ = decimal.NewFromString(shares)
		exposures = append(exposures, e)
	}
	return exposures, translateErr(rows.Err())
}

// --- Wallets & ledger ---

func (s *PostgresStore) EnsureWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	var w model.Wallet
	var balance, locked string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO wallets (user_id, balance, locked, updated_at)
		 VALUES ($1, 0, 0, now())
		 ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		 RETURNING user_id, balance::TEXT, locked::TEXT, updated_at`, userID).
		Scan(&w.UserID, &balance, &locked, &w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("ensure wallet %s: %w", userID, translateErr(err))
	}
	w.Balance, _ = decimal.NewFromString(balance)
	w.Locked, _ = decimal.NewFromString(locked)
	return &w, nil
}

func upsertWallet(ctx context.Context, tx pgx.Tx, w *model.Wallet) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO wallets (user_id, balance, locked, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, now())
		 ON CONFLICT (user_id)
		 DO UPDATE SET balance = EXCLUDED.balance, locked = EXCLUDED.locked, updated_at = now()`,
		w.UserID, w.Balance.String(), w.Locked.String(),
	)
	return err
}

func insertLedgerEntry(ctx context.Context, tx pgx.Tx, e *model.LedgerEntry) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, amount, type, ref_type, ref_id, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7)`,
		e.ID, e.UserID, e.Amount.String(), e.Type, e.RefType, e.RefID, e.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ApplyLedger(ctx context.Context, w *model.Wallet, e *model.LedgerEntry) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := upsertWallet(ctx, tx, w); err != nil {
			return err
		}
		return insertLedgerEntry(ctx, tx, e)
	})
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	query := `SELECT id, user_id, amount::TEXT, type, COALESCE(ref_type, ''), COALESCE(ref_id, ''), created_at
		 FROM ledger_entries WHERE user_id = $1 ORDER BY created_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amount string
		if err := rows.Scan(&e.ID, &e.UserID, &amount, &e.Type, &e.RefType, &e.RefID, &e.CreatedAt); err != nil {
			return nil, translateErr(err)
		}
		e.Amount, _ = decimal.NewFromString(amount)
		entries = append(entries, e)
	}
	return entries, translateErr(rows.Err())
}

// --- Trades ---

func (s *PostgresStore) listTrades(ctx context.Context, query string, args ...any) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var qty, price, credits string
		if err := rows.Scan(&t.ID, &t.MarketID, &t.UserID, &t.Side,
			&qty, &price, &credits, &t.ExecutedAt); err != nil {
			return nil, translateErr(err)
		}
		t.Quantity, _ = decimal.NewFromString(qty)
		t.Price, _ = decimal.NewFromString(price)
		t.Credits, _ = decimal.NewFromString(credits)
		trades = append(trades, t)
	}
	return trades, translateErr(rows.Err())
}

func (s *PostgresStore) ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	return s.listTrades(ctx,
		`SELECT id, market_id, user_id, side, quantity::TEXT, price::TEXT, credits::TEXT, executed_at
		 FROM trades WHERE market_id = $1 ORDER BY executed_at`, marketID)
}

func (s *PostgresStore) ListTradesByUser(ctx context.Context, userID string) ([]model.Trade, error) {
	return s.listTrades(ctx,
		`SELECT id, market_id, user_id, side, quantity::TEXT, price::TEXT, credits::TEXT, executed_at
		 FROM trades WHERE user_id = $1 ORDER BY executed_at`, userID)
}

// --- Settlement ---

func (s *PostgresStore) GetSettlement(ctx context.Context, marketID string) (*model.MarketSettlement, error) {
	var ms model.MarketSettlement
	var price, payout string
	err := s.pool.QueryRow(ctx,
		`SELECT market_id, settled_at, settlement_price::TEXT, payout_per_share::TEXT, COALESCE(source, '')
		 FROM market_settlements WHERE market_id = $1`, marketID).
		Scan(&ms.MarketID, &ms.SettledAt, &price, &payout, &ms.Source)
	if err != nil {
		return nil, fmt.Errorf("get settlement %s: %w", marketID, translateErr(err))
	}
	ms.SettlementPrice, _ = decimal.NewFromString(price)
	ms.PayoutPerShare, _ = decimal.NewFromString(payout)
	return &ms, nil
}

// --- Atomic batches ---

// inTx runs fn inside a serializable transaction.
func (s *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return translateErr(err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return translateErr(err)
	}
	return translateErr(tx.Commit(ctx))
}

func upsertPosition(ctx context.Context, tx pgx.Tx, p *model.Position) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO positions (id, user_id, market_id, shares, avg_entry_price,
		                        realized_pnl, last_mark, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9)
		 ON CONFLICT (user_id, market_id)
		 DO UPDATE SET shares = EXCLUDED.shares,
		               avg_entry_price = EXCLUDED.avg_entry_price,
		               realized_pnl = EXCLUDED.realized_pnl,
		               last_mark = EXCLUDED.last_mark,
		               updated_at = EXCLUDED.updated_at`,
		p.ID, p.UserID, p.MarketID, p.Shares.String(), p.AvgEntryPrice.String(),
		p.RealizedPnL.String(), p.LastMark.String(), p.CreatedAt, p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) ApplyTrade(ctx context.Context, mut *TradeMutation) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE markets SET supply = $2::NUMERIC, price = $3::NUMERIC, updated_at = now()
			 WHERE id = $1`,
			mut.MarketID, mut.Supply.String(), mut.Price.String())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: market %s", ErrNotFound, mut.MarketID)
		}

		if err := upsertWallet(ctx, tx, mut.Wallet); err != nil {
			return err
		}
		if err := upsertPosition(ctx, tx, mut.Position); err != nil {
			return err
		}
		if err := insertLedgerEntry(ctx, tx, mut.Ledger); err != nil {
			return err
		}

		t := mut.Trade
		_, err = tx.Exec(ctx,
			`INSERT INTO trades (id, market_id, user_id, side, quantity, price, credits, executed_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
			t.ID, t.MarketID, t.UserID, t.Side,
			t.Quantity.String(), t.Price.String(), t.Credits.String(), t.ExecutedAt)
		return err
	})
}

func (s *PostgresStore) ApplySettlement(ctx context.Context, mut *SettlementMutation) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		ms := mut.Settlement
		// Unique market_id constraint makes double settlement a conflict.
		if _, err := tx.Exec(ctx,
			`INSERT INTO market_settlements (market_id, settled_at, settlement_price, payout_per_share, source)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5)`,
			ms.MarketID, ms.SettledAt, ms.SettlementPrice.String(),
			ms.PayoutPerShare.String(), ms.Source); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE markets SET status = $2, updated_at = now() WHERE id = $1`,
			mut.MarketID, model.MarketSettled); err != nil {
			return err
		}

		for i := range mut.Positions {
			if err := upsertPosition(ctx, tx, &mut.Positions[i]); err != nil {
				return err
			}
		}
		for i := range mut.Wallets {
			if err := upsertWallet(ctx, tx, &mut.Wallets[i]); err != nil {
				return err
			}
		}
		for i := range mut.Ledger {
			if err := insertLedgerEntry(ctx, tx, &mut.Ledger[i]); err != nil {
				return err
			}
		}
		return nil
	})
}
