package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coinpeak/ledger-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Tables: wallets, ledger_entries, trading_locks, trades, trade_outcomes,
// trade_windows.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) EnsureWallet(ctx context.Context, userID, asset string) (*model.Wallet, error) {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO wallets (user_id, asset, funding_balance, trading_balance, version, created_at, updated_at)
		 VALUES ($1, $2, 0, 0, 1, $3, $3)
		 ON CONFLICT (user_id, asset) DO NOTHING`,
		userID, asset, now,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure wallet %s/%s: %w", userID, asset, err)
	}
	return s.GetWallet(ctx, userID, asset)
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID, asset string) (*model.Wallet, error) {
	var w model.Wallet
	var funding, trading string

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, asset, funding_balance::TEXT, trading_balance::TEXT, version, created_at, updated_at
		 FROM wallets WHERE user_id = $1 AND asset = $2`, userID, asset).
		Scan(&w.UserID, &w.Asset, &funding, &trading, &w.Version, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet %s/%s: %w", userID, asset, err)
	}

	w.Funding, _ = decimal.NewFromString(funding)
	w.Trading, _ = decimal.NewFromString(trading)
	return &w, nil
}

func (s *PostgresStore) WalletsByUser(ctx context.Context, userID string) ([]model.Wallet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, asset, funding_balance::TEXT, trading_balance::TEXT, version, created_at, updated_at
		 FROM wallets WHERE user_id = $1 ORDER BY asset`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []model.Wallet
	for rows.Next() {
		var w model.Wallet
		var funding, trading string
		if err := rows.Scan(&w.UserID, &w.Asset, &funding, &trading, &w.Version, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		w.Funding, _ = decimal.NewFromString(funding)
		w.Trading, _ = decimal.NewFromString(trading)
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// ApplyWalletMutation runs the conditional two-pool update, the optional
// lock insert, and the entry inserts in a single transaction, so a
// failure at any point rolls the whole mutation back. The version
// predicate makes the write conditional; a concurrent writer forces
// ErrVersionConflict and a retry.
func (s *PostgresStore) ApplyWalletMutation(ctx context.Context, m WalletMutation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin mutation: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE wallets
		 SET funding_balance = $3::NUMERIC, trading_balance = $4::NUMERIC,
		     version = version + 1, updated_at = $5
		 WHERE user_id = $1 AND asset = $2 AND version = $6`,
		m.UserID, m.Asset, m.Funding.String(), m.Trading.String(), time.Now().UTC(), m.ExpectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update wallet %s/%s: %w", m.UserID, m.Asset, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	if m.CreateLock != nil {
		if err := insertLock(ctx, tx, m.CreateLock); err != nil {
			return err
		}
	}
	for i := range m.Entries {
		if err := insertEntry(ctx, tx, &m.Entries[i]); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) BalanceSnapshot(ctx context.Context, userID, asset string) (model.BalanceSnapshot, error) {
	var funding, trading, locked string

	err := s.pool.QueryRow(ctx,
		`SELECT
			COALESCE((SELECT funding_balance FROM wallets WHERE user_id = $1 AND asset = $2), 0)::TEXT,
			COALESCE((SELECT trading_balance FROM wallets WHERE user_id = $1 AND asset = $2), 0)::TEXT,
			COALESCE((SELECT SUM(amount) FROM trading_locks WHERE user_id = $1 AND asset = $2 AND status = 'locked'), 0)::TEXT`,
		userID, asset).
		Scan(&funding, &trading, &locked)
	if err != nil {
		return model.BalanceSnapshot{}, fmt.Errorf("balance snapshot %s/%s: %w", userID, asset, err)
	}

	var snap model.BalanceSnapshot
	snap.Funding, _ = decimal.NewFromString(funding)
	snap.Trading, _ = decimal.NewFromString(trading)
	snap.Locked, _ = decimal.NewFromString(locked)
	return snap, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertEntry(ctx context.Context, db execer, e *model.LedgerEntry) error {
	_, err := db.Exec(ctx,
		`INSERT INTO ledger_entries (id, user_id, asset, type, subtype, amount, balance_after, reference, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		e.ID, e.UserID, e.Asset, string(e.Type), e.Subtype,
		e.Amount.String(), e.BalanceAfter.String(), e.Reference, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ledger entry: %w", err)
	}
	return nil
}

func insertLock(ctx context.Context, db execer, l *model.Lock) error {
	detail, err := json.Marshal(l.Detail)
	if err != nil {
		return fmt.Errorf("marshal lock detail: %w", err)
	}
	_, err = db.Exec(ctx,
		`INSERT INTO trading_locks (id, user_id, asset, amount, lock_type, reference_id, status, profit, detail, expires_at, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, 0, $8, $9, $10)`,
		l.ID, l.UserID, l.Asset, l.Amount.String(), string(l.LockType),
		l.ReferenceID, string(l.Status), detail, l.ExpiresAt, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert lock: %w", err)
	}
	return nil
}

func (s *PostgresStore) HasEntryWithReference(ctx context.Context, userID, reference string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM ledger_entries WHERE user_id = $1 AND reference = $2)`,
		userID, reference).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) EntriesByUser(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, asset, type, subtype, amount::TEXT, balance_after::TEXT, reference, created_at
		 FROM ledger_entries WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var typ, amount, after string
		if err := rows.Scan(&e.ID, &e.UserID, &e.Asset, &typ, &e.Subtype, &amount, &after, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = model.EntryType(typ)
		e.Amount, _ = decimal.NewFromString(amount)
		e.BalanceAfter, _ = decimal.NewFromString(after)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ReleaseLock is the exactly-once gate: the UPDATE only matches a lock still
// in `locked` status, so a racing second release sees zero rows and gets
// ErrLockNotFound. The win credit and the release entry commit in the same
// transaction, so a released lock always has its credit applied.
func (s *PostgresStore) ReleaseLock(ctx context.Context, referenceID string, outcome model.LockOutcome, profit decimal.Decimal, at time.Time) (*model.Lock, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin release: %w", err)
	}
	defer tx.Rollback(ctx)

	var l model.Lock
	var amount, typ string
	var detail []byte

	err = tx.QueryRow(ctx,
		`UPDATE trading_locks
		 SET status = 'released', outcome = $2, profit = $3::NUMERIC, released_at = $4
		 WHERE reference_id = $1 AND status = 'locked'
		 RETURNING id, user_id, asset, amount::TEXT, lock_type, reference_id, detail, expires_at, created_at`,
		referenceID, string(outcome), profit.String(), at).
		Scan(&l.ID, &l.UserID, &l.Asset, &amount, &typ, &l.ReferenceID, &detail, &l.ExpiresAt, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("release lock %s: %w", referenceID, err)
	}

	l.Amount, _ = decimal.NewFromString(amount)
	l.LockType = model.LockType(typ)
	l.Status = model.LockStatusLocked // state before release
	if len(detail) > 0 {
		_ = json.Unmarshal(detail, &l.Detail)
	}

	credit := decimal.Zero
	var after string
	if outcome == model.OutcomeWin {
		credit = l.Amount.Add(profit)
		err = tx.QueryRow(ctx,
			`UPDATE wallets
			 SET trading_balance = trading_balance + $3::NUMERIC, version = version + 1, updated_at = $4
			 WHERE user_id = $1 AND asset = $2
			 RETURNING trading_balance::TEXT`,
			l.UserID, l.Asset, credit.String(), at).Scan(&after)
	} else {
		err = tx.QueryRow(ctx,
			`SELECT trading_balance::TEXT FROM wallets WHERE user_id = $1 AND asset = $2`,
			l.UserID, l.Asset).Scan(&after)
	}
	if err != nil {
		return nil, fmt.Errorf("credit release %s: %w", referenceID, err)
	}
	balanceAfter, _ := decimal.NewFromString(after)

	entry := &model.LedgerEntry{
		ID:           uuid.NewString(),
		UserID:       l.UserID,
		Asset:        l.Asset,
		Type:         model.EntryRelease,
		Subtype:      string(outcome),
		Amount:       credit,
		BalanceAfter: balanceAfter,
		Reference:    referenceID,
		CreatedAt:    at,
	}
	if err := insertEntry(ctx, tx, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit release %s: %w", referenceID, err)
	}
	return &l, nil
}

func (s *PostgresStore) LockedLockByReference(ctx context.Context, referenceID string) (*model.Lock, error) {
	var l model.Lock
	var amount, typ string
	var detail []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, asset, amount::TEXT, lock_type, reference_id, detail, expires_at, created_at
		 FROM trading_locks WHERE reference_id = $1 AND status = 'locked'`, referenceID).
		Scan(&l.ID, &l.UserID, &l.Asset, &amount, &typ, &l.ReferenceID, &detail, &l.ExpiresAt, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLockNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get locked lock %s: %w", referenceID, err)
	}

	l.Amount, _ = decimal.NewFromString(amount)
	l.LockType = model.LockType(typ)
	l.Status = model.LockStatusLocked
	if len(detail) > 0 {
		_ = json.Unmarshal(detail, &l.Detail)
	}
	return &l, nil
}

func (s *PostgresStore) ActiveLocksByUser(ctx context.Context, userID string) ([]model.Lock, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, asset, amount::TEXT, lock_type, reference_id, detail, expires_at, created_at
		 FROM trading_locks WHERE user_id = $1 AND status = 'locked' ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locks []model.Lock
	for rows.Next() {
		var l model.Lock
		var amount, typ string
		var detail []byte
		if err := rows.Scan(&l.ID, &l.UserID, &l.Asset, &amount, &typ, &l.ReferenceID, &detail, &l.ExpiresAt, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Amount, _ = decimal.NewFromString(amount)
		l.LockType = model.LockType(typ)
		l.Status = model.LockStatusLocked
		if len(detail) > 0 {
			_ = json.Unmarshal(detail, &l.Detail)
		}
		locks = append(locks, l)
	}
	return locks, rows.Err()
}

func (s *PostgresStore) CreateTrade(ctx context.Context, t *model.Trade) error {
	decision, err := marshalDecision(t.Decision)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO trades (id, user_id, asset, symbol, category, direction, stake, entry_price, expiry_price,
		                     payout_rate, fee, duration_seconds, status, decision, pnl,
		                     scheduled_at, start_at, end_at, settled_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC,
		         $10::NUMERIC, $11::NUMERIC, $12, $13, $14, $15::NUMERIC,
		         $16, $17, $18, $19, $20, $21)`,
		t.ID, t.UserID, t.Asset, t.Symbol, string(t.Category), string(t.Direction),
		t.Stake.String(), t.EntryPrice.String(), t.ExpiryPrice.String(),
		t.PayoutRate.String(), t.Fee.String(), int64(t.Duration/time.Second),
		string(t.Status), decision, t.PnL.String(),
		t.ScheduledAt, t.StartAt, t.EndAt, t.SettledAt, t.CreatedAt, t.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	row := s.pool.QueryRow(ctx, tradeSelect+` WHERE id = $1`, id)
	t, err := scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get trade %s: %w", id, err)
	}
	return t, nil
}

func (s *PostgresStore) UpdateTrade(ctx context.Context, t *model.Trade, fromStatus model.TradeStatus) error {
	decision, err := marshalDecision(t.Decision)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE trades
		 SET status = $2, decision = $3, entry_price = $4::NUMERIC, expiry_price = $5::NUMERIC,
		     pnl = $6::NUMERIC, start_at = $7, end_at = $8, settled_at = $9, updated_at = $10
		 WHERE id = $1 AND status = $11`,
		t.ID, string(t.Status), decision, t.EntryPrice.String(), t.ExpiryPrice.String(),
		t.PnL.String(), t.StartAt, t.EndAt, t.SettledAt, time.Now().UTC(), string(fromStatus),
	)
	if err != nil {
		return fmt.Errorf("update trade %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleTrade
	}
	return nil
}

func (s *PostgresStore) TradesByUser(ctx context.Context, userID string, status model.TradeStatus, limit int) ([]model.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows pgx.Rows
	var err error
	if status == "" {
		rows, err = s.pool.Query(ctx, tradeSelect+` WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	} else {
		rows, err = s.pool.Query(ctx, tradeSelect+` WHERE user_id = $1 AND status = $2 ORDER BY created_at DESC LIMIT $3`, userID, string(status), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) DueScheduledTrades(ctx context.Context, now time.Time) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		tradeSelect+` WHERE status = 'SCHEDULED' AND scheduled_at <= $1 ORDER BY scheduled_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) ExpiredActiveTrades(ctx context.Context, now time.Time) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		tradeSelect+` WHERE status = 'ACTIVE' AND end_at <= $1 ORDER BY end_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *PostgresStore) UserOverride(ctx context.Context, userID string) (*model.UserOverride, error) {
	var o model.UserOverride
	var outcome string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, outcome, enabled, spot_enabled, futures_enabled, options_enabled, arbitrage_enabled,
		        start_at, end_at, created_at, updated_at
		 FROM trade_outcomes WHERE user_id = $1`, userID).
		Scan(&o.UserID, &outcome, &o.Enabled, &o.Spot, &o.Futures, &o.Options, &o.Arbitrage,
			&o.StartAt, &o.EndAt, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user override %s: %w", userID, err)
	}
	o.Outcome = model.OverrideOutcome(outcome)
	return &o, nil
}

func (s *PostgresStore) PutUserOverride(ctx context.Context, o *model.UserOverride) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trade_outcomes (user_id, outcome, enabled, spot_enabled, futures_enabled, options_enabled, arbitrage_enabled, start_at, end_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (user_id) DO UPDATE SET
		   outcome = EXCLUDED.outcome, enabled = EXCLUDED.enabled,
		   spot_enabled = EXCLUDED.spot_enabled, futures_enabled = EXCLUDED.futures_enabled,
		   options_enabled = EXCLUDED.options_enabled, arbitrage_enabled = EXCLUDED.arbitrage_enabled,
		   start_at = EXCLUDED.start_at, end_at = EXCLUDED.end_at, updated_at = EXCLUDED.updated_at`,
		o.UserID, string(o.Outcome), o.Enabled, o.Spot, o.Futures, o.Options, o.Arbitrage,
		o.StartAt, o.EndAt, o.CreatedAt, o.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) ActiveWindows(ctx context.Context, now time.Time) ([]model.Window, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, outcome, win_rate::TEXT, active, start_at, end_at, created_at
		 FROM trade_windows
		 WHERE active = TRUE AND start_at <= $1 AND end_at >= $1
		 ORDER BY created_at DESC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var windows []model.Window
	for rows.Next() {
		var w model.Window
		var outcome, rate string
		if err := rows.Scan(&w.ID, &outcome, &rate, &w.Active, &w.StartAt, &w.EndAt, &w.CreatedAt); err != nil {
			return nil, err
		}
		w.Outcome = model.WindowOutcome(outcome)
		w.WinRate, _ = decimal.NewFromString(rate)
		windows = append(windows, w)
	}
	return windows, rows.Err()
}

func (s *PostgresStore) CreateWindow(ctx context.Context, w *model.Window) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trade_windows (id, outcome, win_rate, active, start_at, end_at, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, $7)`,
		w.ID, string(w.Outcome), w.WinRate.String(), w.Active, w.StartAt, w.EndAt, w.CreatedAt,
	)
	return err
}

const tradeSelect = `SELECT id, user_id, asset, symbol, category, direction,
	stake::TEXT, entry_price::TEXT, expiry_price::TEXT, payout_rate::TEXT, fee::TEXT,
	duration_seconds, status, decision, pnl::TEXT,
	scheduled_at, start_at, end_at, settled_at, created_at, updated_at
	FROM trades`

func marshalDecision(d *model.OutcomeDecision) ([]byte, error) {
	if d == nil {
		return nil, nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal decision: %w", err)
	}
	return data, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (*model.Trade, error) {
	var t model.Trade
	var category, direction, status string
	var stake, entry, expiry, payout, fee, pnl string
	var durationSeconds int64
	var decision []byte

	err := row.Scan(&t.ID, &t.UserID, &t.Asset, &t.Symbol, &category, &direction,
		&stake, &entry, &expiry, &payout, &fee,
		&durationSeconds, &status, &decision, &pnl,
		&t.ScheduledAt, &t.StartAt, &t.EndAt, &t.SettledAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	t.Category = model.LockType(category)
	t.Direction = model.Direction(direction)
	t.Status = model.TradeStatus(status)
	t.Stake, _ = decimal.NewFromString(stake)
	t.EntryPrice, _ = decimal.NewFromString(entry)
	t.ExpiryPrice, _ = decimal.NewFromString(expiry)
	t.PayoutRate, _ = decimal.NewFromString(payout)
	t.Fee, _ = decimal.NewFromString(fee)
	t.PnL, _ = decimal.NewFromString(pnl)
	t.Duration = time.Duration(durationSeconds) * time.Second
	if len(decision) > 0 {
		var d model.OutcomeDecision
		if json.Unmarshal(decision, &d) == nil {
			t.Decision = &d
		}
	}
	return &t, nil
}

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *t)
	}
	return trades, rows.Err()
}
