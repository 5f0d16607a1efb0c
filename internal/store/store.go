// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// balance cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinpeak/ledger-engine/internal/model"
)

var (
	// ErrWalletNotFound is returned when no wallet row exists for the
	// (user, asset) pair.
	ErrWalletNotFound = errors.New("store: wallet not found")

	// ErrVersionConflict is returned when a conditional wallet update loses
	// the optimistic-concurrency race. Callers re-read and retry.
	ErrVersionConflict = errors.New("store: wallet version conflict")

	// ErrLockNotFound is returned when no lock in `locked` status matches a
	// reference id. A second release for the same reference hits this.
	ErrLockNotFound = errors.New("store: no locked lock for reference")

	// ErrTradeNotFound is returned when a trade id does not exist.
	ErrTradeNotFound = errors.New("store: trade not found")

	// ErrStaleTrade is returned when a conditional status transition finds
	// the trade no longer in the expected state.
	ErrStaleTrade = errors.New("store: trade not in expected status")
)

// WalletMutation is one atomic balance write: the conditional two-pool
// update plus every record that must land with it. Implementations
// apply the whole mutation or none of it.
type WalletMutation struct {
	UserID          string
	Asset           string
	Funding         decimal.Decimal
	Trading         decimal.Decimal
	ExpectedVersion int64
	CreateLock      *model.Lock
	Entries         []model.LedgerEntry
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// the Redis layer caches balance snapshots only — every mutating method
// reads and writes the primary store.
type Store interface {
	// --- Wallets ---

	// EnsureWallet returns the wallet for (user, asset), creating a zeroed
	// row on first reference. Wallets are never deleted.
	EnsureWallet(ctx context.Context, userID, asset string) (*model.Wallet, error)

	// GetWallet retrieves an existing wallet or ErrWalletNotFound.
	GetWallet(ctx context.Context, userID, asset string) (*model.Wallet, error)

	// WalletsByUser returns all wallets a user has touched.
	WalletsByUser(ctx context.Context, userID string) ([]model.Wallet, error)

	// ApplyWalletMutation writes both pools, an optional new lock, and
	// the accompanying ledger entries in one transaction. The write
	// applies only if the stored version still equals ExpectedVersion,
	// otherwise ErrVersionConflict and nothing lands.
	ApplyWalletMutation(ctx context.Context, m WalletMutation) error

	// BalanceSnapshot returns {funding, trading, locked} with locked derived
	// from the sum of open locks. This is the only read the cache layer is
	// allowed to serve.
	BalanceSnapshot(ctx context.Context, userID, asset string) (model.BalanceSnapshot, error)

	// --- Ledger entries (append-only; written via ApplyWalletMutation
	// and ReleaseLock so entries never land without their balance) ---

	// HasEntryWithReference reports whether the user already has an entry
	// carrying the given reference. Used for transfer idempotency.
	HasEntryWithReference(ctx context.Context, userID, reference string) (bool, error)

	// EntriesByUser returns the most recent entries for a user, newest first.
	EntriesByUser(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error)

	// --- Locks (created via ApplyWalletMutation alongside their debit) ---

	// ReleaseLock atomically flips the single `locked` lock for referenceID
	// to `released`, credits stake plus profit back to the trading pool on
	// a win, and appends the release entry — all in one transaction.
	// Returns the lock as it was before release, or ErrLockNotFound; the
	// conditional lock update is what makes release exactly-once.
	ReleaseLock(ctx context.Context, referenceID string, outcome model.LockOutcome, profit decimal.Decimal, at time.Time) (*model.Lock, error)

	// LockedLockByReference returns the open lock for a reference, or
	// ErrLockNotFound.
	LockedLockByReference(ctx context.Context, referenceID string) (*model.Lock, error)

	// ActiveLocksByUser returns all of a user's open locks, newest first.
	ActiveLocksByUser(ctx context.Context, userID string) ([]model.Lock, error)

	// --- Trades ---

	// CreateTrade persists a new trade.
	CreateTrade(ctx context.Context, trade *model.Trade) error

	// GetTrade retrieves a trade by id or ErrTradeNotFound.
	GetTrade(ctx context.Context, id string) (*model.Trade, error)

	// UpdateTrade writes the trade's mutable fields, conditional on the
	// stored status still being fromStatus (ErrStaleTrade otherwise). This
	// arbitrates cancel/promote/settle races.
	UpdateTrade(ctx context.Context, trade *model.Trade, fromStatus model.TradeStatus) error

	// TradesByUser returns a user's trades, newest first, optionally
	// filtered by status ("" = all).
	TradesByUser(ctx context.Context, userID string, status model.TradeStatus, limit int) ([]model.Trade, error)

	// DueScheduledTrades returns SCHEDULED trades whose scheduled time is at
	// or before now.
	DueScheduledTrades(ctx context.Context, now time.Time) ([]model.Trade, error)

	// ExpiredActiveTrades returns ACTIVE trades whose end time is at or
	// before now.
	ExpiredActiveTrades(ctx context.Context, now time.Time) ([]model.Trade, error)

	// --- Outcome overrides (engine reads; admin console writes) ---

	// UserOverride returns the override for a user, or (nil, nil) when none
	// exists.
	UserOverride(ctx context.Context, userID string) (*model.UserOverride, error)

	// PutUserOverride creates or replaces a user's override.
	PutUserOverride(ctx context.Context, override *model.UserOverride) error

	// ActiveWindows returns enabled windows covering now, most recently
	// created first.
	ActiveWindows(ctx context.Context, now time.Time) ([]model.Window, error)

	// CreateWindow persists a new global window.
	CreateWindow(ctx context.Context, window *model.Window) error
}
