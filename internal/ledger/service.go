// Package ledger implements the balance engine: pooled wallets, atomic
// transfers, the append-only ledger, and the funds lock manager.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinpeak/ledger-engine/internal/keylock"
	"github.com/coinpeak/ledger-engine/internal/metrics"
	"github.com/coinpeak/ledger-engine/internal/model"
	"github.com/coinpeak/ledger-engine/internal/store"
	"github.com/coinpeak/ledger-engine/internal/stream"
)

// maxRetries bounds optimistic-concurrency retries on wallet writes.
// Conflicts only come from writers outside this process, since local
// writers serialize on the per-wallet key lock.
const maxRetries = 3

// Service is the balance engine. All wallet mutations go through it;
// nothing else writes balances.
type Service struct {
	store store.Store
	keys  *keylock.Registry
	hub   *stream.Hub // nil disables streaming
}

// NewService creates a ledger service. hub may be nil.
func NewService(st store.Store, hub *stream.Hub) *Service {
	return &Service{
		store: st,
		keys:  keylock.New(),
		hub:   hub,
	}
}

func walletKey(userID, asset string) string { return userID + "|" + asset }

// Balances returns the three-pool snapshot for one asset. This read may
// be served from cache for up to the cache TTL.
func (s *Service) Balances(ctx context.Context, userID, asset string) (model.BalanceSnapshot, error) {
	return s.store.BalanceSnapshot(ctx, userID, asset)
}

// BalancesAll returns a snapshot per asset the user holds.
func (s *Service) BalancesAll(ctx context.Context, userID string) (map[string]model.BalanceSnapshot, error) {
	wallets, err := s.store.WalletsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.BalanceSnapshot, len(wallets))
	for _, w := range wallets {
		snap, err := s.store.BalanceSnapshot(ctx, userID, w.Asset)
		if err != nil {
			return nil, err
		}
		out[w.Asset] = snap
	}
	return out, nil
}

// History returns the user's most recent ledger entries, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	return s.store.EntriesByUser(ctx, userID, limit)
}

// ActiveLocks returns the user's open funds locks.
func (s *Service) ActiveLocks(ctx context.Context, userID string) ([]model.Lock, error) {
	return s.store.ActiveLocksByUser(ctx, userID)
}

// Transfer moves amount between the funding and trading pools of one
// wallet. The pool updates and the two ledger entries commit as a
// single mutation, so a transfer can never half-apply. A non-empty
// reference makes the call idempotent per user.
func (s *Service) Transfer(ctx context.Context, userID, asset string, amount decimal.Decimal, direction model.TransferDirection, reference string) (model.BalanceSnapshot, error) {
	if !amount.IsPositive() {
		return model.BalanceSnapshot{}, ErrInvalidAmount
	}
	if direction != model.FundingToTrading && direction != model.TradingToFunding {
		return model.BalanceSnapshot{}, fmt.Errorf("%w: %q", ErrInvalidDirection, direction)
	}

	release := s.keys.Acquire(walletKey(userID, asset))
	defer release()

	if reference != "" {
		dup, err := s.store.HasEntryWithReference(ctx, userID, reference)
		if err != nil {
			return model.BalanceSnapshot{}, err
		}
		if dup {
			return model.BalanceSnapshot{}, ErrDuplicateReference
		}
	} else {
		reference = uuid.NewString()
	}

	err := s.mutateWallet(ctx, userID, asset, func(w *model.Wallet) (store.WalletMutation, error) {
		var m store.WalletMutation
		var fromPool, toPool string
		var fromAfter, toAfter decimal.Decimal

		switch direction {
		case model.FundingToTrading:
			if w.Funding.LessThan(amount) {
				return m, &InsufficientBalanceError{Pool: "funding", Asset: asset, Available: w.Funding}
			}
			m.Funding, m.Trading = w.Funding.Sub(amount), w.Trading.Add(amount)
			fromPool, toPool = "funding", "trading"
			fromAfter, toAfter = m.Funding, m.Trading
		default:
			if w.Trading.LessThan(amount) {
				return m, &InsufficientBalanceError{Pool: "trading", Asset: asset, Available: w.Trading}
			}
			m.Funding, m.Trading = w.Funding.Add(amount), w.Trading.Sub(amount)
			fromPool, toPool = "trading", "funding"
			fromAfter, toAfter = m.Trading, m.Funding
		}

		now := time.Now().UTC()
		m.Entries = []model.LedgerEntry{
			{
				ID:           uuid.NewString(),
				UserID:       userID,
				Asset:        asset,
				Type:         model.EntryTransfer,
				Subtype:      fromPool + "_out",
				Amount:       amount.Neg(),
				BalanceAfter: fromAfter,
				Reference:    reference,
				CreatedAt:    now,
			},
			{
				ID:           uuid.NewString(),
				UserID:       userID,
				Asset:        asset,
				Type:         model.EntryTransfer,
				Subtype:      toPool + "_in",
				Amount:       amount,
				BalanceAfter: toAfter,
				Reference:    reference,
				CreatedAt:    now,
			},
		}
		return m, nil
	})
	if err != nil {
		return model.BalanceSnapshot{}, err
	}

	metrics.Transfers.WithLabelValues(string(direction)).Inc()
	slog.Info("transfer completed",
		"user_id", userID, "asset", asset, "amount", amount.String(),
		"direction", direction, "reference", reference)

	return s.publishBalance(ctx, userID, asset)
}

// Deposit credits the funding pool from an external source.
func (s *Service) Deposit(ctx context.Context, userID, asset string, amount decimal.Decimal, reference string) (model.BalanceSnapshot, error) {
	if !amount.IsPositive() {
		return model.BalanceSnapshot{}, ErrInvalidAmount
	}

	release := s.keys.Acquire(walletKey(userID, asset))
	defer release()

	err := s.mutateWallet(ctx, userID, asset, func(w *model.Wallet) (store.WalletMutation, error) {
		funding := w.Funding.Add(amount)
		return store.WalletMutation{
			Funding: funding,
			Trading: w.Trading,
			Entries: []model.LedgerEntry{{
				ID:           uuid.NewString(),
				UserID:       userID,
				Asset:        asset,
				Type:         model.EntryDeposit,
				Amount:       amount,
				BalanceAfter: funding,
				Reference:    reference,
				CreatedAt:    time.Now().UTC(),
			}},
		}, nil
	})
	if err != nil {
		return model.BalanceSnapshot{}, err
	}

	slog.Info("deposit credited", "user_id", userID, "asset", asset, "amount", amount.String())
	return s.publishBalance(ctx, userID, asset)
}

// Withdraw debits the funding pool toward an external destination.
func (s *Service) Withdraw(ctx context.Context, userID, asset string, amount decimal.Decimal, reference string) (model.BalanceSnapshot, error) {
	if !amount.IsPositive() {
		return model.BalanceSnapshot{}, ErrInvalidAmount
	}

	release := s.keys.Acquire(walletKey(userID, asset))
	defer release()

	err := s.mutateWallet(ctx, userID, asset, func(w *model.Wallet) (store.WalletMutation, error) {
		if w.Funding.LessThan(amount) {
			return store.WalletMutation{}, &InsufficientBalanceError{Pool: "funding", Asset: asset, Available: w.Funding}
		}
		funding := w.Funding.Sub(amount)
		return store.WalletMutation{
			Funding: funding,
			Trading: w.Trading,
			Entries: []model.LedgerEntry{{
				ID:           uuid.NewString(),
				UserID:       userID,
				Asset:        asset,
				Type:         model.EntryWithdrawal,
				Amount:       amount.Neg(),
				BalanceAfter: funding,
				Reference:    reference,
				CreatedAt:    time.Now().UTC(),
			}},
		}, nil
	})
	if err != nil {
		return model.BalanceSnapshot{}, err
	}

	slog.Info("withdrawal debited", "user_id", userID, "asset", asset, "amount", amount.String())
	return s.publishBalance(ctx, userID, asset)
}

// LockFunds debits the trading pool and opens a lock tied to referenceID.
// The debit, the lock row, and the lock entry commit as one mutation. At
// most one open lock may exist per reference.
func (s *Service) LockFunds(ctx context.Context, userID, asset string, amount decimal.Decimal, lockType model.LockType, referenceID string, detail model.LockDetail, expiresAt time.Time) (*model.Lock, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if !model.ValidLockType(lockType) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLockType, lockType)
	}
	if referenceID == "" {
		return nil, errors.New("ledger: reference id required")
	}

	release := s.keys.Acquire(walletKey(userID, asset))
	defer release()

	if _, err := s.store.LockedLockByReference(ctx, referenceID); err == nil {
		return nil, ErrDuplicateReference
	} else if !errors.Is(err, store.ErrLockNotFound) {
		return nil, err
	}

	var lock *model.Lock
	err := s.mutateWallet(ctx, userID, asset, func(w *model.Wallet) (store.WalletMutation, error) {
		if w.Trading.LessThan(amount) {
			return store.WalletMutation{}, &InsufficientBalanceError{Pool: "trading", Asset: asset, Available: w.Trading}
		}
		trading := w.Trading.Sub(amount)
		now := time.Now().UTC()
		lock = &model.Lock{
			ID:          uuid.NewString(),
			UserID:      userID,
			Asset:       asset,
			Amount:      amount,
			LockType:    lockType,
			ReferenceID: referenceID,
			Status:      model.LockStatusLocked,
			Detail:      detail,
			ExpiresAt:   expiresAt,
			CreatedAt:   now,
		}
		return store.WalletMutation{
			Funding:    w.Funding,
			Trading:    trading,
			CreateLock: lock,
			Entries: []model.LedgerEntry{{
				ID:           uuid.NewString(),
				UserID:       userID,
				Asset:        asset,
				Type:         model.EntryLock,
				Subtype:      string(lockType),
				Amount:       amount.Neg(),
				BalanceAfter: trading,
				Reference:    referenceID,
				CreatedAt:    now,
			}},
		}, nil
	})
	if err != nil {
		return nil, err
	}

	metrics.LocksCreated.WithLabelValues(string(lockType)).Inc()
	slog.Info("funds locked",
		"user_id", userID, "asset", asset, "amount", amount.String(),
		"lock_type", lockType, "reference_id", referenceID)

	if _, err := s.publishBalance(ctx, userID, asset); err != nil {
		return nil, err
	}
	return lock, nil
}

// ReleaseFunds resolves the open lock for referenceID exactly once. A win
// credits stake plus profit back to the trading pool; a loss forfeits the
// stake and records a zero-amount release entry. The store applies the
// release, the credit, and the entry as one transaction, so a released
// lock can never lose its credit. A second call for the same reference
// returns store.ErrLockNotFound and changes nothing.
func (s *Service) ReleaseFunds(ctx context.Context, referenceID string, outcome model.LockOutcome, profit decimal.Decimal) (*model.Lock, error) {
	if profit.IsNegative() {
		return nil, ErrInvalidAmount
	}

	now := time.Now().UTC()
	lock, err := s.store.ReleaseLock(ctx, referenceID, outcome, profit, now)
	if err != nil {
		return nil, err
	}

	metrics.LocksReleased.WithLabelValues(string(outcome)).Inc()
	slog.Info("funds released",
		"user_id", lock.UserID, "asset", lock.Asset, "reference_id", referenceID,
		"outcome", outcome, "amount", lock.Amount.String(), "profit", profit.String())

	if _, err := s.publishBalance(ctx, lock.UserID, lock.Asset); err != nil {
		return nil, err
	}

	released := *lock
	released.Status = model.LockStatusReleased
	released.Outcome = outcome
	released.Profit = profit
	released.ReleasedAt = &now
	return &released, nil
}

// mutateWallet builds a mutation against the current wallet and applies
// it atomically, retrying on version conflicts from other writers.
func (s *Service) mutateWallet(ctx context.Context, userID, asset string, build func(*model.Wallet) (store.WalletMutation, error)) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		w, err := s.store.EnsureWallet(ctx, userID, asset)
		if err != nil {
			return err
		}

		m, err := build(w)
		if err != nil {
			return err
		}
		m.UserID = userID
		m.Asset = asset
		m.ExpectedVersion = w.Version

		err = s.store.ApplyWalletMutation(ctx, m)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		metrics.VersionConflicts.Inc()
		lastErr = err
	}
	return fmt.Errorf("wallet %s/%s: retries exhausted: %w", userID, asset, lastErr)
}

func (s *Service) publishBalance(ctx context.Context, userID, asset string) (model.BalanceSnapshot, error) {
	snap, err := s.store.BalanceSnapshot(ctx, userID, asset)
	if err != nil {
		return model.BalanceSnapshot{}, err
	}
	if s.hub != nil {
		s.hub.Publish(stream.Event{
			Channel: "wallet",
			UserID:  userID,
			Payload: map[string]any{"asset": asset, "balances": snap},
			At:      time.Now().UTC(),
		})
	}
	return snap, nil
}
