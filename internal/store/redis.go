package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/coinpeak/ledger-engine/internal/model"
)

// CachedStore wraps another Store with a Redis read-through cache for
// balance snapshots. Every balance mutation deletes the cached snapshot
// so a read after a write always reflects the write; reads in between
// serve the cached copy for at most TTL.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore wraps inner with a Redis balance cache.
func NewCachedStore(inner Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedStore{Store: inner, rdb: rdb, ttl: ttl}
}

func balanceKey(userID, asset string) string {
	return fmt.Sprintf("balance:%s:%s", userID, asset)
}

func (s *CachedStore) BalanceSnapshot(ctx context.Context, userID, asset string) (model.BalanceSnapshot, error) {
	key := balanceKey(userID, asset)

	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var snap model.BalanceSnapshot
		if json.Unmarshal(data, &snap) == nil {
			return snap, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		slog.Warn("redis get failed, falling through", "key", key, "error", err)
	}

	snap, err := s.Store.BalanceSnapshot(ctx, userID, asset)
	if err != nil {
		return model.BalanceSnapshot{}, err
	}

	if data, err := json.Marshal(snap); err == nil {
		if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
			slog.Warn("redis set failed", "key", key, "error", err)
		}
	}
	return snap, nil
}

func (s *CachedStore) ApplyWalletMutation(ctx context.Context, m WalletMutation) error {
	if err := s.Store.ApplyWalletMutation(ctx, m); err != nil {
		return err
	}
	s.invalidate(ctx, m.UserID, m.Asset)
	return nil
}

func (s *CachedStore) ReleaseLock(ctx context.Context, referenceID string, outcome model.LockOutcome, profit decimal.Decimal, at time.Time) (*model.Lock, error) {
	l, err := s.Store.ReleaseLock(ctx, referenceID, outcome, profit, at)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, l.UserID, l.Asset)
	return l, nil
}

func (s *CachedStore) invalidate(ctx context.Context, userID, asset string) {
	key := balanceKey(userID, asset)
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		slog.Warn("redis del failed", "key", key, "error", err)
	}
}
