package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpeak/ledger-engine/internal/model"
)

func TestApplyWalletMutationVersionCheck(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()

	w, err := st.EnsureWallet(ctx, "user-1", "USDT")
	require.NoError(t, err)

	ten := decimal.NewFromInt(10)
	require.NoError(t, st.ApplyWalletMutation(ctx, WalletMutation{
		UserID:          "user-1",
		Asset:           "USDT",
		Funding:         ten,
		Trading:         decimal.Zero,
		ExpectedVersion: w.Version,
	}))

	// A stale version must be rejected, and nothing in the mutation may
	// land, including its entries.
	err = st.ApplyWalletMutation(ctx, WalletMutation{
		UserID:          "user-1",
		Asset:           "USDT",
		Funding:         decimal.Zero,
		Trading:         ten,
		ExpectedVersion: w.Version,
		Entries: []model.LedgerEntry{{
			ID: uuid.NewString(), UserID: "user-1", Asset: "USDT",
			Type: model.EntryDeposit, Amount: ten, BalanceAfter: ten,
			CreatedAt: time.Now().UTC(),
		}},
	})
	require.ErrorIs(t, err, ErrVersionConflict)

	got, err := st.GetWallet(ctx, "user-1", "USDT")
	require.NoError(t, err)
	assert.True(t, got.Funding.Equal(ten))
	assert.Equal(t, w.Version+1, got.Version)

	entries, err := st.EntriesByUser(ctx, "user-1", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReleaseLockConditional(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	w, err := st.EnsureWallet(ctx, "user-1", "USDT")
	require.NoError(t, err)

	stake := decimal.NewFromInt(40)
	require.NoError(t, st.ApplyWalletMutation(ctx, WalletMutation{
		UserID:          "user-1",
		Asset:           "USDT",
		Funding:         decimal.Zero,
		Trading:         decimal.Zero,
		ExpectedVersion: w.Version,
		CreateLock: &model.Lock{
			ID:          uuid.NewString(),
			UserID:      "user-1",
			Asset:       "USDT",
			Amount:      stake,
			LockType:    model.LockOptions,
			ReferenceID: "trade-1",
			Status:      model.LockStatusLocked,
			ExpiresAt:   now.Add(time.Minute),
			CreatedAt:   now,
		},
	}))

	profit := decimal.NewFromInt(7)
	before, err := st.ReleaseLock(ctx, "trade-1", model.OutcomeWin, profit, now)
	require.NoError(t, err)
	assert.Equal(t, model.LockStatusLocked, before.Status)
	assert.True(t, before.Amount.Equal(stake))

	// The win credit and the release entry land with the flip.
	got, err := st.GetWallet(ctx, "user-1", "USDT")
	require.NoError(t, err)
	assert.True(t, got.Trading.Equal(stake.Add(profit)))

	entries, err := st.EntriesByUser(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.EntryRelease, entries[0].Type)
	assert.True(t, entries[0].Amount.Equal(stake.Add(profit)))

	_, err = st.ReleaseLock(ctx, "trade-1", model.OutcomeWin, profit, now)
	require.ErrorIs(t, err, ErrLockNotFound)

	_, err = st.LockedLockByReference(ctx, "trade-1")
	require.ErrorIs(t, err, ErrLockNotFound)
}

func TestUpdateTradeConditional(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	tr := &model.Trade{
		ID:        uuid.NewString(),
		UserID:    "user-1",
		Asset:     "USDT",
		Symbol:    "BTC/USDT",
		Category:  model.LockOptions,
		Direction: model.DirectionUp,
		Stake:     decimal.NewFromInt(40),
		Status:    model.TradeScheduled,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.CreateTrade(ctx, tr))

	tr.Status = model.TradeCancelled
	require.NoError(t, st.UpdateTrade(ctx, tr, model.TradeScheduled))

	// A promote racing the cancel loses.
	tr.Status = model.TradeActive
	err := st.UpdateTrade(ctx, tr, model.TradeScheduled)
	require.ErrorIs(t, err, ErrStaleTrade)

	got, err := st.GetTrade(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TradeCancelled, got.Status)
}

func TestDueAndExpiredTradeQueries(t *testing.T) {
	st := NewMemoryStore()
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	due := &model.Trade{
		ID: uuid.NewString(), UserID: "u", Status: model.TradeScheduled,
		ScheduledAt: &past, CreatedAt: now, UpdatedAt: now,
	}
	notDue := &model.Trade{
		ID: uuid.NewString(), UserID: "u", Status: model.TradeScheduled,
		ScheduledAt: &future, CreatedAt: now, UpdatedAt: now,
	}
	expired := &model.Trade{
		ID: uuid.NewString(), UserID: "u", Status: model.TradeActive,
		EndAt: &past, CreatedAt: now, UpdatedAt: now,
	}
	running := &model.Trade{
		ID: uuid.NewString(), UserID: "u", Status: model.TradeActive,
		EndAt: &future, CreatedAt: now, UpdatedAt: now,
	}
	for _, tr := range []*model.Trade{due, notDue, expired, running} {
		require.NoError(t, st.CreateTrade(ctx, tr))
	}

	got, err := st.DueScheduledTrades(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)

	got, err = st.ExpiredActiveTrades(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, expired.ID, got[0].ID)
}
