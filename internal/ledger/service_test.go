package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpeak/ledger-engine/internal/model"
	"github.com/coinpeak/ledger-engine/internal/store"
)

func newTestService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewService(st, nil), st
}

func fund(t *testing.T, svc *Service, userID, asset string, amount string) {
	t.Helper()
	_, err := svc.Deposit(context.Background(), userID, asset, dec(amount), "")
	require.NoError(t, err)
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestDepositAndWithdraw(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	snap, err := svc.Deposit(ctx, "user-1", "USDT", dec("100"), "dep-1")
	require.NoError(t, err)
	assert.True(t, snap.Funding.Equal(dec("100")))

	snap, err = svc.Withdraw(ctx, "user-1", "USDT", dec("30"), "wd-1")
	require.NoError(t, err)
	assert.True(t, snap.Funding.Equal(dec("70")))

	_, err = svc.Withdraw(ctx, "user-1", "USDT", dec("1000"), "wd-2")
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestTransferRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "user-1", "USDT", "100")

	snap, err := svc.Transfer(ctx, "user-1", "USDT", dec("60"), model.FundingToTrading, "")
	require.NoError(t, err)
	assert.True(t, snap.Funding.Equal(dec("40")))
	assert.True(t, snap.Trading.Equal(dec("60")))

	snap, err = svc.Transfer(ctx, "user-1", "USDT", dec("60"), model.TradingToFunding, "")
	require.NoError(t, err)
	assert.True(t, snap.Funding.Equal(dec("100")))
	assert.True(t, snap.Trading.Equal(dec("0")))
}

func TestTransferInsufficientFunding(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "user-1", "USDT", "10")

	_, err := svc.Transfer(ctx, "user-1", "USDT", dec("25"), model.FundingToTrading, "")
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Contains(t, err.Error(), "insufficient funding balance: available 10")

	// The failed transfer must not have touched either pool.
	snap, err := svc.Balances(ctx, "user-1", "USDT")
	require.NoError(t, err)
	assert.True(t, snap.Funding.Equal(dec("10")))
	assert.True(t, snap.Trading.Equal(dec("0")))
}

func TestTransferRejectsBadInput(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Transfer(ctx, "user-1", "USDT", dec("0"), model.FundingToTrading, "")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Transfer(ctx, "user-1", "USDT", dec("-5"), model.FundingToTrading, "")
	require.ErrorIs(t, err, ErrInvalidAmount)

	_, err = svc.Transfer(ctx, "user-1", "USDT", dec("5"), "sideways", "")
	require.ErrorIs(t, err, ErrInvalidDirection)
}

func TestTransferIdempotentByReference(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "user-1", "USDT", "100")

	_, err := svc.Transfer(ctx, "user-1", "USDT", dec("20"), model.FundingToTrading, "ref-1")
	require.NoError(t, err)

	_, err = svc.Transfer(ctx, "user-1", "USDT", dec("20"), model.FundingToTrading, "ref-1")
	require.ErrorIs(t, err, ErrDuplicateReference)

	snap, err := svc.Balances(ctx, "user-1", "USDT")
	require.NoError(t, err)
	assert.True(t, snap.Funding.Equal(dec("80")))
	assert.True(t, snap.Trading.Equal(dec("20")))
}

func TestFailedTransferLeavesNoEntries(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "user-1", "USDT", "10")

	_, err := svc.Transfer(ctx, "user-1", "USDT", dec("25"), model.FundingToTrading, "ref-retry")
	require.ErrorIs(t, err, ErrInsufficientBalance)

	// The rejected attempt must not burn the reference, so topping up
	// and retrying under the same reference goes through.
	fund(t, svc, "user-1", "USDT", "20")
	snap, err := svc.Transfer(ctx, "user-1", "USDT", dec("25"), model.FundingToTrading, "ref-retry")
	require.NoError(t, err)
	assert.True(t, snap.Funding.Equal(dec("5")))
	assert.True(t, snap.Trading.Equal(dec("25")))
}

func TestTransferWritesPairedEntries(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "user-1", "USDT", "100")

	_, err := svc.Transfer(ctx, "user-1", "USDT", dec("25"), model.FundingToTrading, "ref-pair")
	require.NoError(t, err)

	entries, err := svc.History(ctx, "user-1", 0)
	require.NoError(t, err)

	var debit, credit *model.LedgerEntry
	for i := range entries {
		if entries[i].Reference != "ref-pair" {
			continue
		}
		if entries[i].Amount.IsNegative() {
			debit = &entries[i]
		} else {
			credit = &entries[i]
		}
	}
	require.NotNil(t, debit)
	require.NotNil(t, credit)
	assert.True(t, debit.Amount.Equal(dec("-25")))
	assert.True(t, debit.BalanceAfter.Equal(dec("75")))
	assert.True(t, credit.Amount.Equal(dec("25")))
	assert.True(t, credit.BalanceAfter.Equal(dec("25")))
}

func TestLockFunds(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "user-1", "USDT", "100")
	_, err := svc.Transfer(ctx, "user-1", "USDT", dec("100"), model.FundingToTrading, "")
	require.NoError(t, err)

	lock, err := svc.LockFunds(ctx, "user-1", "USDT", dec("40"), model.LockOptions,
		"trade-1", model.LockDetail{Symbol: "BTC/USDT"}, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, model.LockStatusLocked, lock.Status)

	snap, err := svc.Balances(ctx, "user-1", "USDT")
	require.NoError(t, err)
	assert.True(t, snap.Trading.Equal(dec("60")))
	assert.True(t, snap.Locked.Equal(dec("40")))

	// One open lock per reference.
	_, err = svc.LockFunds(ctx, "user-1", "USDT", dec("10"), model.LockOptions,
		"trade-1", model.LockDetail{}, time.Now().Add(time.Minute))
	require.ErrorIs(t, err, ErrDuplicateReference)

	_, err = svc.LockFunds(ctx, "user-1", "USDT", dec("100"), model.LockOptions,
		"trade-2", model.LockDetail{}, time.Now().Add(time.Minute))
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Contains(t, err.Error(), "insufficient trading balance")

	_, err = svc.LockFunds(ctx, "user-1", "USDT", dec("10"), "margin",
		"trade-3", model.LockDetail{}, time.Now().Add(time.Minute))
	require.ErrorIs(t, err, ErrInvalidLockType)
}

func TestReleaseFundsWin(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "user-1", "USDT", "100")
	_, err := svc.Transfer(ctx, "user-1", "USDT", dec("100"), model.FundingToTrading, "")
	require.NoError(t, err)

	_, err = svc.LockFunds(ctx, "user-1", "USDT", dec("40"), model.LockOptions,
		"trade-1", model.LockDetail{}, time.Now().Add(time.Minute))
	require.NoError(t, err)

	// 40 stake at 17.6% payout credits 47.04 back to trading.
	lock, err := svc.ReleaseFunds(ctx, "trade-1", model.OutcomeWin, dec("7.04"))
	require.NoError(t, err)
	assert.Equal(t, model.LockStatusReleased, lock.Status)
	assert.Equal(t, model.OutcomeWin, lock.Outcome)

	snap, err := svc.Balances(ctx, "user-1", "USDT")
	require.NoError(t, err)
	assert.True(t, snap.Trading.Equal(dec("107.04")), "trading = %s", snap.Trading)
	assert.True(t, snap.Locked.Equal(dec("0")))
}

func TestReleaseFundsLoss(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "user-1", "USDT", "100")
	_, err := svc.Transfer(ctx, "user-1", "USDT", dec("100"), model.FundingToTrading, "")
	require.NoError(t, err)

	_, err = svc.LockFunds(ctx, "user-1", "USDT", dec("40"), model.LockOptions,
		"trade-1", model.LockDetail{}, time.Now().Add(time.Minute))
	require.NoError(t, err)

	_, err = svc.ReleaseFunds(ctx, "trade-1", model.OutcomeLoss, decimal.Zero)
	require.NoError(t, err)

	snap, err := svc.Balances(ctx, "user-1", "USDT")
	require.NoError(t, err)
	assert.True(t, snap.Trading.Equal(dec("60")))
	assert.True(t, snap.Locked.Equal(dec("0")))

	// The loss still leaves an audit marker.
	entries, err := svc.History(ctx, "user-1", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, model.EntryRelease, entries[0].Type)
	assert.True(t, entries[0].Amount.IsZero())
}

func TestReleaseFundsExactlyOnce(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "user-1", "USDT", "100")
	_, err := svc.Transfer(ctx, "user-1", "USDT", dec("100"), model.FundingToTrading, "")
	require.NoError(t, err)

	_, err = svc.LockFunds(ctx, "user-1", "USDT", dec("40"), model.LockOptions,
		"trade-1", model.LockDetail{}, time.Now().Add(time.Minute))
	require.NoError(t, err)

	var wg sync.WaitGroup
	succeeded := make(chan struct{}, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.ReleaseFunds(ctx, "trade-1", model.OutcomeWin, dec("7.04")); err == nil {
				succeeded <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(succeeded)

	count := 0
	for range succeeded {
		count++
	}
	assert.Equal(t, 1, count, "exactly one release may succeed")

	snap, err := svc.Balances(ctx, "user-1", "USDT")
	require.NoError(t, err)
	assert.True(t, snap.Trading.Equal(dec("107.04")), "trading = %s", snap.Trading)
}

func TestConcurrentTransfersConserveTotal(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	fund(t, svc, "user-1", "USDT", "1000")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Transfer(ctx, "user-1", "USDT", dec("1"), model.FundingToTrading, "")
		}()
	}
	wg.Wait()

	snap, err := svc.Balances(ctx, "user-1", "USDT")
	require.NoError(t, err)
	assert.True(t, snap.Funding.Equal(dec("950")))
	assert.True(t, snap.Trading.Equal(dec("50")))
	assert.True(t, snap.Funding.Add(snap.Trading).Equal(dec("1000")))
}
