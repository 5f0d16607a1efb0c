package outcome

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coinpeak/ledger-engine/internal/model"
	"github.com/coinpeak/ledger-engine/internal/store"
)

func putOverride(t *testing.T, st store.Store, o *model.UserOverride) {
	t.Helper()
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now
	require.NoError(t, st.PutUserOverride(context.Background(), o))
}

func putWindow(t *testing.T, st store.Store, outcome model.WindowOutcome, winRate float64, now time.Time) {
	t.Helper()
	require.NoError(t, st.CreateWindow(context.Background(), &model.Window{
		ID:        uuid.NewString(),
		Outcome:   outcome,
		WinRate:   decimal.NewFromFloat(winRate),
		Active:    true,
		StartAt:   now.Add(-time.Hour),
		EndAt:     now.Add(time.Hour),
		CreatedAt: now,
	}))
}

func TestDecideDefaultLoss(t *testing.T) {
	st := store.NewMemoryStore()
	r := NewResolver(st)

	d, err := r.Decide(context.Background(), "user-1", model.LockOptions, time.Now().UTC())
	require.NoError(t, err)
	require.False(t, d.Win)
	require.Equal(t, model.SourceDefaultLoss, d.Source)
}

func TestDecideUserOverrideWins(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Now().UTC()

	// Even a forced-loss global window loses to the user override.
	putWindow(t, st, model.WindowLoss, 0, now)
	putOverride(t, st, &model.UserOverride{
		UserID:  "user-1",
		Outcome: model.OverrideWin,
		Enabled: true,
		Options: true,
	})

	r := NewResolver(st)
	d, err := r.Decide(context.Background(), "user-1", model.LockOptions, now)
	require.NoError(t, err)
	require.True(t, d.Win)
	require.Equal(t, model.SourceUserForce, d.Source)
}

func TestDecideOverrideCategoryGate(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Now().UTC()

	putOverride(t, st, &model.UserOverride{
		UserID:  "user-1",
		Outcome: model.OverrideWin,
		Enabled: true,
		Spot:    true, // options not covered
	})

	r := NewResolver(st)
	d, err := r.Decide(context.Background(), "user-1", model.LockOptions, now)
	require.NoError(t, err)
	require.False(t, d.Win)
	require.Equal(t, model.SourceDefaultLoss, d.Source)
}

func TestDecideDisabledOverrideIgnored(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Now().UTC()

	putOverride(t, st, &model.UserOverride{
		UserID:  "user-1",
		Outcome: model.OverrideWin,
		Enabled: false,
		Options: true,
	})

	r := NewResolver(st)
	d, err := r.Decide(context.Background(), "user-1", model.LockOptions, now)
	require.NoError(t, err)
	require.Equal(t, model.SourceDefaultLoss, d.Source)
}

func TestDecideOverrideWindowExpired(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Now().UTC()
	start := now.Add(-2 * time.Hour)
	end := now.Add(-time.Hour)

	putOverride(t, st, &model.UserOverride{
		UserID:  "user-1",
		Outcome: model.OverrideWin,
		Enabled: true,
		Options: true,
		StartAt: &start,
		EndAt:   &end,
	})

	r := NewResolver(st)
	d, err := r.Decide(context.Background(), "user-1", model.LockOptions, now)
	require.NoError(t, err)
	require.Equal(t, model.SourceDefaultLoss, d.Source)
}

func TestDecideOverrideDefaultFallsThrough(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Now().UTC()

	putOverride(t, st, &model.UserOverride{
		UserID:  "user-1",
		Outcome: model.OverrideDefault,
		Enabled: true,
		Options: true,
	})
	putWindow(t, st, model.WindowWin, 0, now)

	r := NewResolver(st)
	d, err := r.Decide(context.Background(), "user-1", model.LockOptions, now)
	require.NoError(t, err)
	require.True(t, d.Win)
	require.Equal(t, model.SourceGlobalForce, d.Source)
}

func TestDecideForcedWindowBeatsRandom(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Now().UTC()

	putWindow(t, st, model.WindowRandom, 100, now)
	putWindow(t, st, model.WindowLoss, 0, now.Add(time.Second))

	r := NewResolverWithRand(st, func() float64 { return 0 })
	d, err := r.Decide(context.Background(), "user-1", model.LockSpot, now.Add(2*time.Second))
	require.NoError(t, err)
	require.False(t, d.Win)
	require.Equal(t, model.SourceGlobalForce, d.Source)
}

func TestDecideRandomWindow(t *testing.T) {
	st := store.NewMemoryStore()
	now := time.Now().UTC()
	putWindow(t, st, model.WindowRandom, 30, now)

	// Draw below the threshold wins.
	r := NewResolverWithRand(st, func() float64 { return 0.29 })
	d, err := r.Decide(context.Background(), "user-1", model.LockSpot, now)
	require.NoError(t, err)
	require.True(t, d.Win)
	require.Equal(t, model.SourceRandom, d.Source)

	// Draw at or above the threshold loses.
	r = NewResolverWithRand(st, func() float64 { return 0.30 })
	d, err = r.Decide(context.Background(), "user-1", model.LockSpot, now)
	require.NoError(t, err)
	require.False(t, d.Win)
	require.Equal(t, model.SourceRandom, d.Source)
}
