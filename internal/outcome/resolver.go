// Package outcome decides trade results ahead of settlement. Resolution
// walks a strict priority chain: per-user override, then global windows,
// then the house default, which is a loss.
package outcome

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/coinpeak/ledger-engine/internal/model"
	"github.com/coinpeak/ledger-engine/internal/store"
)

// Resolver produces an OutcomeDecision for a trade at placement time.
// The decision is stored with the trade and is authoritative at
// settlement; the resolver never runs twice for the same trade.
type Resolver struct {
	store store.Store
	rng   func() float64 // in [0, 1)
}

// NewResolver creates a resolver backed by st using the default
// randomness source.
func NewResolver(st store.Store) *Resolver {
	return &Resolver{store: st, rng: rand.Float64}
}

// NewResolverWithRand creates a resolver with an injected randomness
// source, for deterministic tests.
func NewResolverWithRand(st store.Store, rng func() float64) *Resolver {
	return &Resolver{store: st, rng: rng}
}

// Decide resolves the outcome for one trade. Every tier that matches
// short-circuits; a trade that reaches the end of the chain loses.
func (r *Resolver) Decide(ctx context.Context, userID string, category model.LockType, now time.Time) (model.OutcomeDecision, error) {
	override, err := r.store.UserOverride(ctx, userID)
	if err != nil {
		return model.OutcomeDecision{}, fmt.Errorf("load user override: %w", err)
	}
	if override != nil && override.Enabled && override.AppliesTo(category) && override.ActiveAt(now) {
		switch override.Outcome {
		case model.OverrideWin:
			return model.OutcomeDecision{Win: true, Source: model.SourceUserForce}, nil
		case model.OverrideLoss:
			return model.OutcomeDecision{Win: false, Source: model.SourceUserForce}, nil
		case model.OverrideDefault:
			// Explicitly defers to the global tiers.
		default:
			slog.Warn("unknown override outcome, ignoring", "user_id", userID, "outcome", override.Outcome)
		}
	}

	windows, err := r.store.ActiveWindows(ctx, now)
	if err != nil {
		return model.OutcomeDecision{}, fmt.Errorf("load windows: %w", err)
	}

	// Forced windows beat probabilistic ones regardless of recency.
	for _, w := range windows {
		switch w.Outcome {
		case model.WindowWin:
			return model.OutcomeDecision{Win: true, Source: model.SourceGlobalForce}, nil
		case model.WindowLoss:
			return model.OutcomeDecision{Win: false, Source: model.SourceGlobalForce}, nil
		}
	}
	for _, w := range windows {
		if w.Outcome != model.WindowRandom {
			continue
		}
		p, _ := w.WinRate.Float64()
		win := r.rng()*100 < p
		return model.OutcomeDecision{Win: win, Source: model.SourceRandom}, nil
	}

	return model.OutcomeDecision{Win: false, Source: model.SourceDefaultLoss}, nil
}
