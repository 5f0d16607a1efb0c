// Package trade drives the trade lifecycle: placement, scheduling,
// promotion, cancellation and settlement.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinpeak/ledger-engine/internal/ledger"
	"github.com/coinpeak/ledger-engine/internal/metrics"
	"github.com/coinpeak/ledger-engine/internal/model"
	"github.com/coinpeak/ledger-engine/internal/outcome"
	"github.com/coinpeak/ledger-engine/internal/pricefeed"
	"github.com/coinpeak/ledger-engine/internal/store"
	"github.com/coinpeak/ledger-engine/internal/stream"
)

var (
	// ErrNotCancellable is returned when a cancel arrives after the trade
	// left SCHEDULED.
	ErrNotCancellable = errors.New("trade: only scheduled trades can be cancelled")

	// ErrNotOwner is returned when a user acts on someone else's trade.
	ErrNotOwner = errors.New("trade: not owned by user")

	// ErrInvalidRequest is the class for malformed placement requests.
	ErrInvalidRequest = errors.New("trade: invalid request")

	// ErrSettlementAlreadyApplied is returned when settlement is asked
	// for a trade already in a terminal state.
	ErrSettlementAlreadyApplied = errors.New("trade: settlement already applied")
)

// Engine owns the trade state machine. The ledger service is the only
// path it touches balances through.
type Engine struct {
	store    store.Store
	ledger   *ledger.Service
	resolver *outcome.Resolver
	feed     pricefeed.Feed
	hub      *stream.Hub // nil disables streaming
	feeRate  decimal.Decimal
}

// NewEngine creates a trade engine. hub may be nil.
func NewEngine(st store.Store, led *ledger.Service, res *outcome.Resolver, feed pricefeed.Feed, hub *stream.Hub, feeRate decimal.Decimal) *Engine {
	return &Engine{
		store:    st,
		ledger:   led,
		resolver: res,
		feed:     feed,
		hub:      hub,
		feeRate:  feeRate,
	}
}

// PlaceRequest describes a new trade. ScheduledAt in the future defers
// activation to the sweeper; zero or past means immediate.
type PlaceRequest struct {
	UserID      string
	Asset       string
	Symbol      string
	Category    model.LockType
	Direction   model.Direction
	Stake       decimal.Decimal
	PayoutRate  decimal.Decimal
	Duration    time.Duration
	ScheduledAt time.Time
}

func (r *PlaceRequest) validate() error {
	switch {
	case r.UserID == "" || r.Asset == "" || r.Symbol == "":
		return fmt.Errorf("%w: user, asset and symbol required", ErrInvalidRequest)
	case !model.ValidLockType(r.Category) || r.Category == model.LockScheduled:
		return fmt.Errorf("%w: unknown category %q", ErrInvalidRequest, r.Category)
	case r.Direction != model.DirectionUp && r.Direction != model.DirectionDown:
		return fmt.Errorf("%w: direction must be UP or DOWN", ErrInvalidRequest)
	case !r.Stake.IsPositive():
		return fmt.Errorf("%w: stake must be positive", ErrInvalidRequest)
	case r.PayoutRate.IsNegative():
		return fmt.Errorf("%w: payout rate must not be negative", ErrInvalidRequest)
	case r.Duration <= 0:
		return fmt.Errorf("%w: duration must be positive", ErrInvalidRequest)
	}
	return nil
}

// Place opens a trade. The stake is locked out of the trading pool up
// front either way; an immediate trade also gets its entry price and
// outcome decision stamped now, while a scheduled one waits for
// promotion.
func (e *Engine) Place(ctx context.Context, req PlaceRequest) (*model.Trade, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	scheduled := req.ScheduledAt.After(now)

	t := &model.Trade{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		Asset:      req.Asset,
		Symbol:     req.Symbol,
		Category:   req.Category,
		Direction:  req.Direction,
		Stake:      req.Stake,
		PayoutRate: req.PayoutRate,
		Fee:        req.Stake.Mul(e.feeRate),
		Duration:   req.Duration,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	lockType := req.Category
	lockExpiry := now.Add(req.Duration)

	if scheduled {
		at := req.ScheduledAt
		t.Status = model.TradeScheduled
		t.ScheduledAt = &at
		lockType = model.LockScheduled
		lockExpiry = at.Add(req.Duration)
	} else {
		entry, err := e.feed.Price(ctx, req.Symbol)
		if err != nil {
			return nil, fmt.Errorf("entry price for %s: %w", req.Symbol, err)
		}
		decision, err := e.resolver.Decide(ctx, req.UserID, req.Category, now)
		if err != nil {
			return nil, err
		}
		start, end := now, now.Add(req.Duration)
		t.Status = model.TradeActive
		t.EntryPrice = entry
		t.Decision = &decision
		t.StartAt = &start
		t.EndAt = &end
	}

	detail := model.LockDetail{
		Symbol:     t.Symbol,
		Direction:  t.Direction,
		EntryPrice: t.EntryPrice,
		Decision:   t.Decision,
	}
	if _, err := e.ledger.LockFunds(ctx, t.UserID, t.Asset, t.Stake, lockType, t.ID, detail, lockExpiry); err != nil {
		return nil, err
	}

	if err := e.store.CreateTrade(ctx, t); err != nil {
		// Refund the stake so the lock does not outlive its trade.
		if _, rerr := e.ledger.ReleaseFunds(ctx, t.ID, model.OutcomeWin, decimal.Zero); rerr != nil {
			slog.Error("refund after failed trade insert", "trade_id", t.ID, "error", rerr)
		}
		return nil, fmt.Errorf("create trade: %w", err)
	}

	if t.Status == model.TradeActive {
		metrics.ActiveTrades.Inc()
	}
	slog.Info("trade placed",
		"trade_id", t.ID, "user_id", t.UserID, "symbol", t.Symbol,
		"category", t.Category, "direction", t.Direction,
		"stake", t.Stake.String(), "status", t.Status)
	e.publish(t)
	return t, nil
}

// Cancel aborts a SCHEDULED trade and refunds the full stake. The
// conditional status flip arbitrates the race against promotion: only
// one of cancel and promote can win.
func (e *Engine) Cancel(ctx context.Context, tradeID, userID string) (*model.Trade, error) {
	t, err := e.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, ErrNotOwner
	}
	if t.Status != model.TradeScheduled {
		return nil, ErrNotCancellable
	}

	now := time.Now().UTC()
	t.Status = model.TradeCancelled
	t.SettledAt = &now
	if err := e.store.UpdateTrade(ctx, t, model.TradeScheduled); err != nil {
		if errors.Is(err, store.ErrStaleTrade) {
			return nil, ErrNotCancellable
		}
		return nil, err
	}

	if _, err := e.ledger.ReleaseFunds(ctx, t.ID, model.OutcomeWin, decimal.Zero); err != nil {
		if !errors.Is(err, store.ErrLockNotFound) {
			return nil, fmt.Errorf("refund cancelled trade %s: %w", t.ID, err)
		}
	}

	slog.Info("trade cancelled", "trade_id", t.ID, "user_id", userID)
	e.publish(t)
	return t, nil
}

// Get returns a trade owned by userID.
func (e *Engine) Get(ctx context.Context, tradeID, userID string) (*model.Trade, error) {
	t, err := e.store.GetTrade(ctx, tradeID)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, ErrNotOwner
	}
	return t, nil
}

// List returns a user's trades, newest first.
func (e *Engine) List(ctx context.Context, userID string, status model.TradeStatus, limit int) ([]model.Trade, error) {
	return e.store.TradesByUser(ctx, userID, status, limit)
}

// Promote moves one due SCHEDULED trade to ACTIVE: verifies its lock,
// stamps the entry price, and records the outcome decision. A missing
// price leaves the trade SCHEDULED for the next sweep; a missing lock
// means the stake was never reserved, so the trade is voided instead.
func (e *Engine) Promote(ctx context.Context, t *model.Trade, now time.Time) error {
	if t.Status != model.TradeScheduled {
		return nil
	}

	if _, err := e.store.LockedLockByReference(ctx, t.ID); err != nil {
		if errors.Is(err, store.ErrLockNotFound) {
			slog.Warn("scheduled trade has no open lock, voiding", "trade_id", t.ID)
			return e.void(ctx, t, now)
		}
		return err
	}

	entry, err := e.feed.Price(ctx, t.Symbol)
	if err != nil {
		return fmt.Errorf("entry price for %s: %w", t.Symbol, err)
	}
	decision, err := e.resolver.Decide(ctx, t.UserID, t.Category, now)
	if err != nil {
		return err
	}

	start, end := now, now.Add(t.Duration)
	t.Status = model.TradeActive
	t.EntryPrice = entry
	t.Decision = &decision
	t.StartAt = &start
	t.EndAt = &end
	if err := e.store.UpdateTrade(ctx, t, model.TradeScheduled); err != nil {
		if errors.Is(err, store.ErrStaleTrade) {
			// Lost the race to a cancel.
			return nil
		}
		return err
	}

	metrics.ActiveTrades.Inc()
	slog.Info("trade promoted", "trade_id", t.ID, "user_id", t.UserID,
		"entry_price", entry.String(), "source", decision.Source)
	e.publish(t)
	return nil
}

// Settle resolves one ACTIVE trade exactly once. The recorded decision
// is authoritative when present; only trades placed before outcome
// recording fall back to comparing entry and expiry prices. The lock
// release and the conditional status flip together gate settlement to
// one winner.
func (e *Engine) Settle(ctx context.Context, tradeID string, now time.Time) error {
	t, err := e.store.GetTrade(ctx, tradeID)
	if err != nil {
		return err
	}
	switch t.Status {
	case model.TradeCompleted, model.TradeCancelled:
		return ErrSettlementAlreadyApplied
	case model.TradeScheduled:
		return nil
	}
	if t.EndAt != nil && now.Before(*t.EndAt) {
		return nil
	}

	var win bool
	source := model.SourceDefaultLoss
	expiry, priceErr := e.feed.Price(ctx, t.Symbol)

	if t.Decision != nil {
		win = t.Decision.Win
		source = t.Decision.Source
	} else {
		// Price-compared settlement cannot proceed without a price; the
		// trade stays ACTIVE and the next sweep retries.
		if priceErr != nil {
			return fmt.Errorf("expiry price for %s: %w", t.Symbol, priceErr)
		}
		switch t.Direction {
		case model.DirectionUp:
			win = expiry.GreaterThan(t.EntryPrice)
		case model.DirectionDown:
			win = expiry.LessThan(t.EntryPrice)
		}
		source = model.SourcePrice
	}

	// The fee was recorded at placement and never reduces the payout.
	lockOutcome := model.OutcomeLoss
	profit := decimal.Zero
	pnl := t.Stake.Neg()
	if win {
		lockOutcome = model.OutcomeWin
		profit = t.Stake.Mul(t.PayoutRate)
		pnl = profit
	}

	released := true
	if _, err := e.ledger.ReleaseFunds(ctx, t.ID, lockOutcome, profit); err != nil {
		if !errors.Is(err, store.ErrLockNotFound) {
			return fmt.Errorf("release stake for trade %s: %w", t.ID, err)
		}
		// Whoever released the lock did not complete the trade. Flip it
		// ourselves, otherwise the sweep re-selects it forever.
		released = false
	}

	t.Status = model.TradeCompleted
	t.PnL = pnl
	t.SettledAt = &now
	if priceErr == nil {
		t.ExpiryPrice = expiry
	}
	if err := e.store.UpdateTrade(ctx, t, model.TradeActive); err != nil {
		if errors.Is(err, store.ErrStaleTrade) {
			// Another settler completed it first.
			return nil
		}
		return fmt.Errorf("complete trade %s: %w", t.ID, err)
	}

	if !released {
		slog.Warn("settled trade had no open lock", "trade_id", t.ID, "user_id", t.UserID)
	}
	metrics.Settlements.WithLabelValues(string(model.TradeCompleted), string(source)).Inc()
	metrics.ActiveTrades.Dec()
	slog.Info("trade settled",
		"trade_id", t.ID, "user_id", t.UserID, "win", win,
		"source", source, "pnl", pnl.String())
	e.publish(t)
	return nil
}

// PromoteDue activates every SCHEDULED trade whose start time has
// arrived. Failures are logged per trade so one bad trade cannot stall
// the rest of the batch.
func (e *Engine) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	due, err := e.store.DueScheduledTrades(ctx, now)
	if err != nil {
		return 0, err
	}
	promoted := 0
	for i := range due {
		if err := e.Promote(ctx, &due[i], now); err != nil {
			slog.Error("promote failed", "trade_id", due[i].ID, "error", err)
			continue
		}
		promoted++
	}
	return promoted, nil
}

// SettleExpired settles every ACTIVE trade past its end time.
func (e *Engine) SettleExpired(ctx context.Context, now time.Time) (int, error) {
	expired, err := e.store.ExpiredActiveTrades(ctx, now)
	if err != nil {
		return 0, err
	}
	settled := 0
	for i := range expired {
		err := e.Settle(ctx, expired[i].ID, now)
		if err != nil && !errors.Is(err, ErrSettlementAlreadyApplied) {
			slog.Error("settle failed", "trade_id", expired[i].ID, "error", err)
			continue
		}
		settled++
	}
	return settled, nil
}

// void cancels a trade whose stake lock is gone.
func (e *Engine) void(ctx context.Context, t *model.Trade, now time.Time) error {
	t.Status = model.TradeCancelled
	t.SettledAt = &now
	if err := e.store.UpdateTrade(ctx, t, model.TradeScheduled); err != nil {
		if errors.Is(err, store.ErrStaleTrade) {
			return nil
		}
		return err
	}
	metrics.Settlements.WithLabelValues(string(model.TradeCancelled), "void").Inc()
	e.publish(t)
	return nil
}

func (e *Engine) publish(t *model.Trade) {
	if e.hub == nil {
		return
	}
	e.hub.Publish(stream.Event{
		Channel: "trade",
		UserID:  t.UserID,
		Payload: t,
		At:      time.Now().UTC(),
	})
}
