// Package model defines the core domain types shared across the settlement
// engine. All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransferDirection selects which pool is debited in a wallet transfer.
type TransferDirection string

const (
	FundingToTrading TransferDirection = "funding_to_trading"
	TradingToFunding TransferDirection = "trading_to_funding"
)

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryDeposit    EntryType = "deposit"
	EntryWithdrawal EntryType = "withdrawal"
	EntryTransfer   EntryType = "transfer"
	EntryLock       EntryType = "lock"
	EntryRelease    EntryType = "release"
	EntryProfit     EntryType = "profit"
	EntryLoss       EntryType = "loss"
)

// LockType is the closed set of trade categories a lock can belong to.
type LockType string

const (
	LockSpot      LockType = "spot"
	LockFutures   LockType = "futures"
	LockOptions   LockType = "options"
	LockArbitrage LockType = "arbitrage"
	LockStaking   LockType = "staking"
	LockScheduled LockType = "scheduled"
)

// ValidLockType reports whether t is a member of the closed lock-type set.
func ValidLockType(t LockType) bool {
	switch t {
	case LockSpot, LockFutures, LockOptions, LockArbitrage, LockStaking, LockScheduled:
		return true
	}
	return false
}

// LockStatus tracks a lock through its single resolution.
type LockStatus string

const (
	LockStatusLocked   LockStatus = "locked"
	LockStatusReleased LockStatus = "released"
	LockStatusExpired  LockStatus = "expired"
)

// LockOutcome is the result a lock was released with.
type LockOutcome string

const (
	OutcomeWin  LockOutcome = "win"
	OutcomeLoss LockOutcome = "loss"
)

// TradeStatus is the trade state machine: SCHEDULED → ACTIVE → COMPLETED,
// with CANCELLED reachable from SCHEDULED only.
type TradeStatus string

const (
	TradeScheduled TradeStatus = "SCHEDULED"
	TradeActive    TradeStatus = "ACTIVE"
	TradeCompleted TradeStatus = "COMPLETED"
	TradeCancelled TradeStatus = "CANCELLED"
)

// Direction is the side of an up/down trade.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// OutcomeSource records which override tier produced a trade's decision,
// so settlement is reproducible from stored data alone.
type OutcomeSource string

const (
	SourceUserForce   OutcomeSource = "user_force"
	SourceGlobalForce OutcomeSource = "global_force"
	SourceRandom      OutcomeSource = "random"
	SourceDefaultLoss OutcomeSource = "default_loss"
	SourcePrice       OutcomeSource = "price"
)

// OverrideOutcome is the scope of a per-user override.
type OverrideOutcome string

const (
	OverrideWin     OverrideOutcome = "win"
	OverrideLoss    OverrideOutcome = "loss"
	OverrideDefault OverrideOutcome = "default"
)

// WindowOutcome is the behavior of a global override window.
type WindowOutcome string

const (
	WindowWin    WindowOutcome = "win"
	WindowLoss   WindowOutcome = "loss"
	WindowRandom WindowOutcome = "random"
)

// Wallet is the per-(user, asset) balance record. Funding and Trading are
// never negative; Locked is derived from open locks and not stored here.
// Version is an optimistic-concurrency counter bumped on every mutation.
type Wallet struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Asset     string          `json:"asset" db:"asset"`
	Funding   decimal.Decimal `json:"funding_balance" db:"funding_balance"`
	Trading   decimal.Decimal `json:"trading_balance" db:"trading_balance"`
	Version   int64           `json:"version" db:"version"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// BalanceSnapshot is the three-pool view exposed to the wallet UI.
type BalanceSnapshot struct {
	Funding decimal.Decimal `json:"funding"`
	Trading decimal.Decimal `json:"trading"`
	Locked  decimal.Decimal `json:"locked"`
}

// LedgerEntry is an immutable record of a balance-affecting event.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	Asset        string          `json:"asset" db:"asset"`
	Type         EntryType       `json:"type" db:"type"`
	Subtype      string          `json:"subtype,omitempty" db:"subtype"`
	Amount       decimal.Decimal `json:"amount" db:"amount"` // signed: credit +, debit −
	BalanceAfter decimal.Decimal `json:"balance_after" db:"balance_after"`
	Reference    string          `json:"reference,omitempty" db:"reference"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// LockDetail is the fixed metadata set carried by a lock: what was traded
// and the outcome decision snapshotted at placement.
type LockDetail struct {
	Symbol     string           `json:"symbol,omitempty"`
	Direction  Direction        `json:"direction,omitempty"`
	EntryPrice decimal.Decimal  `json:"entry_price"`
	Decision   *OutcomeDecision `json:"decision,omitempty"`
}

// Lock reserves trading-balance funds for one in-flight trade. At most one
// lock may be `locked` per reference at a time; the amount is debited from
// the trading pool at creation and restored at most once at release.
type Lock struct {
	ID          string           `json:"id" db:"id"`
	UserID      string           `json:"user_id" db:"user_id"`
	Asset       string           `json:"asset" db:"asset"`
	Amount      decimal.Decimal  `json:"amount" db:"amount"`
	LockType    LockType         `json:"lock_type" db:"lock_type"`
	ReferenceID string           `json:"reference_id" db:"reference_id"`
	Status      LockStatus       `json:"status" db:"status"`
	Outcome     LockOutcome      `json:"outcome,omitempty" db:"outcome"`
	Profit      decimal.Decimal  `json:"profit" db:"profit"`
	Detail      LockDetail       `json:"detail" db:"detail"`
	ExpiresAt   time.Time        `json:"expires_at" db:"expires_at"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
	ReleasedAt  *time.Time       `json:"released_at,omitempty" db:"released_at"`
}

// OutcomeDecision is the resolver's verdict, recorded at placement.
type OutcomeDecision struct {
	Win    bool          `json:"win"`
	Source OutcomeSource `json:"source"`
}

// Trade is one up/down position driven through the lifecycle state machine.
// Terminal states (COMPLETED, CANCELLED) are immutable.
type Trade struct {
	ID          string           `json:"id" db:"id"`
	UserID      string           `json:"user_id" db:"user_id"`
	Asset       string           `json:"asset" db:"asset"`
	Symbol      string           `json:"symbol" db:"symbol"`
	Category    LockType         `json:"category" db:"category"`
	Direction   Direction        `json:"direction" db:"direction"`
	Stake       decimal.Decimal  `json:"stake" db:"stake"`
	EntryPrice  decimal.Decimal  `json:"entry_price" db:"entry_price"`
	ExpiryPrice decimal.Decimal  `json:"expiry_price" db:"expiry_price"`
	PayoutRate  decimal.Decimal  `json:"payout_rate" db:"payout_rate"`
	Fee         decimal.Decimal  `json:"fee" db:"fee"`
	Duration    time.Duration    `json:"duration" db:"duration"`
	Status      TradeStatus      `json:"status" db:"status"`
	Decision    *OutcomeDecision `json:"decision,omitempty" db:"decision"`
	PnL         decimal.Decimal  `json:"pnl" db:"pnl"`
	ScheduledAt *time.Time       `json:"scheduled_at,omitempty" db:"scheduled_at"`
	StartAt     *time.Time       `json:"start_at,omitempty" db:"start_at"`
	EndAt       *time.Time       `json:"end_at,omitempty" db:"end_at"`
	SettledAt   *time.Time       `json:"settled_at,omitempty" db:"settled_at"`
	CreatedAt   time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at" db:"updated_at"`
}

// UserOverride is an admin-authored, per-user outcome override. The engine
// only ever reads these.
type UserOverride struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Outcome   OverrideOutcome `json:"outcome" db:"outcome"`
	Enabled   bool            `json:"enabled" db:"enabled"`
	Spot      bool            `json:"spot_enabled" db:"spot_enabled"`
	Futures   bool            `json:"futures_enabled" db:"futures_enabled"`
	Options   bool            `json:"options_enabled" db:"options_enabled"`
	Arbitrage bool            `json:"arbitrage_enabled" db:"arbitrage_enabled"`
	StartAt   *time.Time      `json:"start_at,omitempty" db:"start_at"`
	EndAt     *time.Time      `json:"end_at,omitempty" db:"end_at"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// AppliesTo reports whether the override covers the given trade category.
func (o *UserOverride) AppliesTo(category LockType) bool {
	switch category {
	case LockSpot:
		return o.Spot
	case LockFutures:
		return o.Futures
	case LockOptions:
		return o.Options
	case LockArbitrage:
		return o.Arbitrage
	}
	return false
}

// ActiveAt reports whether the override's optional time window covers now.
func (o *UserOverride) ActiveAt(now time.Time) bool {
	if o.StartAt != nil && now.Before(*o.StartAt) {
		return false
	}
	if o.EndAt != nil && now.After(*o.EndAt) {
		return false
	}
	return true
}

// Window is an admin-authored, all-user outcome override bounded in time.
// WinRate is a percentage and only meaningful for WindowRandom.
type Window struct {
	ID        string          `json:"id" db:"id"`
	Outcome   WindowOutcome   `json:"outcome" db:"outcome"`
	WinRate   decimal.Decimal `json:"win_rate" db:"win_rate"`
	Active    bool            `json:"active" db:"active"`
	StartAt   time.Time       `json:"start_at" db:"start_at"`
	EndAt     time.Time       `json:"end_at" db:"end_at"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}
