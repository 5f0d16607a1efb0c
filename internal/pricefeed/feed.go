// Package pricefeed abstracts the market price source used to stamp
// entry and expiry prices on trades.
package pricefeed

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrPriceUnavailable is returned when no price exists for a symbol.
// Settlement treats it as transient and retries on the next sweep.
var ErrPriceUnavailable = errors.New("pricefeed: price unavailable")

// Feed returns the current price for a symbol like "BTC/USDT".
type Feed interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// StaticFeed serves prices set by hand. Used in tests and as a stand-in
// until a live exchange feed is wired up.
type StaticFeed struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewStaticFeed creates an empty static feed.
func NewStaticFeed() *StaticFeed {
	return &StaticFeed{prices: make(map[string]decimal.Decimal)}
}

// Set pins the price for a symbol.
func (f *StaticFeed) Set(symbol string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = price
}

func (f *StaticFeed) Price(_ context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[symbol]
	if !ok {
		return decimal.Decimal{}, ErrPriceUnavailable
	}
	return p, nil
}
