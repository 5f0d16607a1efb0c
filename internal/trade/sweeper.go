package trade

import (
	"context"
	"log/slog"
	"time"

	"github.com/coinpeak/ledger-engine/internal/metrics"
)

// Sweeper periodically promotes due scheduled trades and settles expired
// active ones. One pass runs at a time; a slow pass just delays the next
// tick.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
}

// NewSweeper creates a sweeper driving engine every interval.
func NewSweeper(engine *Engine, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Sweeper{engine: engine, interval: interval}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("settlement sweeper started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("settlement sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	start := time.Now()
	now := start.UTC()

	promoted, err := s.engine.PromoteDue(ctx, now)
	if err != nil {
		slog.Error("promotion sweep failed", "error", err)
	}
	settled, err := s.engine.SettleExpired(ctx, now)
	if err != nil {
		slog.Error("settlement sweep failed", "error", err)
	}

	metrics.SweepDuration.Observe(time.Since(start).Seconds())
	if promoted > 0 || settled > 0 {
		slog.Info("sweep completed", "promoted", promoted, "settled", settled,
			"elapsed", time.Since(start))
	}
}
