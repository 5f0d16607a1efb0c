package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinpeak/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	wallets   map[string]*model.Wallet // key: userID|asset
	entries   []model.LedgerEntry
	locks     map[string]*model.Lock // key: lock id
	trades    map[string]*model.Trade
	overrides map[string]*model.UserOverride
	windows   []model.Window
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:   make(map[string]*model.Wallet),
		locks:     make(map[string]*model.Lock),
		trades:    make(map[string]*model.Trade),
		overrides: make(map[string]*model.UserOverride),
	}
}

func walletKey(userID, asset string) string { return userID + "|" + asset }

func (s *MemoryStore) EnsureWallet(_ context.Context, userID, asset string) (*model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.wallets[walletKey(userID, asset)]; ok {
		cp := *w
		return &cp, nil
	}
	now := time.Now().UTC()
	w := &model.Wallet{
		UserID:    userID,
		Asset:     asset,
		Funding:   decimal.Zero,
		Trading:   decimal.Zero,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.wallets[walletKey(userID, asset)] = w
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) GetWallet(_ context.Context, userID, asset string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[walletKey(userID, asset)]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *MemoryStore) WalletsByUser(_ context.Context, userID string) ([]model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Wallet
	for _, w := range s.wallets {
		if w.UserID == userID {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (s *MemoryStore) ApplyWalletMutation(_ context.Context, m WalletMutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[walletKey(m.UserID, m.Asset)]
	if !ok {
		return ErrWalletNotFound
	}
	if w.Version != m.ExpectedVersion {
		return ErrVersionConflict
	}
	w.Funding = m.Funding
	w.Trading = m.Trading
	w.Version++
	if m.CreateLock != nil {
		cp := *m.CreateLock
		s.locks[cp.ID] = &cp
	}
	s.entries = append(s.entries, m.Entries...)
	w.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) BalanceSnapshot(_ context.Context, userID, asset string) (model.BalanceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := model.BalanceSnapshot{
		Funding: decimal.Zero,
		Trading: decimal.Zero,
		Locked:  decimal.Zero,
	}
	if w, ok := s.wallets[walletKey(userID, asset)]; ok {
		snap.Funding = w.Funding
		snap.Trading = w.Trading
	}
	for _, l := range s.locks {
		if l.UserID == userID && l.Asset == asset && l.Status == model.LockStatusLocked {
			snap.Locked = snap.Locked.Add(l.Amount)
		}
	}
	return snap, nil
}

func (s *MemoryStore) HasEntryWithReference(_ context.Context, userID, reference string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entries {
		if e.UserID == userID && e.Reference == reference {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) EntriesByUser(_ context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.LedgerEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].UserID != userID {
			continue
		}
		out = append(out, s.entries[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) ReleaseLock(_ context.Context, referenceID string, outcome model.LockOutcome, profit decimal.Decimal, at time.Time) (*model.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.locks {
		if l.ReferenceID != referenceID || l.Status != model.LockStatusLocked {
			continue
		}
		w, ok := s.wallets[walletKey(l.UserID, l.Asset)]
		if !ok {
			return nil, ErrWalletNotFound
		}

		before := *l
		l.Status = model.LockStatusReleased
		l.Outcome = outcome
		l.Profit = profit
		released := at
		l.ReleasedAt = &released

		amount := decimal.Zero
		if outcome == model.OutcomeWin {
			amount = l.Amount.Add(profit)
			w.Trading = w.Trading.Add(amount)
			w.Version++
			w.UpdatedAt = at
		}
		s.entries = append(s.entries, model.LedgerEntry{
			ID:           uuid.NewString(),
			UserID:       l.UserID,
			Asset:        l.Asset,
			Type:         model.EntryRelease,
			Subtype:      string(outcome),
			Amount:       amount,
			BalanceAfter: w.Trading,
			Reference:    referenceID,
			CreatedAt:    at,
		})
		return &before, nil
	}
	return nil, ErrLockNotFound
}

func (s *MemoryStore) LockedLockByReference(_ context.Context, referenceID string) (*model.Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, l := range s.locks {
		if l.ReferenceID == referenceID && l.Status == model.LockStatusLocked {
			cp := *l
			return &cp, nil
		}
	}
	return nil, ErrLockNotFound
}

func (s *MemoryStore) ActiveLocksByUser(_ context.Context, userID string) ([]model.Lock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Lock
	for _, l := range s.locks {
		if l.UserID == userID && l.Status == model.LockStatusLocked {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateTrade(_ context.Context, trade *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *trade
	s.trades[trade.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTrade(_ context.Context, id string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, ErrTradeNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) UpdateTrade(_ context.Context, trade *model.Trade, fromStatus model.TradeStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.trades[trade.ID]
	if !ok {
		return ErrTradeNotFound
	}
	if t.Status != fromStatus {
		return ErrStaleTrade
	}
	cp := *trade
	cp.UpdatedAt = time.Now().UTC()
	s.trades[trade.ID] = &cp
	return nil
}

func (s *MemoryStore) TradesByUser(_ context.Context, userID string, status model.TradeStatus, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Trade
	for _, t := range s.trades {
		if t.UserID != userID {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DueScheduledTrades(_ context.Context, now time.Time) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Trade
	for _, t := range s.trades {
		if t.Status == model.TradeScheduled && t.ScheduledAt != nil && !t.ScheduledAt.After(now) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(*out[j].ScheduledAt) })
	return out, nil
}

func (s *MemoryStore) ExpiredActiveTrades(_ context.Context, now time.Time) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Trade
	for _, t := range s.trades {
		if t.Status == model.TradeActive && t.EndAt != nil && !t.EndAt.After(now) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndAt.Before(*out[j].EndAt) })
	return out, nil
}

func (s *MemoryStore) UserOverride(_ context.Context, userID string) (*model.UserOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.overrides[userID]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) PutUserOverride(_ context.Context, override *model.UserOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *override
	s.overrides[override.UserID] = &cp
	return nil
}

func (s *MemoryStore) ActiveWindows(_ context.Context, now time.Time) ([]model.Window, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Window
	for _, w := range s.windows {
		if w.Active && !w.StartAt.After(now) && !w.EndAt.Before(now) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateWindow(_ context.Context, window *model.Window) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.windows = append(s.windows, *window)
	return nil
}
