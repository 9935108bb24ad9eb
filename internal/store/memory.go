package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stackfutures/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are serialized by a single writer lock and stage their
// writes in an overlay that is merged only on success.
type MemoryStore struct {
	mu       sync.RWMutex
	markets  map[string]*model.Market
	deals    map[string]*model.Deal
	balances map[string]uint64
	events   []model.Event
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:  make(map[string]*model.Market),
		deals:    make(map[string]*model.Deal),
		balances: make(map[string]uint64),
	}
}

func (s *MemoryStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:        s,
		markets:  make(map[string]*model.Market),
		deals:    make(map[string]*model.Deal),
		balances: make(map[string]uint64),
	}
	if err := fn(tx); err != nil {
		return err
	}

	for id, m := range tx.markets {
		s.markets[id] = m
	}
	for id, d := range tx.deals {
		s.deals[id] = d
	}
	for acct, v := range tx.balances {
		s.balances[acct] = v
	}
	s.events = append(s.events, tx.events...)
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: market %s", model.ErrNotFound, id)
	}
	return m.Clone(), nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m.Clone())
	}
	sort.Slice(markets, func(i, j int) bool {
		if markets[i].CreatedAt != markets[j].CreatedAt {
			return markets[i].CreatedAt > markets[j].CreatedAt
		}
		return markets[i].ID < markets[j].ID
	})
	return markets, nil
}

func (s *MemoryStore) GetDeal(_ context.Context, id string) (*model.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deals[id]
	if !ok {
		return nil, fmt.Errorf("%w: deal %s", model.ErrNotFound, id)
	}
	return d.Clone(), nil
}

func (s *MemoryStore) ListDeals(_ context.Context, marketID string) ([]model.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var deals []model.Deal
	for _, d := range s.deals {
		if d.MarketID == marketID {
			deals = append(deals, *d)
		}
	}
	sort.Slice(deals, func(i, j int) bool {
		if deals[i].OpenedAt != deals[j].OpenedAt {
			return deals[i].OpenedAt < deals[j].OpenedAt
		}
		return deals[i].ID < deals[j].ID
	})
	return deals, nil
}

func (s *MemoryStore) Balance(_ context.Context, account string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[account], nil
}

func (s *MemoryStore) Events(_ context.Context, marketID string, afterSeq uint64, limit int) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, e := range s.events {
		if e.MarketID != marketID || e.Seq <= afterSeq {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// memTx reads through its overlay to the committed maps. The store's writer
// lock is held for the transaction's lifetime.
type memTx struct {
	s        *MemoryStore
	markets  map[string]*model.Market
	deals    map[string]*model.Deal
	balances map[string]uint64
	events   []model.Event
}

func (t *memTx) GetMarket(_ context.Context, id string) (*model.Market, error) {
	if m, ok := t.markets[id]; ok {
		return m.Clone(), nil
	}
	if m, ok := t.s.markets[id]; ok {
		return m.Clone(), nil
	}
	return nil, fmt.Errorf("%w: market %s", model.ErrNotFound, id)
}

func (t *memTx) CreateMarket(ctx context.Context, m *model.Market) error {
	if _, err := t.GetMarket(ctx, m.ID); err == nil {
		return fmt.Errorf("%w: market %s", ErrExists, m.ID)
	}
	t.markets[m.ID] = m.Clone()
	return nil
}

func (t *memTx) PutMarket(ctx context.Context, m *model.Market) error {
	if _, err := t.GetMarket(ctx, m.ID); err != nil {
		return err
	}
	t.markets[m.ID] = m.Clone()
	return nil
}

func (t *memTx) GetDeal(_ context.Context, id string) (*model.Deal, error) {
	if d, ok := t.deals[id]; ok {
		return d.Clone(), nil
	}
	if d, ok := t.s.deals[id]; ok {
		return d.Clone(), nil
	}
	return nil, fmt.Errorf("%w: deal %s", model.ErrNotFound, id)
}

func (t *memTx) CreateDeal(ctx context.Context, d *model.Deal) error {
	if _, err := t.GetDeal(ctx, d.ID); err == nil {
		return fmt.Errorf("%w: deal %s", ErrExists, d.ID)
	}
	t.deals[d.ID] = d.Clone()
	return nil
}

func (t *memTx) PutDeal(ctx context.Context, d *model.Deal) error {
	if _, err := t.GetDeal(ctx, d.ID); err != nil {
		return err
	}
	t.deals[d.ID] = d.Clone()
	return nil
}

func (t *memTx) Balance(_ context.Context, account string) (uint64, error) {
	if v, ok := t.balances[account]; ok {
		return v, nil
	}
	return t.s.balances[account], nil
}

func (t *memTx) SetBalance(_ context.Context, account string, amount uint64) error {
	t.balances[account] = amount
	return nil
}

func (t *memTx) AppendEvent(_ context.Context, e *model.Event) error {
	e.Seq = uint64(len(t.s.events)+len(t.events)) + 1
	t.events = append(t.events, *e)
	return nil
}
