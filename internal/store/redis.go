package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stackfutures/settlement-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for markets and deals. Transactions always go to the primary; once a
// transaction commits, every market and deal it wrote is evicted.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Transactions (primary, then invalidate) ---

func (s *CachedStore) RunInTx(ctx context.Context, fn func(tx Tx) error) error {
	var touched []string
	err := s.primary.RunInTx(ctx, func(tx Tx) error {
		touched = touched[:0]
		return fn(&trackingTx{Tx: tx, touched: &touched})
	})
	if err != nil {
		return err
	}
	if len(touched) > 0 {
		if err := s.rdb.Del(ctx, touched...).Err(); err != nil {
			slog.Warn("cache invalidation failed", "keys", touched, "err", err)
		}
	}
	return nil
}

// trackingTx records the cache keys of every record written through it.
type trackingTx struct {
	Tx
	touched *[]string
}

func (t *trackingTx) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := t.Tx.CreateMarket(ctx, m); err != nil {
		return err
	}
	*t.touched = append(*t.touched, marketKey(m.ID))
	return nil
}

func (t *trackingTx) PutMarket(ctx context.Context, m *model.Market) error {
	if err := t.Tx.PutMarket(ctx, m); err != nil {
		return err
	}
	*t.touched = append(*t.touched, marketKey(m.ID))
	return nil
}

func (t *trackingTx) CreateDeal(ctx context.Context, d *model.Deal) error {
	if err := t.Tx.CreateDeal(ctx, d); err != nil {
		return err
	}
	*t.touched = append(*t.touched, dealKey(d.ID))
	return nil
}

func (t *trackingTx) PutDeal(ctx context.Context, d *model.Deal) error {
	if err := t.Tx.PutDeal(ctx, d); err != nil {
		return err
	}
	*t.touched = append(*t.touched, dealKey(d.ID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	// Try cache.
	data, err := s.rdb.Get(ctx, marketKey(id)).Bytes()
	if err == nil {
		var m model.Market
		if json.Unmarshal(data, &m) == nil {
			return &m, nil
		}
	}

	// Cache miss: read from primary.
	m, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cache(ctx, marketKey(id), m)
	return m, nil
}

func (s *CachedStore) GetDeal(ctx context.Context, id string) (*model.Deal, error) {
	data, err := s.rdb.Get(ctx, dealKey(id)).Bytes()
	if err == nil {
		var d model.Deal
		if json.Unmarshal(data, &d) == nil {
			return &d, nil
		}
	}

	d, err := s.primary.GetDeal(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cache(ctx, dealKey(id), d)
	return d, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListDeals(ctx context.Context, marketID string) ([]model.Deal, error) {
	return s.primary.ListDeals(ctx, marketID)
}

func (s *CachedStore) Balance(ctx context.Context, account string) (uint64, error) {
	return s.primary.Balance(ctx, account)
}

func (s *CachedStore) Events(ctx context.Context, marketID string, afterSeq uint64, limit int) ([]model.Event, error) {
	return s.primary.Events(ctx, marketID, afterSeq, limit)
}

// --- Cache helpers ---

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }
func dealKey(id string) string   { return fmt.Sprintf("deal:%s", id) }
