// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every engine command runs inside RunInTx: market and deal state, custody
// balances and the event log change together or not at all.
package store

import (
	"context"
	"errors"

	"github.com/stackfutures/settlement-engine/internal/model"
)

// ErrExists is returned when creating a record whose key is taken.
var ErrExists = errors.New("store: already exists")

// Store is the persistence interface. Reads outside a transaction see the
// last committed state.
type Store interface {
	// RunInTx runs fn in a transaction. fn returning an error rolls back
	// every write it made.
	RunInTx(ctx context.Context, fn func(tx Tx) error) error

	// --- Committed reads ---

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// GetDeal retrieves a deal by its ID.
	GetDeal(ctx context.Context, id string) (*model.Deal, error)

	// ListDeals returns the deals of a market, oldest first.
	ListDeals(ctx context.Context, marketID string) ([]model.Deal, error)

	// Balance returns an account's custody balance; unknown accounts hold 0.
	Balance(ctx context.Context, account string) (uint64, error)

	// Events returns up to limit events of a market with Seq > afterSeq.
	Events(ctx context.Context, marketID string, afterSeq uint64, limit int) ([]model.Event, error)
}

// Tx is the read-write view inside one transaction. Getters return copies;
// changes become visible only through Put/Create.
type Tx interface {
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	CreateMarket(ctx context.Context, m *model.Market) error
	PutMarket(ctx context.Context, m *model.Market) error

	GetDeal(ctx context.Context, id string) (*model.Deal, error)
	CreateDeal(ctx context.Context, d *model.Deal) error
	PutDeal(ctx context.Context, d *model.Deal) error

	Balance(ctx context.Context, account string) (uint64, error)
	SetBalance(ctx context.Context, account string, amount uint64) error

	// AppendEvent assigns e.Seq and appends e to the log.
	AppendEvent(ctx context.Context, e *model.Event) error
}
