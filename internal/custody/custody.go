// Package custody moves quote-asset balances between accounts. The engine
// only ever talks to the Custody interface; Ledger implements it over the
// balances of the current store transaction, so every movement commits or
// rolls back with the command that made it.
package custody

import (
	"context"
	"fmt"

	"github.com/stackfutures/settlement-engine/internal/fixedpoint"
	"github.com/stackfutures/settlement-engine/internal/model"
)

// Custody is the capability the deal engine needs from the asset layer.
type Custody interface {
	// Hold proves account can fund amount without moving it.
	Hold(ctx context.Context, account string, amount uint64) error
	// Transfer moves amount from one account to another.
	Transfer(ctx context.Context, from, to string, amount uint64) error
	// BalanceOf returns an account's balance.
	BalanceOf(ctx context.Context, account string) (uint64, error)
}

// Balances is the storage a Ledger reads and writes. store.Tx satisfies it.
type Balances interface {
	Balance(ctx context.Context, account string) (uint64, error)
	SetBalance(ctx context.Context, account string, amount uint64) error
}

// Ledger is a Custody backed by transactional balances.
type Ledger struct {
	b Balances
}

// NewLedger binds a ledger to b.
func NewLedger(b Balances) *Ledger {
	return &Ledger{b: b}
}

func (l *Ledger) Hold(ctx context.Context, account string, amount uint64) error {
	bal, err := l.b.Balance(ctx, account)
	if err != nil {
		return err
	}
	if bal < amount {
		return fmt.Errorf("%w: %s holds %d, needs %d", model.ErrInsufficientFunds, account, bal, amount)
	}
	return nil
}

func (l *Ledger) Transfer(ctx context.Context, from, to string, amount uint64) error {
	if amount == 0 || from == to {
		return nil
	}
	if from == "" || to == "" {
		return fmt.Errorf("%w: transfer needs both accounts", model.ErrInvalidArgument)
	}
	src, err := l.b.Balance(ctx, from)
	if err != nil {
		return err
	}
	if src < amount {
		return fmt.Errorf("%w: %s holds %d, needs %d", model.ErrInsufficientFunds, from, src, amount)
	}
	dst, err := l.b.Balance(ctx, to)
	if err != nil {
		return err
	}
	credited, err := fixedpoint.Add(dst, amount)
	if err != nil {
		return err
	}
	if err := l.b.SetBalance(ctx, from, src-amount); err != nil {
		return err
	}
	return l.b.SetBalance(ctx, to, credited)
}

func (l *Ledger) BalanceOf(ctx context.Context, account string) (uint64, error) {
	return l.b.Balance(ctx, account)
}

// Credit mints amount into account. It exists for host-side funding only and
// is not reachable from deal operations.
func (l *Ledger) Credit(ctx context.Context, account string, amount uint64) (uint64, error) {
	if account == "" {
		return 0, fmt.Errorf("%w: account is required", model.ErrInvalidArgument)
	}
	bal, err := l.b.Balance(ctx, account)
	if err != nil {
		return 0, err
	}
	next, err := fixedpoint.Add(bal, amount)
	if err != nil {
		return 0, err
	}
	return next, l.b.SetBalance(ctx, account, next)
}

// DealVault is the margin account of one side of a deal.
func DealVault(dealID string, side model.Side) string {
	return "vault:" + dealID + ":" + string(side)
}

// FeeVault collects the open fees of a market.
func FeeVault(marketID string) string {
	return "fees:" + marketID
}
