// Package deal is the lifecycle state machine of a bilateral deal: open, add
// margin, close, and full or partial liquidation.
//
// Every function here runs inside the caller's store transaction. Funds move
// only through the Env's Custody, and a returned error means the caller must
// roll the whole transaction back.
package deal

import (
	"context"
	"fmt"

	"github.com/stackfutures/settlement-engine/internal/contract"
	"github.com/stackfutures/settlement-engine/internal/custody"
	"github.com/stackfutures/settlement-engine/internal/fixedpoint"
	"github.com/stackfutures/settlement-engine/internal/margin"
	"github.com/stackfutures/settlement-engine/internal/model"
	"github.com/stackfutures/settlement-engine/internal/oracle"
)

// Env binds one operation to its market, signers, clock reading and custody.
type Env struct {
	Custody custody.Custody
	Market  *model.Market
	Caller  model.Caller
	Now     int64
}

// OpenRequest is the input of Open.
type OpenRequest struct {
	Long          string `json:"long"`
	Short         string `json:"short"`
	ClientOrderID uint64 `json:"client_order_id"`
	Size          uint64 `json:"size"`
	LongDeposit   uint64 `json:"long_deposit"`
	ShortDeposit  uint64 `json:"short_deposit"`
}

// ID returns the deterministic identifier of the deal req would open in m.
func ID(m *model.Market, long, short string, clientOrderID uint64) (string, error) {
	mk, err := contract.ParseMarketID(m.ID)
	if err != nil {
		return "", err
	}
	k := contract.DealKey{Market: mk, Long: long, Short: short, ClientOrderID: clientOrderID}
	if err := k.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", model.ErrInvalidArgument, err)
	}
	return k.ID(), nil
}

// Open validates margins, moves both deposits into the deal's vaults, takes
// the open fee and returns the new deal. The caller persists the deal and
// reports AlreadyOpen when its key is taken.
func Open(ctx context.Context, env Env, req OpenRequest) (*model.Deal, model.DealOpened, error) {
	m := env.Market
	if !env.Caller.Signed(req.Long) || !env.Caller.Signed(req.Short) {
		return nil, model.DealOpened{}, fmt.Errorf("%w: both parties must sign an open", model.ErrUnauthorized)
	}
	if m.Paused {
		return nil, model.DealOpened{}, model.ErrMarketPaused
	}
	if req.Size == 0 {
		return nil, model.DealOpened{}, model.ErrZeroSize
	}
	if req.Long == req.Short {
		return nil, model.DealOpened{}, fmt.Errorf("%w: long and short must differ", model.ErrInvalidArgument)
	}
	id, err := ID(m, req.Long, req.Short, req.ClientOrderID)
	if err != nil {
		return nil, model.DealOpened{}, err
	}
	if err := oracle.EnsureFresh(m, env.Now); err != nil {
		return nil, model.DealOpened{}, err
	}

	q, err := margin.OpenRequirements(m, req.Size, m.LastNav, req.LongDeposit, req.ShortDeposit)
	if err != nil {
		return nil, model.DealOpened{}, err
	}

	c := env.Custody
	if err := c.Hold(ctx, req.Long, req.LongDeposit); err != nil {
		return nil, model.DealOpened{}, err
	}
	if err := c.Hold(ctx, req.Short, req.ShortDeposit); err != nil {
		return nil, model.DealOpened{}, err
	}
	longVault := custody.DealVault(id, model.SideLong)
	shortVault := custody.DealVault(id, model.SideShort)
	fees := custody.FeeVault(m.ID)
	moves := []struct {
		from, to string
		amount   uint64
	}{
		{req.Long, longVault, req.LongDeposit},
		{req.Short, shortVault, req.ShortDeposit},
		{longVault, fees, q.LongFee},
		{shortVault, fees, q.ShortFee},
	}
	for _, mv := range moves {
		if err := c.Transfer(ctx, mv.from, mv.to, mv.amount); err != nil {
			return nil, model.DealOpened{}, err
		}
	}

	d := &model.Deal{
		ID:            id,
		MarketID:      m.ID,
		Long:          req.Long,
		Short:         req.Short,
		ClientOrderID: req.ClientOrderID,
		Size:          req.Size,
		EntryNav:      m.LastNav,
		LongMargin:    q.LongMargin,
		ShortMargin:   q.ShortMargin,
		Status:        model.DealStatusOpen,
		OpenedAt:      env.Now,
	}
	return d, model.DealOpened{
		Deal:          d.ID,
		Market:        m.ID,
		Long:          d.Long,
		Short:         d.Short,
		Size:          d.Size,
		EntryNav:      d.EntryNav,
		NotionalQuote: q.Notional,
		LongDeposit:   req.LongDeposit,
		ShortDeposit:  req.ShortDeposit,
		LongFee:       q.LongFee,
		ShortFee:      q.ShortFee,
	}, nil
}

// AddMargin tops up one side's vault from that side's party. There is no
// upper bound.
func AddMargin(ctx context.Context, env Env, d *model.Deal, side model.Side, amount uint64) (model.MarginAdded, error) {
	if !side.Valid() {
		return model.MarginAdded{}, fmt.Errorf("%w: side %q", model.ErrInvalidArgument, side)
	}
	if !d.IsOpen() {
		return model.MarginAdded{}, model.ErrNotOpen
	}
	if env.Market.Paused {
		return model.MarginAdded{}, model.ErrMarketPaused
	}
	party := d.Party(side)
	if env.Caller.Signer != party {
		return model.MarginAdded{}, fmt.Errorf("%w: only the %s party may add %s margin", model.ErrUnauthorized, side, side)
	}
	if amount == 0 {
		return model.MarginAdded{}, model.ErrZeroSize
	}
	next, err := fixedpoint.Add(d.Margin(side), amount)
	if err != nil {
		return model.MarginAdded{}, err
	}
	if err := env.Custody.Transfer(ctx, party, custody.DealVault(d.ID, side), amount); err != nil {
		return model.MarginAdded{}, err
	}
	d.SetMargin(side, next)
	return model.MarginAdded{Deal: d.ID, Side: side, Amount: amount, Balance: next}, nil
}

// Close settles the deal at the market's NAV on request of either party.
// Each side's payout is floored at zero; a side's deficit comes out of the
// counterparty's payout and pauses the market.
func Close(ctx context.Context, env Env, d *model.Deal) (model.DealClosed, error) {
	m := env.Market
	if !d.IsOpen() {
		return model.DealClosed{}, model.ErrNotOpen
	}
	if env.Caller.Signer == "" || (env.Caller.Signer != d.Long && env.Caller.Signer != d.Short) {
		return model.DealClosed{}, fmt.Errorf("%w: only a party may close", model.ErrUnauthorized)
	}
	if m.Paused {
		return model.DealClosed{}, model.ErrMarketPaused
	}
	if err := oracle.EnsureFresh(m, env.Now); err != nil {
		return model.DealClosed{}, err
	}

	a, err := margin.Assess(m, d, m.LastNav)
	if err != nil {
		return model.DealClosed{}, err
	}
	pool, err := fixedpoint.Add(d.LongMargin, d.ShortMargin)
	if err != nil {
		return model.DealClosed{}, err
	}
	longPayout := a.LongEquity.Clamp(pool)
	shortPayout := pool - longPayout
	shortfall := a.LongEquity.Shortfall() + a.ShortEquity.Shortfall()

	v := newVaults(env.Custody, d)
	if err := v.pay(ctx, d.Long, longPayout, model.SideLong); err != nil {
		return model.DealClosed{}, err
	}
	if err := v.pay(ctx, d.Short, shortPayout, model.SideShort); err != nil {
		return model.DealClosed{}, err
	}

	finish(d, env.Now)
	if shortfall > 0 {
		m.Paused = true
	}
	return model.DealClosed{
		Deal:         d.ID,
		Market:       m.ID,
		LongPayout:   longPayout,
		ShortPayout:  shortPayout,
		CloseNav:     m.LastNav,
		Shortfall:    shortfall,
		MarketPaused: shortfall > 0,
	}, nil
}

func finish(d *model.Deal, now int64) {
	d.Status = model.DealStatusClosed
	d.ClosedAt = now
	d.LongMargin = 0
	d.ShortMargin = 0
}

// vaults tracks the two margin vaults of a deal while paying out of them.
type vaults struct {
	c       custody.Custody
	account map[model.Side]string
	balance map[model.Side]uint64
}

func newVaults(c custody.Custody, d *model.Deal) *vaults {
	return &vaults{
		c: c,
		account: map[model.Side]string{
			model.SideLong:  custody.DealVault(d.ID, model.SideLong),
			model.SideShort: custody.DealVault(d.ID, model.SideShort),
		},
		balance: map[model.Side]uint64{
			model.SideLong:  d.LongMargin,
			model.SideShort: d.ShortMargin,
		},
	}
}

// pay sends amount to account, drawing on the preferred side's vault first.
func (v *vaults) pay(ctx context.Context, to string, amount uint64, prefer model.Side) error {
	for _, s := range []model.Side{prefer, prefer.Opposite()} {
		take := fixedpoint.Min(amount, v.balance[s])
		if take == 0 {
			continue
		}
		if err := v.c.Transfer(ctx, v.account[s], to, take); err != nil {
			return err
		}
		v.balance[s] -= take
		amount -= take
	}
	if amount > 0 {
		return fmt.Errorf("%w: vaults short by %d", model.ErrInsufficientFunds, amount)
	}
	return nil
}

// move shifts amount from one side's vault to the other's.
func (v *vaults) move(ctx context.Context, from model.Side, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if v.balance[from] < amount {
		return fmt.Errorf("%w: %s vault holds %d, needs %d", model.ErrInsufficientFunds, from, v.balance[from], amount)
	}
	to := from.Opposite()
	if err := v.c.Transfer(ctx, v.account[from], v.account[to], amount); err != nil {
		return err
	}
	v.balance[from] -= amount
	v.balance[to] += amount
	return nil
}
