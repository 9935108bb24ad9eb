package deal

import (
	"context"
	"fmt"
	"math"

	"github.com/stackfutures/settlement-engine/internal/fixedpoint"
	"github.com/stackfutures/settlement-engine/internal/margin"
	"github.com/stackfutures/settlement-engine/internal/model"
	"github.com/stackfutures/settlement-engine/internal/oracle"
)

// Liquidate closes out a deal with a liquidatable side. The caller earns a
// bounty on notional, taken from the liquidated side first and from the
// counterparty only when the liquidated side cannot cover it.
func Liquidate(ctx context.Context, env Env, d *model.Deal) (model.DealLiquidated, error) {
	a, err := precheck(env, d)
	if err != nil {
		return model.DealLiquidated{}, err
	}
	side, ok := a.LiquidatableSide()
	if !ok {
		return model.DealLiquidated{}, model.ErrNotLiquidatable
	}
	return liquidateFull(ctx, env, d, a, side, math.MaxUint64)
}

// LiquidateToIM unwinds the fewest stack units that bring a side below
// maintenance back to initial margin on what remains. The deal is first
// marked to market so the remaining size starts at the current NAV. When no
// partial unwind works the deal is liquidated in full. Either way the bounty
// is capped at maxBountyTake.
func LiquidateToIM(ctx context.Context, env Env, d *model.Deal, maxBountyTake uint64) (model.DealLiquidated, error) {
	a, err := precheck(env, d)
	if err != nil {
		return model.DealLiquidated{}, err
	}

	var side model.Side
	switch long, short := a.BelowMaintenance(model.SideLong), a.BelowMaintenance(model.SideShort); {
	case long && short:
		side = model.SideLong
		if a.Deficit(model.SideShort) > a.Deficit(model.SideLong) {
			side = model.SideShort
		}
	case long:
		side = model.SideLong
	case short:
		side = model.SideShort
	default:
		return model.DealLiquidated{}, model.ErrNotLiquidatable
	}

	eq := a.Equity(side)
	if eq.Neg {
		return liquidateFull(ctx, env, d, a, side, maxBountyTake)
	}
	plan, ok, err := margin.PlanUnwind(env.Market, d.Size, a.Nav, eq.Mag, maxBountyTake)
	if err != nil {
		return model.DealLiquidated{}, err
	}
	if !ok {
		return liquidateFull(ctx, env, d, a, side, maxBountyTake)
	}

	// Realize pnl between the vaults; after this both margins equal equity.
	v := newVaults(env.Custody, d)
	if a.Pnl.Neg {
		err = v.move(ctx, model.SideLong, a.Pnl.Mag)
	} else {
		err = v.move(ctx, model.SideShort, a.Pnl.Mag)
	}
	if err != nil {
		return model.DealLiquidated{}, err
	}
	if err := v.pay(ctx, env.Caller.Signer, plan.Bounty, side); err != nil {
		return model.DealLiquidated{}, err
	}

	d.EntryNav = a.Nav
	d.Size = plan.Remaining
	d.LongMargin = v.balance[model.SideLong]
	d.ShortMargin = v.balance[model.SideShort]

	return model.DealLiquidated{
		Deal:           d.ID,
		Market:         env.Market.ID,
		Liquidator:     env.Caller.Signer,
		LiquidatedSide: side,
		Bounty:         plan.Bounty,
		Mode:           model.LiquidationPartial,
		CloseNav:       a.Nav,
		UnwoundSize:    plan.Size,
		RemainingSize:  plan.Remaining,
	}, nil
}

func precheck(env Env, d *model.Deal) (margin.Assessment, error) {
	m := env.Market
	if !d.IsOpen() {
		return margin.Assessment{}, model.ErrNotOpen
	}
	if env.Caller.Signer == "" {
		return margin.Assessment{}, fmt.Errorf("%w: liquidator identity required", model.ErrUnauthorized)
	}
	if m.Paused {
		return margin.Assessment{}, model.ErrMarketPaused
	}
	if err := oracle.EnsureFresh(m, env.Now); err != nil {
		return margin.Assessment{}, err
	}
	return margin.Assess(m, d, m.LastNav)
}

func liquidateFull(ctx context.Context, env Env, d *model.Deal, a margin.Assessment, side model.Side, maxBounty uint64) (model.DealLiquidated, error) {
	m := env.Market
	pool, err := fixedpoint.Add(d.LongMargin, d.ShortMargin)
	if err != nil {
		return model.DealLiquidated{}, err
	}
	bounty, err := fixedpoint.Bps(a.Notional, uint64(m.LiquidatorBps))
	if err != nil {
		return model.DealLiquidated{}, err
	}
	bounty = fixedpoint.Min(fixedpoint.Min(bounty, pool), maxBounty)

	payout := map[model.Side]uint64{model.SideLong: a.LongEquity.Clamp(pool)}
	payout[model.SideShort] = pool - payout[model.SideLong]

	take := fixedpoint.Min(bounty, payout[side])
	payout[side] -= take
	payout[side.Opposite()] -= bounty - take

	v := newVaults(env.Custody, d)
	if err := v.pay(ctx, env.Caller.Signer, bounty, side); err != nil {
		return model.DealLiquidated{}, err
	}
	if err := v.pay(ctx, d.Long, payout[model.SideLong], model.SideLong); err != nil {
		return model.DealLiquidated{}, err
	}
	if err := v.pay(ctx, d.Short, payout[model.SideShort], model.SideShort); err != nil {
		return model.DealLiquidated{}, err
	}

	shortfall := a.Equity(side).Shortfall()
	size := d.Size
	finish(d, env.Now)
	if shortfall > 0 {
		m.Paused = true
	}
	return model.DealLiquidated{
		Deal:           d.ID,
		Market:         m.ID,
		Liquidator:     env.Caller.Signer,
		LiquidatedSide: side,
		Bounty:         bounty,
		Mode:           model.LiquidationFull,
		CloseNav:       a.Nav,
		LongPayout:     payout[model.SideLong],
		ShortPayout:    payout[model.SideShort],
		UnwoundSize:    size,
		Shortfall:      shortfall,
		MarketPaused:   shortfall > 0,
	}, nil
}
