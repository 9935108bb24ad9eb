// Package margin computes notional, pnl, equity, leverage and the initial and
// maintenance requirements of a deal at a given NAV. Everything here is pure:
// callers pass the market and deal in and get numbers back.
package margin

import (
	"fmt"
	"math"

	"github.com/stackfutures/settlement-engine/internal/fixedpoint"
	"github.com/stackfutures/settlement-engine/internal/model"
)

// Notional is size*nav expressed in quote units.
func Notional(m *model.Market, size, nav uint64) (uint64, error) {
	return fixedpoint.MulRescale(size, nav, fixedpoint.UnitDecimals+m.PriceDecimals, m.QuoteDecimals)
}

// Pnl is the long side's profit, size*(nav-entry), in quote units. The short
// side's pnl is its negation.
func Pnl(m *model.Market, size, entry, nav uint64) (fixedpoint.Signed, error) {
	return fixedpoint.ScaledProduct(size, entry, nav, fixedpoint.UnitDecimals+m.PriceDecimals, m.QuoteDecimals)
}

// MaintenanceBps is the maintenance rate including the liquidation buffer.
func MaintenanceBps(m *model.Market) uint64 {
	return uint64(m.MaintenanceMarginBps) + uint64(m.MaintenanceBufferBps)
}

// LeverageBps is notional*10_000/margin. A zero margin is infinitely levered.
func LeverageBps(notional, margin uint64) uint64 {
	if margin == 0 {
		return math.MaxUint64
	}
	lev, err := fixedpoint.RatioBps(notional, margin)
	if err != nil {
		return math.MaxUint64
	}
	return lev
}

// Assessment is a deal's risk snapshot at one NAV.
type Assessment struct {
	Nav                 uint64
	Notional            uint64
	Pnl                 fixedpoint.Signed
	LongEquity          fixedpoint.Signed
	ShortEquity         fixedpoint.Signed
	RequiredInitial     uint64
	RequiredMaintenance uint64
	LongLeverageBps     uint64 // notional over equity floored at zero
	ShortLeverageBps    uint64
	LongLiquidatable    bool
	ShortLiquidatable   bool
}

// Assess marks d to market at nav.
func Assess(m *model.Market, d *model.Deal, nav uint64) (Assessment, error) {
	a := Assessment{Nav: nav}
	var err error
	if a.Notional, err = Notional(m, d.Size, nav); err != nil {
		return a, err
	}
	if a.Pnl, err = Pnl(m, d.Size, d.EntryNav, nav); err != nil {
		return a, err
	}
	if a.LongEquity, err = a.Pnl.Plus(d.LongMargin); err != nil {
		return a, err
	}
	if a.ShortEquity, err = a.Pnl.Minus(d.ShortMargin); err != nil {
		return a, err
	}
	if a.RequiredInitial, err = fixedpoint.Bps(a.Notional, uint64(m.InitialMarginBps)); err != nil {
		return a, err
	}
	if a.RequiredMaintenance, err = fixedpoint.Bps(a.Notional, MaintenanceBps(m)); err != nil {
		return a, err
	}
	a.LongLeverageBps = LeverageBps(a.Notional, a.LongEquity.Floor())
	a.ShortLeverageBps = LeverageBps(a.Notional, a.ShortEquity.Floor())

	overLevered := func(lev uint64) bool {
		return m.LiquidateOnLeverage && m.MaxLeverageBps > 0 && lev > uint64(m.MaxLeverageBps)
	}
	a.LongLiquidatable = a.LongEquity.Less(a.RequiredMaintenance) || overLevered(a.LongLeverageBps)
	a.ShortLiquidatable = a.ShortEquity.Less(a.RequiredMaintenance) || overLevered(a.ShortLeverageBps)
	return a, nil
}

// Equity returns the raw signed equity of side s.
func (a Assessment) Equity(s model.Side) fixedpoint.Signed {
	if s == model.SideLong {
		return a.LongEquity
	}
	return a.ShortEquity
}

// LeverageBps returns the leverage of side s.
func (a Assessment) LeverageBps(s model.Side) uint64 {
	if s == model.SideLong {
		return a.LongLeverageBps
	}
	return a.ShortLeverageBps
}

// Liquidatable reports whether side s can be liquidated.
func (a Assessment) Liquidatable(s model.Side) bool {
	if s == model.SideLong {
		return a.LongLiquidatable
	}
	return a.ShortLiquidatable
}

// BelowMaintenance reports whether side s has equity under the maintenance
// requirement, ignoring the leverage cap.
func (a Assessment) BelowMaintenance(s model.Side) bool {
	return a.Equity(s).Less(a.RequiredMaintenance)
}

// LiquidatableSide picks the side to liquidate. When both qualify the side
// further below maintenance goes first; ties go to the long.
func (a Assessment) LiquidatableSide() (model.Side, bool) {
	switch {
	case a.LongLiquidatable && a.ShortLiquidatable:
		if a.Deficit(model.SideShort) > a.Deficit(model.SideLong) {
			return model.SideShort, true
		}
		return model.SideLong, true
	case a.LongLiquidatable:
		return model.SideLong, true
	case a.ShortLiquidatable:
		return model.SideShort, true
	}
	return "", false
}

// Deficit is how far side s sits below maintenance, saturating.
func (a Assessment) Deficit(s model.Side) uint64 {
	eq := a.Equity(s)
	if eq.Neg {
		d, err := fixedpoint.Add(a.RequiredMaintenance, eq.Mag)
		if err != nil {
			return math.MaxUint64
		}
		return d
	}
	if eq.Mag >= a.RequiredMaintenance {
		return 0
	}
	return a.RequiredMaintenance - eq.Mag
}

// OpenQuote is the cost breakdown of opening a deal.
type OpenQuote struct {
	Notional         uint64
	TotalFee         uint64
	LongFee          uint64
	ShortFee         uint64
	RequiredInitial  uint64
	LongMargin       uint64
	ShortMargin      uint64
	LongLeverageBps  uint64
	ShortLeverageBps uint64
}

// OpenRequirements prices an open of size at nav against the two deposits.
// The quote is filled in even when an error is returned, so callers can
// show what was missing.
func OpenRequirements(m *model.Market, size, nav, longDeposit, shortDeposit uint64) (OpenQuote, error) {
	var (
		q   OpenQuote
		err error
	)
	if q.Notional, err = Notional(m, size, nav); err != nil {
		return q, err
	}
	if q.TotalFee, err = fixedpoint.Bps(q.Notional, uint64(m.FeeBps)); err != nil {
		return q, err
	}
	if q.LongFee, err = fixedpoint.Bps(q.TotalFee, uint64(m.FeeLongShareBps)); err != nil {
		return q, err
	}
	q.ShortFee = q.TotalFee - q.LongFee
	if q.RequiredInitial, err = fixedpoint.Bps(q.Notional, uint64(m.InitialMarginBps)); err != nil {
		return q, err
	}

	longNeed, err := fixedpoint.Add(q.RequiredInitial, q.LongFee)
	if err != nil {
		return q, err
	}
	shortNeed, err := fixedpoint.Add(q.RequiredInitial, q.ShortFee)
	if err != nil {
		return q, err
	}
	if longDeposit >= q.LongFee {
		q.LongMargin = longDeposit - q.LongFee
	}
	if shortDeposit >= q.ShortFee {
		q.ShortMargin = shortDeposit - q.ShortFee
	}
	q.LongLeverageBps = LeverageBps(q.Notional, q.LongMargin)
	q.ShortLeverageBps = LeverageBps(q.Notional, q.ShortMargin)

	if longDeposit < longNeed {
		return q, fmt.Errorf("%w: long deposit %d < required %d", model.ErrInsufficientMargin, longDeposit, longNeed)
	}
	if shortDeposit < shortNeed {
		return q, fmt.Errorf("%w: short deposit %d < required %d", model.ErrInsufficientMargin, shortDeposit, shortNeed)
	}
	if m.MaxLeverageBps > 0 {
		if q.LongLeverageBps > uint64(m.MaxLeverageBps) {
			return q, fmt.Errorf("%w: long %d bps > %d bps", model.ErrLeverageTooHigh, q.LongLeverageBps, m.MaxLeverageBps)
		}
		if q.ShortLeverageBps > uint64(m.MaxLeverageBps) {
			return q, fmt.Errorf("%w: short %d bps > %d bps", model.ErrLeverageTooHigh, q.ShortLeverageBps, m.MaxLeverageBps)
		}
	}
	return q, nil
}
