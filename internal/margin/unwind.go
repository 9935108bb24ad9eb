package margin

import (
	"github.com/stackfutures/settlement-engine/internal/fixedpoint"
	"github.com/stackfutures/settlement-engine/internal/model"
)

// Unwind is a partial liquidation plan for one side of a deal that has
// already been marked to market.
type Unwind struct {
	Size            uint64 // stack units closed out
	Remaining       uint64 // stack units left open
	Bounty          uint64
	RequiredInitial uint64 // initial margin of the remaining size
}

// PlanUnwind finds the smallest number of units to close so that margin,
// less the liquidator bounty on the closed units, covers the initial margin
// of what stays open. The bounty is capped at maxBounty. ok is false when no
// partial unwind works and the deal must be liquidated in full.
func PlanUnwind(m *model.Market, size, nav, margin, maxBounty uint64) (Unwind, bool, error) {
	if size < 2 || m.InitialMarginBps <= m.LiquidatorBps {
		return Unwind{}, false, nil
	}

	eval := func(c uint64) (Unwind, bool, error) {
		u := Unwind{Size: c, Remaining: size - c}
		closed, err := Notional(m, c, nav)
		if err != nil {
			return u, false, err
		}
		bounty, err := fixedpoint.Bps(closed, uint64(m.LiquidatorBps))
		if err != nil {
			return u, false, err
		}
		u.Bounty = fixedpoint.Min(bounty, maxBounty)
		kept, err := Notional(m, u.Remaining, nav)
		if err != nil {
			return u, false, err
		}
		if u.RequiredInitial, err = fixedpoint.Bps(kept, uint64(m.InitialMarginBps)); err != nil {
			return u, false, err
		}
		if u.Bounty > margin {
			return u, false, nil
		}
		return u, margin-u.Bounty >= u.RequiredInitial, nil
	}

	// Coverage improves as more units are closed because the initial margin
	// rate exceeds the bounty rate, so the smallest passing c is found by
	// bisection over [1, size-1].
	lo, hi := uint64(1), size-1
	var (
		best  Unwind
		found bool
	)
	for lo <= hi {
		mid := lo + (hi-lo)/2
		u, pass, err := eval(mid)
		if err != nil {
			return Unwind{}, false, err
		}
		if pass {
			best, found = u, true
			if mid == 1 {
				break
			}
			hi = mid - 1
		} else {
			lo = mid + 1
		}
	}
	return best, found, nil
}
