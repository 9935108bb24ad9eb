// Package oracle validates NAV posts from a market's oracle authority and
// checks price freshness before any NAV is consumed for settlement.
package oracle

import (
	"fmt"
	"math"

	"github.com/stackfutures/settlement-engine/internal/fixedpoint"
	"github.com/stackfutures/settlement-engine/internal/model"
)

// TrippedError is returned when a post is rejected for jumping too far. The
// market passed to PostNav has already been updated with the armed breaker;
// the caller must persist that change even though the post failed.
type TrippedError struct {
	Event model.CircuitBreakerTripped
}

func (e *TrippedError) Error() string {
	return fmt.Sprintf("%s: jump %d bps, breaker active until %d",
		model.ErrPriceJumpTooLarge, e.Event.JumpBps, e.Event.ActiveUntil)
}

func (e *TrippedError) Unwrap() error { return model.ErrPriceJumpTooLarge }

// PostNav validates and records a NAV for m at time now. On success m carries
// the new NAV and the returned payload describes it.
func PostNav(m *model.Market, caller string, nav uint64, confidence *uint64, now int64) (model.NavPosted, error) {
	if caller == "" || caller != m.OracleAuthority {
		return model.NavPosted{}, fmt.Errorf("%w: %s is not the oracle authority", model.ErrUnauthorized, caller)
	}
	if m.Paused {
		return model.NavPosted{}, model.ErrMarketPaused
	}
	if now < m.CircuitBreakerUntil {
		return model.NavPosted{}, fmt.Errorf("%w: until %d", model.ErrCircuitBreaker, m.CircuitBreakerUntil)
	}
	if nav == 0 {
		return model.NavPosted{}, fmt.Errorf("%w: nav", model.ErrZeroSize)
	}

	if m.LastNav != 0 && m.MaxNavJumpBps > 0 {
		jump := JumpBps(m.LastNav, nav)
		if jump > uint64(m.MaxNavJumpBps) {
			m.CircuitBreakerUntil = now + int64(m.CircuitBreakerSeconds)
			return model.NavPosted{}, &TrippedError{Event: model.CircuitBreakerTripped{
				Market:      m.ID,
				LastNav:     m.LastNav,
				RejectedNav: nav,
				JumpBps:     jump,
				ActiveUntil: m.CircuitBreakerUntil,
			}}
		}
	}

	if m.MaxConfidenceBps > 0 && confidence != nil {
		conf, err := fixedpoint.RatioBps(*confidence, nav)
		if err != nil {
			conf = math.MaxUint64
		}
		if conf > uint64(m.MaxConfidenceBps) {
			return model.NavPosted{}, fmt.Errorf("%w: %d bps > %d bps",
				model.ErrOracleConfidenceTooWide, conf, m.MaxConfidenceBps)
		}
	}

	m.LastNav = nav
	m.LastNavAt = now
	return model.NavPosted{Market: m.ID, Nav: nav, Ts: now}, nil
}

// JumpBps is |next-last|*10_000/last. A ratio too large for 64 bits
// saturates.
func JumpBps(last, next uint64) uint64 {
	if last == 0 {
		return 0
	}
	diff := fixedpoint.Diff(next, last).Mag
	jump, err := fixedpoint.RatioBps(diff, last)
	if err != nil {
		return math.MaxUint64
	}
	return jump
}

// EnsureFresh reports whether m's NAV may be consumed at now.
func EnsureFresh(m *model.Market, now int64) error {
	if now < m.CircuitBreakerUntil {
		return fmt.Errorf("%w: until %d", model.ErrCircuitBreaker, m.CircuitBreakerUntil)
	}
	if m.LastNav == 0 {
		return model.ErrPriceNotSet
	}
	if now < m.LastNavAt {
		return fmt.Errorf("%w: now %d before last post %d", model.ErrClockWentBackwards, now, m.LastNavAt)
	}
	if age := now - m.LastNavAt; age > int64(m.PriceStaleSeconds) {
		return fmt.Errorf("%w: age %ds exceeds %ds", model.ErrPriceStale, age, m.PriceStaleSeconds)
	}
	return nil
}
