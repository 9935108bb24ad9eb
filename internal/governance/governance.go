// Package governance implements the admin set, the timelocked parameter
// proposal flow and the immediate authority actions of a market.
//
// Approvals are a bitmask over the fixed admin slots: bit i is set once the
// admin in slot i has approved. Slot 0 always holds the market authority.
package governance

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/stackfutures/settlement-engine/internal/model"
)

// Propose replaces any pending proposal with params, executable delay
// seconds from now. The proposer's approval is recorded.
func Propose(m *model.Market, caller model.Caller, params model.ParamUpdate, delay int64, now int64) (model.ParamsProposed, error) {
	slot, err := requireAdmin(m, caller)
	if err != nil {
		return model.ParamsProposed{}, err
	}
	if delay < 0 {
		return model.ParamsProposed{}, fmt.Errorf("%w: negative delay %d", model.ErrInvalidArgument, delay)
	}
	if now > 0 && delay > math.MaxInt64-now {
		return model.ParamsProposed{}, fmt.Errorf("%w: delay %d from %d", model.ErrMathOverflow, delay, now)
	}
	if _, err := preview(m, params); err != nil {
		return model.ParamsProposed{}, err
	}
	m.Pending = &model.PendingParams{
		Params:       params,
		ExecutableAt: now + delay,
		ProposedBy:   caller.Signer,
		Approvals:    1 << slot,
	}
	return model.ParamsProposed{
		Market:       m.ID,
		Proposer:     caller.Signer,
		Params:       params,
		ExecutableAt: m.Pending.ExecutableAt,
	}, nil
}

// Approve adds the caller's approval to the pending proposal. Approving
// twice is a no-op.
func Approve(m *model.Market, caller model.Caller) (model.ParamsApproved, error) {
	slot, err := requireAdmin(m, caller)
	if err != nil {
		return model.ParamsApproved{}, err
	}
	if m.Pending == nil {
		return model.ParamsApproved{}, model.ErrNoPendingParams
	}
	m.Pending.Approvals |= 1 << slot
	return model.ParamsApproved{
		Market:    m.ID,
		Approver:  caller.Signer,
		Approvals: Approvals(m),
	}, nil
}

// Cancel drops the pending proposal.
func Cancel(m *model.Market, caller model.Caller) (model.ParamsCancelled, error) {
	if _, err := requireAdmin(m, caller); err != nil {
		return model.ParamsCancelled{}, err
	}
	if m.Pending == nil {
		return model.ParamsCancelled{}, model.ErrNoPendingParams
	}
	m.Pending = nil
	return model.ParamsCancelled{Market: m.ID, By: caller.Signer}, nil
}

// Execute applies the pending proposal once its timelock has passed and
// enough admins have approved. Either every field is applied or none is.
func Execute(m *model.Market, caller model.Caller, now int64) (model.ParamsExecuted, error) {
	if _, err := requireAdmin(m, caller); err != nil {
		return model.ParamsExecuted{}, err
	}
	p := m.Pending
	if p == nil {
		return model.ParamsExecuted{}, model.ErrNoPendingParams
	}
	if now < p.ExecutableAt {
		return model.ParamsExecuted{}, fmt.Errorf("%w: executable at %d, now %d",
			model.ErrTimelockNotExpired, p.ExecutableAt, now)
	}
	if n := Approvals(m); n < int(m.AdminThreshold) {
		return model.ParamsExecuted{}, fmt.Errorf("%w: %d of %d approvals",
			model.ErrNotEnoughSigners, n, m.AdminThreshold)
	}
	next, err := preview(m, p.Params)
	if err != nil {
		return model.ParamsExecuted{}, err
	}
	next.Pending = nil
	*m = *next
	return model.ParamsExecuted{Market: m.ID, By: caller.Signer, Params: p.Params}, nil
}

// RotateAuthority hands the market to next immediately. Slot 0 follows the
// authority and any approval it had given is dropped.
func RotateAuthority(m *model.Market, caller model.Caller, next string) (model.AuthorityRotated, error) {
	if err := authorize(m, caller); err != nil {
		return model.AuthorityRotated{}, err
	}
	if next == "" {
		return model.AuthorityRotated{}, fmt.Errorf("%w: new authority is required", model.ErrInvalidArgument)
	}
	if i := m.AdminIndex(next); i > 0 {
		return model.AuthorityRotated{}, fmt.Errorf("%w: %s already holds admin slot %d", model.ErrInvalidArgument, next, i)
	}
	prev := m.Authority
	m.Authority = next
	m.Admins[0] = next
	if m.Pending != nil {
		m.Pending.Approvals &^= 1
	}
	return model.AuthorityRotated{Market: m.ID, From: prev, To: next}, nil
}

// Pause sets the market's paused flag. Unpausing also disarms a tripped
// circuit breaker.
func Pause(m *model.Market, caller model.Caller, paused bool, reason string) (model.MarketPaused, error) {
	if err := authorize(m, caller); err != nil {
		return model.MarketPaused{}, err
	}
	m.Paused = paused
	if !paused {
		m.CircuitBreakerUntil = 0
	}
	if reason == "" {
		reason = "governance"
	}
	return model.MarketPaused{Market: m.ID, Paused: paused, Reason: reason}, nil
}

// Approvals counts the approvals held by currently occupied admin slots.
func Approvals(m *model.Market) int {
	if m.Pending == nil {
		return 0
	}
	var mask uint8
	for i, a := range m.Admins {
		if a != "" {
			mask |= 1 << i
		}
	}
	return bits.OnesCount8(m.Pending.Approvals & mask)
}

// authorize passes the authority alone, or any set of admin co-signers that
// meets the threshold.
func authorize(m *model.Market, caller model.Caller) error {
	if caller.Signer != "" && caller.Signer == m.Authority {
		return nil
	}
	n := 0
	for _, s := range caller.All() {
		if m.AdminIndex(s) >= 0 {
			n++
		}
	}
	if n == 0 {
		return fmt.Errorf("%w: %s is not an admin", model.ErrUnauthorized, caller.Signer)
	}
	if n < int(m.AdminThreshold) {
		return fmt.Errorf("%w: %d of %d admins signed", model.ErrNotEnoughSigners, n, m.AdminThreshold)
	}
	return nil
}

func requireAdmin(m *model.Market, caller model.Caller) (int, error) {
	slot := m.AdminIndex(caller.Signer)
	if slot < 0 {
		return 0, fmt.Errorf("%w: %s is not an admin", model.ErrUnauthorized, caller.Signer)
	}
	return slot, nil
}

// preview applies params to a copy of m and validates the result.
func preview(m *model.Market, params model.ParamUpdate) (*model.Market, error) {
	next := m.Clone()
	if err := params.Apply(next); err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}
