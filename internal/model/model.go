// Package model defines the core domain types shared across the settlement
// engine. All money, size and price values are unsigned fixed-point integers:
// never float64 for money.
package model

import "fmt"

const (
	// MaxAdmins bounds the admin set. Slot 0 always mirrors the authority.
	MaxAdmins = 5

	// DefaultMaintenanceBufferBps is applied when a market is created without
	// an explicit maintenance buffer.
	DefaultMaintenanceBufferBps uint16 = 100

	// DefaultFeeLongShareBps splits the open fee evenly between the parties.
	DefaultFeeLongShareBps uint16 = 5_000

	// DefaultCircuitBreakerSeconds is the cool-down armed by a rejected NAV jump.
	DefaultCircuitBreakerSeconds uint32 = 300

	bpsDenominator = 10_000
)

// RiskParams is the governable rate and policy set of a market.
type RiskParams struct {
	InitialMarginBps     uint16 `json:"initial_margin_bps"`
	MaintenanceMarginBps uint16 `json:"maintenance_margin_bps"`
	MaintenanceBufferBps uint16 `json:"maintenance_buffer_bps"`
	FeeBps               uint16 `json:"fee_bps"`
	FeeLongShareBps      uint16 `json:"fee_long_share_bps"`
	LiquidatorBps        uint16 `json:"liquidator_bps"`
	MaxLeverageBps       uint32 `json:"max_leverage_bps"`
	MaxNavJumpBps        uint16 `json:"max_nav_jump_bps"`
	MaxConfidenceBps     uint16 `json:"max_confidence_bps"` // 0 = disabled
	PriceStaleSeconds    uint32 `json:"price_stale_seconds"`

	// CircuitBreakerSeconds is how long posting is frozen after a rejected jump.
	CircuitBreakerSeconds uint32 `json:"circuit_breaker_seconds"`

	// LiquidateOnLeverage makes a leverage-cap breach alone liquidatable.
	// Leverage is measured on equity at the current NAV. Off by default.
	LiquidateOnLeverage bool `json:"liquidate_on_leverage"`
}

// Market is one (authority, quote asset, stack) futures market.
type Market struct {
	ID         string `json:"id"`
	StackID    string `json:"stack_id"`
	QuoteAsset string `json:"quote_asset"`

	Authority       string            `json:"authority"`
	Admins          [MaxAdmins]string `json:"admins"`
	AdminThreshold  uint8             `json:"admin_threshold"`
	OracleAuthority string            `json:"oracle_authority"`

	PriceDecimals uint8 `json:"price_decimals"`
	QuoteDecimals uint8 `json:"quote_decimals"`

	RiskParams

	LastNav             uint64 `json:"last_nav"`
	LastNavAt           int64  `json:"last_nav_at"`
	Paused              bool   `json:"paused"`
	CircuitBreakerUntil int64  `json:"circuit_breaker_until"`

	Pending *PendingParams `json:"pending,omitempty"`

	CreatedAt int64 `json:"created_at"`
}

// Clone returns a deep copy so a transaction can mutate freely.
func (m *Market) Clone() *Market {
	c := *m
	if m.Pending != nil {
		p := m.Pending.clone()
		c.Pending = &p
	}
	return &c
}

// AdminIndex returns the admin slot of id, or -1.
func (m *Market) AdminIndex(id string) int {
	if id == "" {
		return -1
	}
	for i, a := range m.Admins {
		if a == id {
			return i
		}
	}
	return -1
}

// AdminCount is the number of occupied admin slots.
func (m *Market) AdminCount() int {
	n := 0
	for _, a := range m.Admins {
		if a != "" {
			n++
		}
	}
	return n
}

// Validate checks the market-level invariants.
func (m *Market) Validate() error {
	if m.MaintenanceMarginBps > m.InitialMarginBps {
		return fmt.Errorf("%w: maintenance margin %d bps exceeds initial margin %d bps",
			ErrInvalidArgument, m.MaintenanceMarginBps, m.InitialMarginBps)
	}
	if m.InitialMarginBps == 0 {
		return fmt.Errorf("%w: initial margin must be positive", ErrInvalidArgument)
	}
	if m.AdminThreshold < 1 || int(m.AdminThreshold) > m.AdminCount() {
		return fmt.Errorf("%w: admin threshold %d outside 1..%d",
			ErrInvalidArgument, m.AdminThreshold, m.AdminCount())
	}
	if m.Admins[0] != m.Authority {
		return fmt.Errorf("%w: admin slot 0 must be the authority", ErrInvalidArgument)
	}
	seen := make(map[string]bool, MaxAdmins)
	for _, a := range m.Admins {
		if a == "" {
			continue
		}
		if seen[a] {
			return fmt.Errorf("%w: duplicate admin %s", ErrInvalidArgument, a)
		}
		seen[a] = true
	}
	if m.OracleAuthority == "" {
		return fmt.Errorf("%w: oracle authority is required", ErrInvalidArgument)
	}
	if m.FeeLongShareBps > bpsDenominator {
		return fmt.Errorf("%w: fee long share %d bps exceeds 10000", ErrInvalidArgument, m.FeeLongShareBps)
	}
	if m.PriceDecimals > 18 || m.QuoteDecimals > 18 {
		return fmt.Errorf("%w: decimals must not exceed 18", ErrInvalidArgument)
	}
	return nil
}

// ParamUpdate is a proposed parameter set. Nil fields are left unchanged.
type ParamUpdate struct {
	OracleAuthority      *string   `json:"oracle_authority,omitempty"`
	InitialMarginBps     *uint16   `json:"initial_margin_bps,omitempty"`
	MaintenanceMarginBps *uint16   `json:"maintenance_margin_bps,omitempty"`
	MaintenanceBufferBps *uint16   `json:"maintenance_buffer_bps,omitempty"`
	FeeBps               *uint16   `json:"fee_bps,omitempty"`
	FeeLongShareBps      *uint16   `json:"fee_long_share_bps,omitempty"`
	LiquidatorBps        *uint16   `json:"liquidator_bps,omitempty"`
	MaxLeverageBps       *uint32   `json:"max_leverage_bps,omitempty"`
	MaxNavJumpBps        *uint16   `json:"max_nav_jump_bps,omitempty"`
	MaxConfidenceBps     *uint16   `json:"max_confidence_bps,omitempty"`
	PriceStaleSeconds    *uint32   `json:"price_stale_seconds,omitempty"`
	CircuitBreakerSecs   *uint32   `json:"circuit_breaker_seconds,omitempty"`
	LiquidateOnLeverage  *bool     `json:"liquidate_on_leverage,omitempty"`
	AdminThreshold       *uint8    `json:"admin_threshold,omitempty"`
	CoAdmins             *[]string `json:"co_admins,omitempty"` // replaces slots 1..4
}

// Apply writes every set field of u onto m.
func (u *ParamUpdate) Apply(m *Market) error {
	if u.OracleAuthority != nil {
		m.OracleAuthority = *u.OracleAuthority
	}
	if u.InitialMarginBps != nil {
		m.InitialMarginBps = *u.InitialMarginBps
	}
	if u.MaintenanceMarginBps != nil {
		m.MaintenanceMarginBps = *u.MaintenanceMarginBps
	}
	if u.MaintenanceBufferBps != nil {
		m.MaintenanceBufferBps = *u.MaintenanceBufferBps
	}
	if u.FeeBps != nil {
		m.FeeBps = *u.FeeBps
	}
	if u.FeeLongShareBps != nil {
		m.FeeLongShareBps = *u.FeeLongShareBps
	}
	if u.LiquidatorBps != nil {
		m.LiquidatorBps = *u.LiquidatorBps
	}
	if u.MaxLeverageBps != nil {
		m.MaxLeverageBps = *u.MaxLeverageBps
	}
	if u.MaxNavJumpBps != nil {
		m.MaxNavJumpBps = *u.MaxNavJumpBps
	}
	if u.MaxConfidenceBps != nil {
		m.MaxConfidenceBps = *u.MaxConfidenceBps
	}
	if u.PriceStaleSeconds != nil {
		m.PriceStaleSeconds = *u.PriceStaleSeconds
	}
	if u.CircuitBreakerSecs != nil {
		m.CircuitBreakerSeconds = *u.CircuitBreakerSecs
	}
	if u.LiquidateOnLeverage != nil {
		m.LiquidateOnLeverage = *u.LiquidateOnLeverage
	}
	if u.AdminThreshold != nil {
		m.AdminThreshold = *u.AdminThreshold
	}
	if u.CoAdmins != nil {
		co := *u.CoAdmins
		if len(co) > MaxAdmins-1 {
			return fmt.Errorf("%w: at most %d co-admins", ErrInvalidArgument, MaxAdmins-1)
		}
		for i := 1; i < MaxAdmins; i++ {
			m.Admins[i] = ""
		}
		for i, a := range co {
			m.Admins[i+1] = a
		}
	}
	return nil
}

func (u ParamUpdate) clone() ParamUpdate {
	c := u
	if u.CoAdmins != nil {
		co := append([]string(nil), (*u.CoAdmins)...)
		c.CoAdmins = &co
	}
	return c
}

// PendingParams is a timelocked proposal with its accumulated approvals.
type PendingParams struct {
	Params       ParamUpdate `json:"params"`
	ExecutableAt int64       `json:"executable_at"`
	ProposedBy   string      `json:"proposed_by"`
	Approvals    uint8       `json:"approvals"` // bit i set = Admins[i] approved
}

func (p PendingParams) clone() PendingParams {
	c := p
	c.Params = p.Params.clone()
	return c
}

// Side names a party of a deal.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the counterparty side.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Valid reports whether s is long or short.
func (s Side) Valid() bool { return s == SideLong || s == SideShort }

// DealStatus is open or closed; closed is terminal.
type DealStatus string

const (
	DealStatusOpen   DealStatus = "open"
	DealStatusClosed DealStatus = "closed"
)

// Deal is a bilateral position between a fixed long and a fixed short.
type Deal struct {
	ID            string     `json:"id"`
	MarketID      string     `json:"market_id"`
	Long          string     `json:"long"`
	Short         string     `json:"short"`
	ClientOrderID uint64     `json:"client_order_id"`
	Size          uint64     `json:"size"` // stack units, 6 decimals
	EntryNav      uint64     `json:"entry_nav"`
	LongMargin    uint64     `json:"long_margin"`
	ShortMargin   uint64     `json:"short_margin"`
	Status        DealStatus `json:"status"`
	OpenedAt      int64      `json:"opened_at"`
	ClosedAt      int64      `json:"closed_at,omitempty"`
}

// Clone returns a copy of d.
func (d *Deal) Clone() *Deal {
	c := *d
	return &c
}

// IsOpen reports whether the deal can still be mutated.
func (d *Deal) IsOpen() bool { return d.Status == DealStatusOpen }

// Party returns the identity holding side s.
func (d *Deal) Party(s Side) string {
	if s == SideLong {
		return d.Long
	}
	return d.Short
}

// Margin returns the margin balance of side s.
func (d *Deal) Margin(s Side) uint64 {
	if s == SideLong {
		return d.LongMargin
	}
	return d.ShortMargin
}

// SetMargin overwrites the margin balance of side s.
func (d *Deal) SetMargin(s Side, v uint64) {
	if s == SideLong {
		d.LongMargin = v
	} else {
		d.ShortMargin = v
	}
}
