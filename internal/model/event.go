package model

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// EventKind names an append-only engine event.
type EventKind string

const (
	EventMarketInitialized     EventKind = "MarketInitialized"
	EventNavPosted             EventKind = "NavPosted"
	EventCircuitBreakerTripped EventKind = "CircuitBreakerTripped"
	EventMarketPaused          EventKind = "MarketPaused"
	EventParamsProposed        EventKind = "ParamsProposed"
	EventParamsApproved        EventKind = "ParamsApproved"
	EventParamsCancelled       EventKind = "ParamsCancelled"
	EventParamsExecuted        EventKind = "ParamsExecuted"
	EventAuthorityRotated      EventKind = "AuthorityRotated"
	EventDealOpened            EventKind = "DealOpened"
	EventMarginAdded           EventKind = "MarginAdded"
	EventDealClosed            EventKind = "DealClosed"
	EventDealLiquidated        EventKind = "DealLiquidated"
)

// Event is the stored envelope. Seq is assigned by the store on append.
type Event struct {
	ID       string          `json:"id"`
	Seq      uint64          `json:"seq"`
	Kind     EventKind       `json:"kind"`
	MarketID string          `json:"market_id"`
	DealID   string          `json:"deal_id,omitempty"`
	At       int64           `json:"at"`
	Data     json.RawMessage `json:"data"`
}

// NewEvent wraps a typed payload into an envelope.
func NewEvent(kind EventKind, marketID, dealID string, at int64, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s event: %w", kind, err)
	}
	return Event{
		ID:       uuid.New().String(),
		Kind:     kind,
		MarketID: marketID,
		DealID:   dealID,
		At:       at,
		Data:     data,
	}, nil
}

// --- Typed payloads ---

type MarketInitialized struct {
	Market        string `json:"market"`
	Authority     string `json:"authority"`
	QuoteAsset    string `json:"quote_asset"`
	StackID       string `json:"stack_id"`
	IMBps         uint16 `json:"im_bps"`
	MMBps         uint16 `json:"mm_bps"`
	FeeBps        uint16 `json:"fee_bps"`
	LiquidatorBps uint16 `json:"liquidator_bps"`
	PriceDecimals uint8  `json:"price_decimals"`
	QuoteDecimals uint8  `json:"quote_decimals"`
}

type NavPosted struct {
	Market string `json:"market"`
	Nav    uint64 `json:"nav"`
	Ts     int64  `json:"ts"`
}

type CircuitBreakerTripped struct {
	Market      string `json:"market"`
	LastNav     uint64 `json:"last_nav"`
	RejectedNav uint64 `json:"rejected_nav"`
	JumpBps     uint64 `json:"jump_bps"`
	ActiveUntil int64  `json:"active_until"`
}

type MarketPaused struct {
	Market string `json:"market"`
	Paused bool   `json:"paused"`
	Reason string `json:"reason"`
}

type ParamsProposed struct {
	Market       string      `json:"market"`
	Proposer     string      `json:"proposer"`
	Params       ParamUpdate `json:"params"`
	ExecutableAt int64       `json:"executable_at"`
}

type ParamsApproved struct {
	Market    string `json:"market"`
	Approver  string `json:"approver"`
	Approvals int    `json:"approvals"`
}

type ParamsCancelled struct {
	Market string `json:"market"`
	By     string `json:"by"`
}

type ParamsExecuted struct {
	Market string      `json:"market"`
	By     string      `json:"by"`
	Params ParamUpdate `json:"params"`
}

type AuthorityRotated struct {
	Market string `json:"market"`
	From   string `json:"from"`
	To     string `json:"to"`
}

type DealOpened struct {
	Deal          string `json:"deal"`
	Market        string `json:"market"`
	Long          string `json:"long"`
	Short         string `json:"short"`
	Size          uint64 `json:"size"`
	EntryNav      uint64 `json:"entry_nav"`
	NotionalQuote uint64 `json:"notional_quote"`
	LongDeposit   uint64 `json:"long_deposit"`
	ShortDeposit  uint64 `json:"short_deposit"`
	LongFee       uint64 `json:"long_fee"`
	ShortFee      uint64 `json:"short_fee"`
}

type MarginAdded struct {
	Deal    string `json:"deal"`
	Side    Side   `json:"side"`
	Amount  uint64 `json:"amount"`
	Balance uint64 `json:"balance"`
}

type DealClosed struct {
	Deal         string `json:"deal"`
	Market       string `json:"market"`
	LongPayout   uint64 `json:"long_payout"`
	ShortPayout  uint64 `json:"short_payout"`
	CloseNav     uint64 `json:"close_nav"`
	Shortfall    uint64 `json:"shortfall,omitempty"`
	MarketPaused bool   `json:"market_paused,omitempty"`
}

// LiquidationMode distinguishes a full unwind from a partial one.
type LiquidationMode string

const (
	LiquidationFull    LiquidationMode = "full"
	LiquidationPartial LiquidationMode = "partial"
)

type DealLiquidated struct {
	Deal           string          `json:"deal"`
	Market         string          `json:"market"`
	Liquidator     string          `json:"liquidator"`
	LiquidatedSide Side            `json:"liquidated_side"`
	Bounty         uint64          `json:"bounty"`
	Mode           LiquidationMode `json:"mode"`
	CloseNav       uint64          `json:"close_nav"`
	LongPayout     uint64          `json:"long_payout,omitempty"`
	ShortPayout    uint64          `json:"short_payout,omitempty"`
	UnwoundSize    uint64          `json:"unwound_size,omitempty"`
	RemainingSize  uint64          `json:"remaining_size,omitempty"`
	Shortfall      uint64          `json:"shortfall,omitempty"`
	MarketPaused   bool            `json:"market_paused,omitempty"`
}
