package engine

import (
	"github.com/stackfutures/settlement-engine/internal/deal"
	"github.com/stackfutures/settlement-engine/internal/model"
)

// Command is the closed set of engine operations. Only types in this file
// implement it.
type Command interface {
	// Op is the stable operation name used in logs and metrics.
	Op() string
	command()
}

// InitMarket creates a market owned by the submitting signer. Nil fields of
// Params take the market defaults.
type InitMarket struct {
	QuoteAsset    string            `json:"quote_asset"`
	StackID       string            `json:"stack_id"`
	PriceDecimals uint8             `json:"price_decimals"`
	QuoteDecimals uint8             `json:"quote_decimals"`
	Params        model.ParamUpdate `json:"params"`
}

type PostNav struct {
	MarketID   string  `json:"market_id"`
	Nav        uint64  `json:"nav"`
	Confidence *uint64 `json:"confidence,omitempty"`
}

type PauseMarket struct {
	MarketID string `json:"market_id"`
	Paused   bool   `json:"paused"`
	Reason   string `json:"reason,omitempty"`
}

type ProposeParams struct {
	MarketID     string            `json:"market_id"`
	Params       model.ParamUpdate `json:"params"`
	DelaySeconds int64             `json:"delay_seconds"`
}

type ApproveParams struct {
	MarketID string `json:"market_id"`
}

type CancelParams struct {
	MarketID string `json:"market_id"`
}

type ExecuteParams struct {
	MarketID string `json:"market_id"`
}

type RotateAuthority struct {
	MarketID     string `json:"market_id"`
	NewAuthority string `json:"new_authority"`
}

type OpenDeal struct {
	MarketID string `json:"market_id"`
	deal.OpenRequest
}

type AddMargin struct {
	DealID string     `json:"deal_id"`
	Side   model.Side `json:"side"`
	Amount uint64     `json:"amount"`
}

type CloseDeal struct {
	DealID string `json:"deal_id"`
}

type Liquidate struct {
	DealID string `json:"deal_id"`
}

// LiquidateToIM caps the liquidator's bounty at MaxBountyTake.
type LiquidateToIM struct {
	DealID        string `json:"deal_id"`
	MaxBountyTake uint64 `json:"max_bounty_take"`
}

func (InitMarket) Op() string      { return "init_market" }
func (PostNav) Op() string         { return "post_nav" }
func (PauseMarket) Op() string     { return "pause_market" }
func (ProposeParams) Op() string   { return "propose_params" }
func (ApproveParams) Op() string   { return "approve_params" }
func (CancelParams) Op() string    { return "cancel_params" }
func (ExecuteParams) Op() string   { return "execute_params" }
func (RotateAuthority) Op() string { return "rotate_authority" }
func (OpenDeal) Op() string        { return "open_deal" }
func (AddMargin) Op() string       { return "add_margin" }
func (CloseDeal) Op() string       { return "close_deal" }
func (Liquidate) Op() string       { return "liquidate" }
func (LiquidateToIM) Op() string   { return "liquidate_to_im" }

func (InitMarket) command()      {}
func (PostNav) command()         {}
func (PauseMarket) command()     {}
func (ProposeParams) command()   {}
func (ApproveParams) command()   {}
func (CancelParams) command()    {}
func (ExecuteParams) command()   {}
func (RotateAuthority) command() {}
func (OpenDeal) command()        {}
func (AddMargin) command()       {}
func (CloseDeal) command()       {}
func (Liquidate) command()       {}
func (LiquidateToIM) command()   {}
