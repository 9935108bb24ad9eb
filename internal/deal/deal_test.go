package deal_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stackfutures/settlement-engine/internal/custody"
	"github.com/stackfutures/settlement-engine/internal/deal"
	"github.com/stackfutures/settlement-engine/internal/model"
)

const (
	unit = 1_000_000
	now  = 10_000
)

type balances map[string]uint64

func (b balances) Balance(_ context.Context, account string) (uint64, error) {
	return b[account], nil
}

func (b balances) SetBalance(_ context.Context, account string, amount uint64) error {
	b[account] = amount
	return nil
}

func (b balances) total() uint64 {
	var sum uint64
	for _, v := range b {
		sum += v
	}
	return sum
}

// newMarket returns IM 10%, MM 5% (+1% buffer), 0.5% bounty, 10x cap, NAV 100.
func newMarket() *model.Market {
	m := &model.Market{
		ID:              "MKT-admin-USDC-STACK",
		Authority:       "admin",
		OracleAuthority: "oracle",
		PriceDecimals:   6,
		QuoteDecimals:   6,
		LastNav:         100 * unit,
		LastNavAt:       now,
	}
	m.InitialMarginBps = 1_000
	m.MaintenanceMarginBps = 500
	m.MaintenanceBufferBps = 100
	m.FeeLongShareBps = 5_000
	m.LiquidatorBps = 50
	m.MaxLeverageBps = 100_000
	m.PriceStaleSeconds = 60
	m.LiquidateOnLeverage = true
	return m
}

type fixture struct {
	b   balances
	m   *model.Market
	env deal.Env
}

func newFixture() *fixture {
	b := balances{"bob": 1_000 * unit, "carol": 1_000 * unit}
	m := newMarket()
	return &fixture{
		b: b,
		m: m,
		env: deal.Env{
			Custody: custody.NewLedger(b),
			Market:  m,
			Caller:  model.Caller{Signer: "bob", CoSigners: []string{"carol"}},
			Now:     now,
		},
	}
}

func (f *fixture) as(signer string) deal.Env {
	e := f.env
	e.Caller = model.Caller{Signer: signer}
	return e
}

func openReq() deal.OpenRequest {
	return deal.OpenRequest{
		Long:          "bob",
		Short:         "carol",
		ClientOrderID: 1,
		Size:          10 * unit,
		LongDeposit:   100 * unit,
		ShortDeposit:  100 * unit,
	}
}

func (f *fixture) open(t *testing.T) *model.Deal {
	t.Helper()
	d, _, err := deal.Open(context.Background(), f.env, openReq())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	return d
}

func TestOpen_MovesDepositsAndFees(t *testing.T) {
	f := newFixture()
	f.m.FeeBps = 10 // 1.0 on 1000 notional, 0.5 each

	req := openReq()
	req.LongDeposit = 101 * unit
	req.ShortDeposit = 101 * unit
	d, ev, err := deal.Open(context.Background(), f.env, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.ID != "DEAL-admin-USDC-STACK-bob-carol-1" {
		t.Errorf("unexpected deal id %s", d.ID)
	}
	if d.LongMargin != 100_500_000 || d.ShortMargin != 100_500_000 {
		t.Errorf("unexpected margins %d/%d", d.LongMargin, d.ShortMargin)
	}
	if f.b["bob"] != 899*unit || f.b["carol"] != 899*unit {
		t.Errorf("deposits not debited: %v", f.b)
	}
	if f.b[custody.FeeVault(f.m.ID)] != unit {
		t.Errorf("expected fee vault 1.0, got %d", f.b[custody.FeeVault(f.m.ID)])
	}
	if f.b[custody.DealVault(d.ID, model.SideLong)] != d.LongMargin {
		t.Error("long vault does not match recorded margin")
	}
	if ev.EntryNav != 100*unit || ev.NotionalQuote != 1_000*unit || ev.LongFee != 500_000 {
		t.Errorf("unexpected event %+v", ev)
	}
	if d.Status != model.DealStatusOpen || d.OpenedAt != now {
		t.Errorf("unexpected state %s @ %d", d.Status, d.OpenedAt)
	}
}

func TestOpen_UnderMarginedMovesNothing(t *testing.T) {
	f := newFixture()
	req := openReq()
	req.ShortDeposit = 99 * unit

	_, _, err := deal.Open(context.Background(), f.env, req)
	if !errors.Is(err, model.ErrInsufficientMargin) {
		t.Fatalf("expected ErrInsufficientMargin, got %v", err)
	}
	if f.b["bob"] != 1_000*unit || f.b["carol"] != 1_000*unit || len(f.b) != 2 {
		t.Errorf("custody moved on a rejected open: %v", f.b)
	}
}

func TestOpen_Rejections(t *testing.T) {
	ctx := context.Background()

	f := newFixture()
	if _, _, err := deal.Open(ctx, f.as("bob"), openReq()); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized without the short's signature, got %v", err)
	}

	req := openReq()
	req.Size = 0
	if _, _, err := deal.Open(ctx, f.env, req); !errors.Is(err, model.ErrZeroSize) {
		t.Errorf("expected ErrZeroSize, got %v", err)
	}

	req = openReq()
	req.Short = "bob"
	if _, _, err := deal.Open(ctx, f.env, req); !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for self-trade, got %v", err)
	}

	req = openReq()
	req.LongDeposit = 2_000 * unit
	if _, _, err := deal.Open(ctx, f.env, req); !errors.Is(err, model.ErrInsufficientFunds) {
		t.Errorf("expected ErrInsufficientFunds, got %v", err)
	}

	f.m.LastNavAt = now - 61
	if _, _, err := deal.Open(ctx, f.env, openReq()); !errors.Is(err, model.ErrPriceStale) {
		t.Errorf("expected ErrPriceStale, got %v", err)
	}

	f.m.Paused = true
	if _, _, err := deal.Open(ctx, f.env, openReq()); !errors.Is(err, model.ErrMarketPaused) {
		t.Errorf("expected ErrMarketPaused, got %v", err)
	}
}

func TestOpen_LeverageCap(t *testing.T) {
	f := newFixture()
	f.m.MaxLeverageBps = 50_000
	if _, _, err := deal.Open(context.Background(), f.env, openReq()); !errors.Is(err, model.ErrLeverageTooHigh) {
		t.Errorf("expected ErrLeverageTooHigh, got %v", err)
	}
}

func TestClose_RoundTrip(t *testing.T) {
	f := newFixture()
	d := f.open(t)

	f.m.LastNav = 110 * unit
	ev, err := deal.Close(context.Background(), f.as("carol"), d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.LongPayout != 200*unit || ev.ShortPayout != 0 || ev.Shortfall != 0 {
		t.Errorf("unexpected payouts %+v", ev)
	}
	if f.b["bob"] != 1_100*unit {
		t.Errorf("expected long +100, got %d", f.b["bob"])
	}
	if f.b["carol"] != 900*unit {
		t.Errorf("expected short -100, got %d", f.b["carol"])
	}
	if d.Status != model.DealStatusClosed || d.LongMargin != 0 || d.ShortMargin != 0 {
		t.Errorf("deal not closed cleanly: %+v", d)
	}
	if f.m.Paused {
		t.Error("a fully covered close must not pause")
	}
}

func TestClose_ThenEverythingFailsNotOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	d := f.open(t)
	if _, err := deal.Close(ctx, f.as("bob"), d); err != nil {
		t.Fatal(err)
	}

	if _, err := deal.Close(ctx, f.as("bob"), d); !errors.Is(err, model.ErrNotOpen) {
		t.Errorf("close: expected ErrNotOpen, got %v", err)
	}
	if _, err := deal.AddMargin(ctx, f.as("bob"), d, model.SideLong, unit); !errors.Is(err, model.ErrNotOpen) {
		t.Errorf("add margin: expected ErrNotOpen, got %v", err)
	}
	if _, err := deal.Liquidate(ctx, f.as("liq"), d); !errors.Is(err, model.ErrNotOpen) {
		t.Errorf("liquidate: expected ErrNotOpen, got %v", err)
	}
	if _, err := deal.LiquidateToIM(ctx, f.as("liq"), d, math.MaxUint64); !errors.Is(err, model.ErrNotOpen) {
		t.Errorf("liquidate to im: expected ErrNotOpen, got %v", err)
	}
}

func TestClose_ShortfallPausesMarket(t *testing.T) {
	f := newFixture()
	d := f.open(t)

	f.m.LastNav = 115 * unit
	ev, err := deal.Close(context.Background(), f.as("bob"), d)
	if err != nil {
		t.Fatal(err)
	}
	if ev.LongPayout != 200*unit || ev.ShortPayout != 0 {
		t.Errorf("expected pool to long, got %+v", ev)
	}
	if ev.Shortfall != 50*unit {
		t.Errorf("expected shortfall 50, got %d", ev.Shortfall)
	}
	if !f.m.Paused || !ev.MarketPaused {
		t.Error("expected socialized-loss pause")
	}
	if f.b.total() != 2_000*unit {
		t.Errorf("funds not conserved: %d", f.b.total())
	}
}

func TestClose_Unauthorized(t *testing.T) {
	f := newFixture()
	d := f.open(t)
	if _, err := deal.Close(context.Background(), f.as("mallory"), d); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}

func TestAddMargin(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	d := f.open(t)

	if _, err := deal.AddMargin(ctx, f.as("carol"), d, model.SideLong, unit); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := deal.AddMargin(ctx, f.as("bob"), d, model.SideLong, 0); !errors.Is(err, model.ErrZeroSize) {
		t.Errorf("expected ErrZeroSize, got %v", err)
	}
	ev, err := deal.AddMargin(ctx, f.as("bob"), d, model.SideLong, 50*unit)
	if err != nil {
		t.Fatal(err)
	}
	if d.LongMargin != 150*unit || ev.Balance != 150*unit {
		t.Errorf("expected long margin 150, got %d", d.LongMargin)
	}
	if f.b[custody.DealVault(d.ID, model.SideLong)] != 150*unit {
		t.Error("vault not credited")
	}
}

func TestLiquidate_FullyMarginedRejected(t *testing.T) {
	f := newFixture()
	d := f.open(t)
	if _, err := deal.Liquidate(context.Background(), f.as("liq"), d); !errors.Is(err, model.ErrNotLiquidatable) {
		t.Errorf("expected ErrNotLiquidatable, got %v", err)
	}
	if _, err := deal.LiquidateToIM(context.Background(), f.as("liq"), d, math.MaxUint64); !errors.Is(err, model.ErrNotLiquidatable) {
		t.Errorf("expected ErrNotLiquidatable, got %v", err)
	}
}

func TestLiquidate_ShortAfterRally(t *testing.T) {
	f := newFixture()
	d := f.open(t)

	f.m.LastNav = 106 * unit
	ev, err := deal.Liquidate(context.Background(), f.as("liq"), d)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.LiquidatedSide != model.SideShort || ev.Mode != model.LiquidationFull {
		t.Errorf("unexpected liquidation %+v", ev)
	}
	// 0.5% of 1060 notional, taken from the short's 40 of equity.
	if ev.Bounty != 5_300_000 {
		t.Errorf("expected bounty 5.3, got %d", ev.Bounty)
	}
	if ev.LongPayout != 160*unit || ev.ShortPayout != 34_700_000 {
		t.Errorf("unexpected payouts %d/%d", ev.LongPayout, ev.ShortPayout)
	}
	if f.b["liq"] != 5_300_000 {
		t.Errorf("liquidator not paid: %d", f.b["liq"])
	}
	if f.m.Paused || ev.MarketPaused {
		t.Error("no deficit, market must stay live")
	}
	if d.Status != model.DealStatusClosed {
		t.Error("expected closed")
	}
}

func TestLiquidate_DeficitPausesAndCounterpartyFundsBounty(t *testing.T) {
	f := newFixture()
	d := f.open(t)

	f.m.LastNav = 115 * unit
	ev, err := deal.Liquidate(context.Background(), f.as("liq"), d)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Shortfall != 50*unit || !ev.MarketPaused || !f.m.Paused {
		t.Errorf("expected deficit pause, got %+v", ev)
	}
	if ev.ShortPayout != 0 || ev.LongPayout != 200*unit-5_750_000 {
		t.Errorf("unexpected payouts %d/%d", ev.LongPayout, ev.ShortPayout)
	}
	if f.b.total() != 2_000*unit {
		t.Errorf("funds not conserved: %d", f.b.total())
	}
}

func TestLiquidate_PausedMarket(t *testing.T) {
	f := newFixture()
	d := f.open(t)
	f.m.Paused = true
	if _, err := deal.Liquidate(context.Background(), f.as("liq"), d); !errors.Is(err, model.ErrMarketPaused) {
		t.Errorf("expected ErrMarketPaused, got %v", err)
	}
}

func TestLiquidateToIM_Partial(t *testing.T) {
	f := newFixture()
	d := f.open(t)

	f.m.LastNav = 106 * unit
	ev, err := deal.LiquidateToIM(context.Background(), f.as("liq"), d, math.MaxUint64)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Mode != model.LiquidationPartial || ev.LiquidatedSide != model.SideShort {
		t.Fatalf("unexpected liquidation %+v", ev)
	}
	if !d.IsOpen() {
		t.Fatal("partial liquidation must keep the deal open")
	}
	if d.EntryNav != 106*unit {
		t.Errorf("expected entry re-marked to 106, got %d", d.EntryNav)
	}
	if d.Size != ev.RemainingSize || ev.UnwoundSize+ev.RemainingSize != 10*unit {
		t.Errorf("sizes inconsistent: %+v size=%d", ev, d.Size)
	}
	if d.LongMargin != 160*unit {
		t.Errorf("expected realized long margin 160, got %d", d.LongMargin)
	}
	if d.ShortMargin != 40*unit-ev.Bounty {
		t.Errorf("expected short margin 40 - bounty, got %d", d.ShortMargin)
	}
	if f.b["liq"] != ev.Bounty || ev.Bounty == 0 {
		t.Errorf("liquidator not paid the bounty %d", ev.Bounty)
	}

	// The remaining position is back at initial margin.
	required := d.Size * 106 / 10 // 10% of size*106, at 6 decimals
	if d.ShortMargin < required {
		t.Errorf("short margin %d below IM %d", d.ShortMargin, required)
	}
	if _, err := deal.Liquidate(context.Background(), f.as("liq"), d); !errors.Is(err, model.ErrNotLiquidatable) {
		t.Errorf("restored deal should not be liquidatable, got %v", err)
	}
}

func TestLiquidateToIM_FallsThroughOnDeficit(t *testing.T) {
	f := newFixture()
	d := f.open(t)

	f.m.LastNav = 115 * unit
	ev, err := deal.LiquidateToIM(context.Background(), f.as("liq"), d, 1_000_000)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Mode != model.LiquidationFull {
		t.Errorf("expected full liquidation, got %s", ev.Mode)
	}
	if ev.Bounty != 1_000_000 {
		t.Errorf("expected bounty capped at 1.0, got %d", ev.Bounty)
	}
	if d.IsOpen() || !f.m.Paused {
		t.Error("expected closed deal and paused market")
	}
}
