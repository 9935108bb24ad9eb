package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stackfutures/settlement-engine/internal/deal"
	"github.com/stackfutures/settlement-engine/internal/model"
	"github.com/stackfutures/settlement-engine/internal/store"
)

const unit = 1_000_000

func u16(v uint16) *uint16 { return &v }
func u32(v uint32) *uint32 { return &v }
func str(v string) *string { return &v }

type recorder struct {
	events []model.Event
	err    error
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Publish(_ context.Context, events []model.Event) error {
	r.events = append(r.events, events...)
	return r.err
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	st     *store.MemoryStore
	eng    *Engine
	pub    *recorder
	now    int64
	market string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, ctx: context.Background(), st: store.NewMemoryStore(), pub: &recorder{}, now: 1_000}
	h.eng = New(h.st, ClockFunc(func() int64 { return h.now }), h.pub)

	res, err := h.eng.Execute(h.ctx, model.Caller{Signer: "admin"}, InitMarket{
		QuoteAsset:    "USDC",
		StackID:       "STACK",
		PriceDecimals: 6,
		QuoteDecimals: 6,
		Params: model.ParamUpdate{
			OracleAuthority:      str("oracle"),
			InitialMarginBps:     u16(1_000),
			MaintenanceMarginBps: u16(500),
			LiquidatorBps:        u16(50),
			MaxLeverageBps:       u32(100_000),
			MaxNavJumpBps:        u16(2_000),
			PriceStaleSeconds:    u32(60),
		},
	})
	if err != nil {
		t.Fatalf("init market: %v", err)
	}
	h.market = res.MarketID
	for _, acct := range []string{"bob", "carol"} {
		if _, err := h.eng.Credit(h.ctx, acct, 1_000*unit); err != nil {
			t.Fatalf("credit %s: %v", acct, err)
		}
	}
	h.postNav(100 * unit)
	return h
}

func (h *harness) postNav(nav uint64) {
	h.t.Helper()
	if _, err := h.eng.Execute(h.ctx, model.Caller{Signer: "oracle"}, PostNav{MarketID: h.market, Nav: nav}); err != nil {
		h.t.Fatalf("post nav %d: %v", nav, err)
	}
}

func (h *harness) open(coid uint64) (*Result, error) {
	return h.eng.Execute(h.ctx, model.Caller{Signer: "bob", CoSigners: []string{"carol"}}, OpenDeal{
		MarketID: h.market,
		OpenRequest: deal.OpenRequest{
			Long:          "bob",
			Short:         "carol",
			ClientOrderID: coid,
			Size:          10 * unit,
			LongDeposit:   100 * unit,
			ShortDeposit:  100 * unit,
		},
	})
}

func (h *harness) balance(account string) uint64 {
	h.t.Helper()
	b, err := h.st.Balance(h.ctx, account)
	if err != nil {
		h.t.Fatal(err)
	}
	return b
}

func (h *harness) loadMarket() *model.Market {
	h.t.Helper()
	m, err := h.st.GetMarket(h.ctx, h.market)
	if err != nil {
		h.t.Fatal(err)
	}
	return m
}

func kinds(events []model.Event) []model.EventKind {
	out := make([]model.EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestInitMarket_Defaults(t *testing.T) {
	h := newHarness(t)
	m := h.loadMarket()
	if m.ID != "MKT-admin-USDC-STACK" {
		t.Errorf("unexpected id %s", m.ID)
	}
	if m.Admins[0] != "admin" || m.AdminThreshold != 1 {
		t.Errorf("unexpected admin set %v / %d", m.Admins, m.AdminThreshold)
	}
	if m.MaintenanceBufferBps != model.DefaultMaintenanceBufferBps ||
		m.FeeLongShareBps != model.DefaultFeeLongShareBps ||
		m.CircuitBreakerSeconds != model.DefaultCircuitBreakerSeconds ||
		m.LiquidateOnLeverage {
		t.Errorf("defaults not applied: %+v", m.RiskParams)
	}

	_, err := h.eng.Execute(h.ctx, model.Caller{Signer: "admin"}, InitMarket{
		QuoteAsset: "USDC",
		StackID:    "STACK",
		Params:     model.ParamUpdate{OracleAuthority: str("oracle"), InitialMarginBps: u16(1_000)},
	})
	if !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("expected duplicate market to fail, got %v", err)
	}
}

func TestInitMarket_RejectsBadParams(t *testing.T) {
	eng := New(store.NewMemoryStore(), ClockFunc(func() int64 { return 1 }))
	_, err := eng.Execute(context.Background(), model.Caller{Signer: "admin"}, InitMarket{
		QuoteAsset: "USDC",
		StackID:    "STACK",
		Params: model.ParamUpdate{
			OracleAuthority:      str("oracle"),
			InitialMarginBps:     u16(500),
			MaintenanceMarginBps: u16(1_000),
		},
	})
	if !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := eng.Execute(context.Background(), model.Caller{}, InitMarket{QuoteAsset: "USDC", StackID: "S"}); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized without a signer, got %v", err)
	}
}

func TestOpenAndClose_RoundTrip(t *testing.T) {
	h := newHarness(t)
	res, err := h.open(1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if res.Deal == nil || res.Deal.ID != "DEAL-admin-USDC-STACK-bob-carol-1" {
		t.Fatalf("unexpected deal %+v", res.Deal)
	}

	h.now += 10
	h.postNav(110 * unit)
	res, err = h.eng.Execute(h.ctx, model.Caller{Signer: "carol"}, CloseDeal{DealID: res.DealID})
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if res.Deal.Status != model.DealStatusClosed {
		t.Error("expected closed deal")
	}
	if got := h.balance("bob"); got != 1_100*unit {
		t.Errorf("expected long +100, got %d", got)
	}
	if got := h.balance("carol"); got != 900*unit {
		t.Errorf("expected short -100, got %d", got)
	}

	stored, err := h.st.GetDeal(h.ctx, res.DealID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.IsOpen() {
		t.Error("close was not persisted")
	}

	_, err = h.eng.Execute(h.ctx, model.Caller{Signer: "bob"}, AddMargin{DealID: res.DealID, Side: model.SideLong, Amount: unit})
	if !errors.Is(err, model.ErrNotOpen) {
		t.Errorf("expected ErrNotOpen, got %v", err)
	}
	_, err = h.eng.Execute(h.ctx, model.Caller{Signer: "liq"}, Liquidate{DealID: res.DealID})
	if !errors.Is(err, model.ErrNotOpen) {
		t.Errorf("expected ErrNotOpen, got %v", err)
	}
}

func TestOpen_UnderMarginedLeavesNoTrace(t *testing.T) {
	h := newHarness(t)
	events := len(h.pub.events)

	_, err := h.eng.Execute(h.ctx, model.Caller{Signer: "bob", CoSigners: []string{"carol"}}, OpenDeal{
		MarketID: h.market,
		OpenRequest: deal.OpenRequest{
			Long: "bob", Short: "carol", Size: 10 * unit,
			LongDeposit: 100 * unit, ShortDeposit: 50 * unit,
		},
	})
	if !errors.Is(err, model.ErrInsufficientMargin) {
		t.Fatalf("expected ErrInsufficientMargin, got %v", err)
	}
	if h.balance("bob") != 1_000*unit || h.balance("carol") != 1_000*unit {
		t.Error("custody moved on a rejected open")
	}
	deals, err := h.st.ListDeals(h.ctx, h.market)
	if err != nil {
		t.Fatal(err)
	}
	if len(deals) != 0 {
		t.Errorf("expected no deals, got %d", len(deals))
	}
	if len(h.pub.events) != events {
		t.Error("rejected command published events")
	}
}

func TestOpen_DuplicateKeyRollsBack(t *testing.T) {
	h := newHarness(t)
	if _, err := h.open(7); err != nil {
		t.Fatal(err)
	}
	_, err := h.open(7)
	if !errors.Is(err, model.ErrAlreadyOpen) {
		t.Fatalf("expected ErrAlreadyOpen, got %v", err)
	}
	if h.balance("bob") != 900*unit {
		t.Errorf("second open moved funds: bob holds %d", h.balance("bob"))
	}
	if _, err := h.open(8); err != nil {
		t.Errorf("a fresh client order id should open: %v", err)
	}
}

func TestPostNav_JumpTripsBreakerAndCommits(t *testing.T) {
	h := newHarness(t)
	h.now += 5

	res, err := h.eng.Execute(h.ctx, model.Caller{Signer: "oracle"}, PostNav{MarketID: h.market, Nav: 130 * unit})
	if !errors.Is(err, model.ErrPriceJumpTooLarge) {
		t.Fatalf("expected ErrPriceJumpTooLarge, got %v", err)
	}
	if res == nil || len(res.Events) != 1 || res.Events[0].Kind != model.EventCircuitBreakerTripped {
		t.Fatalf("expected a committed CircuitBreakerTripped event, got %+v", res)
	}
	m := h.loadMarket()
	if m.LastNav != 100*unit {
		t.Errorf("rejected nav was stored: %d", m.LastNav)
	}
	if m.CircuitBreakerUntil != h.now+int64(model.DefaultCircuitBreakerSeconds) {
		t.Errorf("breaker not persisted: %d", m.CircuitBreakerUntil)
	}
	last := h.pub.events[len(h.pub.events)-1]
	if last.Kind != model.EventCircuitBreakerTripped {
		t.Errorf("trip event not published, last was %s", last.Kind)
	}

	h.now += 10
	_, err = h.eng.Execute(h.ctx, model.Caller{Signer: "oracle"}, PostNav{MarketID: h.market, Nav: 101 * unit})
	if !errors.Is(err, model.ErrCircuitBreaker) {
		t.Errorf("expected ErrCircuitBreaker during cool-down, got %v", err)
	}
	if _, err := h.open(1); !errors.Is(err, model.ErrCircuitBreaker) {
		t.Errorf("expected open to be blocked by the breaker, got %v", err)
	}

	h.now += int64(model.DefaultCircuitBreakerSeconds)
	h.postNav(101 * unit)
}

func TestPause_UnpauseClearsBreaker(t *testing.T) {
	h := newHarness(t)
	_, _ = h.eng.Execute(h.ctx, model.Caller{Signer: "oracle"}, PostNav{MarketID: h.market, Nav: 200 * unit})
	if h.loadMarket().CircuitBreakerUntil == 0 {
		t.Fatal("expected armed breaker")
	}

	if _, err := h.eng.Execute(h.ctx, model.Caller{Signer: "bob"}, PauseMarket{MarketID: h.market, Paused: true}); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if _, err := h.eng.Execute(h.ctx, model.Caller{Signer: "admin"}, PauseMarket{MarketID: h.market, Paused: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.open(1); !errors.Is(err, model.ErrMarketPaused) {
		t.Errorf("expected ErrMarketPaused, got %v", err)
	}
	if _, err := h.eng.Execute(h.ctx, model.Caller{Signer: "admin"}, PauseMarket{MarketID: h.market, Paused: false}); err != nil {
		t.Fatal(err)
	}
	m := h.loadMarket()
	if m.Paused || m.CircuitBreakerUntil != 0 {
		t.Errorf("expected live market, got paused=%v breaker=%d", m.Paused, m.CircuitBreakerUntil)
	}
	h.postNav(100 * unit)
}

func TestClose_ShortfallPausesMarketWithEvent(t *testing.T) {
	h := newHarness(t)
	res, err := h.open(1)
	if err != nil {
		t.Fatal(err)
	}
	h.postNav(115 * unit)

	closed, err := h.eng.Execute(h.ctx, model.Caller{Signer: "bob"}, CloseDeal{DealID: res.DealID})
	if err != nil {
		t.Fatal(err)
	}
	got := kinds(closed.Events)
	if len(got) != 1 || got[0] != model.EventDealClosed {
		t.Fatalf("expected a single DealClosed event, got %v", got)
	}
	var ev model.DealClosed
	if err := json.Unmarshal(closed.Events[0].Data, &ev); err != nil {
		t.Fatal(err)
	}
	if !ev.MarketPaused || ev.Shortfall != 50*unit {
		t.Errorf("expected the pause on the settlement event, got %+v", ev)
	}
	if !h.loadMarket().Paused {
		t.Error("expected market paused after shortfall")
	}
	if h.balance("bob") != 1_100*unit || h.balance("carol") != 900*unit {
		t.Errorf("unexpected balances bob=%d carol=%d", h.balance("bob"), h.balance("carol"))
	}
}

func TestLiquidate_ShortAfterRally(t *testing.T) {
	h := newHarness(t)
	res, err := h.open(1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.eng.Execute(h.ctx, model.Caller{Signer: "liq"}, Liquidate{DealID: res.DealID}); !errors.Is(err, model.ErrNotLiquidatable) {
		t.Fatalf("expected ErrNotLiquidatable at entry, got %v", err)
	}

	h.postNav(106 * unit)
	view, err := h.eng.Deal(h.ctx, res.DealID)
	if err != nil {
		t.Fatal(err)
	}
	if view.Assessment == nil || !view.Assessment.ShortLiquidatable {
		t.Fatalf("expected short liquidatable in view, got %+v", view.Assessment)
	}

	out, err := h.eng.Execute(h.ctx, model.Caller{Signer: "liq"}, LiquidateToIM{DealID: res.DealID, MaxBountyTake: 100 * unit})
	if err != nil {
		t.Fatal(err)
	}
	if !out.Deal.IsOpen() || out.Deal.Size >= 10*unit {
		t.Errorf("expected a partial unwind, got %+v", out.Deal)
	}
	stored, err := h.eng.Deal(h.ctx, res.DealID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Deal.Status != model.DealStatusOpen || stored.Deal.Size != out.Deal.Size {
		t.Errorf("stored deal not left open after unwind: %+v", stored.Deal)
	}
	if stored.Assessment == nil || stored.Assessment.ShortLiquidatable {
		t.Errorf("unwound deal should be healthy again: %+v", stored.Assessment)
	}
	if h.balance("liq") == 0 {
		t.Error("liquidator was not paid")
	}
	if h.loadMarket().Paused {
		t.Error("a covered liquidation must not pause")
	}
}

func TestLiquidate_HealthyDealAtLeverageCap(t *testing.T) {
	h := newHarness(t)
	res, err := h.open(1) // exactly 10x, the market cap
	if err != nil {
		t.Fatal(err)
	}
	h.postNav(100_010_000)

	if _, err := h.eng.Execute(h.ctx, model.Caller{Signer: "liq"}, Liquidate{DealID: res.DealID}); !errors.Is(err, model.ErrNotLiquidatable) {
		t.Fatalf("expected ErrNotLiquidatable, got %v", err)
	}
	if _, err := h.eng.Execute(h.ctx, model.Caller{Signer: "liq"}, LiquidateToIM{DealID: res.DealID, MaxBountyTake: math.MaxUint64}); !errors.Is(err, model.ErrNotLiquidatable) {
		t.Fatalf("expected ErrNotLiquidatable, got %v", err)
	}
	if h.balance("liq") != 0 {
		t.Errorf("no bounty may be paid on a healthy deal, got %d", h.balance("liq"))
	}
}

func TestGovernance_DelayOverflowRejected(t *testing.T) {
	h := newHarness(t)
	admin := model.Caller{Signer: "admin"}
	_, err := h.eng.Execute(h.ctx, admin, ProposeParams{
		MarketID:     h.market,
		Params:       model.ParamUpdate{InitialMarginBps: u16(2_000)},
		DelaySeconds: math.MaxInt64,
	})
	if !errors.Is(err, model.ErrMathOverflow) {
		t.Fatalf("expected ErrMathOverflow, got %v", err)
	}
	if _, err := h.eng.Execute(h.ctx, admin, ExecuteParams{MarketID: h.market}); !errors.Is(err, model.ErrNoPendingParams) {
		t.Errorf("expected ErrNoPendingParams, got %v", err)
	}
	if h.loadMarket().InitialMarginBps != 1_000 {
		t.Error("params changed without a timelock")
	}
}

func TestGovernance_TimelockAndThreshold(t *testing.T) {
	h := newHarness(t)
	admin := model.Caller{Signer: "admin"}

	two := uint8(2)
	co := []string{"ops"}
	if _, err := h.eng.Execute(h.ctx, admin, ProposeParams{
		MarketID:     h.market,
		Params:       model.ParamUpdate{CoAdmins: &co, AdminThreshold: &two, FeeBps: u16(25)},
		DelaySeconds: 3_600,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.eng.Execute(h.ctx, admin, ExecuteParams{MarketID: h.market}); !errors.Is(err, model.ErrTimelockNotExpired) {
		t.Errorf("expected ErrTimelockNotExpired, got %v", err)
	}
	h.now += 3_600
	if _, err := h.eng.Execute(h.ctx, admin, ExecuteParams{MarketID: h.market}); err != nil {
		t.Fatalf("execute: %v", err)
	}
	m := h.loadMarket()
	if m.FeeBps != 25 || m.AdminThreshold != 2 || m.Admins[1] != "ops" || m.Pending != nil {
		t.Fatalf("params not applied: %+v", m)
	}

	// Threshold 2 now applies to the next proposal.
	if _, err := h.eng.Execute(h.ctx, admin, ProposeParams{MarketID: h.market, Params: model.ParamUpdate{FeeBps: u16(30)}}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.eng.Execute(h.ctx, admin, ExecuteParams{MarketID: h.market}); !errors.Is(err, model.ErrNotEnoughSigners) {
		t.Errorf("expected ErrNotEnoughSigners, got %v", err)
	}
	if _, err := h.eng.Execute(h.ctx, model.Caller{Signer: "ops"}, ApproveParams{MarketID: h.market}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.eng.Execute(h.ctx, admin, ExecuteParams{MarketID: h.market}); err != nil {
		t.Fatal(err)
	}
	if h.loadMarket().FeeBps != 30 {
		t.Error("second proposal not applied")
	}

	if _, err := h.eng.Execute(h.ctx, admin, CancelParams{MarketID: h.market}); !errors.Is(err, model.ErrNoPendingParams) {
		t.Errorf("expected ErrNoPendingParams, got %v", err)
	}
}

func TestRotateAuthority(t *testing.T) {
	h := newHarness(t)
	if _, err := h.eng.Execute(h.ctx, model.Caller{Signer: "admin"}, RotateAuthority{MarketID: h.market, NewAuthority: "bad id"}); !errors.Is(err, model.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := h.eng.Execute(h.ctx, model.Caller{Signer: "admin"}, RotateAuthority{MarketID: h.market, NewAuthority: "admin2"}); err != nil {
		t.Fatal(err)
	}
	m := h.loadMarket()
	if m.Authority != "admin2" || m.Admins[0] != "admin2" {
		t.Errorf("authority not rotated: %s / %v", m.Authority, m.Admins)
	}
	if m.ID != h.market {
		t.Error("market id must not change on rotation")
	}
}

func TestPublisherFailureDoesNotFailCommand(t *testing.T) {
	h := newHarness(t)
	h.pub.err = errors.New("broker down")
	if _, err := h.open(1); err != nil {
		t.Fatalf("publish failure leaked into the command: %v", err)
	}
	deals, err := h.st.ListDeals(h.ctx, h.market)
	if err != nil {
		t.Fatal(err)
	}
	if len(deals) != 1 {
		t.Errorf("expected the deal to be committed, got %d", len(deals))
	}
}

func TestEventsAreSequenced(t *testing.T) {
	h := newHarness(t)
	if _, err := h.open(1); err != nil {
		t.Fatal(err)
	}
	events, err := h.eng.Events(h.ctx, h.market, 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	want := []model.EventKind{model.EventMarketInitialized, model.EventNavPosted, model.EventDealOpened}
	got := kinds(events)
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
		if i > 0 && events[i].Seq <= events[i-1].Seq {
			t.Error("sequence numbers must increase")
		}
	}
}

func TestCommandTimeTakenAfterMarketLock(t *testing.T) {
	h := newHarness(t) // NAV posted at 1000

	// The first reading predates the last NAV, as for a command that queued
	// on the market row while that NAV committed.
	calls := 0
	eng := New(h.st, ClockFunc(func() int64 {
		calls++
		if calls == 1 {
			return 999
		}
		return 1_001
	}))
	if _, err := eng.Execute(h.ctx, model.Caller{Signer: "oracle"}, PostNav{MarketID: h.market, Nav: 101 * unit}); err != nil {
		t.Fatalf("expected the post to use the post-lock time, got %v", err)
	}
	if m := h.loadMarket(); m.LastNavAt != 1_001 || m.LastNav != 101*unit {
		t.Errorf("unexpected nav state %d@%d", m.LastNav, m.LastNavAt)
	}
}

func TestSystemClockNeverGoesBackwards(t *testing.T) {
	c := &SystemClock{last: 1 << 40}
	if got := c.Now(); got != 1<<40 {
		t.Errorf("expected clamp to the last reading, got %d", got)
	}
}
