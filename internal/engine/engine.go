// Package engine executes settlement commands. Each command runs in one store
// transaction: market and deal state, custody balances and the events it
// emits commit together or not at all. Committed events are then handed to
// the configured publishers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stackfutures/settlement-engine/internal/contract"
	"github.com/stackfutures/settlement-engine/internal/custody"
	"github.com/stackfutures/settlement-engine/internal/deal"
	"github.com/stackfutures/settlement-engine/internal/governance"
	"github.com/stackfutures/settlement-engine/internal/margin"
	"github.com/stackfutures/settlement-engine/internal/metrics"
	"github.com/stackfutures/settlement-engine/internal/model"
	"github.com/stackfutures/settlement-engine/internal/oracle"
	"github.com/stackfutures/settlement-engine/internal/store"
)

// Publisher receives the events of every committed command. Publishing is
// best effort: a failure is logged and counted, never rolled back.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, events []model.Event) error
}

// Result describes a committed command.
type Result struct {
	Op       string        `json:"op"`
	MarketID string        `json:"market_id,omitempty"`
	DealID   string        `json:"deal_id,omitempty"`
	Market   *model.Market `json:"market,omitempty"`
	Deal     *model.Deal   `json:"deal,omitempty"`
	Events   []model.Event `json:"events"`
}

// Engine runs commands against a store.
type Engine struct {
	store      store.Store
	clock      Clock
	publishers []Publisher
	logger     *slog.Logger
}

// New creates an engine. A nil clock uses the system clock.
func New(st store.Store, clock Clock, pubs ...Publisher) *Engine {
	if clock == nil {
		clock = &SystemClock{}
	}
	return &Engine{
		store:      st,
		clock:      clock,
		publishers: pubs,
		logger:     slog.Default(),
	}
}

// Execute runs cmd on behalf of caller. On success the returned Result holds
// the post-commit market, deal and events. A NAV post rejected for jumping
// too far still commits the armed circuit breaker: Execute then returns both
// the Result carrying the CircuitBreakerTripped event and the error.
func (e *Engine) Execute(ctx context.Context, caller model.Caller, cmd Command) (*Result, error) {
	start := time.Now()

	var (
		res     *Result
		tripped *oracle.TrippedError
		after   []func()
	)
	err := e.store.RunInTx(ctx, func(tx store.Tx) error {
		t := &txn{ctx: ctx, tx: tx, clock: e.clock, now: e.clock.Now(), caller: caller, res: &Result{Op: cmd.Op()}}
		tripped = nil
		err := t.dispatch(cmd)
		if errors.As(err, &tripped) {
			res, after = t.res, t.after
			return nil
		}
		if err != nil {
			return err
		}
		res, after = t.res, t.after
		return nil
	})
	if err == nil {
		for _, fn := range after {
			fn()
		}
		e.publish(ctx, res.Events)
		if tripped != nil {
			err = tripped
		}
	}

	code := "ok"
	if err != nil {
		code = string(model.CodeOf(err))
	}
	metrics.CommandsTotal.WithLabelValues(cmd.Op(), code).Inc()
	metrics.CommandLatency.WithLabelValues(cmd.Op()).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		e.logger.Info("command committed",
			"op", cmd.Op(), "signer", caller.Signer, "market", res.MarketID, "deal", res.DealID,
			"events", len(res.Events))
	case model.CodeOf(err) == model.CodeInternal:
		e.logger.Error("command failed", "op", cmd.Op(), "signer", caller.Signer, "err", err)
	default:
		e.logger.Warn("command rejected", "op", cmd.Op(), "signer", caller.Signer, "code", code, "err", err)
	}

	if err != nil && tripped == nil {
		return nil, err
	}
	return res, err
}

func (e *Engine) publish(ctx context.Context, events []model.Event) {
	if len(events) == 0 {
		return
	}
	for _, p := range e.publishers {
		if err := p.Publish(ctx, events); err != nil {
			metrics.PublishFailures.WithLabelValues(p.Name()).Inc()
			e.logger.Warn("publish failed", "publisher", p.Name(), "events", len(events), "err", err)
		}
	}
}

// txn is the state of one command inside its transaction.
type txn struct {
	ctx    context.Context
	tx     store.Tx
	clock  Clock
	now    int64 // re-read once the market row is locked
	caller model.Caller
	res    *Result
	after  []func() // run once the transaction has committed
}

func (t *txn) dispatch(cmd Command) error {
	switch c := cmd.(type) {
	case InitMarket:
		return t.initMarket(c)
	case PostNav:
		return t.postNav(c)
	case PauseMarket:
		return t.withMarket(c.MarketID, func(m *model.Market) error {
			ev, err := governance.Pause(m, t.caller, c.Paused, c.Reason)
			if err != nil {
				return err
			}
			return t.emit(model.EventMarketPaused, m.ID, "", ev)
		})
	case ProposeParams:
		return t.withMarket(c.MarketID, func(m *model.Market) error {
			ev, err := governance.Propose(m, t.caller, c.Params, c.DelaySeconds, t.now)
			if err != nil {
				return err
			}
			return t.emit(model.EventParamsProposed, m.ID, "", ev)
		})
	case ApproveParams:
		return t.withMarket(c.MarketID, func(m *model.Market) error {
			ev, err := governance.Approve(m, t.caller)
			if err != nil {
				return err
			}
			return t.emit(model.EventParamsApproved, m.ID, "", ev)
		})
	case CancelParams:
		return t.withMarket(c.MarketID, func(m *model.Market) error {
			ev, err := governance.Cancel(m, t.caller)
			if err != nil {
				return err
			}
			return t.emit(model.EventParamsCancelled, m.ID, "", ev)
		})
	case ExecuteParams:
		return t.withMarket(c.MarketID, func(m *model.Market) error {
			ev, err := governance.Execute(m, t.caller, t.now)
			if err != nil {
				return err
			}
			return t.emit(model.EventParamsExecuted, m.ID, "", ev)
		})
	case RotateAuthority:
		return t.withMarket(c.MarketID, func(m *model.Market) error {
			if err := contract.ValidateIdentity(c.NewAuthority); err != nil {
				return fmt.Errorf("%w: %v", model.ErrInvalidArgument, err)
			}
			ev, err := governance.RotateAuthority(m, t.caller, c.NewAuthority)
			if err != nil {
				return err
			}
			return t.emit(model.EventAuthorityRotated, m.ID, "", ev)
		})
	case OpenDeal:
		return t.openDeal(c)
	case AddMargin:
		return t.withDeal(c.DealID, func(env deal.Env, d *model.Deal) error {
			ev, err := deal.AddMargin(t.ctx, env, d, c.Side, c.Amount)
			if err != nil {
				return err
			}
			return t.emit(model.EventMarginAdded, d.MarketID, d.ID, ev)
		})
	case CloseDeal:
		return t.withDeal(c.DealID, func(env deal.Env, d *model.Deal) error {
			ev, err := deal.Close(t.ctx, env, d)
			if err != nil {
				return err
			}
			t.after = append(t.after, metrics.OpenDeals.Dec)
			return t.emit(model.EventDealClosed, d.MarketID, d.ID, ev)
		})
	case Liquidate:
		return t.withDeal(c.DealID, func(env deal.Env, d *model.Deal) error {
			ev, err := deal.Liquidate(t.ctx, env, d)
			if err != nil {
				return err
			}
			return t.liquidated(d, ev)
		})
	case LiquidateToIM:
		return t.withDeal(c.DealID, func(env deal.Env, d *model.Deal) error {
			ev, err := deal.LiquidateToIM(t.ctx, env, d, c.MaxBountyTake)
			if err != nil {
				return err
			}
			return t.liquidated(d, ev)
		})
	default:
		return fmt.Errorf("%w: unknown command %T", model.ErrInvalidArgument, cmd)
	}
}

func (t *txn) initMarket(c InitMarket) error {
	authority := t.caller.Signer
	if authority == "" {
		return fmt.Errorf("%w: market authority must sign", model.ErrUnauthorized)
	}
	key := contract.MarketKey{Authority: authority, QuoteAsset: c.QuoteAsset, StackID: c.StackID}
	if err := key.Validate(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidArgument, err)
	}

	m := &model.Market{
		ID:             key.ID(),
		StackID:        c.StackID,
		QuoteAsset:     c.QuoteAsset,
		Authority:      authority,
		AdminThreshold: 1,
		PriceDecimals:  c.PriceDecimals,
		QuoteDecimals:  c.QuoteDecimals,
		CreatedAt:      t.now,
	}
	m.Admins[0] = authority
	m.MaintenanceBufferBps = model.DefaultMaintenanceBufferBps
	m.FeeLongShareBps = model.DefaultFeeLongShareBps
	m.CircuitBreakerSeconds = model.DefaultCircuitBreakerSeconds
	if err := c.Params.Apply(m); err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return err
	}

	if err := t.tx.CreateMarket(t.ctx, m); err != nil {
		if errors.Is(err, store.ErrExists) {
			return fmt.Errorf("%w: market %s already exists", model.ErrInvalidArgument, m.ID)
		}
		return err
	}
	t.res.Market = m
	t.res.MarketID = m.ID
	return t.emit(model.EventMarketInitialized, m.ID, "", model.MarketInitialized{
		Market:        m.ID,
		Authority:     m.Authority,
		QuoteAsset:    m.QuoteAsset,
		StackID:       m.StackID,
		IMBps:         m.InitialMarginBps,
		MMBps:         m.MaintenanceMarginBps,
		FeeBps:        m.FeeBps,
		LiquidatorBps: m.LiquidatorBps,
		PriceDecimals: m.PriceDecimals,
		QuoteDecimals: m.QuoteDecimals,
	})
}

func (t *txn) postNav(c PostNav) error {
	m, err := t.lockMarket(c.MarketID)
	if err != nil {
		return err
	}
	t.res.MarketID = m.ID

	ev, err := oracle.PostNav(m, t.caller.Signer, c.Nav, c.Confidence, t.now)
	var tripped *oracle.TrippedError
	if errors.As(err, &tripped) {
		if err := t.tx.PutMarket(t.ctx, m); err != nil {
			return err
		}
		if err := t.emit(model.EventCircuitBreakerTripped, m.ID, "", tripped.Event); err != nil {
			return err
		}
		t.res.Market = m
		t.after = append(t.after, metrics.BreakerTrips.Inc)
		return tripped
	}
	if err != nil {
		return err
	}
	if err := t.tx.PutMarket(t.ctx, m); err != nil {
		return err
	}
	t.res.Market = m
	return t.emit(model.EventNavPosted, m.ID, "", ev)
}

func (t *txn) openDeal(c OpenDeal) error {
	m, err := t.lockMarket(c.MarketID)
	if err != nil {
		return err
	}
	t.res.MarketID = m.ID

	d, ev, err := deal.Open(t.ctx, t.env(m), c.OpenRequest)
	if err != nil {
		return err
	}
	if err := t.tx.CreateDeal(t.ctx, d); err != nil {
		if errors.Is(err, store.ErrExists) {
			return fmt.Errorf("%w: %s", model.ErrAlreadyOpen, d.ID)
		}
		return err
	}
	t.res.Market = m
	t.res.Deal = d
	t.res.DealID = d.ID
	t.after = append(t.after, metrics.OpenDeals.Inc, func() {
		metrics.Notional.WithLabelValues(m.ID).Add(float64(ev.NotionalQuote))
	})
	return t.emit(model.EventDealOpened, m.ID, d.ID, ev)
}

func (t *txn) liquidated(d *model.Deal, ev model.DealLiquidated) error {
	mode := string(ev.Mode)
	t.after = append(t.after, func() { metrics.Liquidations.WithLabelValues(mode).Inc() })
	if !d.IsOpen() {
		t.after = append(t.after, metrics.OpenDeals.Dec)
	}
	return t.emit(model.EventDealLiquidated, d.MarketID, d.ID, ev)
}

// lockMarket loads a market for update and stamps the command time after the
// lock is held, so a NAV committed while waiting is never in the future.
func (t *txn) lockMarket(id string) (*model.Market, error) {
	m, err := t.tx.GetMarket(t.ctx, id)
	if err != nil {
		return nil, err
	}
	t.now = t.clock.Now()
	return m, nil
}

// withMarket loads a market for update, runs fn and writes it back.
func (t *txn) withMarket(id string, fn func(m *model.Market) error) error {
	m, err := t.lockMarket(id)
	if err != nil {
		return err
	}
	t.res.MarketID = m.ID
	if err := fn(m); err != nil {
		return err
	}
	if err := t.tx.PutMarket(t.ctx, m); err != nil {
		return err
	}
	t.res.Market = m
	return nil
}

// withDeal loads a deal and its market for update, runs fn and writes both
// back. A socialized-loss pause is reported by the settlement event itself.
func (t *txn) withDeal(id string, fn func(env deal.Env, d *model.Deal) error) error {
	d, err := t.tx.GetDeal(t.ctx, id)
	if err != nil {
		return err
	}
	t.res.DealID = d.ID
	return t.withMarket(d.MarketID, func(m *model.Market) error {
		wasPaused := m.Paused
		if err := fn(t.env(m), d); err != nil {
			return err
		}
		if err := t.tx.PutDeal(t.ctx, d); err != nil {
			return err
		}
		t.res.Deal = d
		if m.Paused && !wasPaused {
			t.after = append(t.after, metrics.SocializedLosses.Inc)
		}
		return nil
	})
}

func (t *txn) env(m *model.Market) deal.Env {
	return deal.Env{
		Custody: custody.NewLedger(t.tx),
		Market:  m,
		Caller:  t.caller,
		Now:     t.now,
	}
}

func (t *txn) emit(kind model.EventKind, marketID, dealID string, payload any) error {
	ev, err := model.NewEvent(kind, marketID, dealID, t.now, payload)
	if err != nil {
		return err
	}
	if err := t.tx.AppendEvent(t.ctx, &ev); err != nil {
		return err
	}
	t.res.Events = append(t.res.Events, ev)
	return nil
}

// --- Queries (committed state) ---

// DealView is a deal with its live risk assessment at the market's last NAV.
type DealView struct {
	Deal       *model.Deal        `json:"deal"`
	Assessment *margin.Assessment `json:"assessment,omitempty"`
}

// Deal returns a deal and, while it is open and priced, its assessment.
func (e *Engine) Deal(ctx context.Context, id string) (*DealView, error) {
	d, err := e.store.GetDeal(ctx, id)
	if err != nil {
		return nil, err
	}
	v := &DealView{Deal: d}
	if !d.IsOpen() {
		return v, nil
	}
	m, err := e.store.GetMarket(ctx, d.MarketID)
	if err != nil {
		return nil, err
	}
	if m.LastNav == 0 {
		return v, nil
	}
	a, err := margin.Assess(m, d, m.LastNav)
	if err != nil {
		return nil, err
	}
	v.Assessment = &a
	return v, nil
}

// Market returns a market.
func (e *Engine) Market(ctx context.Context, id string) (*model.Market, error) {
	return e.store.GetMarket(ctx, id)
}

// Markets lists every market.
func (e *Engine) Markets(ctx context.Context) ([]model.Market, error) {
	return e.store.ListMarkets(ctx)
}

// Deals lists the deals of a market.
func (e *Engine) Deals(ctx context.Context, marketID string) ([]model.Deal, error) {
	if _, err := e.store.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	return e.store.ListDeals(ctx, marketID)
}

// Events pages through a market's event log.
func (e *Engine) Events(ctx context.Context, marketID string, afterSeq uint64, limit int) ([]model.Event, error) {
	return e.store.Events(ctx, marketID, afterSeq, limit)
}

// Balance returns an account's custody balance.
func (e *Engine) Balance(ctx context.Context, account string) (uint64, error) {
	return e.store.Balance(ctx, account)
}

// Credit mints funds into an account. Hosts expose it for development
// funding only.
func (e *Engine) Credit(ctx context.Context, account string, amount uint64) (uint64, error) {
	if err := contract.ValidateIdentity(account); err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrInvalidArgument, err)
	}
	var bal uint64
	err := e.store.RunInTx(ctx, func(tx store.Tx) error {
		var err error
		bal, err = custody.NewLedger(tx).Credit(ctx, account, amount)
		return err
	})
	if err != nil {
		return 0, err
	}
	e.logger.Info("account credited", "account", account, "amount", amount, "balance", bal)
	return bal, nil
}
