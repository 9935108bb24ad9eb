package api

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stackfutures/settlement-engine/internal/deal"
	"github.com/stackfutures/settlement-engine/internal/engine"
	"github.com/stackfutures/settlement-engine/internal/fixedpoint"
	"github.com/stackfutures/settlement-engine/internal/model"
)

// OpenDealRequest is the JSON body for POST /markets/{marketID}/deals. Both
// parties must appear in X-Signer.
type OpenDealRequest struct {
	Long          string `json:"long"`
	Short         string `json:"short"`
	ClientOrderID uint64 `json:"client_order_id"`
	Size          string `json:"size"`          // stack units
	LongDeposit   string `json:"long_deposit"`  // quote units
	ShortDeposit  string `json:"short_deposit"` // quote units
}

// MarginRequest is the JSON body for POST /deals/{dealID}/margin.
type MarginRequest struct {
	Side   model.Side `json:"side"`
	Amount string     `json:"amount"` // quote units
}

// LiquidateToIMRequest is the optional JSON body for
// POST /deals/{dealID}/liquidate-to-im. An empty cap means uncapped.
type LiquidateToIMRequest struct {
	MaxBountyTake string `json:"max_bounty_take,omitempty"` // quote units
}

// CreditRequest is the JSON body for POST /accounts/{account}/credit.
type CreditRequest struct {
	Amount   string `json:"amount"`
	Decimals uint8  `json:"decimals"` // precision of amount; 0 = base units
}

// BalanceResponse is returned by the account endpoints.
type BalanceResponse struct {
	Account string          `json:"account"`
	Balance uint64          `json:"balance"`
	Amount  decimal.Decimal `json:"amount"` // balance rendered at the requested decimals
}

// OpenDeal handles POST /api/v1/markets/{marketID}/deals
func (h *Handler) OpenDeal(w http.ResponseWriter, r *http.Request) {
	var req OpenDealRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err.Error(), model.CodeInvalidArgument, http.StatusBadRequest)
		return
	}
	m, err := h.eng.Market(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}

	cmd := engine.OpenDeal{
		MarketID: m.ID,
		OpenRequest: deal.OpenRequest{
			Long:          req.Long,
			Short:         req.Short,
			ClientOrderID: req.ClientOrderID,
		},
	}
	for _, f := range []struct {
		name     string
		in       string
		decimals uint8
		out      *uint64
	}{
		{"size", req.Size, fixedpoint.UnitDecimals, &cmd.Size},
		{"long_deposit", req.LongDeposit, m.QuoteDecimals, &cmd.LongDeposit},
		{"short_deposit", req.ShortDeposit, m.QuoteDecimals, &cmd.ShortDeposit},
	} {
		v, err := fixedpoint.ParseDecimal(f.in, f.decimals)
		if err != nil {
			writeEngineError(w, fmt.Errorf("%s: %w", f.name, err))
			return
		}
		*f.out = v
	}
	h.execute(w, r, cmd, http.StatusCreated)
}

// ListDeals handles GET /api/v1/markets/{marketID}/deals
func (h *Handler) ListDeals(w http.ResponseWriter, r *http.Request) {
	deals, err := h.eng.Deals(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if deals == nil {
		deals = []model.Deal{}
	}
	writeJSON(w, http.StatusOK, deals)
}

// GetDeal handles GET /api/v1/deals/{dealID}. Open deals carry their risk
// assessment at the market's last NAV.
func (h *Handler) GetDeal(w http.ResponseWriter, r *http.Request) {
	v, err := h.eng.Deal(r.Context(), chi.URLParam(r, "dealID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// AddMargin handles POST /api/v1/deals/{dealID}/margin
func (h *Handler) AddMargin(w http.ResponseWriter, r *http.Request) {
	var req MarginRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err.Error(), model.CodeInvalidArgument, http.StatusBadRequest)
		return
	}
	m, ok := h.dealMarket(w, r)
	if !ok {
		return
	}
	amount, err := fixedpoint.ParseDecimal(req.Amount, m.QuoteDecimals)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	h.execute(w, r, engine.AddMargin{
		DealID: chi.URLParam(r, "dealID"),
		Side:   req.Side,
		Amount: amount,
	}, http.StatusOK)
}

func (h *Handler) CloseDeal(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r, engine.CloseDeal{DealID: chi.URLParam(r, "dealID")}, http.StatusOK)
}

func (h *Handler) Liquidate(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r, engine.Liquidate{DealID: chi.URLParam(r, "dealID")}, http.StatusOK)
}

// LiquidateToIM handles POST /api/v1/deals/{dealID}/liquidate-to-im
func (h *Handler) LiquidateToIM(w http.ResponseWriter, r *http.Request) {
	var req LiquidateToIMRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err.Error(), model.CodeInvalidArgument, http.StatusBadRequest)
		return
	}
	cmd := engine.LiquidateToIM{DealID: chi.URLParam(r, "dealID"), MaxBountyTake: math.MaxUint64}
	if req.MaxBountyTake != "" {
		m, ok := h.dealMarket(w, r)
		if !ok {
			return
		}
		v, err := fixedpoint.ParseDecimal(req.MaxBountyTake, m.QuoteDecimals)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		cmd.MaxBountyTake = v
	}
	h.execute(w, r, cmd, http.StatusOK)
}

// GetBalance handles GET /api/v1/accounts/{account}?decimals=
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	decimals, err := decimalsParam(r)
	if err != nil {
		writeError(w, err.Error(), model.CodeInvalidArgument, http.StatusBadRequest)
		return
	}
	account := chi.URLParam(r, "account")
	bal, err := h.eng.Balance(r.Context(), account)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		Account: account,
		Balance: bal,
		Amount:  fixedpoint.ToDecimal(bal, decimals),
	})
}

// Credit handles POST /api/v1/accounts/{account}/credit. Mounted only when
// development funding is enabled.
func (h *Handler) Credit(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err.Error(), model.CodeInvalidArgument, http.StatusBadRequest)
		return
	}
	if req.Decimals > 18 {
		writeError(w, "decimals must not exceed 18", model.CodeInvalidArgument, http.StatusBadRequest)
		return
	}
	amount, err := fixedpoint.ParseDecimal(req.Amount, req.Decimals)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	account := chi.URLParam(r, "account")
	bal, err := h.eng.Credit(r.Context(), account, amount)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		Account: account,
		Balance: bal,
		Amount:  fixedpoint.ToDecimal(bal, req.Decimals),
	})
}

// dealMarket loads the market of the deal in the path.
func (h *Handler) dealMarket(w http.ResponseWriter, r *http.Request) (*model.Market, bool) {
	v, err := h.eng.Deal(r.Context(), chi.URLParam(r, "dealID"))
	if err != nil {
		writeEngineError(w, err)
		return nil, false
	}
	m, err := h.eng.Market(r.Context(), v.Deal.MarketID)
	if err != nil {
		writeEngineError(w, err)
		return nil, false
	}
	return m, true
}

func decimalsParam(r *http.Request) (uint8, error) {
	s := r.URL.Query().Get("decimals")
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil || v > 18 {
		return 0, errors.New("decimals must be an integer in 0..18")
	}
	return uint8(v), nil
}
