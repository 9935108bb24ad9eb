package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/stackfutures/settlement-engine/internal/engine"
	"github.com/stackfutures/settlement-engine/internal/fixedpoint"
	"github.com/stackfutures/settlement-engine/internal/model"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1_000
)

// PostNavRequest is the JSON body for POST /markets/{marketID}/nav.
type PostNavRequest struct {
	Nav        string `json:"nav"`                  // price units, e.g. "101.25"
	Confidence string `json:"confidence,omitempty"` // same units as nav
}

// PauseRequest is the JSON body for POST /markets/{marketID}/pause.
type PauseRequest struct {
	Paused bool   `json:"paused"`
	Reason string `json:"reason,omitempty"`
}

// ProposeRequest is the JSON body for POST /markets/{marketID}/params/propose.
type ProposeRequest struct {
	Params       model.ParamUpdate `json:"params"`
	DelaySeconds int64             `json:"delay_seconds"`
}

// RotateRequest is the JSON body for POST /markets/{marketID}/authority.
type RotateRequest struct {
	NewAuthority string `json:"new_authority"`
}

// InitMarket handles POST /api/v1/markets. The signer becomes the authority.
func (h *Handler) InitMarket(w http.ResponseWriter, r *http.Request) {
	var req engine.InitMarket
	if err := decode(r, &req); err != nil {
		writeError(w, err.Error(), model.CodeInvalidArgument, http.StatusBadRequest)
		return
	}
	h.execute(w, r, req, http.StatusCreated)
}

// ListMarkets handles GET /api/v1/markets
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.eng.Markets(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if markets == nil {
		markets = []model.Market{}
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.eng.Market(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// PostNav handles POST /api/v1/markets/{marketID}/nav
func (h *Handler) PostNav(w http.ResponseWriter, r *http.Request) {
	var req PostNavRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err.Error(), model.CodeInvalidArgument, http.StatusBadRequest)
		return
	}
	m, err := h.eng.Market(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	nav, err := fixedpoint.ParseDecimal(req.Nav, m.PriceDecimals)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	cmd := engine.PostNav{MarketID: m.ID, Nav: nav}
	if req.Confidence != "" {
		conf, err := fixedpoint.ParseDecimal(req.Confidence, m.PriceDecimals)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		cmd.Confidence = &conf
	}
	h.execute(w, r, cmd, http.StatusOK)
}

// PauseMarket handles POST /api/v1/markets/{marketID}/pause
func (h *Handler) PauseMarket(w http.ResponseWriter, r *http.Request) {
	var req PauseRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err.Error(), model.CodeInvalidArgument, http.StatusBadRequest)
		return
	}
	h.execute(w, r, engine.PauseMarket{
		MarketID: chi.URLParam(r, "marketID"),
		Paused:   req.Paused,
		Reason:   req.Reason,
	}, http.StatusOK)
}

// ProposeParams handles POST /api/v1/markets/{marketID}/params/propose
func (h *Handler) ProposeParams(w http.ResponseWriter, r *http.Request) {
	var req ProposeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err.Error(), model.CodeInvalidArgument, http.StatusBadRequest)
		return
	}
	h.execute(w, r, engine.ProposeParams{
		MarketID:     chi.URLParam(r, "marketID"),
		Params:       req.Params,
		DelaySeconds: req.DelaySeconds,
	}, http.StatusOK)
}

func (h *Handler) ApproveParams(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r, engine.ApproveParams{MarketID: chi.URLParam(r, "marketID")}, http.StatusOK)
}

func (h *Handler) CancelParams(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r, engine.CancelParams{MarketID: chi.URLParam(r, "marketID")}, http.StatusOK)
}

func (h *Handler) ExecuteParams(w http.ResponseWriter, r *http.Request) {
	h.execute(w, r, engine.ExecuteParams{MarketID: chi.URLParam(r, "marketID")}, http.StatusOK)
}

// RotateAuthority handles POST /api/v1/markets/{marketID}/authority
func (h *Handler) RotateAuthority(w http.ResponseWriter, r *http.Request) {
	var req RotateRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err.Error(), model.CodeInvalidArgument, http.StatusBadRequest)
		return
	}
	h.execute(w, r, engine.RotateAuthority{
		MarketID:     chi.URLParam(r, "marketID"),
		NewAuthority: req.NewAuthority,
	}, http.StatusOK)
}

// ListEvents handles GET /api/v1/markets/{marketID}/events?after_seq=&limit=
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var after uint64
	if s := q.Get("after_seq"); s != "" {
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			writeError(w, "after_seq must be an unsigned integer", model.CodeInvalidArgument, http.StatusBadRequest)
			return
		}
		after = v
	}
	limit := defaultEventLimit
	if s := q.Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v <= 0 {
			writeError(w, "limit must be a positive integer", model.CodeInvalidArgument, http.StatusBadRequest)
			return
		}
		limit = min(v, maxEventLimit)
	}

	marketID := chi.URLParam(r, "marketID")
	if _, err := h.eng.Market(r.Context(), marketID); err != nil {
		writeEngineError(w, err)
		return
	}
	events, err := h.eng.Events(r.Context(), marketID, after, limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}
