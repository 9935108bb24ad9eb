// Package api exposes the settlement engine over HTTP and WebSocket.
//
// Identity is taken from the X-Signer header, which an authenticating
// gateway in front of this service sets. The header may repeat or hold a
// comma-separated list; the first identity is the submitting signer and the
// rest are co-signers. Money, NAV and size travel as decimal strings in human
// units and are converted exactly with the market's decimals.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stackfutures/settlement-engine/internal/engine"
	"github.com/stackfutures/settlement-engine/internal/model"
)

// SignerHeader carries the authenticated identities of a request.
const SignerHeader = "X-Signer"

// Handler serves the engine's HTTP API.
type Handler struct {
	eng        *engine.Engine
	devFunding bool
}

// NewHandler creates a handler. devFunding exposes the credit endpoint.
func NewHandler(eng *engine.Engine, devFunding bool) *Handler {
	return &Handler{eng: eng, devFunding: devFunding}
}

// Mount registers every route on r, relative to the API prefix.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/markets", func(r chi.Router) {
		r.Get("/", h.ListMarkets)
		r.Post("/", h.InitMarket)
		r.Route("/{marketID}", func(r chi.Router) {
			r.Get("/", h.GetMarket)
			r.Post("/nav", h.PostNav)
			r.Post("/pause", h.PauseMarket)
			r.Post("/params/propose", h.ProposeParams)
			r.Post("/params/approve", h.ApproveParams)
			r.Post("/params/cancel", h.CancelParams)
			r.Post("/params/execute", h.ExecuteParams)
			r.Post("/authority", h.RotateAuthority)
			r.Get("/deals", h.ListDeals)
			r.Post("/deals", h.OpenDeal)
			r.Get("/events", h.ListEvents)
		})
	})
	r.Route("/deals/{dealID}", func(r chi.Router) {
		r.Get("/", h.GetDeal)
		r.Post("/margin", h.AddMargin)
		r.Post("/close", h.CloseDeal)
		r.Post("/liquidate", h.Liquidate)
		r.Post("/liquidate-to-im", h.LiquidateToIM)
	})
	r.Get("/accounts/{account}", h.GetBalance)
	if h.devFunding {
		r.Post("/accounts/{account}/credit", h.Credit)
	}
}

// callerFrom reads the signer set of r.
func callerFrom(r *http.Request) model.Caller {
	var ids []string
	for _, v := range r.Header.Values(SignerHeader) {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				ids = append(ids, s)
			}
		}
	}
	if len(ids) == 0 {
		return model.Caller{}
	}
	return model.Caller{Signer: ids[0], CoSigners: ids[1:]}
}

// execute runs cmd for the request's signers and writes the result.
func (h *Handler) execute(w http.ResponseWriter, r *http.Request, cmd engine.Command, status int) {
	caller := callerFrom(r)
	if caller.Signer == "" {
		writeError(w, SignerHeader+" header is required", model.CodeUnauthorized, http.StatusUnauthorized)
		return
	}
	res, err := h.eng.Execute(r.Context(), caller, cmd)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, status, res)
}

// decode reads an optional JSON body into v.
func decode(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return errors.New("invalid request body")
	}
	return nil
}

// StatusOf maps an engine error to an HTTP status.
func StatusOf(err error) int {
	switch model.CodeOf(err) {
	case model.CodeUnauthorized, model.CodeNotEnoughSigners:
		return http.StatusForbidden
	case model.CodeNotFound:
		return http.StatusNotFound
	case model.CodeMarketPaused, model.CodeCircuitBreaker, model.CodePriceNotSet, model.CodePriceStale,
		model.CodeClockWentBackwards, model.CodeNotOpen, model.CodeAlreadyOpen,
		model.CodeNoPendingParams, model.CodeTimelockNotExpired:
		return http.StatusConflict
	case model.CodeInsufficientMargin, model.CodeLeverageTooHigh, model.CodeNotLiquidatable,
		model.CodeInsufficientFunds, model.CodePriceJumpTooLarge, model.CodeOracleConfidenceTooWide,
		model.CodeMathOverflow:
		return http.StatusUnprocessableEntity
	case model.CodeInvalidArgument, model.CodeZeroSize:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	status := StatusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, msg, model.CodeOf(err), status)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, code model.Code, status int) {
	writeJSON(w, status, map[string]string{"error": message, "code": string(code)})
}
