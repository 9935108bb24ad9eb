package model

import "errors"

// Code classifies an engine failure. Transport layers map codes to their
// own status values; the engine only ever compares sentinels.
type Code string

const (
	CodeMathOverflow            Code = "MathOverflow"
	CodeUnauthorized            Code = "Unauthorized"
	CodeNotEnoughSigners        Code = "NotEnoughSigners"
	CodeMarketPaused            Code = "MarketPaused"
	CodeCircuitBreaker          Code = "CircuitBreaker"
	CodePriceNotSet             Code = "PriceNotSet"
	CodePriceStale              Code = "PriceStale"
	CodeClockWentBackwards      Code = "ClockWentBackwards"
	CodeOracleConfidenceTooWide Code = "OracleConfidenceTooWide"
	CodePriceJumpTooLarge       Code = "PriceJumpTooLarge"
	CodeNotOpen                 Code = "NotOpen"
	CodeAlreadyOpen             Code = "AlreadyOpen"
	CodeZeroSize                Code = "ZeroSize"
	CodeInsufficientMargin      Code = "InsufficientMargin"
	CodeLeverageTooHigh         Code = "LeverageTooHigh"
	CodeNotLiquidatable         Code = "NotLiquidatable"
	CodeNoPendingParams         Code = "NoPendingParams"
	CodeTimelockNotExpired      Code = "TimelockNotExpired"
	CodeInvalidArgument         Code = "InvalidArgument"
	CodeNotFound                Code = "NotFound"
	CodeInsufficientFunds       Code = "InsufficientFunds"
	CodeInternal                Code = "Internal"
)

// Error is a coded engine error. Sentinels below are compared by identity,
// so wrap them with fmt.Errorf("%w: ...") to add context.
type Error struct {
	Code Code
	msg  string
}

func (e *Error) Error() string { return e.msg }

func newError(code Code, msg string) *Error {
	return &Error{Code: code, msg: msg}
}

var (
	ErrMathOverflow            = newError(CodeMathOverflow, "math overflow")
	ErrUnauthorized            = newError(CodeUnauthorized, "unauthorized")
	ErrNotEnoughSigners        = newError(CodeNotEnoughSigners, "not enough admin signers")
	ErrMarketPaused            = newError(CodeMarketPaused, "market is paused")
	ErrCircuitBreaker          = newError(CodeCircuitBreaker, "circuit breaker active")
	ErrPriceNotSet             = newError(CodePriceNotSet, "price not set")
	ErrPriceStale              = newError(CodePriceStale, "price is stale")
	ErrClockWentBackwards      = newError(CodeClockWentBackwards, "clock went backwards")
	ErrOracleConfidenceTooWide = newError(CodeOracleConfidenceTooWide, "oracle confidence too wide")
	ErrPriceJumpTooLarge       = newError(CodePriceJumpTooLarge, "nav jump too large; circuit breaker tripped")
	ErrNotOpen                 = newError(CodeNotOpen, "deal is not open")
	ErrAlreadyOpen             = newError(CodeAlreadyOpen, "deal already open")
	ErrZeroSize                = newError(CodeZeroSize, "zero size not allowed")
	ErrInsufficientMargin      = newError(CodeInsufficientMargin, "insufficient margin")
	ErrLeverageTooHigh         = newError(CodeLeverageTooHigh, "requested leverage exceeds limit")
	ErrNotLiquidatable         = newError(CodeNotLiquidatable, "not liquidatable at current nav")
	ErrNoPendingParams         = newError(CodeNoPendingParams, "no pending params")
	ErrTimelockNotExpired      = newError(CodeTimelockNotExpired, "timelock not expired")
	ErrInvalidArgument         = newError(CodeInvalidArgument, "invalid argument")
	ErrNotFound                = newError(CodeNotFound, "not found")
	ErrInsufficientFunds       = newError(CodeInsufficientFunds, "insufficient funds")
)

// CodeOf returns the code of the first coded error in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
