package core

import (
	"errors"

	"FlashLever/internal/ledger"
	"FlashLever/internal/market"
	fpmath "FlashLever/internal/math"
	"FlashLever/internal/pool"
	"FlashLever/internal/state"
)

// Validation errors are returned before any state is touched.
var (
	ErrInvalidLeverage  = errors.New("leverage out of bounds")
	ErrZeroAmount       = errors.New("amount must be positive")
	ErrMissingReference = errors.New("guarantee reference is required")
	ErrExpiryInPast     = errors.New("guarantee expiry must be in the future")
	ErrReentrant        = errors.New("settlement already in progress for caller")
	ErrDuplicate        = errors.New("operation already processed")
	ErrUnknownAsset     = errors.New("unknown asset")

	ErrPositionExists      = state.ErrPositionExists
	ErrNoActivePosition    = state.ErrNoActivePosition
	ErrInsufficientBalance = ledger.ErrInsufficientBalance
	ErrInsufficientShares  = pool.ErrInsufficientShares
	ErrZeroShares          = pool.ErrZeroShares
	ErrAmountOverflow      = fpmath.ErrOverflow
	ErrBalanceOverflow     = ledger.ErrBalanceOverflow
)

// Settlement failures abort the unit of work and roll everything back.
var (
	ErrUnsafeLTV        = errors.New("position LTV above the safe limit")
	ErrUnderwater       = errors.New("position cannot cover its debt")
	ErrPriceUnavailable = market.ErrPriceUnavailable

	ErrInsufficientLiquidity = pool.ErrInsufficientLiquidity
	ErrAdvanceUnderpaid      = pool.ErrAdvanceUnderpaid
	ErrSlippage              = market.ErrSlippage
)

var validationErrors = []error{
	ErrInvalidLeverage, ErrZeroAmount, ErrMissingReference, ErrExpiryInPast,
	ErrReentrant, ErrDuplicate, ErrUnknownAsset, ErrPositionExists,
	ErrNoActivePosition, ErrInsufficientBalance, ErrInsufficientShares, ErrZeroShares,
	ErrAmountOverflow, ErrBalanceOverflow,
}

var settlementErrors = []error{
	ErrUnsafeLTV, ErrUnderwater, ErrPriceUnavailable, market.ErrStalePrice,
	ErrInsufficientLiquidity, ErrAdvanceUnderpaid, ErrSlippage,
	pool.ErrReentrantAdvance, market.ErrUnhealthy, market.ErrNoMarketLiquidity,
	market.ErrDeadlineExpired,
}

// IsValidation reports whether err was a rejected request
func IsValidation(err error) bool {
	return matchAny(err, validationErrors)
}

// IsSettlement reports whether err aborted and rolled back a settlement
func IsSettlement(err error) bool {
	return matchAny(err, settlementErrors)
}

func matchAny(err error, targets []error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
