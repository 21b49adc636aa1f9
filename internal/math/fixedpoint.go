package math

import (
	"errors"
	"fmt"
	stdmath "math"
	"math/big"
	"sync"
)

// ErrOverflow is returned when a fixed-point result does not fit in int64.
var ErrOverflow = errors.New("fixed-point overflow")

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Standard configs
	AmountConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001 of either asset
	PriceConfig  = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // quote units per 1 position unit
	RatioConfig  = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // leverage multipliers (1.5x = 1_500_000)
)

// BasisPoints is the denominator for fee, share and LTV fractions.
const BasisPoints int64 = 10_000

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator with rounding. ok is false
// when the rounded quotient does not fit in int64.
// Operands are expected to be non-negative.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) (result int64, ok bool) {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()
	defer putInt128(quotient)
	defer putInt128(remainder)

	quotient.DivMod(numerator, denom, remainder)

	switch roundingMode {
	case RoundHalfEven:
		half := big.NewInt(denominator / 2)
		cmp := remainder.Cmp(half)

		if cmp > 0 || (cmp == 0 && denominator%2 == 0 && quotient.Bit(0) != 0) {
			quotient.Add(quotient, bigOne)
		}
	case RoundUp:
		if remainder.Sign() != 0 {
			quotient.Add(quotient, bigOne)
		}
	}

	if !quotient.IsInt64() {
		return 0, false
	}
	return quotient.Int64(), true
}

var bigOne = big.NewInt(1)

// MulDivChecked computes a * b / denominator and fails with ErrOverflow when
// the result does not fit in int64.
func MulDivChecked(a, b, denominator int64, roundingMode RoundingMode) (int64, error) {
	if denominator == 0 {
		return 0, nil
	}
	product := MultiplyInt128(a, b)
	defer putInt128(product)
	result, ok := DivideInt128(product, denominator, roundingMode)
	if !ok {
		return 0, fmt.Errorf("%w: %d * %d / %d", ErrOverflow, a, b, denominator)
	}
	return result, nil
}

// MulDiv computes a * b / denominator without intermediate overflow. A result
// past int64 saturates at math.MaxInt64 so it can never wrap to a small value;
// callers taking amounts from outside use MulDivChecked.
func MulDiv(a, b, denominator int64, roundingMode RoundingMode) int64 {
	result, err := MulDivChecked(a, b, denominator, roundingMode)
	if err != nil {
		return stdmath.MaxInt64
	}
	return result
}

// ApplyBps returns amount * bps / 10_000, rounded down.
func ApplyBps(amount, bps int64) int64 {
	return MulDiv(amount, bps, BasisPoints, RoundDown)
}

// ApplyRatio scales amount by a RatioConfig multiplier.
func ApplyRatio(amount, ratio int64, roundingMode RoundingMode) int64 {
	return MulDiv(amount, ratio, RatioConfig.Scale, roundingMode)
}

// ApplyRatioChecked is ApplyRatio failing with ErrOverflow.
func ApplyRatioChecked(amount, ratio int64, roundingMode RoundingMode) (int64, error) {
	return MulDivChecked(amount, ratio, RatioConfig.Scale, roundingMode)
}

// ComputeQuoteValue converts a position-asset amount to quote-asset value at price.
func ComputeQuoteValue(assetAmount, price int64, roundingMode RoundingMode) int64 {
	return MulDiv(assetAmount, price, PriceConfig.Scale, roundingMode)
}

// ComputeQuoteValueChecked is ComputeQuoteValue failing with ErrOverflow.
func ComputeQuoteValueChecked(assetAmount, price int64, roundingMode RoundingMode) (int64, error) {
	return MulDivChecked(assetAmount, price, PriceConfig.Scale, roundingMode)
}

// ComputeAssetAmount converts a quote-asset value to a position-asset amount at price.
func ComputeAssetAmount(quoteValue, price int64, roundingMode RoundingMode) int64 {
	if price <= 0 {
		return 0
	}
	return MulDiv(quoteValue, PriceConfig.Scale, price, roundingMode)
}

// ComputeAssetAmountChecked is ComputeAssetAmount failing with ErrOverflow.
func ComputeAssetAmountChecked(quoteValue, price int64, roundingMode RoundingMode) (int64, error) {
	if price <= 0 {
		return 0, nil
	}
	return MulDivChecked(quoteValue, PriceConfig.Scale, price, roundingMode)
}

// ComputeRatioBps returns numerator / denominator in basis points, rounded up so
// ceilings are never under-reported.
func ComputeRatioBps(numerator, denominator int64) int64 {
	if denominator <= 0 {
		if numerator > 0 {
			return BasisPoints * BasisPoints
		}
		return 0
	}
	return MulDiv(numerator, BasisPoints, denominator, RoundUp)
}
