package math

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrPrecision = errors.New("value has more decimal places than the fixed-point scale")

// ToFixed converts a decimal amount to cfg's fixed-point integer. Values that
// would lose precision or overflow int64 are rejected, never rounded.
func (cfg DecimalConfig) ToFixed(d decimal.Decimal) (int64, error) {
	shifted := d.Shift(int32(cfg.DecimalPrecision))
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s (max %d)", ErrPrecision, d, cfg.DecimalPrecision)
	}
	if !shifted.BigInt().IsInt64() {
		return 0, fmt.Errorf("value %s overflows int64 at scale %d", d, cfg.Scale)
	}
	return shifted.IntPart(), nil
}

// ParseFixed parses a decimal string into cfg's fixed-point integer
func (cfg DecimalConfig) ParseFixed(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse decimal %q: %w", s, err)
	}
	return cfg.ToFixed(d)
}

// FromFixed renders a fixed-point integer as a decimal
func (cfg DecimalConfig) FromFixed(v int64) decimal.Decimal {
	return decimal.New(v, -int32(cfg.DecimalPrecision))
}
