package state

import (
	"fmt"

	fpmath "FlashLever/internal/math"
)

// RiskParams is the fixed protocol parameter set
type RiskParams struct {
	MinLeverage          int64 // RatioConfig scale (1_500_000 = 1.5x)
	MaxLeverage          int64 // RatioConfig scale
	FeeBps               int64 // advance premium
	PreauthMultiplierBps int64 // guarantee amount over borrow value
	LPProfitShareBps     int64 // share of close profit routed to the pool
	SafeLTVBps           int64 // must stay below the lending market liquidation threshold
	MaxSlippageBps       int64 // swap tolerance against the oracle
	WithdrawDust         int64 // collateral left in the lending market on close
	ScanBatchSize        int   // identities examined per guarantee scan
}

// DefaultRiskParams returns the shipped parameter set
func DefaultRiskParams() RiskParams {
	return RiskParams{
		MinLeverage:          1_500_000, // 1.5x
		MaxLeverage:          5_000_000, // 5x
		FeeBps:               9,         // 0.09%
		PreauthMultiplierBps: 15_000,    // 150%
		LPProfitShareBps:     2_000,     // 20%
		SafeLTVBps:           8_100,     // 81%
		MaxSlippageBps:       100,       // 1%
		WithdrawDust:         1,
		ScanBatchSize:        50,
	}
}

// ValidateRiskParams checks that parameters are within valid ranges
func ValidateRiskParams(p RiskParams, liquidationThresholdBps int64) error {
	if p.MinLeverage <= fpmath.RatioConfig.Scale {
		return fmt.Errorf("min_leverage must be > 1x, got %d", p.MinLeverage)
	}
	if p.MaxLeverage < p.MinLeverage {
		return fmt.Errorf("max_leverage (%d) must be >= min_leverage (%d)", p.MaxLeverage, p.MinLeverage)
	}
	if p.FeeBps < 0 || p.FeeBps >= fpmath.BasisPoints {
		return fmt.Errorf("fee_bps must be in [0, 10000), got %d", p.FeeBps)
	}
	if p.PreauthMultiplierBps <= 0 {
		return fmt.Errorf("preauth_multiplier_bps must be > 0, got %d", p.PreauthMultiplierBps)
	}
	if p.LPProfitShareBps < 0 || p.LPProfitShareBps > fpmath.BasisPoints {
		return fmt.Errorf("lp_profit_share_bps must be in [0, 10000], got %d", p.LPProfitShareBps)
	}
	if p.SafeLTVBps <= 0 || p.SafeLTVBps >= fpmath.BasisPoints {
		return fmt.Errorf("safe_ltv_bps must be in (0, 10000), got %d", p.SafeLTVBps)
	}
	if liquidationThresholdBps > 0 && p.SafeLTVBps >= liquidationThresholdBps {
		return fmt.Errorf("safe_ltv_bps (%d) must be < liquidation threshold (%d)", p.SafeLTVBps, liquidationThresholdBps)
	}
	if p.MaxSlippageBps < 0 || p.MaxSlippageBps >= fpmath.BasisPoints {
		return fmt.Errorf("max_slippage_bps must be in [0, 10000), got %d", p.MaxSlippageBps)
	}
	if p.WithdrawDust < 0 {
		return fmt.Errorf("withdraw_dust must be >= 0, got %d", p.WithdrawDust)
	}
	if p.ScanBatchSize <= 0 {
		return fmt.Errorf("scan_batch_size must be > 0, got %d", p.ScanBatchSize)
	}
	return nil
}

// ValidateLeverage checks leverage against the configured bounds
func (p RiskParams) ValidateLeverage(leverage int64) error {
	if leverage < p.MinLeverage || leverage > p.MaxLeverage {
		return fmt.Errorf("leverage %d outside [%d, %d]", leverage, p.MinLeverage, p.MaxLeverage)
	}
	return nil
}
