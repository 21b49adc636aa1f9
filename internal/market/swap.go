package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"FlashLever/internal/ledger"
	fpmath "FlashLever/internal/math"
)

var (
	ErrSlippage        = errors.New("swap output below minimum")
	ErrDeadlineExpired = errors.New("swap deadline expired")
	ErrInvalidPath     = errors.New("invalid swap path")
)

// SwapVenue is the exact-input swap contract. amounts[i] is the amount of
// path[i] flowing through hop i.
type SwapVenue interface {
	SwapExact(ctx context.Context, amountIn int64, path []ledger.AssetID, minOut int64, deadline time.Time) ([]int64, error)
	QuoteAmountIn(ctx context.Context, amountOut int64, path []ledger.AssetID) ([]int64, error)
}

// OracleVenue swaps at the oracle price less a fee, against finite inventory
// held on the ledger. Trades settle against a single trader account.
type OracleVenue struct {
	mu      sync.Mutex
	ledger  *ledger.Ledger
	oracle  Oracle
	trader  func(ledger.AssetID) ledger.AccountKey
	feeBps  int64
	now     func() time.Time
	volumes map[ledger.AssetID]int64
}

func NewOracleVenue(l *ledger.Ledger, oracle Oracle, trader func(ledger.AssetID) ledger.AccountKey, feeBps int64) *OracleVenue {
	return &OracleVenue{
		ledger:  l,
		oracle:  oracle,
		trader:  trader,
		feeBps:  feeBps,
		now:     time.Now,
		volumes: make(map[ledger.AssetID]int64),
	}
}

// WithClock overrides the deadline clock
func (v *OracleVenue) WithClock(now func() time.Time) *OracleVenue {
	v.now = now
	return v
}

func (v *OracleVenue) hopOut(ctx context.Context, amountIn int64, from, to ledger.AssetID) (int64, error) {
	priceIn, err := v.oracle.Price(ctx, from)
	if err != nil {
		return 0, err
	}
	priceOut, err := v.oracle.Price(ctx, to)
	if err != nil {
		return 0, err
	}
	value, err := fpmath.ComputeQuoteValueChecked(amountIn, priceIn, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	value = fpmath.MulDiv(value, fpmath.BasisPoints-v.feeBps, fpmath.BasisPoints, fpmath.RoundDown)
	return fpmath.ComputeAssetAmountChecked(value, priceOut, fpmath.RoundDown)
}

func (v *OracleVenue) hopIn(ctx context.Context, amountOut int64, from, to ledger.AssetID) (int64, error) {
	priceIn, err := v.oracle.Price(ctx, from)
	if err != nil {
		return 0, err
	}
	priceOut, err := v.oracle.Price(ctx, to)
	if err != nil {
		return 0, err
	}
	value, err := fpmath.ComputeQuoteValueChecked(amountOut, priceOut, fpmath.RoundUp)
	if err != nil {
		return 0, err
	}
	if value, err = fpmath.MulDivChecked(value, fpmath.BasisPoints, fpmath.BasisPoints-v.feeBps, fpmath.RoundUp); err != nil {
		return 0, err
	}
	return fpmath.ComputeAssetAmountChecked(value, priceIn, fpmath.RoundUp)
}

func validatePath(path []ledger.AssetID) error {
	if len(path) < 2 {
		return fmt.Errorf("%w: need at least two assets", ErrInvalidPath)
	}
	for i := 1; i < len(path); i++ {
		if path[i] == path[i-1] {
			return fmt.Errorf("%w: repeated asset at hop %d", ErrInvalidPath, i)
		}
	}
	return nil
}

// QuoteAmountIn returns the input amounts needed to receive amountOut of the last asset
func (v *OracleVenue) QuoteAmountIn(ctx context.Context, amountOut int64, path []ledger.AssetID) ([]int64, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	if amountOut <= 0 {
		return nil, ErrInvalidAmount
	}

	amounts := make([]int64, len(path))
	amounts[len(path)-1] = amountOut
	for i := len(path) - 1; i > 0; i-- {
		in, err := v.hopIn(ctx, amounts[i], path[i-1], path[i])
		if err != nil {
			return nil, err
		}
		amounts[i-1] = in
	}
	return amounts, nil
}

// SwapExact sells amountIn of path[0] for at least minOut of the last asset
func (v *OracleVenue) SwapExact(ctx context.Context, amountIn int64, path []ledger.AssetID, minOut int64, deadline time.Time) ([]int64, error) {
	if err := validatePath(path); err != nil {
		return nil, err
	}
	if amountIn <= 0 {
		return nil, ErrInvalidAmount
	}
	if !deadline.IsZero() && v.now().After(deadline) {
		return nil, ErrDeadlineExpired
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	amounts := make([]int64, len(path))
	amounts[0] = amountIn
	for i := 1; i < len(path); i++ {
		out, err := v.hopOut(ctx, amounts[i-1], path[i-1], path[i])
		if err != nil {
			return nil, err
		}
		if out <= 0 {
			return nil, fmt.Errorf("%w: hop %d yields nothing", ErrSlippage, i)
		}
		amounts[i] = out
	}
	if last := amounts[len(amounts)-1]; last < minOut {
		return nil, fmt.Errorf("%w: out=%d, min=%d", ErrSlippage, last, minOut)
	}

	for i := 1; i < len(path); i++ {
		in, out := path[i-1], path[i]
		if err := v.ledger.Transfer(v.trader(in), ledger.SwapVenueKey(in), amounts[i-1], ledger.JournalTypeSwapIn, "swap"); err != nil {
			return nil, fmt.Errorf("swap in: %w", err)
		}
		if err := v.ledger.Transfer(ledger.SwapVenueKey(out), v.trader(out), amounts[i], ledger.JournalTypeSwapOut, "swap"); err != nil {
			return nil, fmt.Errorf("swap out: %w", err)
		}
		v.volumes[in] += amounts[i-1]
	}
	return amounts, nil
}

// Volume returns the cumulative amount sold into the venue for asset
func (v *OracleVenue) Volume(asset ledger.AssetID) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.volumes[asset]
}

// Checkpoint captures traded volumes; inventory lives on the ledger
func (v *OracleVenue) Checkpoint() func() {
	v.mu.Lock()
	volumes := copyAmounts(v.volumes)
	v.mu.Unlock()

	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		v.volumes = volumes
	}
}
