package market

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"FlashLever/internal/ledger"
	fpmath "FlashLever/internal/math"
)

var (
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrStalePrice       = errors.New("price is stale")
)

// Oracle returns the price of one unit of asset in quote-asset units (PriceConfig scale)
type Oracle interface {
	Price(ctx context.Context, asset ledger.AssetID) (int64, error)
}

// StaticOracle serves prices set in memory. The quote asset is always 1.0.
type StaticOracle struct {
	mu     sync.RWMutex
	quote  ledger.AssetID
	prices map[ledger.AssetID]int64
}

func NewStaticOracle(quote ledger.AssetID) *StaticOracle {
	return &StaticOracle{
		quote:  quote,
		prices: make(map[ledger.AssetID]int64),
	}
}

func (o *StaticOracle) SetPrice(asset ledger.AssetID, price int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[asset] = price
}

func (o *StaticOracle) Price(_ context.Context, asset ledger.AssetID) (int64, error) {
	if asset == o.quote {
		return fpmath.PriceConfig.Scale, nil
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	price, ok := o.prices[asset]
	if !ok || price <= 0 {
		name, _ := ledger.GetAssetName(asset)
		return 0, fmt.Errorf("%w: %s", ErrPriceUnavailable, name)
	}
	return price, nil
}
