package market

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"FlashLever/internal/ledger"
	fpmath "FlashLever/internal/math"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// RedisOracle reads prices published by an external feeder. Each asset is a
// hash at "flashlever:price:{ASSET}" with fields "price" (decimal string in
// quote units) and "ts" (Unix nanoseconds).
type RedisOracle struct {
	rdb    redis.UniversalClient
	quote  ledger.AssetID
	maxAge time.Duration
	now    func() time.Time
}

func NewRedisOracle(rdb redis.UniversalClient, quote ledger.AssetID, maxAge time.Duration) *RedisOracle {
	return &RedisOracle{
		rdb:    rdb,
		quote:  quote,
		maxAge: maxAge,
		now:    time.Now,
	}
}

func priceKey(asset ledger.AssetID) string {
	name, _ := ledger.GetAssetName(asset)
	return "flashlever:price:" + name
}

// SetPrice stores a price; used by feeders and local tooling
func (o *RedisOracle) SetPrice(ctx context.Context, asset ledger.AssetID, price decimal.Decimal, ts time.Time) error {
	fields := map[string]interface{}{
		"price": price.String(),
		"ts":    strconv.FormatInt(ts.UnixNano(), 10),
	}
	if err := o.rdb.HSet(ctx, priceKey(asset), fields).Err(); err != nil {
		return fmt.Errorf("redis: set price %d: %w", asset, err)
	}
	return nil
}

func (o *RedisOracle) Price(ctx context.Context, asset ledger.AssetID) (int64, error) {
	if asset == o.quote {
		return fpmath.PriceConfig.Scale, nil
	}

	vals, err := o.rdb.HGetAll(ctx, priceKey(asset)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: get price %d: %w", asset, err)
	}
	priceStr, ok := vals["price"]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrPriceUnavailable, priceKey(asset))
	}

	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return 0, fmt.Errorf("redis: parse price %s: %w", priceStr, err)
	}

	if o.maxAge > 0 {
		tsNano, err := strconv.ParseInt(vals["ts"], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("redis: parse ts: %w", err)
		}
		if age := o.now().Sub(time.Unix(0, tsNano)); age > o.maxAge {
			return 0, fmt.Errorf("%w: %s is %s old", ErrStalePrice, priceKey(asset), age)
		}
	}

	fixed := price.Shift(int32(fpmath.PriceConfig.DecimalPrecision)).IntPart()
	if fixed <= 0 {
		return 0, fmt.Errorf("%w: non-positive price %s", ErrPriceUnavailable, priceStr)
	}
	return fixed, nil
}
