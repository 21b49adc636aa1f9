package config

import (
	"fmt"
	"strings"
	"time"

	"FlashLever/internal/ledger"
	fpmath "FlashLever/internal/math"
	"FlashLever/internal/state"
)

// Config is the full service configuration. Amounts and ratios are decimal
// strings in human units and are converted to fixed point by Risk().
type Config struct {
	LogLevel string `toml:"log_level"`

	Postgres  PostgresConfig  `toml:"postgres"`
	NATS      NATSConfig      `toml:"nats"`
	Redis     RedisConfig     `toml:"redis"`
	Server    ServerConfig    `toml:"server"`
	Engine    EngineConfig    `toml:"engine"`
	Risk      RiskConfig      `toml:"risk"`
	Pipeline  PipelineConfig  `toml:"pipeline"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Seed      SeedConfig      `toml:"seed"`
}

// Duration wraps time.Duration so TOML accepts strings like "30s"
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// PostgresConfig enables the event log. An empty DSN runs the engine
// in memory only.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	MigrationsDir string `toml:"migrations_dir"`
	MaxOpenConns  int    `toml:"max_open_conns"`
	MaxIdleConns  int    `toml:"max_idle_conns"`
}

// NATSConfig enables wallet ingestion, outbound events and the NATS
// guarantee provider. An empty URL uses the in-memory provider.
type NATSConfig struct {
	URL string `toml:"url"`
}

// RedisConfig enables the Redis price oracle and the scheduler lock
type RedisConfig struct {
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	OracleMaxAge Duration `toml:"oracle_max_age"`
}

type ServerConfig struct {
	HTTPAddr    string  `toml:"http_addr"`
	GRPCAddr    string  `toml:"grpc_addr"`
	MetricsAddr string  `toml:"metrics_addr"`
	RateLimit   float64 `toml:"rate_limit"` // requests per second per client
	RateBurst   int     `toml:"rate_burst"`
}

type EngineConfig struct {
	QuoteAsset              string   `toml:"quote_asset"`
	PositionAsset           string   `toml:"position_asset"`
	SwapDeadline            Duration `toml:"swap_deadline"`
	SwapFeeBps              int64    `toml:"swap_fee_bps"`
	LiquidationThresholdBps int64    `toml:"liquidation_threshold_bps"`
	IdempotencyCapacity     int      `toml:"idempotency_capacity"`
}

type RiskConfig struct {
	MinLeverage          string `toml:"min_leverage"`
	MaxLeverage          string `toml:"max_leverage"`
	FeeBps               int64  `toml:"fee_bps"`
	PreauthMultiplierBps int64  `toml:"preauth_multiplier_bps"`
	LPProfitShareBps     int64  `toml:"lp_profit_share_bps"`
	SafeLTVBps           int64  `toml:"safe_ltv_bps"`
	MaxSlippageBps       int64  `toml:"max_slippage_bps"`
	WithdrawDust         string `toml:"withdraw_dust"`
	ScanBatchSize        int    `toml:"scan_batch_size"`
}

// PipelineConfig sizes the output channels and the persistence worker
type PipelineConfig struct {
	PersistChanSize     int      `toml:"persist_chan_size"`
	PublishChanSize     int      `toml:"publish_chan_size"`
	PersistBatchSize    int      `toml:"persist_batch_size"`
	PersistFlushTimeout Duration `toml:"persist_flush_timeout"`
	SnapshotInterval    Duration `toml:"snapshot_interval"`
}

type SchedulerConfig struct {
	Enabled         bool     `toml:"enabled"`
	TriggerInterval Duration `toml:"trigger_interval"`
}

// SeedConfig funds market inventory and static prices on a cold start.
// Prices map asset symbols to quote-asset prices.
type SeedConfig struct {
	Prices        map[string]string `toml:"prices"`
	LendingQuote  string            `toml:"lending_quote"`
	VenueQuote    string            `toml:"venue_quote"`
	VenuePosition string            `toml:"venue_position"`
}

// Defaults returns a configuration that runs fully in memory
func Defaults() Config {
	p := state.DefaultRiskParams()
	return Config{
		LogLevel: "info",
		Postgres: PostgresConfig{
			MigrationsDir: "migrations",
			MaxOpenConns:  20,
			MaxIdleConns:  10,
		},
		Redis: RedisConfig{
			OracleMaxAge: Duration{30 * time.Second},
		},
		Server: ServerConfig{
			HTTPAddr:    ":8080",
			GRPCAddr:    ":9090",
			MetricsAddr: ":9091",
			RateLimit:   50,
			RateBurst:   100,
		},
		Engine: EngineConfig{
			QuoteAsset:              "USDC",
			PositionAsset:           "ETH",
			SwapDeadline:            Duration{time.Minute},
			SwapFeeBps:              0,
			LiquidationThresholdBps: 8_500,
			IdempotencyCapacity:     100_000,
		},
		Risk: RiskConfig{
			MinLeverage:          "1.5",
			MaxLeverage:          "5",
			FeeBps:               p.FeeBps,
			PreauthMultiplierBps: p.PreauthMultiplierBps,
			LPProfitShareBps:     p.LPProfitShareBps,
			SafeLTVBps:           p.SafeLTVBps,
			MaxSlippageBps:       p.MaxSlippageBps,
			WithdrawDust:         "0.000001",
			ScanBatchSize:        p.ScanBatchSize,
		},
		Pipeline: PipelineConfig{
			PersistChanSize:     1024,
			PublishChanSize:     2048,
			PersistBatchSize:    50,
			PersistFlushTimeout: Duration{10 * time.Millisecond},
			SnapshotInterval:    Duration{5 * time.Minute},
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			TriggerInterval: Duration{30 * time.Second},
		},
		Seed: SeedConfig{
			Prices:        map[string]string{"ETH": "10"},
			LendingQuote:  "1000000",
			VenueQuote:    "1000000",
			VenuePosition: "100000",
		},
	}
}

// RiskParams converts the risk section to fixed point
func (c *Config) RiskParams() (state.RiskParams, error) {
	minLev, err := fpmath.RatioConfig.ParseFixed(c.Risk.MinLeverage)
	if err != nil {
		return state.RiskParams{}, fmt.Errorf("min_leverage: %w", err)
	}
	maxLev, err := fpmath.RatioConfig.ParseFixed(c.Risk.MaxLeverage)
	if err != nil {
		return state.RiskParams{}, fmt.Errorf("max_leverage: %w", err)
	}
	dust, err := fpmath.AmountConfig.ParseFixed(c.Risk.WithdrawDust)
	if err != nil {
		return state.RiskParams{}, fmt.Errorf("withdraw_dust: %w", err)
	}
	return state.RiskParams{
		MinLeverage:          minLev,
		MaxLeverage:          maxLev,
		FeeBps:               c.Risk.FeeBps,
		PreauthMultiplierBps: c.Risk.PreauthMultiplierBps,
		LPProfitShareBps:     c.Risk.LPProfitShareBps,
		SafeLTVBps:           c.Risk.SafeLTVBps,
		MaxSlippageBps:       c.Risk.MaxSlippageBps,
		WithdrawDust:         dust,
		ScanBatchSize:        c.Risk.ScanBatchSize,
	}, nil
}

// Assets resolves the configured quote and position asset symbols
func (c *Config) Assets() (quote, position ledger.AssetID, err error) {
	var ok bool
	if quote, ok = ledger.GetAssetID(c.Engine.QuoteAsset); !ok {
		return 0, 0, fmt.Errorf("unknown quote_asset %q", c.Engine.QuoteAsset)
	}
	if position, ok = ledger.GetAssetID(c.Engine.PositionAsset); !ok {
		return 0, 0, fmt.Errorf("unknown position_asset %q", c.Engine.PositionAsset)
	}
	return quote, position, nil
}

var validLogLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true,
}

// Validate checks the configuration, reporting every problem at once
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: trace, debug, info, warn, error)", c.LogLevel))
	}

	quote, position, err := c.Assets()
	if err != nil {
		errs = append(errs, "engine: "+err.Error())
	} else if quote == position {
		errs = append(errs, "engine: quote_asset and position_asset must differ")
	}
	if c.Engine.SwapDeadline.Duration <= 0 {
		errs = append(errs, "engine: swap_deadline must be positive")
	}
	if c.Engine.SwapFeeBps < 0 || c.Engine.SwapFeeBps >= fpmath.BasisPoints {
		errs = append(errs, fmt.Sprintf("engine: swap_fee_bps must be in [0, 10000), got %d", c.Engine.SwapFeeBps))
	}
	if c.Engine.LiquidationThresholdBps <= 0 || c.Engine.LiquidationThresholdBps > fpmath.BasisPoints {
		errs = append(errs, fmt.Sprintf("engine: liquidation_threshold_bps must be in (0, 10000], got %d", c.Engine.LiquidationThresholdBps))
	}

	if params, err := c.RiskParams(); err != nil {
		errs = append(errs, "risk: "+err.Error())
	} else if err := state.ValidateRiskParams(params, c.Engine.LiquidationThresholdBps); err != nil {
		errs = append(errs, "risk: "+err.Error())
	}

	if c.Server.HTTPAddr == "" {
		errs = append(errs, "server: http_addr must not be empty")
	}
	if c.Server.RateLimit <= 0 || c.Server.RateBurst <= 0 {
		errs = append(errs, "server: rate_limit and rate_burst must be positive")
	}

	if c.Pipeline.PersistChanSize <= 0 || c.Pipeline.PublishChanSize <= 0 {
		errs = append(errs, "pipeline: channel sizes must be positive")
	}
	if c.Pipeline.PersistBatchSize <= 0 {
		errs = append(errs, "pipeline: persist_batch_size must be positive")
	}
	if c.Pipeline.PersistFlushTimeout.Duration <= 0 {
		errs = append(errs, "pipeline: persist_flush_timeout must be positive")
	}
	if c.Scheduler.Enabled && c.Scheduler.TriggerInterval.Duration <= 0 {
		errs = append(errs, "scheduler: trigger_interval must be positive")
	}

	for asset, price := range c.Seed.Prices {
		if _, ok := ledger.GetAssetID(asset); !ok {
			errs = append(errs, fmt.Sprintf("seed: unknown asset %q in prices", asset))
		}
		if _, err := fpmath.PriceConfig.ParseFixed(price); err != nil {
			errs = append(errs, fmt.Sprintf("seed: price for %s: %v", asset, err))
		}
	}
	for name, amount := range map[string]string{
		"lending_quote":  c.Seed.LendingQuote,
		"venue_quote":    c.Seed.VenueQuote,
		"venue_position": c.Seed.VenuePosition,
	} {
		if amount == "" {
			continue
		}
		if _, err := fpmath.AmountConfig.ParseFixed(amount); err != nil {
			errs = append(errs, fmt.Sprintf("seed: %s: %v", name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
