package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load builds the configuration: defaults, then the TOML file at path (or
// FLASH_CONFIG when path is empty; no file is fine), then a .env file if
// present, then FLASH_* environment overrides. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("FLASH_CONFIG")
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "FLASH_LOG_LEVEL")

	setStr(&cfg.Postgres.DSN, "FLASH_POSTGRES_DSN")
	setStr(&cfg.Postgres.MigrationsDir, "FLASH_MIGRATIONS_DIR")
	setInt(&cfg.Postgres.MaxOpenConns, "FLASH_POSTGRES_MAX_OPEN_CONNS")

	setStr(&cfg.NATS.URL, "FLASH_NATS_URL")

	setStr(&cfg.Redis.Addr, "FLASH_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "FLASH_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "FLASH_REDIS_DB")
	setDuration(&cfg.Redis.OracleMaxAge, "FLASH_ORACLE_MAX_AGE")

	setStr(&cfg.Server.HTTPAddr, "FLASH_HTTP_ADDR")
	setStr(&cfg.Server.GRPCAddr, "FLASH_GRPC_ADDR")
	setStr(&cfg.Server.MetricsAddr, "FLASH_METRICS_ADDR")
	setFloat64(&cfg.Server.RateLimit, "FLASH_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "FLASH_RATE_BURST")

	setStr(&cfg.Engine.QuoteAsset, "FLASH_QUOTE_ASSET")
	setStr(&cfg.Engine.PositionAsset, "FLASH_POSITION_ASSET")
	setDuration(&cfg.Engine.SwapDeadline, "FLASH_SWAP_DEADLINE")
	setInt64(&cfg.Engine.SwapFeeBps, "FLASH_SWAP_FEE_BPS")
	setInt64(&cfg.Engine.LiquidationThresholdBps, "FLASH_LIQUIDATION_THRESHOLD_BPS")
	setInt(&cfg.Engine.IdempotencyCapacity, "FLASH_IDEMPOTENCY_CAPACITY")

	setStr(&cfg.Risk.MinLeverage, "FLASH_MIN_LEVERAGE")
	setStr(&cfg.Risk.MaxLeverage, "FLASH_MAX_LEVERAGE")
	setInt64(&cfg.Risk.FeeBps, "FLASH_FEE_BPS")
	setInt64(&cfg.Risk.PreauthMultiplierBps, "FLASH_PREAUTH_MULTIPLIER_BPS")
	setInt64(&cfg.Risk.LPProfitShareBps, "FLASH_LP_PROFIT_SHARE_BPS")
	setInt64(&cfg.Risk.SafeLTVBps, "FLASH_SAFE_LTV_BPS")
	setInt64(&cfg.Risk.MaxSlippageBps, "FLASH_MAX_SLIPPAGE_BPS")
	setStr(&cfg.Risk.WithdrawDust, "FLASH_WITHDRAW_DUST")
	setInt(&cfg.Risk.ScanBatchSize, "FLASH_SCAN_BATCH_SIZE")

	setInt(&cfg.Pipeline.PersistChanSize, "FLASH_PERSIST_CHAN_SIZE")
	setInt(&cfg.Pipeline.PublishChanSize, "FLASH_PUBLISH_CHAN_SIZE")
	setInt(&cfg.Pipeline.PersistBatchSize, "FLASH_PERSIST_BATCH_SIZE")
	setDuration(&cfg.Pipeline.PersistFlushTimeout, "FLASH_PERSIST_FLUSH_TIMEOUT")
	setDuration(&cfg.Pipeline.SnapshotInterval, "FLASH_SNAPSHOT_INTERVAL")

	setBool(&cfg.Scheduler.Enabled, "FLASH_SCHEDULER_ENABLED")
	setDuration(&cfg.Scheduler.TriggerInterval, "FLASH_TRIGGER_INTERVAL")
}

// Each helper only mutates the target when the variable is set and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
