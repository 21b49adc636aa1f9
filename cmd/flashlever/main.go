package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"FlashLever/internal/config"
	"FlashLever/internal/core"
	"FlashLever/internal/guarantee"
	"FlashLever/internal/ingestion"
	"FlashLever/internal/ledger"
	"FlashLever/internal/market"
	fpmath "FlashLever/internal/math"
	"FlashLever/internal/observability"
	"FlashLever/internal/persistence"
	"FlashLever/internal/projection"
	"FlashLever/internal/query"
	"FlashLever/internal/scheduler"
	"FlashLever/internal/server"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "TOML config file (default $FLASH_CONFIG)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "flashlever: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "flashlever: %v\n", err)
		os.Exit(1)
	}

	// Component loggers read their level from the environment
	os.Setenv("FLASH_LOG_LEVEL", cfg.LogLevel)
	logger := observability.NewLoggerWithLevel("main", observability.ParseLogLevel(cfg.LogLevel))

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("flashlever stopped")
	}
	logger.Info().Msg("flashlever shutdown complete")
}

// infra holds the optional external connections. Any of them may be nil,
// in which case the in-memory counterpart is used.
type infra struct {
	db  *sql.DB
	nc  *nats.Conn
	rdb redis.UniversalClient
}

func (in *infra) close() {
	if in.nc != nil {
		in.nc.Close()
	}
	if in.rdb != nil {
		_ = in.rdb.Close()
	}
	if in.db != nil {
		_ = in.db.Close()
	}
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	params, err := cfg.RiskParams()
	if err != nil {
		return err
	}
	quote, position, err := cfg.Assets()
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	health := observability.NewHealthChecker()

	in := &infra{}
	defer in.close()

	// --- Postgres ---
	if cfg.Postgres.DSN != "" {
		if in.db, err = openPostgres(ctx, cfg.Postgres, logger); err != nil {
			return err
		}
		health.SetDependency("postgres", true)
	} else {
		logger.Warn().Msg("no postgres DSN, events are not persisted")
	}

	// --- Redis ---
	var oracle market.Oracle
	locker := scheduler.Locker(scheduler.NewLocalLocker())
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return fmt.Errorf("redis ping: %w", err)
		}
		in.rdb = rdb
		health.SetDependency("redis", true)
		oracle = market.NewRedisOracle(rdb, quote, cfg.Redis.OracleMaxAge.Duration)
		locker = scheduler.NewRedisLocker(rdb)
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("redis connected")
	} else {
		static, err := staticOracle(cfg.Seed, quote)
		if err != nil {
			return err
		}
		oracle = static
		logger.Warn().Msg("no redis address, using static seed prices")
	}

	// --- NATS ---
	var provider guarantee.Provider
	var memProvider *guarantee.MemoryProvider
	var js jetstream.JetStream
	if cfg.NATS.URL != "" {
		if in.nc, js, err = ingestion.ConnectNATS(cfg.NATS.URL, health, logger); err != nil {
			return err
		}
		if err := ingestion.EnsureStreams(ctx, js, logger); err != nil {
			return fmt.Errorf("ensure streams: %w", err)
		}
		provider = guarantee.NewNATSProvider(js)
		logger.Info().Str("url", cfg.NATS.URL).Msg("NATS connected")
	} else {
		memProvider = guarantee.NewMemoryProvider()
		provider = memProvider
		logger.Warn().Msg("no NATS URL, guarantee results arrive through the HTTP callback only")
	}

	// --- Channels ---
	// Persistence blocks the engine when full; publishing drops.
	var persistChan, publishChan chan core.CoreOutput
	if in.db != nil {
		persistChan = make(chan core.CoreOutput, cfg.Pipeline.PersistChanSize)
	}
	if in.db != nil || js != nil {
		publishChan = make(chan core.CoreOutput, cfg.Pipeline.PublishChanSize)
	}
	metrics.ChannelCapacity.WithLabelValues("persist").Set(float64(cap(persistChan)))
	metrics.ChannelCapacity.WithLabelValues("publish").Set(float64(cap(publishChan)))

	// --- Engine ---
	l := ledger.NewLedger(ledger.NewBalanceTracker(), 0)
	deps := core.Deps{
		Ledger:      l,
		Lending:     market.NewLendingShim(l, oracle, ledger.CustodyKey, cfg.Engine.LiquidationThresholdBps),
		Venue:       market.NewOracleVenue(l, oracle, ledger.CustodyKey, cfg.Engine.SwapFeeBps),
		Oracle:      oracle,
		Provider:    provider,
		Metrics:     metrics,
		PersistChan: persistChan,
		PublishChan: publishChan,
	}
	var idem *persistence.PostgresIdempotencyChecker
	if in.db != nil {
		idem = persistence.NewPostgresIdempotencyChecker(in.db)
		deps.DBChecker = idem
	}

	engine, err := core.NewEngine(core.Config{
		Params:              params,
		QuoteAsset:          quote,
		PositionAsset:       position,
		SwapDeadline:        cfg.Engine.SwapDeadline.Duration,
		IdempotencyCapacity: cfg.Engine.IdempotencyCapacity,
	}, deps)
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if memProvider != nil {
		memProvider.Bind(engine.Guarantees())
	}

	// --- Recovery ---
	var snapMgr *persistence.SnapshotManager
	coldStart := true
	if in.db != nil {
		snapMgr = persistence.NewSnapshotManager(in.db)
		restored, err := restore(ctx, engine, snapMgr, idem, cfg.Engine.IdempotencyCapacity, logger)
		if err != nil {
			return err
		}
		coldStart = !restored
	}

	errChan := make(chan error, 16)
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	// --- Output pipeline ---
	persistDone := make(chan struct{})
	if in.db != nil {
		pw := persistence.NewPersistenceWorker(in.db, persistChan, cfg.Pipeline.PersistBatchSize, cfg.Pipeline.PersistFlushTimeout.Duration, metrics)
		go func() {
			defer close(persistDone)
			if err := pw.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("persistence worker: %w", err)
			}
		}()
	} else {
		close(persistDone)
	}

	if publishChan != nil {
		var sinks []chan core.CoreOutput
		if in.db != nil {
			projChan := make(chan core.CoreOutput, cfg.Pipeline.PublishChanSize)
			sinks = append(sinks, projChan)
			pw := projection.NewProjectionWorker(in.db, projChan)
			go func() { _ = pw.Run(workerCtx) }()
		}
		if js != nil {
			pubChan := make(chan core.CoreOutput, cfg.Pipeline.PublishChanSize)
			sinks = append(sinks, pubChan)
			pub := ingestion.NewOutboundPublisher(js, pubChan)
			go func() { _ = pub.Run(workerCtx) }()
		}
		go fanOut(workerCtx, publishChan, sinks, metrics)
	}

	if coldStart {
		if err := seedMarkets(ctx, engine, cfg.Seed, quote, position); err != nil {
			return fmt.Errorf("seed markets: %w", err)
		}
		logger.Info().Msg("cold start, market inventory seeded")
	}

	// --- Inbound ---
	var subscriber *ingestion.NATSSubscriber
	if js != nil {
		rawChan := make(chan ingestion.RawEvent, 4096)
		subscriber = ingestion.NewNATSSubscriber(js, rawChan)
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			return fmt.Errorf("nats subscribe: %w", err)
		}
		router := ingestion.NewRouter(engine, engine.Guarantees(), metrics)
		go func() { _ = router.Run(ctx, rawChan) }()
	}

	// --- Scheduler ---
	trigger := scheduler.NewTrigger(engine.Guarantees())
	if cfg.Scheduler.Enabled {
		runner := scheduler.NewRunner(trigger, locker, cfg.Scheduler.TriggerInterval.Duration, metrics)
		go func() { _ = runner.Run(ctx) }()
	}

	// --- Snapshots ---
	var snapshotFn func(context.Context) (int64, error)
	if snapMgr != nil {
		snapshotFn = func(ctx context.Context) (int64, error) {
			return takeSnapshot(ctx, engine, snapMgr, metrics)
		}
		go runPeriodicSnapshots(ctx, engine, snapshotFn, cfg.Pipeline.SnapshotInterval.Duration, logger)
	}

	// --- API ---
	apiDeps := server.Deps{
		Engine:     engine,
		Guarantees: engine.Guarantees(),
		Trigger:    trigger,
		DB:         in.db,
		Snapshot:   snapshotFn,
		Health:     health,
		Metrics:    metrics,
		RateLimit:  cfg.Server.RateLimit,
		RateBurst:  cfg.Server.RateBurst,
		Now:        time.Now,
	}
	if in.db != nil {
		apiDeps.Query = query.NewQueryService(in.db)
	}
	srv := server.NewServer(cfg.Server.GRPCAddr, cfg.Server.HTTPAddr, apiDeps)

	apiDone := make(chan struct{}, 2)
	go func() {
		defer func() { apiDone <- struct{}{} }()
		if err := srv.StartHTTP(ctx); err != nil {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		defer func() { apiDone <- struct{}{} }()
		if cfg.Server.GRPCAddr == "" {
			return
		}
		if err := srv.StartGRPC(ctx); err != nil {
			errChan <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	if cfg.Server.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.Server.MetricsAddr, errChan, logger)
	}

	health.SetReady(true)
	logger.Info().
		Int64("sequence", engine.Sequence()).
		Str("http", cfg.Server.HTTPAddr).
		Str("grpc", cfg.Server.GRPCAddr).
		Str("metrics", cfg.Server.MetricsAddr).
		Bool("persistence", in.db != nil).
		Bool("nats", js != nil).
		Msg("flashlever ready")

	// --- Shutdown ---
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("signal received, shutting down")
	case runErr = <-errChan:
		logger.Error().Err(runErr).Msg("component failed, shutting down")
	}
	health.SetReady(false)
	stop()

	if subscriber != nil {
		subscriber.Stop()
	}
	waitFor(apiDone, 2, 10*time.Second)

	// Ingress is closed; flush what the engine committed, then snapshot it.
	stopWorkers()
	select {
	case <-persistDone:
	case <-time.After(30 * time.Second):
		logger.Error().Msg("persistence did not drain in time")
	}
	if snapshotFn != nil {
		snapCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if seq, err := snapshotFn(snapCtx); err != nil {
			logger.Error().Err(err).Msg("final snapshot failed")
		} else {
			logger.Info().Int64("sequence", seq).Msg("final snapshot saved")
		}
	}
	return runErr
}

func openPostgres(ctx context.Context, cfg config.PostgresConfig, logger zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info().Msg("postgres connected")

	if err := persistence.NewMigrator(db, cfg.MigrationsDir).Up(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return db, nil
}

// restore loads the latest verified snapshot into engine and warms the
// idempotency cache. It reports whether a snapshot was found. The engine has
// no replay path, so a log that runs past the snapshot is fatal.
func restore(
	ctx context.Context,
	engine *core.Engine,
	snapMgr *persistence.SnapshotManager,
	idem *persistence.PostgresIdempotencyChecker,
	warmKeys int,
	logger zerolog.Logger,
) (bool, error) {
	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return false, err
	}
	if err := snapMgr.CheckCoverage(ctx, snap); err != nil {
		return false, err
	}
	if snap == nil {
		return false, nil
	}

	if err := engine.RestoreFromSnapshot(snap); err != nil {
		return false, fmt.Errorf("restore snapshot: %w", err)
	}
	keys, err := idem.RecentKeys(ctx, warmKeys)
	if err != nil {
		logger.Warn().Err(err).Msg("idempotency warm-up failed, falling back to database lookups")
	} else {
		engine.WarmIdempotency(keys)
	}
	logger.Info().
		Int64("sequence", snap.Sequence).
		Int("positions", len(snap.Positions)).
		Int("warm_keys", len(keys)).
		Msg("restored from snapshot")
	return true, nil
}

func staticOracle(seed config.SeedConfig, quote ledger.AssetID) (*market.StaticOracle, error) {
	oracle := market.NewStaticOracle(quote)
	for name, p := range seed.Prices {
		asset, ok := ledger.GetAssetID(name)
		if !ok {
			return nil, fmt.Errorf("seed price: unknown asset %q", name)
		}
		price, err := fpmath.PriceConfig.ParseFixed(p)
		if err != nil {
			return nil, fmt.Errorf("seed price %s: %w", name, err)
		}
		oracle.SetPrice(asset, price)
	}
	return oracle, nil
}

// seedMarkets funds the lending market and the swap venue from the seed
// section. Empty amounts are skipped.
func seedMarkets(ctx context.Context, engine *core.Engine, seed config.SeedConfig, quote, position ledger.AssetID) error {
	for _, s := range []struct {
		account ledger.AccountKey
		amount  string
	}{
		{ledger.LendingMarketKey(quote), seed.LendingQuote},
		{ledger.SwapVenueKey(quote), seed.VenueQuote},
		{ledger.SwapVenueKey(position), seed.VenuePosition},
	} {
		if s.amount == "" {
			continue
		}
		amt, err := fpmath.AmountConfig.ParseFixed(s.amount)
		if err != nil {
			return err
		}
		if amt == 0 {
			continue
		}
		if err := engine.FundSystem(ctx, s.account, amt); err != nil {
			return fmt.Errorf("fund %s: %w", s.account.AccountPath(), err)
		}
	}
	return nil
}

func serveMetrics(ctx context.Context, addr string, errChan chan<- error, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutCtx)
	}()

	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errChan <- fmt.Errorf("metrics server: %w", err)
	}
}

func waitFor(done <-chan struct{}, n int, timeout time.Duration) {
	deadline := time.After(timeout)
	for i := 0; i < n; i++ {
		select {
		case <-done:
		case <-deadline:
			return
		}
	}
}
