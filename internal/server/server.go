package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"FlashLever/internal/core"
	"FlashLever/internal/event"
	"FlashLever/internal/guarantee"
	"FlashLever/internal/ledger"
	"FlashLever/internal/market"
	"FlashLever/internal/observability"
	"FlashLever/internal/pool"
	"FlashLever/internal/query"
	"FlashLever/internal/scheduler"
	"FlashLever/internal/state"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Orchestrator is the engine surface the API drives; implemented by
// core.Engine.
type Orchestrator interface {
	Open(ctx context.Context, id uuid.UUID, req core.OpenRequest) (*event.PositionOpened, error)
	Close(ctx context.Context, id uuid.UUID) (*event.PositionClosed, error)
	Deposit(ctx context.Context, op core.WalletOp) (*event.WalletDeposited, error)
	Withdraw(ctx context.Context, op core.WalletOp) (*event.WalletWithdrawn, error)
	ProvideLiquidity(ctx context.Context, provider uuid.UUID, amount int64) (*event.LiquidityProvided, error)
	WithdrawLiquidity(ctx context.Context, provider uuid.UUID, shares int64) (*event.LiquidityWithdrawn, error)

	Position(id uuid.UUID) (state.Position, bool)
	WalletBalance(userID uuid.UUID, asset ledger.AssetID) int64
	PoolStats() pool.Stats
	SharesOf(provider uuid.UUID) int64
	AccountData(ctx context.Context) (market.AccountData, error)
	ActivePositions() int
	Sequence() int64
	QuoteAsset() ledger.AssetID
	PositionAsset() ledger.AssetID
}

// Guarantees is the lifecycle surface exposed over HTTP
type Guarantees interface {
	Peek(now time.Time) []uuid.UUID
	guarantee.ResultHandler
}

// Deps holds everything the API serves. Query, DB and Snapshot are
// optional; their routes answer 503 when unset.
type Deps struct {
	Engine     Orchestrator
	Guarantees Guarantees
	Trigger    *scheduler.Trigger
	Query      *query.QueryService
	DB         *sql.DB
	Snapshot   func(ctx context.Context) (int64, error) // returns the snapshot sequence
	Health     *observability.HealthChecker
	Metrics    *observability.Metrics
	RateLimit  float64
	RateBurst  int
	Now        func() time.Time
}

// Server runs the HTTP JSON API and the gRPC health service
type Server struct {
	deps       Deps
	grpcServer *grpc.Server
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	logger     zerolog.Logger
}

func NewServer(grpcAddr, httpAddr string, deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	if deps.Health != nil {
		deps.Health.OnChange(func(ready bool) {
			status := healthpb.HealthCheckResponse_NOT_SERVING
			if ready {
				status = healthpb.HealthCheckResponse_SERVING
			}
			healthServer.SetServingStatus("", status)
		})
	} else {
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	}

	return &Server{
		deps:       deps,
		grpcServer: grpcServer,
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		logger:     observability.NewLogger("server"),
	}
}

// StartGRPC serves the gRPC health service until ctx is cancelled
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the JSON API until ctx is cancelled
func (s *Server) StartHTTP(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler builds the full HTTP handler: health endpoints plus the
// rate-limited API routes.
func (s *Server) Handler() (http.Handler, error) {
	mux := runtime.NewServeMux()
	if err := s.registerRoutes(mux); err != nil {
		return nil, err
	}

	limiter := newRateLimiter(s.deps.RateLimit, s.deps.RateBurst, s.deps.Metrics)

	httpMux := http.NewServeMux()
	if s.deps.Health != nil {
		httpMux.HandleFunc("/healthz", s.deps.Health.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.deps.Health.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", limiter.middleware(mux))
	return httpMux, nil
}

type route struct {
	method  string
	pattern string
	handler runtime.HandlerFunc
}

func (s *Server) registerRoutes(mux *runtime.ServeMux) error {
	routes := []route{
		{"POST", "/v1/wallets/{user_id}/deposits", s.handleDeposit},
		{"POST", "/v1/wallets/{user_id}/withdrawals", s.handleWithdraw},
		{"GET", "/v1/wallets/{user_id}", s.handleGetWallet},

		{"POST", "/v1/positions/{user_id}/open", s.handleOpen},
		{"POST", "/v1/positions/{user_id}/close", s.handleClose},
		{"GET", "/v1/positions/{user_id}", s.handleGetPosition},
		{"GET", "/v1/positions/{user_id}/history", s.handlePositionHistory},

		{"GET", "/v1/pool", s.handlePoolStats},
		{"POST", "/v1/pool/providers/{provider_id}/provide", s.handleProvide},
		{"POST", "/v1/pool/providers/{provider_id}/withdraw", s.handleWithdrawLiquidity},
		{"GET", "/v1/pool/providers/{provider_id}", s.handleGetShares},

		{"GET", "/v1/guarantees/scan", s.handleScan},
		{"POST", "/v1/guarantees/results", s.handleGuaranteeResult},
		{"GET", "/v1/trigger/check", s.handleCheckTrigger},
		{"POST", "/v1/trigger/perform", s.handlePerformTrigger},

		{"GET", "/v1/users/{user_id}/balances", s.handleProjectedBalances},
		{"GET", "/v1/users/{user_id}/journals", s.handleJournals},

		{"GET", "/v1/admin/status", s.handleStatus},
		{"POST", "/v1/admin/snapshot", s.handleSnapshot},
		{"POST", "/v1/admin/projections/rebuild", s.handleRebuild},
		{"GET", "/v1/admin/integrity", s.handleIntegrity},
	}

	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, s.instrument(rt.pattern, rt.handler)); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}
