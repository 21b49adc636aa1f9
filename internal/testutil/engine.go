package testutil

import (
	"context"
	"testing"
	"time"

	"FlashLever/internal/core"
	"FlashLever/internal/guarantee"
	"FlashLever/internal/ledger"
	"FlashLever/internal/market"
	"FlashLever/internal/observability"
	"FlashLever/internal/state"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	USDC = ledger.MustAssetID("USDC")
	ETH  = ledger.MustAssetID("ETH")
)

// EngineFixture is an in-memory engine over USDC/ETH at $10 per ETH with
// funded markets and a pool. Every committed event lands on Outputs.
type EngineFixture struct {
	Engine   *core.Engine
	Provider *guarantee.MemoryProvider
	Outputs  chan core.CoreOutput
	Now      time.Time
}

// NewEngineFixture builds the fixture and provides poolLiquidity USDC
// (fixed point) from a fresh LP.
func NewEngineFixture(t *testing.T, poolLiquidity int64) *EngineFixture {
	t.Helper()
	f := &EngineFixture{
		Provider: guarantee.NewMemoryProvider(),
		Outputs:  make(chan core.CoreOutput, 4096),
		Now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.Now }

	l := ledger.NewLedger(ledger.NewBalanceTracker(), 0)
	oracle := market.NewStaticOracle(USDC)
	oracle.SetPrice(ETH, 10_000_000)

	e, err := core.NewEngine(core.Config{
		Params:        state.DefaultRiskParams(),
		QuoteAsset:    USDC,
		PositionAsset: ETH,
	}, core.Deps{
		Ledger:      l,
		Lending:     market.NewLendingShim(l, oracle, ledger.CustodyKey, 8_500),
		Venue:       market.NewOracleVenue(l, oracle, ledger.CustodyKey, 0).WithClock(clock),
		Oracle:      oracle,
		Provider:    f.Provider,
		Metrics:     observability.NewMetrics(prometheus.NewRegistry()),
		PersistChan: f.Outputs,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	f.Engine = e.WithClock(clock)
	f.Provider.Bind(e.Guarantees())

	ctx := context.Background()
	for _, seed := range []struct {
		account ledger.AccountKey
		amount  int64
	}{
		{ledger.LendingMarketKey(USDC), 1_000_000_000_000},
		{ledger.SwapVenueKey(USDC), 1_000_000_000_000},
		{ledger.SwapVenueKey(ETH), 1_000_000_000},
	} {
		if err := e.FundSystem(ctx, seed.account, seed.amount); err != nil {
			t.Fatalf("fund %s: %v", seed.account.AccountPath(), err)
		}
	}

	if poolLiquidity > 0 {
		lp := uuid.New()
		f.Deposit(t, lp, "USDC", poolLiquidity)
		if _, err := e.ProvideLiquidity(ctx, lp, poolLiquidity); err != nil {
			t.Fatalf("provide liquidity: %v", err)
		}
	}
	return f
}

// Deposit credits a wallet and returns the operation id
func (f *EngineFixture) Deposit(t *testing.T, user uuid.UUID, asset string, amount int64) uuid.UUID {
	t.Helper()
	op := core.WalletOp{ID: uuid.New(), UserID: user, Asset: asset, Amount: amount}
	if _, err := f.Engine.Deposit(context.Background(), op); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	return op.ID
}

// OpenTwoX deposits one ETH for user and opens a 2x position on it
func (f *EngineFixture) OpenTwoX(t *testing.T, user uuid.UUID) {
	t.Helper()
	f.Deposit(t, user, "ETH", 1_000_000)
	_, err := f.Engine.Open(context.Background(), user, core.OpenRequest{
		LeverageRatio:      2_000_000,
		CollateralAmount:   1_000_000,
		GuaranteeReference: "hold-" + user.String()[:8],
		GuaranteeExpiry:    f.Now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
}

// Drain returns everything committed since the last call
func (f *EngineFixture) Drain() []core.CoreOutput {
	var outs []core.CoreOutput
	for {
		select {
		case o := <-f.Outputs:
			outs = append(outs, o)
		default:
			return outs
		}
	}
}

// Feed returns outs on a closed channel, ready for a worker's Run
func Feed(outs []core.CoreOutput) <-chan core.CoreOutput {
	ch := make(chan core.CoreOutput, len(outs))
	for _, o := range outs {
		ch <- o
	}
	close(ch)
	return ch
}
