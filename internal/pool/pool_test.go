package pool_test

import (
	"FlashLever/internal/ledger"
	"FlashLever/internal/pool"
	"FlashLever/internal/settlement"
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
)

var usdc = ledger.MustAssetID("USDC")

type fixture struct {
	ledger *ledger.Ledger
	pool   *pool.Pool
	lp     uuid.UUID
	caller ledger.AccountKey
}

// newFixture funds one LP with liquidity and gives the borrower some working capital
func newFixture(t *testing.T, feeBps, liquidity, callerFunds int64) *fixture {
	t.Helper()
	l := ledger.NewLedger(ledger.NewBalanceTracker(), 0)
	p := pool.NewPool(l, usdc, feeBps)
	lp := uuid.New()
	ext := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, usdc)

	if err := l.Transfer(ext, ledger.WalletKey(lp, usdc), liquidity, ledger.JournalTypeWalletDeposit, "fund"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.ProvideLiquidity(lp, liquidity); err != nil {
		t.Fatal(err)
	}

	caller := ledger.CustodyKey(usdc)
	if callerFunds > 0 {
		if err := l.Transfer(ext, caller, callerFunds, ledger.JournalTypeSeed, "fund"); err != nil {
			t.Fatal(err)
		}
	}
	return &fixture{ledger: l, pool: p, lp: lp, caller: caller}
}

func TestAdvance_RepaidWithPremium(t *testing.T) {
	f := newFixture(t, 9, 100_000_000, 1_000_000)

	err := f.pool.Advance(context.Background(), f.caller, 10_000_000, func(ctx context.Context, amount, premium int64) error {
		if premium != 9_000 {
			t.Errorf("premium: got %d, want 9000", premium)
		}
		f.pool.Approve(f.caller, amount+premium)
		return nil
	})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}

	stats := f.pool.Stats()
	if stats.TotalFees != 9_000 {
		t.Errorf("TotalFees: got %d, want 9000", stats.TotalFees)
	}
	if stats.Reserve != 100_009_000 {
		t.Errorf("Reserve: got %d, want 100_009_000", stats.Reserve)
	}
	if f.pool.Allowance(f.caller) != 0 {
		t.Error("allowance should be consumed")
	}
}

func TestAdvance_UnderpaidRollsBack(t *testing.T) {
	f := newFixture(t, 9, 100_000_000, 1_000_000)
	uow := settlement.NewUnitOfWork(f.ledger, f.pool)

	err := uow.Run(context.Background(), settlement.Info{Kind: "test"}, func(ctx context.Context) error {
		return f.pool.Advance(ctx, f.caller, 10_000_000, func(ctx context.Context, amount, premium int64) error {
			// One unit short
			f.pool.Approve(f.caller, amount+premium-1)
			return nil
		})
	})
	if !errors.Is(err, pool.ErrAdvanceUnderpaid) {
		t.Fatalf("expected ErrAdvanceUnderpaid, got %v", err)
	}

	stats := f.pool.Stats()
	if stats.TotalFees != 0 {
		t.Errorf("TotalFees must not change on failure, got %d", stats.TotalFees)
	}
	if stats.Reserve != 100_000_000 {
		t.Errorf("Reserve should be restored, got %d", stats.Reserve)
	}
	if got := f.ledger.Balance(f.caller); got != 1_000_000 {
		t.Errorf("caller balance should be restored, got %d", got)
	}
}

func TestAdvance_CallbackErrorStillPulls(t *testing.T) {
	f := newFixture(t, 0, 50_000_000, 0)
	boom := errors.New("swap failed")

	err := f.pool.Advance(context.Background(), f.caller, 5_000_000, func(ctx context.Context, amount, premium int64) error {
		f.pool.Approve(f.caller, amount)
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if got := f.pool.Stats().Reserve; got != 50_000_000 {
		t.Errorf("funds should be pulled back, reserve=%d", got)
	}
}

func TestAdvance_Reentrant(t *testing.T) {
	f := newFixture(t, 0, 50_000_000, 0)

	var inner error
	_ = f.pool.Advance(context.Background(), f.caller, 1_000_000, func(ctx context.Context, amount, premium int64) error {
		inner = f.pool.Advance(ctx, f.caller, 1_000_000, func(context.Context, int64, int64) error { return nil })
		f.pool.Approve(f.caller, amount)
		return nil
	})
	if !errors.Is(inner, pool.ErrReentrantAdvance) {
		t.Errorf("expected ErrReentrantAdvance, got %v", inner)
	}
}

func TestAdvance_InsufficientLiquidity(t *testing.T) {
	f := newFixture(t, 0, 1_000, 0)
	called := false
	err := f.pool.Advance(context.Background(), f.caller, 1_001, func(context.Context, int64, int64) error {
		called = true
		return nil
	})
	if !errors.Is(err, pool.ErrInsufficientLiquidity) {
		t.Errorf("expected ErrInsufficientLiquidity, got %v", err)
	}
	if called {
		t.Error("callback must not run without liquidity")
	}
}

func TestAdvance_RewardsDuringCallbackNotCountedAsRepayment(t *testing.T) {
	f := newFixture(t, 10, 100_000_000, 5_000_000)

	err := f.pool.Advance(context.Background(), f.caller, 10_000_000, func(ctx context.Context, amount, premium int64) error {
		if err := f.pool.ReceiveExternalRewards(f.caller, premium); err != nil {
			return err
		}
		f.pool.Approve(f.caller, amount)
		return nil
	})
	if !errors.Is(err, pool.ErrAdvanceUnderpaid) {
		t.Errorf("rewards must not satisfy the premium, got %v", err)
	}
}

func TestProvideLiquidity_SharesProportional(t *testing.T) {
	f := newFixture(t, 0, 1_000_000, 0)

	// Raise share value by 10%
	ext := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, usdc)
	_ = f.ledger.Transfer(ext, f.caller, 100_000, ledger.JournalTypeSeed, "fund")
	if err := f.pool.ReceiveExternalRewards(f.caller, 100_000); err != nil {
		t.Fatal(err)
	}

	second := uuid.New()
	_ = f.ledger.Transfer(ext, ledger.WalletKey(second, usdc), 1_100_000, ledger.JournalTypeWalletDeposit, "fund")
	minted, err := f.pool.ProvideLiquidity(second, 1_100_000)
	if err != nil {
		t.Fatal(err)
	}
	if minted != 1_000_000 {
		t.Errorf("minted: got %d, want 1_000_000", minted)
	}
}

func TestProvideLiquidity_ZeroAmount(t *testing.T) {
	f := newFixture(t, 0, 1_000, 0)
	if _, err := f.pool.ProvideLiquidity(f.lp, 0); !errors.Is(err, pool.ErrZeroAmount) {
		t.Errorf("expected ErrZeroAmount, got %v", err)
	}
}

func TestWithdrawLiquidity_FeesFirst(t *testing.T) {
	f := newFixture(t, 0, 1_000_000, 0)
	ext := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, usdc)
	_ = f.ledger.Transfer(ext, f.caller, 200_000, ledger.JournalTypeSeed, "fund")
	_ = f.pool.ReceiveExternalRewards(f.caller, 200_000)

	// Half the shares are worth 600_000: 200_000 from fees, 400_000 principal
	payout, err := f.pool.WithdrawLiquidity(f.lp, 500_000)
	if err != nil {
		t.Fatal(err)
	}
	if payout != 600_000 {
		t.Errorf("payout: got %d, want 600_000", payout)
	}

	stats := f.pool.Stats()
	if stats.TotalFees != 0 || stats.TotalLiquidity != 600_000 {
		t.Errorf("after withdraw: fees=%d liquidity=%d", stats.TotalFees, stats.TotalLiquidity)
	}
	if got := f.ledger.Balance(ledger.WalletKey(f.lp, usdc)); got != 600_000 {
		t.Errorf("LP wallet: got %d, want 600_000", got)
	}
}

func TestWithdrawLiquidity_ExceedsShares(t *testing.T) {
	f := newFixture(t, 0, 1_000, 0)
	if _, err := f.pool.WithdrawLiquidity(f.lp, 1_001); !errors.Is(err, pool.ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got %v", err)
	}
}

func TestShareValueNonDecreasingAcrossAdvances(t *testing.T) {
	f := newFixture(t, 9, 10_000_000, 1_000_000)
	last := f.pool.Stats().ShareValue

	for i := 0; i < 5; i++ {
		_ = f.pool.Advance(context.Background(), f.caller, 1_000_000, func(ctx context.Context, amount, premium int64) error {
			f.pool.Approve(f.caller, amount+premium)
			return nil
		})
		v := f.pool.Stats().ShareValue
		if v < last {
			t.Fatalf("share value decreased: %d -> %d", last, v)
		}
		last = v
	}
}

func TestShareToken_Transfer(t *testing.T) {
	f := newFixture(t, 0, 1_000, 0)
	to := uuid.New()

	if err := f.pool.Shares().Transfer(f.lp, to, 400); err != nil {
		t.Fatal(err)
	}
	if f.pool.Shares().BalanceOf(to) != 400 || f.pool.Shares().BalanceOf(f.lp) != 600 {
		t.Error("transfer balances wrong")
	}
	if f.pool.Shares().TotalSupply() != 1_000 {
		t.Error("transfer must not change supply")
	}
	if err := f.pool.Shares().Transfer(to, f.lp, 401); !errors.Is(err, pool.ErrInsufficientShares) {
		t.Errorf("expected ErrInsufficientShares, got %v", err)
	}
}
