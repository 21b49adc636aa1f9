package projection_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"FlashLever/internal/guarantee"
	"FlashLever/internal/ledger"
	"FlashLever/internal/persistence"
	"FlashLever/internal/projection"
	"FlashLever/internal/query"
	"FlashLever/internal/testutil"

	"github.com/google/uuid"
)

type scenario struct {
	f       *testutil.EngineFixture
	closer  uuid.UUID // opened then closed
	charged uuid.UUID // open, guarantee captured
}

// runScenario commits two position lifecycles, then writes the event log and
// applies the projections from the same outputs.
func runScenario(t *testing.T, db *sql.DB) scenario {
	t.Helper()
	ctx := context.Background()
	s := scenario{
		f:       testutil.NewEngineFixture(t, 1_000_000_000),
		closer:  uuid.New(),
		charged: uuid.New(),
	}

	s.f.OpenTwoX(t, s.closer)
	if _, err := s.f.Engine.Close(ctx, s.closer); err != nil {
		t.Fatalf("close: %v", err)
	}

	s.f.OpenTwoX(t, s.charged)
	s.f.Now = s.f.Now.Add(2 * time.Hour)
	reqID, err := s.f.Engine.Guarantees().Charge(ctx, s.charged, s.f.Now)
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	s.f.Provider.Resolve(reqID, guarantee.Result{Success: true, Status: "captured"})

	outs := s.f.Drain()
	if err := persistence.NewPersistenceWorker(db, testutil.Feed(outs), 50, 5*time.Millisecond, nil).Run(ctx); err != nil {
		t.Fatalf("persist: %v", err)
	}
	if err := projection.NewProjectionWorker(db, testutil.Feed(outs)).Run(ctx); err != nil {
		t.Fatalf("project: %v", err)
	}
	return s
}

func checkProjections(t *testing.T, qs *query.QueryService, s scenario) {
	t.Helper()
	ctx := context.Background()

	for _, user := range []uuid.UUID{s.closer, s.charged} {
		resp, err := qs.GetBalances(ctx, user)
		if err != nil {
			t.Fatal(err)
		}
		if resp.AsOfSequence != s.f.Engine.Sequence()-1 {
			t.Errorf("watermark %d, engine at %d", resp.AsOfSequence, s.f.Engine.Sequence())
		}
		if len(resp.Balances) == 0 {
			t.Errorf("no balances for %s", user)
		}
		for _, b := range resp.Balances {
			asset := ledger.AssetID(b.AssetID)
			if b.AccountPath != ledger.WalletKey(user, asset).AccountPath() {
				t.Errorf("unexpected user account %s", b.AccountPath)
				continue
			}
			if want := s.f.Engine.WalletBalance(user, asset); b.Balance != want {
				t.Errorf("%s: projected %d, ledger %d", b.AccountPath, b.Balance, want)
			}
		}
	}

	closed, err := qs.GetPositionHistory(ctx, s.closer, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(closed) != 1 || closed[0].Status != "closed" || closed[0].ClosedSequence == nil || closed[0].UserPayout == nil {
		t.Errorf("closed history: %+v", closed)
	}

	active, err := qs.GetPositionHistory(ctx, s.charged, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].Status != "active" || !active[0].GuaranteeCharged || active[0].ExitPrice != nil {
		t.Errorf("active history: %+v", active)
	}
	if active[0].Leverage != 2_000_000 || active[0].BorrowedDebt != 10_009_000 {
		t.Errorf("active economics: leverage=%d debt=%d", active[0].Leverage, active[0].BorrowedDebt)
	}

	journals, err := qs.GetJournalHistory(ctx, s.closer, 100, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(journals) == 0 {
		t.Error("no journals for the closed position's owner")
	}
	walletPrefix := "user:" + s.closer.String() + ":"
	for _, j := range journals {
		if !strings.HasPrefix(j.DebitAccount, walletPrefix) && !strings.HasPrefix(j.CreditAccount, walletPrefix) {
			t.Errorf("foreign journal %s -> %s", j.DebitAccount, j.CreditAccount)
		}
	}
}

func TestProjectionWorker_MatchesLedger(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	s := runScenario(t, db)
	qs := query.NewQueryService(db)
	checkProjections(t, qs, s)

	report, err := qs.VerifyIntegrity(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !report.IsHealthy {
		t.Errorf("integrity: %+v", report)
	}
}

func TestRebuildProjections_ReproducesLiveProjection(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	s := runScenario(t, db)
	if _, err := db.Exec(`UPDATE projections.balances SET balance = balance + 1`); err != nil {
		t.Fatal(err)
	}
	if err := projection.RebuildProjections(context.Background(), db); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	checkProjections(t, query.NewQueryService(db), s)
}
