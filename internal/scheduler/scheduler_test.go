package scheduler_test

import (
	"FlashLever/internal/guarantee"
	"FlashLever/internal/scheduler"
	"FlashLever/internal/state"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *state.PositionStore
	provider *guarantee.MemoryProvider
	lc       *guarantee.Lifecycle
	trigger  *scheduler.Trigger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    state.NewPositionStore(),
		provider: guarantee.NewMemoryProvider(),
	}
	f.lc = guarantee.NewLifecycle(f.store, f.provider, nil, 50, nil)
	f.provider.Bind(f.lc)
	f.trigger = scheduler.NewTrigger(f.lc).WithClock(func() time.Time { return t0 })
	return f
}

func (f *fixture) position(t *testing.T, expiry time.Time) uuid.UUID {
	t.Helper()
	id := uuid.New()
	if err := f.store.Create(state.Position{
		Identity:           id,
		Status:             state.PositionStatusActive,
		GuaranteeAmount:    1_000_000,
		GuaranteeReference: "hold-" + id.String(),
		GuaranteeExpiry:    expiry,
	}); err != nil {
		t.Fatal(err)
	}
	return id
}

func TestCheckTrigger(t *testing.T) {
	f := newFixture(t)
	f.position(t, t0.Add(time.Hour))

	if needed, payload := f.trigger.CheckTrigger(t0); needed || payload != nil {
		t.Fatal("nothing expired, trigger should not be needed")
	}

	expired := f.position(t, t0.Add(-time.Second))
	needed, payload := f.trigger.CheckTrigger(t0)
	if !needed {
		t.Fatal("expected trigger to be needed")
	}
	var p scheduler.TriggerPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.Fatal(err)
	}
	if len(p.Identities) != 1 || p.Identities[0] != expired {
		t.Errorf("payload identities: %v", p.Identities)
	}
}

func TestPerformTrigger_Idempotent(t *testing.T) {
	f := newFixture(t)
	a := f.position(t, t0)
	b := f.position(t, t0)
	_, payload := f.trigger.CheckTrigger(t0)

	res, err := f.trigger.PerformTrigger(context.Background(), payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Charged) != 2 || res.Skipped != 0 {
		t.Fatalf("first perform: %+v", res)
	}

	res, err = f.trigger.PerformTrigger(context.Background(), payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Charged) != 0 || res.Skipped != 2 {
		t.Errorf("repeat perform while in flight: %+v", res)
	}

	for _, r := range f.provider.Requests() {
		f.provider.Resolve(r.ID, guarantee.Result{Success: true})
	}
	for _, id := range []uuid.UUID{a, b} {
		if p, _ := f.store.Get(id); !p.GuaranteeCharged {
			t.Errorf("%s not charged", id)
		}
	}

	res, err = f.trigger.PerformTrigger(context.Background(), payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Charged) != 0 || res.Skipped != 2 {
		t.Errorf("stale payload after charge: %+v", res)
	}
	if n := len(f.provider.Requests()); n != 2 {
		t.Errorf("provider saw %d requests, want 2", n)
	}
}

func TestPerformTrigger_StaleAndUnknownIdentities(t *testing.T) {
	f := newFixture(t)
	live := f.position(t, t0)
	closed := f.position(t, t0)
	f.store.Delete(closed)

	payload, _ := json.Marshal(scheduler.TriggerPayload{Identities: []uuid.UUID{uuid.New(), closed, live}})
	res, err := f.trigger.PerformTrigger(context.Background(), payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Charged) != 1 || res.Skipped != 2 {
		t.Errorf("result: %+v", res)
	}
}

func TestPerformTrigger_ProviderFailureDoesNotBlockOthers(t *testing.T) {
	f := newFixture(t)
	f.position(t, t0)
	f.position(t, t0)
	_, payload := f.trigger.CheckTrigger(t0)
	f.provider.FailWith(guarantee.ErrProviderUnavailable)

	res, err := f.trigger.PerformTrigger(context.Background(), payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Failed) != 2 {
		t.Errorf("expected both identities attempted and failed: %+v", res)
	}
	if f.lc.PendingCount() != 0 {
		t.Error("failed requests left pending")
	}
}

func TestPerformTrigger_BadPayload(t *testing.T) {
	f := newFixture(t)
	if _, err := f.trigger.PerformTrigger(context.Background(), []byte("nope")); !errors.Is(err, scheduler.ErrBadPayload) {
		t.Errorf("expected ErrBadPayload, got %v", err)
	}
}

func TestLocalLocker(t *testing.T) {
	l := scheduler.NewLocalLocker()
	ctx := context.Background()

	unlock, err := l.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l.Acquire(ctx, "k", time.Minute); !errors.Is(err, scheduler.ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if _, err := l.Acquire(ctx, "other", time.Minute); err != nil {
		t.Errorf("independent key blocked: %v", err)
	}

	unlock()
	unlock()
	again, err := l.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("reacquire after unlock: %v", err)
	}
	defer again()
}

func TestLocalLocker_ExpiredLeaseIsNotReleasedByOldHolder(t *testing.T) {
	l := scheduler.NewLocalLocker()
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "k", time.Nanosecond)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(time.Millisecond)
	current, err := l.Acquire(ctx, "k", time.Minute)
	if err != nil {
		t.Fatalf("expired lease not reclaimable: %v", err)
	}
	defer current()

	stale()
	if _, err := l.Acquire(ctx, "k", time.Minute); !errors.Is(err, scheduler.ErrLockHeld) {
		t.Errorf("old holder released the new lease: %v", err)
	}
}

func TestRunner_RunOnce(t *testing.T) {
	f := newFixture(t)
	f.position(t, t0)
	locker := scheduler.NewLocalLocker()
	r := scheduler.NewRunner(f.trigger, locker, time.Second, nil)

	res, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Charged) != 1 {
		t.Errorf("result: %+v", res)
	}

	unlock, err := locker.Acquire(context.Background(), "guarantee-trigger", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()
	if _, err := r.RunOnce(context.Background()); !errors.Is(err, scheduler.ErrLockHeld) {
		t.Errorf("expected ErrLockHeld while another runner holds the lease, got %v", err)
	}
}
