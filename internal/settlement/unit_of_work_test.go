package settlement_test

import (
	"FlashLever/internal/settlement"
	"context"
	"errors"
	"testing"
)

type counter struct {
	value int
}

func (c *counter) Checkpoint() func() {
	saved := c.value
	return func() { c.value = saved }
}

func TestUnitOfWork_CommitKeepsState(t *testing.T) {
	a, b := &counter{}, &counter{}
	uow := settlement.NewUnitOfWork(a, b)

	err := uow.Run(context.Background(), settlement.Info{Kind: "open"}, func(ctx context.Context) error {
		a.value = 1
		b.value = 2
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.value != 1 || b.value != 2 {
		t.Errorf("state not kept: a=%d b=%d", a.value, b.value)
	}
}

func TestUnitOfWork_ErrorRestoresAll(t *testing.T) {
	a, b := &counter{value: 10}, &counter{value: 20}
	uow := settlement.NewUnitOfWork(a, b)
	boom := errors.New("boom")

	err := uow.Run(context.Background(), settlement.Info{Kind: "close"}, func(ctx context.Context) error {
		a.value = 11
		b.value = 21
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if a.value != 10 || b.value != 20 {
		t.Errorf("state not restored: a=%d b=%d", a.value, b.value)
	}
}

func TestUnitOfWork_PanicRestores(t *testing.T) {
	a := &counter{value: 5}
	uow := settlement.NewUnitOfWork(a)

	err := uow.Run(context.Background(), settlement.Info{Kind: "open"}, func(ctx context.Context) error {
		a.value = 6
		panic("callback failed")
	})
	if err == nil {
		t.Fatal("expected error from panic")
	}
	if a.value != 5 {
		t.Errorf("state not restored after panic: %d", a.value)
	}
}

func TestUnitOfWork_ContextCarriesInfo(t *testing.T) {
	uow := settlement.NewUnitOfWork()
	if _, ok := settlement.FromContext(context.Background()); ok {
		t.Fatal("background context should not carry settlement info")
	}

	_ = uow.Run(context.Background(), settlement.Info{Kind: "open", Ref: "r1"}, func(ctx context.Context) error {
		info, ok := settlement.FromContext(ctx)
		if !ok || info.Kind != "open" || info.Ref != "r1" {
			t.Errorf("info not propagated: %+v ok=%v", info, ok)
		}
		return nil
	})
}

func TestParticipantFunc(t *testing.T) {
	restored := false
	p := settlement.ParticipantFunc(func() func() {
		return func() { restored = true }
	})
	uow := settlement.NewUnitOfWork(p)
	_ = uow.Run(context.Background(), settlement.Info{}, func(ctx context.Context) error {
		return errors.New("fail")
	})
	if !restored {
		t.Error("ParticipantFunc restore not invoked")
	}
}
