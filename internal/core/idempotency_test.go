package core_test

import (
	"FlashLever/internal/core"
	"errors"
	"testing"
)

type fakeDB struct {
	keys  map[string]bool
	err   error
	calls int
}

func (f *fakeDB) IsDuplicate(eventType, key string) (bool, error) {
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.keys[eventType+":"+key], nil
}

func TestIdempotencyLRU_Eviction(t *testing.T) {
	lru := core.NewIdempotencyLRU(2)
	lru.Add("a")
	lru.Add("b")
	lru.Contains("a") // a is now most recent
	lru.Add("c")

	if lru.Contains("b") {
		t.Error("b should have been evicted")
	}
	if !lru.Contains("a") || !lru.Contains("c") {
		t.Error("a and c should be retained")
	}
	if lru.Size() != 2 || lru.Evictions() != 1 {
		t.Errorf("size=%d evictions=%d", lru.Size(), lru.Evictions())
	}
}

func TestIdempotencyChecker_Tiers(t *testing.T) {
	db := &fakeDB{keys: map[string]bool{"WalletDeposited:persisted": true}}
	ic := core.NewIdempotencyChecker(16, db, nil)

	if ic.IsDuplicate("WalletDeposited", "fresh") {
		t.Error("unknown key reported duplicate")
	}
	if !ic.IsDuplicate("WalletDeposited", "persisted") {
		t.Error("tier-2 hit missed")
	}
	calls := db.calls
	if !ic.IsDuplicate("WalletDeposited", "persisted") || db.calls != calls {
		t.Error("tier-2 hit was not promoted into the LRU")
	}

	ic.MarkProcessed("WalletWithdrawn", "w1")
	if !ic.IsDuplicate("WalletWithdrawn", "w1") {
		t.Error("marked key not found")
	}
	if ic.IsDuplicate("WalletDeposited", "w1") {
		t.Error("keys must be scoped by event type")
	}
}

func TestIdempotencyChecker_DBErrorFailsOpen(t *testing.T) {
	ic := core.NewIdempotencyChecker(16, &fakeDB{err: errors.New("connection refused")}, nil)
	if ic.IsDuplicate("WalletDeposited", "k") {
		t.Error("lookup failure must not report a duplicate")
	}

	ic.Warm([][2]string{{"WalletDeposited", "k"}})
	if !ic.IsDuplicate("WalletDeposited", "k") {
		t.Error("warmed key not found")
	}
}

func TestStateHasher_Chain(t *testing.T) {
	a := core.NewStateHasher()
	b := core.NewStateHasher()
	genesis := a.Tip()

	h1 := a.ComputeHash(0, []byte("one"))
	if h1 == genesis || a.Tip() != h1 {
		t.Fatal("tip did not advance")
	}
	if b.ComputeHash(0, []byte("one")) != h1 {
		t.Error("hash is not deterministic")
	}
	if a.ComputeHash(1, []byte("two")) == b.ComputeHash(2, []byte("two")) {
		t.Error("sequence not bound into the hash")
	}

	c, d := core.NewStateHasher(), core.NewStateHasher()
	c.Reset(h1)
	d.Reset(h1)
	if c.ComputeHash(1, []byte("x")) != d.ComputeHash(1, []byte("x")) {
		t.Error("reset chains differ")
	}
}
