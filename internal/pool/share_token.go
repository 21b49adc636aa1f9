package pool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var ErrInsufficientShares = errors.New("insufficient shares")

// ShareToken is the fungible claim on pool assets. Only the pool mints and burns.
type ShareToken struct {
	mu          sync.RWMutex
	balances    map[uuid.UUID]int64
	totalSupply int64
}

func NewShareToken() *ShareToken {
	return &ShareToken{
		balances: make(map[uuid.UUID]int64),
	}
}

func (t *ShareToken) BalanceOf(owner uuid.UUID) int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.balances[owner]
}

func (t *ShareToken) TotalSupply() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalSupply
}

// Transfer moves shares between holders
func (t *ShareToken) Transfer(from, to uuid.UUID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: transfer amount %d", ErrZeroAmount, amount)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.balances[from] < amount {
		return fmt.Errorf("%w: have=%d, need=%d", ErrInsufficientShares, t.balances[from], amount)
	}
	t.balances[from] -= amount
	if t.balances[from] == 0 {
		delete(t.balances, from)
	}
	t.balances[to] += amount
	return nil
}

func (t *ShareToken) mint(to uuid.UUID, amount int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances[to] += amount
	t.totalSupply += amount
}

func (t *ShareToken) burn(from uuid.UUID, amount int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.balances[from] < amount {
		return fmt.Errorf("%w: have=%d, need=%d", ErrInsufficientShares, t.balances[from], amount)
	}
	t.balances[from] -= amount
	if t.balances[from] == 0 {
		delete(t.balances, from)
	}
	t.totalSupply -= amount
	return nil
}

// Holdings returns a copy of all balances
func (t *ShareToken) Holdings() map[uuid.UUID]int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[uuid.UUID]int64, len(t.balances))
	for k, v := range t.balances {
		out[k] = v
	}
	return out
}

func (t *ShareToken) restore(balances map[uuid.UUID]int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances = make(map[uuid.UUID]int64, len(balances))
	t.totalSupply = 0
	for k, v := range balances {
		if v > 0 {
			t.balances[k] = v
			t.totalSupply += v
		}
	}
}
