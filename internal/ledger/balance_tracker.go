package ledger

import (
	"fmt"
	"math"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// CheckJournal reports ErrBalanceOverflow when applying j would push either
// side past the int64 range.
func (bt *BalanceTracker) CheckJournal(j Journal) error {
	if j.Amount < 0 {
		return fmt.Errorf("%w: negative amount %d", ErrInvalidTransfer, j.Amount)
	}
	if have := bt.balances[j.DebitAccount]; have > math.MaxInt64-j.Amount {
		return fmt.Errorf("%w: %s have=%d, credit=%d", ErrBalanceOverflow, j.DebitAccount.AccountPath(), have, j.Amount)
	}
	if have := bt.balances[j.CreditAccount]; have < math.MinInt64+j.Amount {
		return fmt.Errorf("%w: %s have=%d, debit=%d", ErrBalanceOverflow, j.CreditAccount.AccountPath(), have, j.Amount)
	}
	return nil
}

// ApplyJournal applies a single journal entry to balances. Callers check it
// with CheckJournal first.
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// RevertJournal undoes a previously applied journal entry
func (bt *BalanceTracker) RevertJournal(j Journal) {
	bt.balances[j.DebitAccount] -= j.Amount
	bt.balances[j.CreditAccount] += j.Amount
	if bt.balances[j.DebitAccount] == 0 {
		delete(bt.balances, j.DebitAccount)
	}
	if bt.balances[j.CreditAccount] == 0 {
		delete(bt.balances, j.CreditAccount)
	}
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for i, j := range batch.Journals {
		if err := bt.CheckJournal(j); err != nil {
			for k := i - 1; k >= 0; k-- {
				bt.RevertJournal(batch.Journals[k])
			}
			return fmt.Errorf("journal %d: %w", i, err)
		}
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)

	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Restore replaces all balances with a snapshot copy
func (bt *BalanceTracker) Restore(balances map[AccountKey]int64) {
	bt.balances = make(map[AccountKey]int64, len(balances))
	for k, v := range balances {
		if v != 0 {
			bt.balances[k] = v
		}
	}
}
