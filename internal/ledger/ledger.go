package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidTransfer     = errors.New("invalid transfer")
	ErrBalanceOverflow     = fmt.Errorf("%w: balance overflow", ErrInvalidTransfer)
)

// Ledger applies balanced transfers to a BalanceTracker and keeps the journals
// of the operation in progress until they are drained into a Batch.
type Ledger struct {
	mu       sync.RWMutex
	tracker  *BalanceTracker
	pending  []Journal
	sequence int64
}

func NewLedger(tracker *BalanceTracker, startSequence int64) *Ledger {
	return &Ledger{
		tracker:  tracker,
		sequence: startSequence,
	}
}

// Transfer moves amount from one account to another. Non-external accounts
// can never be overdrawn.
func (l *Ledger) Transfer(from, to AccountKey, amount int64, jt JournalType, ref string) error {
	if amount <= 0 {
		return fmt.Errorf("%w: non-positive amount %d", ErrInvalidTransfer, amount)
	}
	if from == to {
		return fmt.Errorf("%w: self transfer on %s", ErrInvalidTransfer, from.AccountPath())
	}
	if from.AssetID != to.AssetID {
		return fmt.Errorf("%w: asset mismatch %s -> %s", ErrInvalidTransfer, from.AccountPath(), to.AccountPath())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if from.Scope != AccountScopeExternal {
		if have := l.tracker.GetBalance(from); have < amount {
			return fmt.Errorf("%w: %s have=%d, need=%d", ErrInsufficientBalance, from.AccountPath(), have, amount)
		}
	}

	j := Journal{
		JournalID:     uuid.New(),
		EventRef:      ref,
		DebitAccount:  to,
		CreditAccount: from,
		AssetID:       from.AssetID,
		Amount:        amount,
		JournalType:   jt,
	}
	if err := l.tracker.CheckJournal(j); err != nil {
		return err
	}
	l.tracker.ApplyJournal(j)
	l.pending = append(l.pending, j)
	return nil
}

// Balance returns the current balance of an account
func (l *Ledger) Balance(key AccountKey) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tracker.GetBalance(key)
}

// Checkpoint returns a function that reverts every transfer made after this call.
func (l *Ledger) Checkpoint() func() {
	l.mu.RLock()
	mark := len(l.pending)
	l.mu.RUnlock()

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i := len(l.pending) - 1; i >= mark; i-- {
			l.tracker.RevertJournal(l.pending[i])
		}
		l.pending = l.pending[:mark]
	}
}

// Drain stamps pending journals into a batch and clears them.
// Returns nil when nothing is pending.
func (l *Ledger) Drain(ref string, timestamp int64) *Batch {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.pending) == 0 {
		return nil
	}

	batch := &Batch{
		BatchID:   uuid.New(),
		EventRef:  ref,
		Sequence:  l.sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, len(l.pending)),
	}
	for i, j := range l.pending {
		j.BatchID = batch.BatchID
		j.Sequence = l.sequence
		j.Timestamp = timestamp
		if j.EventRef == "" {
			j.EventRef = ref
		}
		batch.Journals[i] = j
	}

	l.pending = l.pending[:0]
	l.sequence++
	return batch
}

// Sequence returns the next batch sequence
func (l *Ledger) Sequence() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sequence
}

// Snapshot copies balances and sequence for persistence
func (l *Ledger) Snapshot() (map[AccountKey]int64, int64) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tracker.Snapshot(), l.sequence
}

// Restore replaces balances and sequence, dropping anything pending
func (l *Ledger) Restore(balances map[AccountKey]int64, sequence int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tracker.Restore(balances)
	l.pending = nil
	l.sequence = sequence
}
