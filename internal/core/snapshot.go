package core

import (
	"fmt"
	"time"

	"FlashLever/internal/guarantee"
	"FlashLever/internal/ledger"
	"FlashLever/internal/market"
	"FlashLever/internal/pool"
	"FlashLever/internal/state"
)

// BalanceEntry is one ledger account in a snapshot
type BalanceEntry struct {
	Account ledger.AccountKey `json:"account"`
	Path    string            `json:"path"`
	Balance int64             `json:"balance"`
}

// SnapshotState is everything needed to resume the engine after a restart
type SnapshotState struct {
	Sequence       int64                      `json:"sequence"` // next event sequence
	LedgerSequence int64                      `json:"ledger_sequence"`
	StateHash      []byte                     `json:"state_hash"`
	Balances       []BalanceEntry             `json:"balances"`
	Positions      []state.Position           `json:"positions"`
	Pool           pool.State                 `json:"pool"`
	Lending        *market.LendingState       `json:"lending,omitempty"`
	Guarantees     []guarantee.PendingRequest `json:"guarantees,omitempty"`
	CreatedAt      time.Time                  `json:"created_at"`
}

type lendingSnapshotter interface {
	Snapshot() market.LendingState
	Restore(market.LendingState)
}

// CreateSnapshotState captures the committed state. It waits for any
// running settlement to finish.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.settleMu.Lock()
	defer e.settleMu.Unlock()
	e.outMu.Lock()
	defer e.outMu.Unlock()

	balances, ledgerSeq := e.ledger.Snapshot()
	entries := make([]BalanceEntry, 0, len(balances))
	for key, bal := range balances {
		entries = append(entries, BalanceEntry{Account: key, Path: key.AccountPath(), Balance: bal})
	}

	tip := e.hasher.Tip()
	snap := &SnapshotState{
		Sequence:       e.sequence,
		LedgerSequence: ledgerSeq,
		StateHash:      tip[:],
		Balances:       entries,
		Positions:      e.positions.Snapshot(),
		Pool:           e.pool.Snapshot(),
		Guarantees:     e.guarantees.Pending(),
		CreatedAt:      e.now(),
	}
	if ls, ok := e.lending.(lendingSnapshotter); ok {
		s := ls.Snapshot()
		snap.Lending = &s
	}
	return snap
}

// RestoreFromSnapshot loads a snapshot into an engine that has not yet
// processed anything.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	if len(snap.StateHash) != 32 {
		return fmt.Errorf("snapshot state hash has %d bytes", len(snap.StateHash))
	}

	e.settleMu.Lock()
	defer e.settleMu.Unlock()
	e.outMu.Lock()
	defer e.outMu.Unlock()

	balances := make(map[ledger.AccountKey]int64, len(snap.Balances))
	for _, b := range snap.Balances {
		balances[b.Account] = b.Balance
	}
	e.ledger.Restore(balances, snap.LedgerSequence)
	if err := e.validator.ValidateGlobalBalance(); err != nil {
		return fmt.Errorf("snapshot ledger: %w", err)
	}

	e.positions.Restore(snap.Positions)
	e.pool.Restore(snap.Pool)
	if snap.Lending != nil {
		ls, ok := e.lending.(lendingSnapshotter)
		if !ok {
			return fmt.Errorf("snapshot carries lending state but the market cannot restore it")
		}
		ls.Restore(*snap.Lending)
	}
	e.guarantees.RestorePending(snap.Guarantees)

	var tip [32]byte
	copy(tip[:], snap.StateHash)
	e.hasher.Reset(tip)
	e.sequence = snap.Sequence

	e.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("positions", len(snap.Positions)).
		Int("pending_guarantees", len(snap.Guarantees)).
		Msg("restored from snapshot")
	return nil
}

// WarmIdempotency loads recently committed wallet operation keys
func (e *Engine) WarmIdempotency(keys [][2]string) {
	e.idempotency.Warm(keys)
}
