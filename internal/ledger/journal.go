package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeWalletDeposit JournalType = iota
	JournalTypeWalletWithdrawal
	JournalTypeCollateralLock
	JournalTypeAdvance
	JournalTypeAdvanceRepay
	JournalTypeSwapIn
	JournalTypeSwapOut
	JournalTypeLendingSupply
	JournalTypeLendingWithdraw
	JournalTypeLendingBorrow
	JournalTypeLendingRepay
	JournalTypeLiquidityProvide
	JournalTypeLiquidityWithdraw
	JournalTypeRewards
	JournalTypePayout
	JournalTypeSeed
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeWalletDeposit:
		return "wallet_deposit"
	case JournalTypeWalletWithdrawal:
		return "wallet_withdrawal"
	case JournalTypeCollateralLock:
		return "collateral_lock"
	case JournalTypeAdvance:
		return "advance"
	case JournalTypeAdvanceRepay:
		return "advance_repay"
	case JournalTypeSwapIn:
		return "swap_in"
	case JournalTypeSwapOut:
		return "swap_out"
	case JournalTypeLendingSupply:
		return "lending_supply"
	case JournalTypeLendingWithdraw:
		return "lending_withdraw"
	case JournalTypeLendingBorrow:
		return "lending_borrow"
	case JournalTypeLendingRepay:
		return "lending_repay"
	case JournalTypeLiquidityProvide:
		return "liquidity_provide"
	case JournalTypeLiquidityWithdraw:
		return "liquidity_withdraw"
	case JournalTypeRewards:
		return "rewards"
	case JournalTypePayout:
		return "payout"
	case JournalTypeSeed:
		return "seed"
	}
	return "unknown"
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups entries of one settlement
	EventRef      string      // Reference of the operation that produced it
	Sequence      int64       // Batch sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        int64       // Fixed-point amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Epoch microseconds
}

// Batch is the set of journal entries committed by one operation
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed. Each journal moves a single positive
// amount from credit to debit, so debits equal credits per entry.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}
