package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	ledger *Ledger
}

func NewInvariantValidator(l *Ledger) *InvariantValidator {
	return &InvariantValidator{
		ledger: l,
	}
}

// ValidateGlobalBalance verifies the ledger is zero-sum per asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	v.ledger.mu.RLock()
	defer v.ledger.mu.RUnlock()

	totals := v.ledger.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}

// ValidateInternalNonNegative verifies no user or system account is overdrawn.
// External boundary accounts are the only ones allowed to go negative.
func (v *InvariantValidator) ValidateInternalNonNegative() error {
	v.ledger.mu.RLock()
	defer v.ledger.mu.RUnlock()

	for key := range v.ledger.tracker.balances {
		if key.Scope == AccountScopeExternal {
			continue
		}
		if err := v.ledger.tracker.ValidateNonNegative(key); err != nil {
			return err
		}
	}
	return nil
}
