package event

import "github.com/google/uuid"

// WalletWithdrawn debits a user's wallet to outside the system
type WalletWithdrawn struct {
	WithdrawalID uuid.UUID `json:"withdrawal_id"`
	UserID       uuid.UUID `json:"user_id"`
	Asset        string    `json:"asset"`
	Amount       int64     `json:"amount"` // Fixed-point
}

func (w *WalletWithdrawn) IdempotencyKey() string {
	return w.WithdrawalID.String()
}

func (w *WalletWithdrawn) EventType() EventType {
	return EventTypeWalletWithdrawn
}

func (w *WalletWithdrawn) Identity() *uuid.UUID {
	return &w.UserID
}
