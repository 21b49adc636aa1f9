package event

import "github.com/google/uuid"

// WalletDeposited credits a user's wallet from outside the system
type WalletDeposited struct {
	DepositID uuid.UUID `json:"deposit_id"`
	UserID    uuid.UUID `json:"user_id"`
	Asset     string    `json:"asset"`
	Amount    int64     `json:"amount"` // Fixed-point
}

func (d *WalletDeposited) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *WalletDeposited) EventType() EventType {
	return EventTypeWalletDeposited
}

func (d *WalletDeposited) Identity() *uuid.UUID {
	return &d.UserID
}
