package event

import "github.com/google/uuid"

// LiquidityProvided records a pool deposit
type LiquidityProvided struct {
	OperationID uuid.UUID `json:"operation_id"`
	Provider    uuid.UUID `json:"provider"`
	Amount      int64     `json:"amount"`
	Shares      int64     `json:"shares"`
}

func (l *LiquidityProvided) IdempotencyKey() string {
	return l.OperationID.String()
}

func (l *LiquidityProvided) EventType() EventType {
	return EventTypeLiquidityProvided
}

func (l *LiquidityProvided) Identity() *uuid.UUID {
	return &l.Provider
}

// LiquidityWithdrawn records a pool withdrawal
type LiquidityWithdrawn struct {
	OperationID uuid.UUID `json:"operation_id"`
	Provider    uuid.UUID `json:"provider"`
	Shares      int64     `json:"shares"`
	Payout      int64     `json:"payout"`
}

func (l *LiquidityWithdrawn) IdempotencyKey() string {
	return l.OperationID.String()
}

func (l *LiquidityWithdrawn) EventType() EventType {
	return EventTypeLiquidityWithdrawn
}

func (l *LiquidityWithdrawn) Identity() *uuid.UUID {
	return &l.Provider
}
