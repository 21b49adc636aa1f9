package event

import (
	"time"

	"github.com/google/uuid"
)

// PositionOpened is emitted when an open settlement commits
type PositionOpened struct {
	SettlementID  uuid.UUID `json:"settlement_id"`
	UserID        uuid.UUID `json:"user_id"`
	Leverage      int64     `json:"leverage"`
	Collateral    int64     `json:"collateral"`
	TotalExposure int64     `json:"total_exposure"` // position asset supplied to the lending market
	BorrowValue   int64     `json:"borrow_value"`
	BorrowedDebt  int64     `json:"borrowed_debt"`
	Premium       int64     `json:"premium"`
	EntryPrice    int64     `json:"entry_price"`

	GuaranteeReference string    `json:"guarantee_reference"`
	GuaranteeAmount    int64     `json:"guarantee_amount"`
	GuaranteeExpiry    time.Time `json:"guarantee_expiry"`
}

func (p *PositionOpened) IdempotencyKey() string {
	return p.SettlementID.String()
}

func (p *PositionOpened) EventType() EventType {
	return EventTypePositionOpened
}

func (p *PositionOpened) Identity() *uuid.UUID {
	return &p.UserID
}

// PositionClosed is emitted when a close settlement commits
type PositionClosed struct {
	SettlementID uuid.UUID `json:"settlement_id"`
	UserID       uuid.UUID `json:"user_id"`
	ExitPrice    int64     `json:"exit_price"`
	RepaidDebt   int64     `json:"repaid_debt"`
	Premium      int64     `json:"premium"`
	Withdrawn    int64     `json:"withdrawn"`
	SoldForDebt  int64     `json:"sold_for_debt"`
	GrossReturn  int64     `json:"gross_return"`
	Profit       int64     `json:"profit"`
	LPShare      int64     `json:"lp_share"`
	LPRewards    int64     `json:"lp_rewards"` // LP share after conversion to the quote asset
	UserPayout   int64     `json:"user_payout"`
	QuoteRefund  int64     `json:"quote_refund"`
}

func (p *PositionClosed) IdempotencyKey() string {
	return p.SettlementID.String()
}

func (p *PositionClosed) EventType() EventType {
	return EventTypePositionClosed
}

func (p *PositionClosed) Identity() *uuid.UUID {
	return &p.UserID
}
