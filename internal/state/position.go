package state

import (
	"time"

	"github.com/google/uuid"
)

// PositionStatus tracks the open/close state machine of an identity
type PositionStatus int32

const (
	PositionStatusNone PositionStatus = iota
	PositionStatusOpening
	PositionStatusActive
	PositionStatusClosing
)

// Position is the leveraged exposure of one identity. Amounts use
// math.AmountConfig, prices math.PriceConfig and leverage math.RatioConfig.
type Position struct {
	Identity         uuid.UUID      `json:"identity"`
	Status           PositionStatus `json:"status"`
	IsActive         bool           `json:"is_active"`
	CollateralAmount int64          `json:"collateral_amount"` // position asset
	LeverageRatio    int64          `json:"leverage_ratio"`
	BorrowedDebt     int64          `json:"borrowed_debt"`  // quote asset owed to the lending market
	TotalSupplied    int64          `json:"total_supplied"` // position asset held by the lending market
	EntryPrice       int64          `json:"entry_price"`

	GuaranteeAmount    int64     `json:"guarantee_amount"`
	GuaranteeReference string    `json:"guarantee_reference"`
	GuaranteeExpiry    time.Time `json:"guarantee_expiry"`
	GuaranteeCharged   bool      `json:"guarantee_charged"`

	OpenedAt time.Time `json:"opened_at"`
	Version  int64     `json:"version"`
}

func (s PositionStatus) String() string {
	switch s {
	case PositionStatusNone:
		return "None"
	case PositionStatusOpening:
		return "Opening"
	case PositionStatusActive:
		return "Active"
	case PositionStatusClosing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates state transitions
func (s PositionStatus) CanTransitionTo(next PositionStatus) bool {
	validTransitions := map[PositionStatus][]PositionStatus{
		PositionStatusNone: {
			PositionStatusOpening,
		},
		PositionStatusOpening: {
			PositionStatusActive,
		},
		PositionStatusActive: {
			PositionStatusClosing,
		},
		PositionStatusClosing: {
			PositionStatusNone,
		},
	}

	for _, allowed := range validTransitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// IsChargeable reports whether the external guarantee may be captured at now
func (p *Position) IsChargeable(now time.Time) bool {
	return p.IsActive && !p.GuaranteeCharged && !now.Before(p.GuaranteeExpiry)
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 128)

	buf = append(buf, p.Identity[:]...)
	buf = append(buf, byte(p.Status))
	buf = appendBool(buf, p.IsActive)
	buf = appendInt64LE(buf, p.CollateralAmount)
	buf = appendInt64LE(buf, p.LeverageRatio)
	buf = appendInt64LE(buf, p.BorrowedDebt)
	buf = appendInt64LE(buf, p.TotalSupplied)
	buf = appendInt64LE(buf, p.EntryPrice)
	buf = appendInt64LE(buf, p.GuaranteeAmount)

	// guarantee_reference (length-prefixed)
	buf = appendInt64LE(buf, int64(len(p.GuaranteeReference)))
	buf = append(buf, []byte(p.GuaranteeReference)...)

	buf = appendInt64LE(buf, p.GuaranteeExpiry.UnixMicro())
	buf = appendBool(buf, p.GuaranteeCharged)

	return buf
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
