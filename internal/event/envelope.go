package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeWalletDeposited
	EventTypeWalletWithdrawn
	EventTypePositionOpened
	EventTypePositionClosed
	EventTypeLiquidityProvided
	EventTypeLiquidityWithdrawn
	EventTypeGuaranteeRequested
	EventTypeGuaranteeResolved
	EventTypeSystemFunded
)

// EventEnvelope wraps every committed event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Stable reference of the operation
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Identity context (nil for pool-wide events)
	Identity *uuid.UUID

	// Commit timestamp
	Timestamp time.Time

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable reference
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Identity returns the owning identity (nil for pool-wide events)
	Identity() *uuid.UUID
}

func (et EventType) String() string {
	switch et {
	case EventTypeWalletDeposited:
		return "WalletDeposited"
	case EventTypeWalletWithdrawn:
		return "WalletWithdrawn"
	case EventTypePositionOpened:
		return "PositionOpened"
	case EventTypePositionClosed:
		return "PositionClosed"
	case EventTypeLiquidityProvided:
		return "LiquidityProvided"
	case EventTypeLiquidityWithdrawn:
		return "LiquidityWithdrawn"
	case EventTypeGuaranteeRequested:
		return "GuaranteeRequested"
	case EventTypeGuaranteeResolved:
		return "GuaranteeResolved"
	case EventTypeSystemFunded:
		return "SystemFunded"
	default:
		return "Unknown"
	}
}

// Subject returns the outbound message subject suffix
func (et EventType) Subject() string {
	switch et {
	case EventTypeWalletDeposited, EventTypeWalletWithdrawn:
		return "wallet"
	case EventTypePositionOpened, EventTypePositionClosed:
		return "position"
	case EventTypeLiquidityProvided, EventTypeLiquidityWithdrawn:
		return "pool"
	case EventTypeGuaranteeRequested, EventTypeGuaranteeResolved:
		return "guarantee"
	case EventTypeSystemFunded:
		return "system"
	default:
		return "unknown"
	}
}
