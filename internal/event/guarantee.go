package event

import "github.com/google/uuid"

// GuaranteeKind distinguishes capture from release requests
type GuaranteeKind string

const (
	GuaranteeCapture GuaranteeKind = "capture"
	GuaranteeRelease GuaranteeKind = "release"
)

// GuaranteeRequested records a request sent to the guarantee provider
type GuaranteeRequested struct {
	RequestID string        `json:"request_id"`
	UserID    uuid.UUID     `json:"user_id"`
	Kind      GuaranteeKind `json:"kind"`
	Reference string        `json:"reference"`
	Amount    int64         `json:"amount"`
	Error     string        `json:"error,omitempty"` // set when the request could not be sent
}

func (g *GuaranteeRequested) IdempotencyKey() string {
	return g.RequestID
}

func (g *GuaranteeRequested) EventType() EventType {
	return EventTypeGuaranteeRequested
}

func (g *GuaranteeRequested) Identity() *uuid.UUID {
	return &g.UserID
}

// GuaranteeResolved records the provider's asynchronous answer
type GuaranteeResolved struct {
	RequestID      string        `json:"request_id"`
	UserID         uuid.UUID     `json:"user_id"`
	Kind           GuaranteeKind `json:"kind"`
	Reference      string        `json:"reference"`
	Success        bool          `json:"success"`
	Status         string        `json:"status"`
	CapturedAmount *int64        `json:"captured_amount,omitempty"`
	Applied        bool          `json:"applied"` // capture flipped the charged flag
}

func (g *GuaranteeResolved) IdempotencyKey() string {
	return g.RequestID
}

func (g *GuaranteeResolved) EventType() EventType {
	return EventTypeGuaranteeResolved
}

func (g *GuaranteeResolved) Identity() *uuid.UUID {
	return &g.UserID
}
