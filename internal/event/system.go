package event

import "github.com/google/uuid"

// SystemFunded seeds inventory held by an internal system account, such as
// lending market liquidity or swap venue inventory.
type SystemFunded struct {
	OperationID uuid.UUID `json:"operation_id"`
	Account     string    `json:"account"`
	Asset       string    `json:"asset"`
	Amount      int64     `json:"amount"`
}

func (s *SystemFunded) IdempotencyKey() string {
	return s.OperationID.String()
}

func (s *SystemFunded) EventType() EventType {
	return EventTypeSystemFunded
}

func (s *SystemFunded) Identity() *uuid.UUID {
	return nil
}
