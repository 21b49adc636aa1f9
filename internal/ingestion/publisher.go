package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"FlashLever/internal/core"
	"FlashLever/internal/observability"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// SubjectEventsPrefix is the root of outbound event subjects:
// flashlever.events.{subject}.{event_type}
const SubjectEventsPrefix = "flashlever.events"

// EventPublisher is the subset of jetstream.JetStream used for outbound events
type EventPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// OutboundPublisher publishes committed events for downstream consumers.
// Delivery is best effort; the event log stays the source of truth.
type OutboundPublisher struct {
	js        EventPublisher
	inputChan <-chan core.CoreOutput
	logger    zerolog.Logger
}

// PublishableEvent is the outbound wire form of a committed event
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Identity       *uuid.UUID      `json:"identity,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

func NewOutboundPublisher(js EventPublisher, inputChan <-chan core.CoreOutput) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    observability.NewLogger("publisher"),
	}
}

// Run publishes until ctx is cancelled or the input channel is closed
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, out); err != nil {
				op.logger.Warn().Err(err).Int64("sequence", out.Envelope.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

// ToPublishable converts a committed output to its wire form
func ToPublishable(out core.CoreOutput) PublishableEvent {
	env := out.Envelope
	return PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Identity:       env.Identity,
		Payload:        json.RawMessage(env.Payload),
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		PrevHash:       hex.EncodeToString(env.PrevHash[:]),
		Timestamp:      env.Timestamp,
	}
}

// EventSubject returns the outbound subject of out
func EventSubject(out core.CoreOutput) string {
	return fmt.Sprintf("%s.%s.%s", SubjectEventsPrefix, out.Envelope.EventType.Subject(), out.Envelope.EventType)
}

func (op *OutboundPublisher) publish(ctx context.Context, out core.CoreOutput) error {
	data, err := json.Marshal(ToPublishable(out))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msgID := fmt.Sprintf("seq-%d", out.Envelope.Sequence)
	_, err = op.js.Publish(ctx, EventSubject(out), data, jetstream.WithMsgID(msgID))
	return err
}
