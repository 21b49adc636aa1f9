package guarantee

import (
	"context"
	"encoding/json"
	"fmt"

	"FlashLever/internal/event"

	"github.com/nats-io/nats.go/jetstream"
)

// Subjects used to talk to the external guarantee provider. Results come back
// on SubjectResults and are consumed by the ingestion layer.
const (
	SubjectRequestPrefix = "flashlever.guarantee.requests"
	SubjectResults       = "flashlever.guarantee.results.>"
)

// Publisher is the subset of jetstream.JetStream used to send requests
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSProvider forwards requests to the provider over JetStream. The request
// id doubles as the message id so redeliveries are deduplicated by the stream.
type NATSProvider struct {
	js Publisher
}

func NewNATSProvider(js Publisher) *NATSProvider {
	return &NATSProvider{js: js}
}

func (p *NATSProvider) RequestCapture(ctx context.Context, req Request) (string, error) {
	return p.send(ctx, req)
}

func (p *NATSProvider) RequestRelease(ctx context.Context, req Request) (string, error) {
	return p.send(ctx, req)
}

func (p *NATSProvider) send(ctx context.Context, req Request) (string, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal guarantee request: %w", err)
	}
	subject := RequestSubject(req.Kind)
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(req.ID)); err != nil {
		return "", fmt.Errorf("%w: publish %s: %v", ErrProviderUnavailable, subject, err)
	}
	return req.ID, nil
}

// RequestSubject returns the subject a request of kind is published on
func RequestSubject(kind event.GuaranteeKind) string {
	return fmt.Sprintf("%s.%s", SubjectRequestPrefix, kind)
}
