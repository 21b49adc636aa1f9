package guarantee

import (
	"context"
	"errors"
	"sync"

	"FlashLever/internal/event"
)

var ErrProviderUnavailable = errors.New("guarantee provider unavailable")

// Request is sent to the external guarantee provider. ID is assigned by the
// lifecycle before sending so a fast result can always be matched.
type Request struct {
	ID               string              `json:"request_id"`
	Kind             event.GuaranteeKind `json:"kind"`
	Reference        string              `json:"reference"`
	AmountMinorUnits int64               `json:"amount_minor_units,omitempty"`
}

// Result is the provider's asynchronous answer to a Request
type Result struct {
	RequestID      string `json:"request_id"`
	Success        bool   `json:"success"`
	Reference      string `json:"reference"`
	Status         string `json:"status"`
	CapturedAmount *int64 `json:"captured_amount,omitempty"`
}

// Provider issues capture and release requests. Results are delivered later
// to a ResultHandler keyed by request id.
type Provider interface {
	RequestCapture(ctx context.Context, req Request) (string, error)
	RequestRelease(ctx context.Context, req Request) (string, error)
}

// ResultHandler consumes provider results
type ResultHandler interface {
	HandleResult(requestID string, result Result)
}

// MemoryProvider records requests in memory. Results are fed back through
// Resolve, or through the HTTP callback endpoint when running without NATS.
type MemoryProvider struct {
	mu       sync.Mutex
	requests []Request
	handler  ResultHandler
	fail     error
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{}
}

// Bind sets the handler that receives resolved results
func (p *MemoryProvider) Bind(h ResultHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

// FailWith makes subsequent requests fail with err (nil to recover)
func (p *MemoryProvider) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = err
}

func (p *MemoryProvider) RequestCapture(_ context.Context, req Request) (string, error) {
	return p.record(req)
}

func (p *MemoryProvider) RequestRelease(_ context.Context, req Request) (string, error) {
	return p.record(req)
}

func (p *MemoryProvider) record(req Request) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return "", p.fail
	}
	p.requests = append(p.requests, req)
	return req.ID, nil
}

// Requests returns a copy of everything sent so far
func (p *MemoryProvider) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Request(nil), p.requests...)
}

// Resolve delivers a result to the bound handler
func (p *MemoryProvider) Resolve(requestID string, result Result) {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h != nil {
		result.RequestID = requestID
		h.HandleResult(requestID, result)
	}
}
