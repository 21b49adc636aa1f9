package guarantee

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"FlashLever/internal/event"
	"FlashLever/internal/observability"
	"FlashLever/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrNotChargeable  = errors.New("guarantee is not chargeable")
	ErrCapturePending = errors.New("capture already in flight")
)

// Emitter records lifecycle events
type Emitter interface {
	Emit(evt event.Event)
}

type pendingRequest struct {
	identity  uuid.UUID
	kind      event.GuaranteeKind
	reference string
	sentAt    time.Time
}

// Lifecycle tracks external guarantees of active positions: bounded scans for
// expired uncharged guarantees, capture requests, and provider results.
// It never touches liquidity state; a confirmed capture only flips
// GuaranteeCharged.
type Lifecycle struct {
	store     *state.PositionStore
	provider  Provider
	emitter   Emitter
	batchSize int
	logger    zerolog.Logger
	metrics   *observability.Metrics

	mu       sync.Mutex
	pending  map[string]pendingRequest
	inFlight map[uuid.UUID]string
}

func NewLifecycle(
	store *state.PositionStore,
	provider Provider,
	emitter Emitter,
	batchSize int,
	metrics *observability.Metrics,
) *Lifecycle {
	return &Lifecycle{
		store:     store,
		provider:  provider,
		emitter:   emitter,
		batchSize: batchSize,
		logger:    observability.NewLogger("guarantee"),
		metrics:   metrics,
		pending:   make(map[string]pendingRequest),
		inFlight:  make(map[uuid.UUID]string),
	}
}

// WithLogger replaces the component logger
func (l *Lifecycle) WithLogger(logger zerolog.Logger) *Lifecycle {
	l.logger = logger
	return l
}

// IsChargeable reports whether identity's guarantee may be captured at now
func (l *Lifecycle) IsChargeable(id uuid.UUID, now time.Time) bool {
	return l.store.IsChargeable(id, now)
}

// Scan examines at most one batch of the active registry and returns the
// identities whose guarantee is expired, uncharged and not already being
// captured. Each call moves the shared cursor on to the next batch.
func (l *Lifecycle) Scan(now time.Time) []uuid.UUID {
	ids := l.store.ScanActive(l.batchSize, l.chargeableFilter(now))
	if l.metrics != nil {
		l.metrics.GuaranteeScanned.Add(float64(len(ids)))
	}
	return ids
}

// Peek returns what Scan would return without moving the cursor, for
// read-only callers that must not delay the scheduler's rotation.
func (l *Lifecycle) Peek(now time.Time) []uuid.UUID {
	return l.store.PeekActive(l.batchSize, l.chargeableFilter(now))
}

func (l *Lifecycle) chargeableFilter(now time.Time) func(p *state.Position) bool {
	l.mu.Lock()
	inFlight := make(map[uuid.UUID]struct{}, len(l.inFlight))
	for id := range l.inFlight {
		inFlight[id] = struct{}{}
	}
	l.mu.Unlock()

	return func(p *state.Position) bool {
		if _, busy := inFlight[p.Identity]; busy {
			return false
		}
		return p.IsChargeable(now)
	}
}

// Charge requests capture of identity's guarantee. Position state is not
// modified here; the result arrives later through HandleResult.
func (l *Lifecycle) Charge(ctx context.Context, id uuid.UUID, now time.Time) (string, error) {
	pos, ok := l.store.Get(id)
	if !ok || !l.store.IsChargeable(id, now) {
		return "", fmt.Errorf("%w: %s", ErrNotChargeable, id)
	}

	req := Request{
		ID:               uuid.New().String(),
		Kind:             event.GuaranteeCapture,
		Reference:        pos.GuaranteeReference,
		AmountMinorUnits: pos.GuaranteeAmount,
	}

	l.mu.Lock()
	if existing, busy := l.inFlight[id]; busy {
		l.mu.Unlock()
		return "", fmt.Errorf("%w: %s (request %s)", ErrCapturePending, id, existing)
	}
	l.inFlight[id] = req.ID
	l.pending[req.ID] = pendingRequest{identity: id, kind: req.Kind, reference: req.Reference, sentAt: now}
	l.setPendingGauge()
	l.mu.Unlock()

	if _, err := l.provider.RequestCapture(ctx, req); err != nil {
		l.forget(req.ID)
		l.reportRequest(id, req, err)
		return "", fmt.Errorf("request capture for %s: %w", id, err)
	}

	l.reportRequest(id, req, nil)
	return req.ID, nil
}

// Release asks the provider to drop the hold of a closed position. Failures
// are reported and returned, never rolled back into position state.
func (l *Lifecycle) Release(ctx context.Context, id uuid.UUID, reference string) (string, error) {
	req := Request{
		ID:        uuid.New().String(),
		Kind:      event.GuaranteeRelease,
		Reference: reference,
	}

	l.mu.Lock()
	l.pending[req.ID] = pendingRequest{identity: id, kind: req.Kind, reference: reference, sentAt: time.Now()}
	l.setPendingGauge()
	l.mu.Unlock()

	if _, err := l.provider.RequestRelease(ctx, req); err != nil {
		l.forget(req.ID)
		l.reportRequest(id, req, err)
		return "", fmt.Errorf("request release for %s: %w", id, err)
	}

	l.reportRequest(id, req, nil)
	return req.ID, nil
}

// HandleResult applies a provider result. Unknown request ids are ignored.
// Tracking state is cleared on success and failure alike.
func (l *Lifecycle) HandleResult(requestID string, result Result) {
	l.mu.Lock()
	pr, ok := l.pending[requestID]
	if ok {
		delete(l.pending, requestID)
		if pr.kind == event.GuaranteeCapture && l.inFlight[pr.identity] == requestID {
			delete(l.inFlight, pr.identity)
		}
		l.setPendingGauge()
	}
	l.mu.Unlock()

	if !ok {
		pr, ok = l.recoverCapture(result)
	}
	if !ok {
		l.logger.Debug().Str("request_id", requestID).Msg("ignoring result for unknown request")
		if l.metrics != nil {
			l.metrics.GuaranteeResults.WithLabelValues("unknown", "ignored").Inc()
		}
		return
	}

	applied := false
	if pr.kind == event.GuaranteeCapture && result.Success {
		applied = l.store.MarkGuaranteeCharged(pr.identity, pr.reference)
	}

	outcome := "success"
	if !result.Success {
		outcome = "failure"
		l.logger.Error().
			Str("request_id", requestID).
			Str("kind", string(pr.kind)).
			Str("identity", pr.identity.String()).
			Str("reference", pr.reference).
			Str("status", result.Status).
			Msg("guarantee request failed")
	} else {
		l.logger.Info().
			Str("request_id", requestID).
			Str("kind", string(pr.kind)).
			Str("identity", pr.identity.String()).
			Bool("applied", applied).
			Msg("guarantee request succeeded")
	}
	if l.metrics != nil {
		l.metrics.GuaranteeResults.WithLabelValues(string(pr.kind), outcome).Inc()
	}

	if l.emitter != nil {
		l.emitter.Emit(&event.GuaranteeResolved{
			RequestID:      requestID,
			UserID:         pr.identity,
			Kind:           pr.kind,
			Reference:      pr.reference,
			Success:        result.Success,
			Status:         result.Status,
			CapturedAmount: result.CapturedAmount,
			Applied:        applied,
		})
	}
}

// recoverCapture matches a successful capture whose request id is not
// tracked, such as one sent after the last snapshot before a restart, to the
// active uncharged position holding its reference. Only results reporting a
// captured amount qualify; release results never carry one.
func (l *Lifecycle) recoverCapture(result Result) (pendingRequest, bool) {
	if !result.Success || result.Reference == "" || result.CapturedAmount == nil {
		return pendingRequest{}, false
	}
	id, ok := l.store.FindUnchargedByReference(result.Reference)
	if !ok {
		return pendingRequest{}, false
	}

	l.mu.Lock()
	if reqID, busy := l.inFlight[id]; busy {
		delete(l.pending, reqID)
		delete(l.inFlight, id)
		l.setPendingGauge()
	}
	l.mu.Unlock()

	l.logger.Warn().
		Str("identity", id.String()).
		Str("reference", result.Reference).
		Msg("matched capture result for untracked request by reference")
	return pendingRequest{identity: id, kind: event.GuaranteeCapture, reference: result.Reference}, true
}

// PendingRequest is an unresolved provider request as carried in snapshots
type PendingRequest struct {
	RequestID string              `json:"request_id"`
	Identity  uuid.UUID           `json:"identity"`
	Kind      event.GuaranteeKind `json:"kind"`
	Reference string              `json:"reference"`
	SentAt    time.Time           `json:"sent_at"`
}

// Pending returns the unresolved requests ordered by request id
func (l *Lifecycle) Pending() []PendingRequest {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]PendingRequest, 0, len(l.pending))
	for id, pr := range l.pending {
		out = append(out, PendingRequest{
			RequestID: id,
			Identity:  pr.identity,
			Kind:      pr.kind,
			Reference: pr.reference,
			SentAt:    pr.sentAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out
}

// RestorePending replaces request tracking with reqs, so results for
// requests sent before a restart still resolve.
func (l *Lifecycle) RestorePending(reqs []PendingRequest) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.pending = make(map[string]pendingRequest, len(reqs))
	l.inFlight = make(map[uuid.UUID]string)
	for _, r := range reqs {
		l.pending[r.RequestID] = pendingRequest{identity: r.Identity, kind: r.Kind, reference: r.Reference, sentAt: r.SentAt}
		if r.Kind == event.GuaranteeCapture {
			l.inFlight[r.Identity] = r.RequestID
		}
	}
	l.setPendingGauge()
}

// PendingCount returns requests awaiting a result
func (l *Lifecycle) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// CaptureInFlight reports whether identity has an unresolved capture
func (l *Lifecycle) CaptureInFlight(id uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.inFlight[id]
	return ok
}

func (l *Lifecycle) forget(requestID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pr, ok := l.pending[requestID]; ok {
		delete(l.pending, requestID)
		if l.inFlight[pr.identity] == requestID {
			delete(l.inFlight, pr.identity)
		}
	}
	l.setPendingGauge()
}

func (l *Lifecycle) setPendingGauge() {
	if l.metrics != nil {
		l.metrics.GuaranteePending.Set(float64(len(l.pending)))
	}
}

func (l *Lifecycle) reportRequest(id uuid.UUID, req Request, err error) {
	outcome := "sent"
	evt := &event.GuaranteeRequested{
		RequestID: req.ID,
		UserID:    id,
		Kind:      req.Kind,
		Reference: req.Reference,
		Amount:    req.AmountMinorUnits,
	}
	if err != nil {
		outcome = "error"
		evt.Error = err.Error()
		l.logger.Error().Err(err).
			Str("kind", string(req.Kind)).
			Str("identity", id.String()).
			Msg("guarantee request not sent")
	}
	if l.metrics != nil {
		l.metrics.GuaranteeRequests.WithLabelValues(string(req.Kind), outcome).Inc()
	}
	if l.emitter != nil {
		l.emitter.Emit(evt)
	}
}
