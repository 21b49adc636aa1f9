package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"FlashLever/internal/guarantee"
	"FlashLever/internal/observability"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrBadPayload is returned by PerformTrigger for a payload it cannot decode
var ErrBadPayload = errors.New("invalid trigger payload")

// Charger is the part of the guarantee lifecycle the trigger drives
type Charger interface {
	Scan(now time.Time) []uuid.UUID
	IsChargeable(id uuid.UUID, now time.Time) bool
	Charge(ctx context.Context, id uuid.UUID, now time.Time) (string, error)
}

// TriggerPayload is produced by CheckTrigger and consumed by PerformTrigger.
// It may be stale by the time it is performed.
type TriggerPayload struct {
	Identities []uuid.UUID `json:"identities"`
	ScannedAt  time.Time   `json:"scanned_at"`
}

// PerformResult summarises one PerformTrigger call
type PerformResult struct {
	Charged []string          `json:"charged"` // capture request ids
	Skipped int               `json:"skipped"` // no longer chargeable or already in flight
	Failed  map[string]string `json:"failed,omitempty"`
}

// Trigger is the check/perform pair an external keeper calls to capture
// expired guarantees.
type Trigger struct {
	guarantees Charger
	now        func() time.Time
	logger     zerolog.Logger
}

func NewTrigger(guarantees Charger) *Trigger {
	return &Trigger{
		guarantees: guarantees,
		now:        time.Now,
		logger:     observability.NewLogger("trigger"),
	}
}

// WithClock replaces the wall clock, for tests
func (t *Trigger) WithClock(now func() time.Time) *Trigger {
	t.now = now
	return t
}

// CheckTrigger scans one batch and reports whether any guarantee needs
// charging, with the identities to charge encoded as the payload.
func (t *Trigger) CheckTrigger(now time.Time) (bool, []byte) {
	ids := t.guarantees.Scan(now)
	if len(ids) == 0 {
		return false, nil
	}
	payload, err := json.Marshal(TriggerPayload{Identities: ids, ScannedAt: now})
	if err != nil {
		t.logger.Error().Err(err).Msg("encode trigger payload")
		return false, nil
	}
	return true, payload
}

// PerformTrigger re-validates every identity in payload and requests capture
// for those still chargeable. One identity failing never blocks the rest, and
// performing the same payload twice charges nothing new.
func (t *Trigger) PerformTrigger(ctx context.Context, payload []byte) (PerformResult, error) {
	var p TriggerPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return PerformResult{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	now := t.now()
	res := PerformResult{Charged: []string{}}
	for _, id := range p.Identities {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !t.guarantees.IsChargeable(id, now) {
			res.Skipped++
			continue
		}
		reqID, err := t.guarantees.Charge(ctx, id, now)
		switch {
		case err == nil:
			res.Charged = append(res.Charged, reqID)
		case errors.Is(err, guarantee.ErrCapturePending), errors.Is(err, guarantee.ErrNotChargeable):
			res.Skipped++
		default:
			if res.Failed == nil {
				res.Failed = make(map[string]string)
			}
			res.Failed[id.String()] = err.Error()
			t.logger.Error().Err(err).Str("identity", id.String()).Msg("charge failed")
		}
	}

	t.logger.Info().
		Int("requested", len(p.Identities)).
		Int("charged", len(res.Charged)).
		Int("skipped", res.Skipped).
		Int("failed", len(res.Failed)).
		Msg("trigger performed")
	return res, nil
}
