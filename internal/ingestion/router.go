package ingestion

import (
	"context"
	"errors"
	"fmt"

	"FlashLever/internal/core"
	"FlashLever/internal/event"
	"FlashLever/internal/guarantee"
	"FlashLever/internal/observability"

	"github.com/rs/zerolog"
)

// WalletHandler applies wallet operations; implemented by core.Engine
type WalletHandler interface {
	Deposit(ctx context.Context, op core.WalletOp) (*event.WalletDeposited, error)
	Withdraw(ctx context.Context, op core.WalletOp) (*event.WalletWithdrawn, error)
}

// Router decodes inbound messages and dispatches them to the engine or the
// guarantee lifecycle, acknowledging each according to the outcome:
// duplicates are acked, malformed or rejected messages terminated, anything
// else nak'd for redelivery.
type Router struct {
	wallets WalletHandler
	results guarantee.ResultHandler
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewRouter(wallets WalletHandler, results guarantee.ResultHandler, metrics *observability.Metrics) *Router {
	return &Router{
		wallets: wallets,
		results: results,
		metrics: metrics,
		logger:  observability.NewLogger("router"),
	}
}

// Run dispatches messages until ctx is cancelled or in is closed
func (r *Router) Run(ctx context.Context, in <-chan RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			r.Dispatch(ctx, raw)
		}
	}
}

// Dispatch handles one message and settles its acknowledgement
func (r *Router) Dispatch(ctx context.Context, raw RawEvent) {
	err := r.handle(ctx, raw)

	var outcome string
	switch {
	case err == nil:
		outcome = "ok"
		call(raw.AckFunc)
	case errors.Is(err, core.ErrDuplicate):
		outcome = "duplicate"
		call(raw.AckFunc)
	case errors.Is(err, errMalformed) || core.IsValidation(err):
		outcome = "rejected"
		r.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("message rejected")
		call(raw.TermFunc)
	default:
		outcome = "retry"
		r.logger.Error().Err(err).Str("subject", raw.Subject).Msg("message failed, will be redelivered")
		call(raw.NakFunc)
	}

	if r.metrics != nil {
		r.metrics.NATSMessages.WithLabelValues(raw.Kind, outcome).Inc()
	}
}

var errMalformed = errors.New("malformed message")

func (r *Router) handle(ctx context.Context, raw RawEvent) error {
	switch raw.Kind {
	case KindWalletDeposit, KindWalletWithdrawal:
		op, err := ParseWalletOp(raw.Data)
		if err != nil {
			return fmt.Errorf("%w: %v", errMalformed, err)
		}
		if raw.Kind == KindWalletDeposit {
			_, err = r.wallets.Deposit(ctx, op)
		} else {
			_, err = r.wallets.Withdraw(ctx, op)
		}
		return err

	case KindGuaranteeResult:
		res, err := ParseGuaranteeResult(raw.Data)
		if err != nil {
			return fmt.Errorf("%w: %v", errMalformed, err)
		}
		r.results.HandleResult(res.RequestID, res)
		return nil

	default:
		return fmt.Errorf("%w: unknown kind %q", errMalformed, raw.Kind)
	}
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}
