package settlement

import (
	"context"
	"fmt"
)

// Participant is any aggregate whose state a settlement may mutate.
// Checkpoint captures the current state and returns a function restoring it.
type Participant interface {
	Checkpoint() func()
}

// ParticipantFunc adapts a plain function to Participant
type ParticipantFunc func() func()

func (f ParticipantFunc) Checkpoint() func() { return f() }

type ctxKey struct{}

// Info describes the settlement running on a context
type Info struct {
	Kind string
	Ref  string
}

// FromContext reports whether ctx belongs to a running settlement
func FromContext(ctx context.Context) (Info, bool) {
	info, ok := ctx.Value(ctxKey{}).(Info)
	return info, ok
}

// UnitOfWork runs a function against a set of participants with all-or-nothing
// semantics: every participant is checkpointed before fn runs and restored, in
// reverse order, if fn returns an error or panics.
type UnitOfWork struct {
	participants []Participant
}

func NewUnitOfWork(participants ...Participant) *UnitOfWork {
	return &UnitOfWork{participants: participants}
}

// Run executes fn. The context passed to fn carries the settlement Info.
func (u *UnitOfWork) Run(ctx context.Context, info Info, fn func(ctx context.Context) error) (err error) {
	restorers := make([]func(), 0, len(u.participants))
	for _, p := range u.participants {
		restorers = append(restorers, p.Checkpoint())
	}

	rollback := func() {
		for i := len(restorers) - 1; i >= 0; i-- {
			restorers[i]()
		}
	}

	defer func() {
		if r := recover(); r != nil {
			rollback()
			err = fmt.Errorf("settlement %s %s panicked: %v", info.Kind, info.Ref, r)
		}
	}()

	if err = fn(context.WithValue(ctx, ctxKey{}, info)); err != nil {
		rollback()
		return err
	}
	return nil
}
