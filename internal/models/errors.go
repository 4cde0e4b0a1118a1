package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound marks unknown orders, lectures or variants.
	ErrNotFound = errors.New("not found")

	// ErrProviderUnavailable marks provider retries exhausted.
	ErrProviderUnavailable = errors.New("payment provider unavailable")

	// ErrSignatureInvalid marks a webhook signature failure.
	ErrSignatureInvalid = errors.New("webhook signature invalid")

	// ErrTemplateNotFound marks a missing notification template; callers
	// record a skip metric and continue.
	ErrTemplateNotFound = errors.New("notification template not found")

	// ErrIdempotencyConflict marks a reused idempotency key with different
	// request content.
	ErrIdempotencyConflict = errors.New("idempotency key conflict")

	// ErrBillingDisabled marks billing surfaces hit while billing is off.
	ErrBillingDisabled = errors.New("billing disabled")
)

// InvalidTransitionError is returned when the state machine refuses a
// (state, event) pair.
type InvalidTransitionError struct {
	From  string
	Event string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: event %s in state %s", e.Event, e.From)
}

// IsInvalidTransition reports whether err is a state machine refusal.
func IsInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}
