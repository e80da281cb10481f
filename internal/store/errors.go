package store

import "errors"

var (
	// ErrNotFound is returned when a lookup finds no matching row.
	ErrNotFound = errors.New("store: not found")
	// ErrBudgetExceeded is returned by Reserve when an agent's remaining
	// budget cannot cover the requested reservation.
	ErrBudgetExceeded = errors.New("store: budget exceeded")
	// ErrIdempotencyConflict is returned when an idempotency key is reused
	// with a request whose canonical hash differs from the first use.
	ErrIdempotencyConflict = errors.New("store: idempotency key reused with a different request")
	// ErrInvalidTransition is returned when a CAS transition's precondition
	// on the current state does not hold.
	ErrInvalidTransition = errors.New("store: invalid state transition")
)
