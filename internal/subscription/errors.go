package subscription

import "errors"

var (
	ErrNotFound     = errors.New("subscription not found")
	ErrUserNotFound = errors.New("user not found")
	ErrPlanNotFound = errors.New("plan not found")

	// ErrConcurrentModification: the version guard rejected a write because
	// another trigger transitioned the row first. Transient; the caller
	// re-runs the read-decide-write cycle.
	ErrConcurrentModification = errors.New("subscription modified concurrently")

	// ErrAlreadyTerminal: the user's subscription is revoked or cancelled and
	// accepts no further transitions.
	ErrAlreadyTerminal = errors.New("subscription already terminal")
)
