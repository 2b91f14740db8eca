package store

import "errors"

var (
	// ErrNotFound means no row matched within the caller's scope.
	ErrNotFound = errors.New("store: not found")

	// ErrConcurrentModification means the optimistic version check failed:
	// another writer updated the trade first. Callers refresh and retry.
	ErrConcurrentModification = errors.New("store: concurrent modification")

	// ErrDuplicateIdempotencyKey means an insert collided with an existing
	// trade carrying the same idempotency key for this user.
	ErrDuplicateIdempotencyKey = errors.New("store: duplicate idempotency key")
)
