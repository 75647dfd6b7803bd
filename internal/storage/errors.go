package storage

import "errors"

// Storage errors for the append-only settlement store.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateReference is returned when a settlement reference was
	// already recorded. Recorded settlements are never overwritten.
	ErrDuplicateReference = errors.New("duplicate settlement reference")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)
