package delivery

import "errors"

var (
	ErrNotFound      = errors.New("delivery record not found")
	ErrInvalidRecord = errors.New("invalid delivery record")
	// ErrNotTerminal is returned when an operation requires an abandoned record.
	ErrNotTerminal = errors.New("delivery record is not abandoned")
	// ErrClaimLost means the record was no longer in the state the caller expected,
	// usually because another cycle claimed it or a stale sweep reverted it.
	ErrClaimLost = errors.New("delivery claim lost")
)
