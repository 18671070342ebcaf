package delivery

import (
	"context"
	"time"
)

// Store persists records. Every state-changing method is conditional on the
// record's current status so that concurrent cycles cannot double-process.
type Store interface {
	Insert(ctx context.Context, r *Record) error
	Get(ctx context.Context, id string) (*Record, error)

	// Due returns up to limit claimable records with NextEligibleAt <= now,
	// earliest first.
	Due(ctx context.Context, now time.Time, limit int) ([]*Record, error)

	// Claim moves a due pending or failed_retryable record to in_flight and
	// returns the claimed copy. ErrClaimLost if it is no longer claimable.
	Claim(ctx context.Context, id string, now time.Time) (*Record, error)

	// Complete persists the outcome of an attempt on an in_flight record and
	// appends its audit entry in the same transaction. ErrClaimLost if the
	// record is not in_flight anymore.
	Complete(ctx context.Context, r *Record, entry AuditEntry) error

	// Release returns an in_flight record to the status it was claimed from
	// without consuming an attempt.
	Release(ctx context.Context, id string, now time.Time) error

	// ReclaimStale reverts in_flight records claimed before cutoff to
	// failed_retryable and reports how many were reverted.
	ReclaimStale(ctx context.Context, cutoff, now time.Time) (int64, error)

	ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error)
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}
