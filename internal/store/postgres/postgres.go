// Package postgres is the durable Store and AuditLog backed by pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/courier/internal/delivery"
	"github.com/austindbirch/courier/internal/tracing"
)

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Store struct {
	db DB
}

var (
	_ delivery.Store    = (*Store)(nil)
	_ delivery.AuditLog = (*Store)(nil)
)

func New(db DB) *Store {
	return &Store{db: db}
}

const recordColumns = `id::text, channel, target, payload, status, attempt_count, max_attempts,
	next_eligible_at, last_error, claimed_at, claimed_from, replay_of::text,
	completed_at, created_at, updated_at`

const claimable = `status IN ('pending', 'failed_retryable')`

func scanRecord(row pgx.Row) (*delivery.Record, error) {
	var (
		r                                delivery.Record
		channel, status                  string
		lastError, claimedFrom, replayOf *string
	)
	if err := row.Scan(
		&r.ID, &channel, &r.Target, &r.Payload, &status, &r.AttemptCount, &r.MaxAttempts,
		&r.NextEligibleAt, &lastError, &r.ClaimedAt, &claimedFrom, &replayOf,
		&r.CompletedAt, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.Channel = delivery.Channel(channel)
	r.Status = delivery.Status(status)
	if lastError != nil {
		r.LastError = *lastError
	}
	if claimedFrom != nil {
		r.ClaimedFrom = delivery.Status(*claimedFrom)
	}
	if replayOf != nil {
		r.ReplayOf = *replayOf
	}
	r.NextEligibleAt = r.NextEligibleAt.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	if r.ClaimedAt != nil {
		t := r.ClaimedAt.UTC()
		r.ClaimedAt = &t
	}
	if r.CompletedAt != nil {
		t := r.CompletedAt.UTC()
		r.CompletedAt = &t
	}
	return &r, nil
}

func collectRecords(rows pgx.Rows) ([]*delivery.Record, error) {
	defer rows.Close()
	var out []*delivery.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *Store) Insert(ctx context.Context, r *delivery.Record) error {
	payload := r.Payload
	if payload == nil {
		payload = []byte{}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO delivery_records
			(id, channel, target, payload, status, attempt_count, max_attempts,
			 next_eligible_at, last_error, replay_of, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::uuid, $11, $12)`,
		r.ID, string(r.Channel), r.Target, payload, string(r.Status), r.AttemptCount, r.MaxAttempts,
		r.NextEligibleAt, nullString(r.LastError), nullString(r.ReplayOf), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("insert delivery record: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*delivery.Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, delivery.ErrNotFound
	}
	r, err := scanRecord(s.db.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM delivery_records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, delivery.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get delivery record: %w", err)
	}
	return r, nil
}

func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]*delivery.Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+recordColumns+`
		FROM delivery_records
		WHERE `+claimable+` AND next_eligible_at <= $1
		ORDER BY next_eligible_at, created_at
		LIMIT NULLIF($2, 0)`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query due records: %w", err)
	}
	out, err := collectRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("scan due records: %w", err)
	}
	return out, nil
}

// Claim is a single conditional UPDATE; a concurrent claimer sees zero rows.
func (s *Store) Claim(ctx context.Context, id string, now time.Time) (*delivery.Record, error) {
	r, err := scanRecord(s.db.QueryRow(ctx, `
		UPDATE delivery_records
		SET claimed_from = status,
		    status = 'in_flight',
		    claimed_at = $2,
		    updated_at = $2
		WHERE id = $1 AND `+claimable+` AND next_eligible_at <= $2
		RETURNING `+recordColumns,
		id, now,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, delivery.ErrClaimLost
	}
	if err != nil {
		return nil, fmt.Errorf("claim delivery record: %w", err)
	}
	return r, nil
}

func (s *Store) Complete(ctx context.Context, r *delivery.Record, entry delivery.AuditEntry) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin complete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE delivery_records
		SET status = $2,
		    attempt_count = $3,
		    next_eligible_at = GREATEST(next_eligible_at, $4),
		    last_error = $5,
		    completed_at = $6,
		    updated_at = $7,
		    claimed_at = NULL,
		    claimed_from = NULL
		WHERE id = $1 AND status = 'in_flight'`,
		r.ID, string(r.Status), r.AttemptCount, r.NextEligibleAt,
		nullString(r.LastError), r.CompletedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update delivery record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return delivery.ErrClaimLost
	}

	var statusCode *int
	if entry.StatusCode != 0 {
		statusCode = &entry.StatusCode
	}
	if err := tx.QueryRow(ctx, `
		INSERT INTO delivery_audit
			(record_id, channel, target, status, attempt_count, reason,
			 error_message, status_code, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		entry.RecordID, string(entry.Channel), entry.Target, string(entry.Status), entry.AttemptCount,
		string(entry.Reason), nullString(entry.ErrorMessage), statusCode, entry.DurationMS, entry.Timestamp,
	).Scan(&entry.ID); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit complete: %w", err)
	}
	return nil
}

func (s *Store) Release(ctx context.Context, id string, now time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE delivery_records
		SET status = COALESCE(claimed_from, 'failed_retryable'),
		    claimed_from = NULL,
		    claimed_at = NULL,
		    updated_at = $2
		WHERE id = $1 AND status = 'in_flight'`,
		id, now,
	)
	if err != nil {
		return fmt.Errorf("release delivery record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return delivery.ErrClaimLost
	}
	return nil
}

func (s *Store) ReclaimStale(ctx context.Context, cutoff, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE delivery_records
		SET status = 'failed_retryable',
		    claimed_from = NULL,
		    claimed_at = NULL,
		    updated_at = $2
		WHERE status = 'in_flight' AND claimed_at < $1`,
		cutoff, now,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ListByStatus(ctx context.Context, status delivery.Status, limit int) ([]*delivery.Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+recordColumns+`
		FROM delivery_records
		WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT NULLIF($2, 0)`,
		string(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list records by status: %w", err)
	}
	out, err := collectRecords(rows)
	if err != nil {
		return nil, fmt.Errorf("scan records by status: %w", err)
	}
	return out, nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[delivery.Status]int64, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM delivery_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count records by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[delivery.Status]int64, len(delivery.Statuses))
	for _, st := range delivery.Statuses {
		counts[st] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[delivery.Status(status)] = n
	}
	return counts, rows.Err()
}

const auditColumns = `id, record_id::text, channel, target, status, attempt_count, reason,
	error_message, status_code, duration_ms, created_at`

func collectAudit(rows pgx.Rows) ([]delivery.AuditEntry, error) {
	defer rows.Close()
	var out []delivery.AuditEntry
	for rows.Next() {
		var (
			e                       delivery.AuditEntry
			channel, status, reason string
			errMsg                  *string
			statusCode              *int
		)
		if err := rows.Scan(
			&e.ID, &e.RecordID, &channel, &e.Target, &status, &e.AttemptCount, &reason,
			&errMsg, &statusCode, &e.DurationMS, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.Channel = delivery.Channel(channel)
		e.Status = delivery.Status(status)
		e.Reason = delivery.AuditReason(reason)
		if errMsg != nil {
			e.ErrorMessage = *errMsg
		}
		if statusCode != nil {
			e.StatusCode = *statusCode
		}
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) ListByRecord(ctx context.Context, recordID string) ([]delivery.AuditEntry, error) {
	if _, err := uuid.Parse(recordID); err != nil {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+auditColumns+`
		FROM delivery_audit
		WHERE record_id = $1
		ORDER BY created_at, id`,
		recordID,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit by record: %w", err)
	}
	out, err := collectAudit(rows)
	if err != nil {
		return nil, fmt.Errorf("scan audit entries: %w", err)
	}
	return out, nil
}

func (s *Store) ListByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]delivery.AuditEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+auditColumns+`
		FROM delivery_audit
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at, id
		LIMIT NULLIF($3, 0)`,
		from, to, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit by time range: %w", err)
	}
	out, err := collectAudit(rows)
	if err != nil {
		return nil, fmt.Errorf("scan audit entries: %w", err)
	}
	return out, nil
}
