package delivery

import (
	"context"
	"time"
)

// AuditReason classifies why an audit entry was written.
type AuditReason string

const (
	ReasonSuccess   AuditReason = "success"
	ReasonRetryable AuditReason = "retryable"
	ReasonPermanent AuditReason = "permanent"
	ReasonExhausted AuditReason = "exhausted"
)

// AuditEntry is an immutable fact about one completed attempt.
// Target is stored redacted.
type AuditEntry struct {
	ID           int64       `json:"id"`
	RecordID     string      `json:"record_id"`
	Channel      Channel     `json:"channel"`
	Target       string      `json:"target"`
	Status       Status      `json:"status"`
	AttemptCount int         `json:"attempt_count"`
	Reason       AuditReason `json:"reason"`
	ErrorMessage string      `json:"error_message,omitempty"`
	StatusCode   int         `json:"status_code,omitempty"`
	DurationMS   int64       `json:"duration_ms"`
	Timestamp    time.Time   `json:"timestamp"`
}

// NewAuditEntry snapshots r after an attempt has been applied to it.
func NewAuditEntry(r *Record, reason AuditReason, errMsg string, statusCode int, took time.Duration, at time.Time) AuditEntry {
	return AuditEntry{
		RecordID:     r.ID,
		Channel:      r.Channel,
		Target:       RedactTarget(r.Channel, r.Target),
		Status:       r.Status,
		AttemptCount: r.AttemptCount,
		Reason:       reason,
		ErrorMessage: errMsg,
		StatusCode:   statusCode,
		DurationMS:   took.Milliseconds(),
		Timestamp:    at.UTC(),
	}
}

// AuditLog is the read side of the audit trail. Entries are appended only
// through Store.Complete so that an outcome and its entry commit together.
type AuditLog interface {
	// ListByRecord returns entries for one record, oldest first.
	ListByRecord(ctx context.Context, recordID string) ([]AuditEntry, error)
	// ListByTimeRange returns entries with from <= Timestamp < to, oldest first.
	ListByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]AuditEntry, error)
}
