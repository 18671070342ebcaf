package delivery

import "time"

const (
	DLQType     = "delivery.dlq"
	OutcomeType = "delivery.outcome"
)

// Snapshot is the part of a record that leaves the service in events.
// The payload stays behind.
type Snapshot struct {
	ID           string  `json:"id"`
	Channel      Channel `json:"channel"`
	Target       string  `json:"target"` // redacted
	Status       Status  `json:"status"`
	AttemptCount int     `json:"attempt_count"`
	MaxAttempts  int     `json:"max_attempts"`
	ReplayOf     string  `json:"replay_of,omitempty"`
}

func SnapshotOf(r *Record) Snapshot {
	return Snapshot{
		ID:           r.ID,
		Channel:      r.Channel,
		Target:       RedactTarget(r.Channel, r.Target),
		Status:       r.Status,
		AttemptCount: r.AttemptCount,
		MaxAttempts:  r.MaxAttempts,
		ReplayOf:     r.ReplayOf,
	}
}

type DeadLetter struct {
	Type         string            `json:"type"`    // "delivery.dlq"
	Version      string            `json:"version"` // schema version
	At           string            `json:"at"`      // RFC3339 time the record was abandoned
	Reason       AuditReason       `json:"reason"`  // permanent or exhausted
	Attempt      int               `json:"attempt"`
	LastError    string            `json:"last_error,omitempty"`
	Record       Snapshot          `json:"record"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

func NewDeadLetter(r *Record, reason AuditReason, at time.Time) DeadLetter {
	return DeadLetter{
		Type:      DLQType,
		Version:   "v1",
		At:        at.UTC().Format(time.RFC3339Nano),
		Reason:    reason,
		Attempt:   r.AttemptCount,
		LastError: r.LastError,
		Record:    SnapshotOf(r),
	}
}

// Outcome is published when a record is delivered.
type Outcome struct {
	Type         string            `json:"type"`
	Version      string            `json:"version"`
	At           string            `json:"at"`
	Record       Snapshot          `json:"record"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

func NewOutcome(r *Record, at time.Time) Outcome {
	return Outcome{
		Type:    OutcomeType,
		Version: "v1",
		At:      at.UTC().Format(time.RFC3339Nano),
		Record:  SnapshotOf(r),
	}
}
