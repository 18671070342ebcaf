package delivery

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Channel is the transport a record is delivered over.
type Channel string

const (
	ChannelWebhook Channel = "webhook"
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
)

// Channels lists every supported channel.
var Channels = []Channel{ChannelWebhook, ChannelEmail, ChannelSMS}

func (c Channel) Valid() bool {
	switch c {
	case ChannelWebhook, ChannelEmail, ChannelSMS:
		return true
	}
	return false
}

// ParseChannel accepts a channel name case-insensitively.
func ParseChannel(s string) (Channel, error) {
	c := Channel(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown channel %q", ErrInvalidRecord, s)
	}
	return c, nil
}

// Status is the lifecycle state of a record.
type Status string

const (
	StatusPending         Status = "pending"
	StatusInFlight        Status = "in_flight"
	StatusSucceeded       Status = "succeeded"
	StatusFailedRetryable Status = "failed_retryable"
	StatusAbandoned       Status = "abandoned"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{StatusPending, StatusInFlight, StatusSucceeded, StatusFailedRetryable, StatusAbandoned}

// Terminal reports whether no further attempts will be made.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusAbandoned
}

// Claimable reports whether a record in this status may be picked up by a cycle.
func (s Status) Claimable() bool {
	return s == StatusPending || s == StatusFailedRetryable
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Statuses {
		if st == known {
			return st, nil
		}
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, s)
}

// Record is the unit of tracked delivery work.
type Record struct {
	ID             string     `json:"id"`
	Channel        Channel    `json:"channel"`
	Target         string     `json:"target"`
	Payload        []byte     `json:"payload"`
	Status         Status     `json:"status"`
	AttemptCount   int        `json:"attempt_count"`
	MaxAttempts    int        `json:"max_attempts"`
	NextEligibleAt time.Time  `json:"next_eligible_at"`
	LastError      string     `json:"last_error,omitempty"`
	ClaimedAt      *time.Time `json:"claimed_at,omitempty"`
	ClaimedFrom    Status     `json:"claimed_from,omitempty"` // status held before the current claim
	ReplayOf       string     `json:"replay_of,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NewRecord builds a pending record that is eligible immediately.
func NewRecord(ch Channel, target string, payload []byte, maxAttempts int, now time.Time) (*Record, error) {
	if !ch.Valid() {
		return nil, fmt.Errorf("%w: unknown channel %q", ErrInvalidRecord, ch)
	}
	if strings.TrimSpace(target) == "" {
		return nil, fmt.Errorf("%w: target is required", ErrInvalidRecord)
	}
	if maxAttempts < 1 {
		return nil, fmt.Errorf("%w: max attempts must be at least 1, got %d", ErrInvalidRecord, maxAttempts)
	}
	now = now.UTC()
	return &Record{
		ID:             uuid.NewString(),
		Channel:        ch,
		Target:         target,
		Payload:        payload,
		Status:         StatusPending,
		MaxAttempts:    maxAttempts,
		NextEligibleAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Due reports whether the record may be attempted at now.
func (r *Record) Due(now time.Time) bool {
	return r.Status.Claimable() && !r.NextEligibleAt.After(now)
}

func (r *Record) Terminal() bool {
	return r.Status.Terminal()
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	c := *r
	if r.Payload != nil {
		c.Payload = append([]byte(nil), r.Payload...)
	}
	if r.ClaimedAt != nil {
		t := *r.ClaimedAt
		c.ClaimedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
