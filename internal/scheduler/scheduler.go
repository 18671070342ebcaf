// Package scheduler runs delivery cycles: it selects due records, claims
// them, attempts them through a sender and persists each outcome with its
// audit entry.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/austindbirch/courier/internal/backoff"
	"github.com/austindbirch/courier/internal/delivery"
	"github.com/austindbirch/courier/internal/logging"
	"github.com/austindbirch/courier/internal/ratelimit"
	"github.com/austindbirch/courier/internal/sender"
)

const (
	DefaultBatchSize   = 50
	DefaultConcurrency = 8
	DefaultClaimMargin = 30 * time.Second
	DefaultInterval    = 30 * time.Second
)

type Config struct {
	BatchSize     int
	Concurrency   int
	SenderTimeout time.Duration
	// ClaimMargin is added to SenderTimeout to decide when an in_flight
	// record has been abandoned by a crashed cycle.
	ClaimMargin time.Duration
	Interval    time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.SenderTimeout <= 0 {
		c.SenderTimeout = sender.DefaultTimeout
	}
	if c.ClaimMargin <= 0 {
		c.ClaimMargin = DefaultClaimMargin
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	return c
}

// StaleAfter is how long a record may stay in_flight before Reconcile
// reverts it.
func (c Config) StaleAfter() time.Duration {
	return c.SenderTimeout + c.ClaimMargin
}

// Notifier is told about records that reached a terminal state. Errors are
// logged and never change the persisted outcome.
type Notifier interface {
	Succeeded(ctx context.Context, r *delivery.Record) error
	Abandoned(ctx context.Context, r *delivery.Record, reason delivery.AuditReason) error
}

type noopNotifier struct{}

func (noopNotifier) Succeeded(context.Context, *delivery.Record) error { return nil }
func (noopNotifier) Abandoned(context.Context, *delivery.Record, delivery.AuditReason) error {
	return nil
}

// Summary reports what one cycle did. Processed counts attempts whose
// outcome was persisted.
type Summary struct {
	Processed       int   `json:"processed"`
	Succeeded       int   `json:"succeeded"`
	FailedRetryable int   `json:"failed_retryable"`
	Abandoned       int   `json:"abandoned"`
	Throttled       int   `json:"throttled"`
	Skipped         int   `json:"skipped"`
	Errored         int   `json:"errored"`
	Reclaimed       int64 `json:"reclaimed"`
}

type result int

const (
	resultSucceeded result = iota
	resultFailedRetryable
	resultAbandoned
	resultThrottled
	resultSkipped
	resultErrored
)

type tally struct {
	mu  sync.Mutex
	sum Summary
}

func (t *tally) add(r result) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch r {
	case resultSucceeded:
		t.sum.Processed++
		t.sum.Succeeded++
	case resultFailedRetryable:
		t.sum.Processed++
		t.sum.FailedRetryable++
	case resultAbandoned:
		t.sum.Processed++
		t.sum.Abandoned++
	case resultThrottled:
		t.sum.Throttled++
	case resultSkipped:
		t.sum.Skipped++
	case resultErrored:
		t.sum.Errored++
	}
}

func (t *tally) summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sum
}

type Scheduler struct {
	store    delivery.Store
	audit    delivery.AuditLog
	sender   sender.Sender
	policy   backoff.Policy
	limiter  ratelimit.Limiter
	notifier Notifier
	cfg      Config
	now      func() time.Time
	logger   *logging.Logger
}

type Option func(*Scheduler)

func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *Scheduler) { s.limiter = l }
}

func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

func New(store delivery.Store, audit delivery.AuditLog, snd sender.Sender, policy backoff.Policy, cfg Config, opts ...Option) *Scheduler {
	if policy == nil {
		policy = backoff.Default()
	}
	s := &Scheduler{
		store:    store,
		audit:    audit,
		sender:   snd,
		policy:   policy,
		limiter:  ratelimit.Unlimited{},
		notifier: noopNotifier{},
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		logger:   logging.New("courier-scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) Config() Config {
	return s.cfg
}

func (s *Scheduler) clock() time.Time {
	return s.now().UTC()
}
