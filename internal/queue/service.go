// Package queue is the entry point for callers: it creates delivery records
// and answers status, audit and abandonment queries.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/courier/internal/delivery"
	"github.com/austindbirch/courier/internal/logging"
	"github.com/austindbirch/courier/internal/metrics"
	"github.com/austindbirch/courier/internal/tracing"
)

const (
	DefaultMaxAttempts = 3
	DefaultListLimit   = 100
	MaxListLimit       = 1000
)

// ErrInvalidQuery is returned for malformed list parameters.
var ErrInvalidQuery = errors.New("invalid query")

type Service struct {
	store       delivery.Store
	audit       delivery.AuditLog
	maxAttempts int
	now         func() time.Time
	logger      *logging.Logger
}

type Option func(*Service)

// WithDefaultMaxAttempts sets the budget used when Enqueue gets zero.
func WithDefaultMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(store delivery.Store, audit delivery.AuditLog, opts ...Option) *Service {
	s := &Service{
		store:       store,
		audit:       audit,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
		logger:      logging.New("courier-queue"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Enqueue creates a pending record that is due immediately. A maxAttempts of
// zero uses the configured default.
func (s *Service) Enqueue(ctx context.Context, ch delivery.Channel, target string, payload []byte, maxAttempts int) (*delivery.Record, error) {
	ctx, span := tracing.StartSpan(ctx, "queue.enqueue", tracing.ChannelKey.String(string(ch)))
	defer span.End()

	if maxAttempts == 0 {
		maxAttempts = s.maxAttempts
	}
	r, err := delivery.NewRecord(ch, target, payload, maxAttempts, s.now())
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, err
	}
	if err := s.store.Insert(ctx, r); err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	span.SetAttributes(tracing.RecordIDKey.String(r.ID), tracing.MaxAttemptsKey.Int(r.MaxAttempts))
	metrics.RecordEnqueued(string(ch))
	s.logger.WithContext(ctx).WithRecord(r.ID).WithChannel(string(ch)).
		WithField("max_attempts", r.MaxAttempts).Info("delivery enqueued")
	return r, nil
}

func (s *Service) GetStatus(ctx context.Context, id string) (*delivery.Record, error) {
	return s.store.Get(ctx, id)
}

// ListAudit returns the attempt history of one record, oldest first.
func (s *Service) ListAudit(ctx context.Context, id string) ([]delivery.AuditEntry, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.audit.ListByRecord(ctx, id)
}

// ListAuditRange returns entries with from <= timestamp < to.
func (s *Service) ListAuditRange(ctx context.Context, from, to time.Time, limit int) ([]delivery.AuditEntry, error) {
	if !from.Before(to) {
		return nil, fmt.Errorf("%w: from must be before to", ErrInvalidQuery)
	}
	limit, err := clampLimit(limit)
	if err != nil {
		return nil, err
	}
	return s.audit.ListByTimeRange(ctx, from, to, limit)
}

// ListAbandoned returns abandoned records, most recently abandoned first.
func (s *Service) ListAbandoned(ctx context.Context, limit int) ([]*delivery.Record, error) {
	limit, err := clampLimit(limit)
	if err != nil {
		return nil, err
	}
	return s.store.ListByStatus(ctx, delivery.StatusAbandoned, limit)
}

// Retry re-enqueues an abandoned record as a new record with a fresh attempt
// budget. The abandoned record is left as it is.
func (s *Service) Retry(ctx context.Context, id string) (*delivery.Record, error) {
	ctx, span := tracing.StartSpan(ctx, "queue.retry", attribute.String("replay_of", id))
	defer span.End()

	src, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if src.Status != delivery.StatusAbandoned {
		return nil, fmt.Errorf("%w: record %s is %s", delivery.ErrNotTerminal, id, src.Status)
	}

	r, err := delivery.NewRecord(src.Channel, src.Target, src.Payload, src.MaxAttempts, s.now())
	if err != nil {
		return nil, err
	}
	r.ReplayOf = src.ID
	if err := s.store.Insert(ctx, r); err != nil {
		tracing.SetSpanError(ctx, err)
		return nil, fmt.Errorf("insert retry: %w", err)
	}

	metrics.RecordEnqueued(string(r.Channel))
	s.logger.WithContext(ctx).WithRecord(r.ID).WithChannel(string(r.Channel)).
		WithField("replay_of", src.ID).Info("abandoned delivery re-enqueued")
	return r, nil
}

func clampLimit(limit int) (int, error) {
	switch {
	case limit < 0:
		return 0, fmt.Errorf("%w: limit must not be negative", ErrInvalidQuery)
	case limit == 0:
		return DefaultListLimit, nil
	case limit > MaxListLimit:
		return MaxListLimit, nil
	}
	return limit, nil
}
