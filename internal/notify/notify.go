// Package notify publishes terminal delivery outcomes to NSQ so that record
// owners and operators can react to them.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/courier/internal/delivery"
	"github.com/austindbirch/courier/internal/logging"
	"github.com/austindbirch/courier/internal/tracing"
)

// Publisher is the part of *nsq.Producer the notifier uses.
type Publisher interface {
	Publish(topic string, body []byte) error
}

type NSQNotifier struct {
	pub           Publisher
	outcomesTopic string
	dlqTopic      string
	now           func() time.Time
	logger        *logging.Logger
}

type Option func(*NSQNotifier)

func WithLogger(l *logging.Logger) Option {
	return func(n *NSQNotifier) { n.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(n *NSQNotifier) { n.now = now }
}

// NewNSQ publishes outcomes and dead letters to the given topics. An empty
// topic disables that event.
func NewNSQ(pub Publisher, outcomesTopic, dlqTopic string, opts ...Option) *NSQNotifier {
	n := &NSQNotifier{
		pub:           pub,
		outcomesTopic: outcomesTopic,
		dlqTopic:      dlqTopic,
		now:           time.Now,
		logger:        logging.New("courier-notify"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Succeeded publishes a delivery.outcome event.
func (n *NSQNotifier) Succeeded(ctx context.Context, r *delivery.Record) error {
	ev := delivery.NewOutcome(r, n.now())
	ev.TraceHeaders = tracing.InjectHeaders(ctx)
	return n.publish(ctx, n.outcomesTopic, r, ev)
}

// Abandoned publishes a dead-letter envelope.
func (n *NSQNotifier) Abandoned(ctx context.Context, r *delivery.Record, reason delivery.AuditReason) error {
	dl := delivery.NewDeadLetter(r, reason, n.now())
	dl.TraceHeaders = tracing.InjectHeaders(ctx)
	return n.publish(ctx, n.dlqTopic, r, dl)
}

func (n *NSQNotifier) publish(ctx context.Context, topic string, r *delivery.Record, v any) error {
	if topic == "" {
		return nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", topic, err)
	}
	if err := n.pub.Publish(topic, body); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("nsq publish %s: %w", topic, err)
	}
	tracing.AddSpanEvent(ctx, "nsq.published", attribute.String("topic", topic))
	n.logger.WithContext(ctx).WithRecord(r.ID).WithField("topic", topic).Debug("event published")
	return nil
}

// Noop drops every notification.
type Noop struct{}

func (Noop) Succeeded(context.Context, *delivery.Record) error { return nil }

func (Noop) Abandoned(context.Context, *delivery.Record, delivery.AuditReason) error { return nil }
