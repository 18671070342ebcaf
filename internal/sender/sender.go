// Package sender performs single delivery attempts over each channel and
// reports the result as an Outcome. Senders never return errors or panic
// across their boundary; every failure is folded into the Outcome.
package sender

import (
	"context"
	"time"

	"github.com/austindbirch/courier/internal/delivery"
)

// DefaultTimeout bounds a single attempt when none is configured.
const DefaultTimeout = 30 * time.Second

type Kind int

const (
	KindSuccess Kind = iota
	KindRetryable
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRetryable:
		return "retryable"
	case KindPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Outcome is the result of one attempt.
type Outcome struct {
	Kind       Kind
	Reason     string // short class such as http_503, timeout, invalid_target
	Detail     string
	StatusCode int
	Response   string // first bytes of the downstream response
	Duration   time.Duration
}

// Message is the text stored as the record's last error.
func (o Outcome) Message() string {
	if o.Detail == "" {
		return o.Reason
	}
	return o.Reason + ": " + o.Detail
}

func Success(statusCode int, response string) Outcome {
	return Outcome{Kind: KindSuccess, Reason: "ok", StatusCode: statusCode, Response: response}
}

func Retryable(reason, detail string) Outcome {
	return Outcome{Kind: KindRetryable, Reason: reason, Detail: detail}
}

func Permanent(reason, detail string) Outcome {
	return Outcome{Kind: KindPermanent, Reason: reason, Detail: detail}
}

// Sender performs one delivery attempt for a record.
type Sender interface {
	Attempt(ctx context.Context, r *delivery.Record) Outcome
}

// Func adapts a function to Sender.
type Func func(ctx context.Context, r *delivery.Record) Outcome

func (f Func) Attempt(ctx context.Context, r *delivery.Record) Outcome {
	return f(ctx, r)
}
