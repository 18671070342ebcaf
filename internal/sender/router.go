package sender

import (
	"context"
	"fmt"
	"time"

	"github.com/austindbirch/courier/internal/delivery"
)

// Router dispatches each record to the sender registered for its channel.
// It bounds every attempt with a timeout and turns a panicking sender into
// a retryable outcome.
type Router struct {
	senders map[delivery.Channel]Sender
	timeout time.Duration
}

func NewRouter(timeout time.Duration) *Router {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Router{senders: make(map[delivery.Channel]Sender), timeout: timeout}
}

// Register binds s to ch, replacing any previous sender. Not safe to call
// concurrently with Attempt.
func (rt *Router) Register(ch delivery.Channel, s Sender) *Router {
	rt.senders[ch] = s
	return rt
}

func (rt *Router) Timeout() time.Duration {
	return rt.timeout
}

func (rt *Router) Attempt(ctx context.Context, r *delivery.Record) (out Outcome) {
	s, ok := rt.senders[r.Channel]
	if !ok {
		return Permanent("unsupported_channel", fmt.Sprintf("no sender for channel %q", r.Channel))
	}

	ctx, cancel := context.WithTimeout(ctx, rt.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			out = Retryable("sender_panic", fmt.Sprint(p))
		}
		if out.Duration == 0 {
			out.Duration = time.Since(start)
		}
	}()

	return s.Attempt(ctx, r)
}
