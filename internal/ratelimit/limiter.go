// Package ratelimit throttles attempts per channel and target.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/austindbirch/courier/internal/delivery"
)

// Limiter decides whether an attempt may proceed now. A true result
// consumes one token. Errors mean the decision could not be made; callers
// treat them as allowed.
type Limiter interface {
	CheckAndConsume(ctx context.Context, ch delivery.Channel, scopeKey string) (bool, error)
}

// Rule is a token bucket: Rate tokens per second up to Burst. A Rate of zero
// disables limiting.
type Rule struct {
	Rate  float64
	Burst int
}

func (r Rule) unlimited() bool {
	return r.Rate <= 0
}

func (r Rule) burst() int {
	if r.Burst < 1 {
		return 1
	}
	return r.Burst
}

// Rules holds the bucket for each channel. Channels without a rule are
// unlimited.
type Rules map[delivery.Channel]Rule

// Unlimited allows everything.
type Unlimited struct{}

func (Unlimited) CheckAndConsume(context.Context, delivery.Channel, string) (bool, error) {
	return true, nil
}

const localIdleTTL = 10 * time.Minute

type localBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Local keeps one in-process bucket per channel and scope key. It is
// enough for a single scheduler and serves as the redis fallback.
type Local struct {
	rules     Rules
	now       func() time.Time
	mu        sync.Mutex
	buckets   map[string]*localBucket
	lastSweep time.Time
}

func NewLocal(rules Rules) *Local {
	return &Local{
		rules:   rules,
		now:     time.Now,
		buckets: make(map[string]*localBucket),
	}
}

func (l *Local) CheckAndConsume(_ context.Context, ch delivery.Channel, scopeKey string) (bool, error) {
	rule, ok := l.rules[ch]
	if !ok || rule.unlimited() {
		return true, nil
	}

	now := l.now()
	key := string(ch) + ":" + scopeKey

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > localIdleTTL {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > localIdleTTL {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &localBucket{limiter: rate.NewLimiter(rate.Limit(rule.Rate), rule.burst())}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1), nil
}

// Len reports how many buckets are tracked.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
