// Package backoff computes how long a record waits before its next attempt.
package backoff

import (
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	DefaultBase       = 5 * time.Minute
	DefaultMultiplier = 3.0
	DefaultMax        = 24 * time.Hour
)

// Policy maps the attempt count that just failed to the delay before the
// next attempt. Implementations are pure and non-decreasing in attempt.
type Policy interface {
	NextDelay(attempt int) time.Duration
}

// IsTerminal reports whether the attempt budget is spent.
func IsTerminal(attemptCount, maxAttempts int) bool {
	return attemptCount >= maxAttempts
}

// Exponential grows by Multiplier each attempt: Base, Base*M, Base*M^2, ...
// A zero Max means uncapped.
type Exponential struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

func Default() *Exponential {
	return &Exponential{Base: DefaultBase, Multiplier: DefaultMultiplier, Max: DefaultMax}
}

func NewExponential(base time.Duration, multiplier float64, max time.Duration) (*Exponential, error) {
	if base <= 0 {
		return nil, fmt.Errorf("backoff base must be positive, got %s", base)
	}
	if multiplier < 1 || math.IsNaN(multiplier) || math.IsInf(multiplier, 0) {
		return nil, fmt.Errorf("backoff multiplier must be >= 1, got %v", multiplier)
	}
	if max != 0 && max < base {
		return nil, fmt.Errorf("backoff max %s is below base %s", max, base)
	}
	return &Exponential{Base: base, Multiplier: multiplier, Max: max}, nil
}

func (e *Exponential) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Base) * math.Pow(e.Multiplier, float64(attempt-1))
	delay := time.Duration(math.MaxInt64)
	if d < math.MaxInt64 {
		delay = time.Duration(d)
	}
	if e.Max > 0 && delay > e.Max {
		return e.Max
	}
	return delay
}

// Schedule uses an explicit list of delays; attempts past the end reuse the
// last step.
type Schedule struct {
	Steps []time.Duration
}

var ErrDecreasingSchedule = errors.New("backoff schedule must not decrease")

func NewSchedule(steps []time.Duration) (*Schedule, error) {
	if len(steps) == 0 {
		return nil, errors.New("backoff schedule is empty")
	}
	for i, s := range steps {
		if s <= 0 {
			return nil, fmt.Errorf("backoff schedule step %d must be positive, got %s", i+1, s)
		}
		if i > 0 && s < steps[i-1] {
			return nil, fmt.Errorf("%w: step %d (%s) < step %d (%s)", ErrDecreasingSchedule, i+1, s, i, steps[i-1])
		}
	}
	return &Schedule{Steps: append([]time.Duration(nil), steps...)}, nil
}

func (s *Schedule) NextDelay(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s.Steps) {
		idx = len(s.Steps) - 1
	}
	return s.Steps[idx]
}
