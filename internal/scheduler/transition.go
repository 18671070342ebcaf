package scheduler

import (
	"fmt"
	"strings"
	"time"

	"github.com/austindbirch/courier/internal/backoff"
	"github.com/austindbirch/courier/internal/delivery"
	"github.com/austindbirch/courier/internal/sender"
)

// nextState applies one attempt outcome to a claimed record. It does no I/O;
// the caller persists the returned record together with its audit entry.
func nextState(claimed *delivery.Record, out sender.Outcome, policy backoff.Policy, now time.Time) (*delivery.Record, delivery.AuditReason) {
	next := claimed.Clone()
	next.ClaimedAt = nil
	next.ClaimedFrom = ""
	next.UpdatedAt = now
	if next.AttemptCount < next.MaxAttempts {
		next.AttemptCount++
	}

	switch out.Kind {
	case sender.KindSuccess:
		next.Status = delivery.StatusSucceeded
		next.LastError = ""
		next.CompletedAt = &now
		return next, delivery.ReasonSuccess

	case sender.KindPermanent:
		next.Status = delivery.StatusAbandoned
		next.LastError = out.Message()
		next.CompletedAt = &now
		return next, delivery.ReasonPermanent

	default:
		next.LastError = out.Message()
		if backoff.IsTerminal(next.AttemptCount, next.MaxAttempts) {
			next.Status = delivery.StatusAbandoned
			next.CompletedAt = &now
			return next, delivery.ReasonExhausted
		}
		next.Status = delivery.StatusFailedRetryable
		if eligible := now.Add(policy.NextDelay(next.AttemptCount)); eligible.After(next.NextEligibleAt) {
			next.NextEligibleAt = eligible
		}
		return next, delivery.ReasonRetryable
	}
}

// exhaustionMessage folds the failure history of earlier attempts and the
// final failure into one line for the abandonment audit entry.
func exhaustionMessage(history []delivery.AuditEntry, final *delivery.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "exhausted after %d attempts", final.AttemptCount)
	for _, e := range history {
		if e.Reason == delivery.ReasonSuccess {
			continue
		}
		fmt.Fprintf(&b, "; #%d %s", e.AttemptCount, e.ErrorMessage)
	}
	fmt.Fprintf(&b, "; #%d %s", final.AttemptCount, final.LastError)
	return b.String()
}
