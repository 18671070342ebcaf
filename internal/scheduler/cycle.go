package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/courier/internal/delivery"
	"github.com/austindbirch/courier/internal/logging"
	"github.com/austindbirch/courier/internal/metrics"
	"github.com/austindbirch/courier/internal/sender"
	"github.com/austindbirch/courier/internal/tracing"
)

// RunCycle attempts up to batchSize due records, oldest-due first. It returns
// an error only when the store fails during reconciliation, selection or
// claim; per-record faults are counted in Summary.Errored. Overlapping calls
// are safe because every record is claimed with a conditional update.
func (s *Scheduler) RunCycle(ctx context.Context, batchSize int) (Summary, error) {
	if batchSize <= 0 {
		batchSize = s.cfg.BatchSize
	}
	cycleID := uuid.NewString()
	start := time.Now()

	ctx, span := tracing.StartSpan(ctx, "scheduler.cycle",
		tracing.CycleIDKey.String(cycleID),
		attribute.Int("batch_size", batchSize),
	)
	defer span.End()
	log := s.logger.WithContext(ctx).WithCycle(cycleID)

	t := &tally{}
	err := s.runCycle(ctx, batchSize, cycleID, t)
	sum := t.summary()
	metrics.RecordCycle(err, time.Since(start))

	span.SetAttributes(
		attribute.Int("processed", sum.Processed),
		attribute.Int("succeeded", sum.Succeeded),
		attribute.Int("failed_retryable", sum.FailedRetryable),
		attribute.Int("abandoned", sum.Abandoned),
		attribute.Int("throttled", sum.Throttled),
		attribute.Int("skipped", sum.Skipped),
		attribute.Int("errored", sum.Errored),
		attribute.Int64("reclaimed", sum.Reclaimed),
	)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		log.WithError(err).Error("cycle aborted")
		return sum, err
	}

	entry := log.WithFields(map[string]any{
		"processed":        sum.Processed,
		"succeeded":        sum.Succeeded,
		"failed_retryable": sum.FailedRetryable,
		"abandoned":        sum.Abandoned,
		"throttled":        sum.Throttled,
		"skipped":          sum.Skipped,
		"errored":          sum.Errored,
		"reclaimed":        sum.Reclaimed,
		"duration_ms":      time.Since(start).Milliseconds(),
	})
	if sum.Processed+sum.Throttled+sum.Errored > 0 {
		entry.Info("cycle complete")
	} else {
		entry.Debug("cycle complete")
	}
	return sum, nil
}

func (s *Scheduler) runCycle(ctx context.Context, batchSize int, cycleID string, t *tally) error {
	reclaimed, err := s.Reconcile(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.sum.Reclaimed = reclaimed
	t.mu.Unlock()

	tracing.AddSpanEvent(ctx, "store.select_due")
	due, err := s.store.Due(ctx, s.clock(), batchSize)
	if err != nil {
		metrics.RecordProcessingError("select")
		return fmt.Errorf("select due records: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, r := range due {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return s.process(ctx, gctx, r.ID, cycleID, t)
		})
	}
	return g.Wait()
}

// process claims and attempts one record. Only a claim failure is returned;
// it cancels gctx so the rest of the batch is left unclaimed. Sends and
// persistence use ctx so that records already claimed finish cleanly.
func (s *Scheduler) process(ctx, gctx context.Context, id, cycleID string, t *tally) error {
	if gctx.Err() != nil {
		return nil
	}
	claimed, err := s.store.Claim(ctx, id, s.clock())
	switch {
	case errors.Is(err, delivery.ErrClaimLost), errors.Is(err, delivery.ErrNotFound):
		metrics.RecordClaimConflict()
		t.add(resultSkipped)
		return nil
	case err != nil:
		metrics.RecordProcessingError("claim")
		return fmt.Errorf("claim record %s: %w", id, err)
	}

	res, err := s.attempt(ctx, claimed)
	if err == nil {
		t.add(res)
		return nil
	}

	t.add(resultErrored)
	metrics.RecordProcessingError("attempt")
	s.recordLog(ctx, claimed).WithCycle(cycleID).WithError(err).
		Error("record processing failed, releasing claim")
	if rerr := s.store.Release(context.WithoutCancel(ctx), claimed.ID, s.clock()); rerr != nil && !errors.Is(rerr, delivery.ErrClaimLost) {
		metrics.RecordProcessingError("release")
		s.recordLog(ctx, claimed).WithCycle(cycleID).WithError(rerr).
			Error("release failed, record waits for reconciliation")
	}
	return nil
}

// attempt runs one claimed record through the limiter and the sender and
// persists the outcome. A returned error means nothing was persisted and
// the claim must be released.
func (s *Scheduler) attempt(ctx context.Context, r *delivery.Record) (res result, err error) {
	ctx, span := tracing.StartSpan(ctx, "scheduler.attempt",
		tracing.RecordAttributes(r.ID, string(r.Channel), r.AttemptCount+1, r.MaxAttempts)...)
	defer span.End()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic while processing record: %v", p)
			tracing.SetSpanError(ctx, err)
		}
	}()
	persistCtx := context.WithoutCancel(ctx)

	allowed, lerr := s.limiter.CheckAndConsume(ctx, r.Channel, r.Target)
	if lerr != nil {
		s.recordLog(ctx, r).WithError(lerr).Warn("rate limiter unavailable, allowing attempt")
		allowed = true
	}
	if !allowed {
		tracing.AddSpanEvent(ctx, "ratelimit.throttled")
		metrics.RecordThrottled(string(r.Channel))
		if err := s.store.Release(persistCtx, r.ID, s.clock()); err != nil {
			return 0, fmt.Errorf("release throttled record: %w", err)
		}
		return resultThrottled, nil
	}

	tracing.AddSpanEvent(ctx, "sender.attempt")
	out := s.sender.Attempt(ctx, r)
	if ctx.Err() != nil && out.Interrupted() {
		// cut off before the downstream answered; the attempt is not charged
		return 0, fmt.Errorf("attempt interrupted: %w", ctx.Err())
	}
	now := s.clock()
	span.SetAttributes(
		tracing.OutcomeKey.String(out.Kind.String()),
		attribute.String("outcome_reason", out.Reason),
		attribute.Int("http.status_code", out.StatusCode),
		attribute.Int64("latency_ms", out.Duration.Milliseconds()),
	)

	next, reason := nextState(r, out, s.policy, now)
	errMsg := ""
	if out.Kind != sender.KindSuccess {
		errMsg = out.Message()
	}
	if reason == delivery.ReasonExhausted {
		history, herr := s.audit.ListByRecord(persistCtx, r.ID)
		if herr != nil {
			s.recordLog(ctx, r).WithError(herr).Warn("could not load failure history")
		}
		errMsg = exhaustionMessage(history, next)
	}
	entry := delivery.NewAuditEntry(next, reason, errMsg, out.StatusCode, out.Duration, now)

	tracing.AddSpanEvent(ctx, "store.complete", attribute.String("status", string(next.Status)))
	if err := s.store.Complete(persistCtx, next, entry); err != nil {
		if errors.Is(err, delivery.ErrClaimLost) {
			// reconciled while we were sending; the next cycle retries it
			s.recordLog(ctx, r).Warn("claim lost before outcome was saved")
			metrics.RecordClaimConflict()
			return resultSkipped, nil
		}
		return 0, fmt.Errorf("persist outcome: %w", err)
	}

	metrics.RecordAttempt(string(r.Channel), string(next.Status), out.Duration)
	switch next.Status {
	case delivery.StatusSucceeded:
		s.recordLog(ctx, r).WithField("attempt", next.AttemptCount).Info("delivery succeeded")
		if err := s.notifier.Succeeded(persistCtx, next); err != nil {
			s.recordLog(ctx, r).WithError(err).Warn("success notification failed")
		}
		return resultSucceeded, nil

	case delivery.StatusAbandoned:
		metrics.RecordAbandoned(string(reason))
		s.recordLog(ctx, r).WithFields(map[string]any{
			"attempt": next.AttemptCount,
			"reason":  string(reason),
			"error":   next.LastError,
		}).Warn("delivery abandoned")
		if err := s.notifier.Abandoned(persistCtx, next, reason); err != nil {
			s.recordLog(ctx, r).WithError(err).Warn("abandonment notification failed")
		}
		return resultAbandoned, nil

	default:
		metrics.RecordRetry(sender.MetricReason(out))
		s.recordLog(ctx, r).WithFields(map[string]any{
			"attempt":          next.AttemptCount,
			"reason":           out.Reason,
			"next_eligible_at": next.NextEligibleAt.Format(time.RFC3339),
		}).Info("delivery will be retried")
		return resultFailedRetryable, nil
	}
}

func (s *Scheduler) recordLog(ctx context.Context, r *delivery.Record) *logging.LogEntry {
	return s.logger.WithContext(ctx).WithRecord(r.ID).WithChannel(string(r.Channel))
}

// Reconcile reverts records left in_flight longer than the sender timeout
// plus the claim margin to failed_retryable. No attempt is charged.
func (s *Scheduler) Reconcile(ctx context.Context) (int64, error) {
	now := s.clock()
	n, err := s.store.ReclaimStale(ctx, now.Add(-s.cfg.StaleAfter()), now)
	if err != nil {
		metrics.RecordProcessingError("reconcile")
		return 0, fmt.Errorf("reclaim stale records: %w", err)
	}
	if n > 0 {
		metrics.RecordStaleReclaims(n)
		tracing.AddSpanEvent(ctx, "store.reclaimed_stale", attribute.Int64("count", n))
		s.logger.WithContext(ctx).WithField("count", n).Warn("reverted stale in_flight records")
	}
	return n, nil
}
