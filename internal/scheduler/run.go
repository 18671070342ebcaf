package scheduler

import (
	"context"
	"time"

	"github.com/austindbirch/courier/internal/metrics"
)

// Run executes a cycle immediately and then on every Interval until ctx is
// done. A failed cycle is logged and the loop continues.
func (s *Scheduler) Run(ctx context.Context) error {
	log := s.logger.Plain().WithField("interval", s.cfg.Interval.String())
	log.Info("scheduler loop started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		// errors are already logged and counted by RunCycle
		_, _ = s.RunCycle(ctx, s.cfg.BatchSize)

		select {
		case <-ctx.Done():
			s.logger.Plain().Info("scheduler loop stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// MonitorBacklog publishes record counts per status every interval until
// ctx is done.
func (s *Scheduler) MonitorBacklog(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		s.UpdateBacklog(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// UpdateBacklog refreshes the backlog gauge once.
func (s *Scheduler) UpdateBacklog(ctx context.Context) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Plain().WithError(err).Error("failed to count records by status")
		}
		return
	}
	for status, n := range counts {
		metrics.UpdateRecordBacklog(string(status), n)
	}
}
