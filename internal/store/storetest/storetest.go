// Package storetest holds behavior tests shared by every delivery.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/courier/internal/delivery"
)

// Backend is a store that also serves the audit log.
type Backend interface {
	delivery.Store
	delivery.AuditLog
}

// Factory returns an empty backend for one subtest.
type Factory func(t *testing.T) Backend

var base = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newRecord(t *testing.T, ch delivery.Channel, target string, at time.Time) *delivery.Record {
	t.Helper()
	r, err := delivery.NewRecord(ch, target, []byte(`{"body":"hi"}`), 3, at)
	require.NoError(t, err)
	return r
}

func insert(t *testing.T, s Backend, r *delivery.Record) {
	t.Helper()
	require.NoError(t, s.Insert(context.Background(), r))
}

// Run exercises the Store and AuditLog contracts.
func Run(t *testing.T, factory Factory) {
	t.Run("InsertAndGet", func(t *testing.T) { testInsertAndGet(t, factory(t)) })
	t.Run("DueOrderingAndLimit", func(t *testing.T) { testDue(t, factory(t)) })
	t.Run("ClaimIsConditional", func(t *testing.T) { testClaim(t, factory(t)) })
	t.Run("ConcurrentClaimSingleWinner", func(t *testing.T) { testConcurrentClaim(t, factory(t)) })
	t.Run("CompleteAppendsAudit", func(t *testing.T) { testComplete(t, factory(t)) })
	t.Run("CompleteRequiresInFlight", func(t *testing.T) { testCompleteLost(t, factory(t)) })
	t.Run("ReleaseRestoresStatus", func(t *testing.T) { testRelease(t, factory(t)) })
	t.Run("ReclaimStale", func(t *testing.T) { testReclaimStale(t, factory(t)) })
	t.Run("ListAndCountByStatus", func(t *testing.T) { testListAndCount(t, factory(t)) })
	t.Run("AuditTimeRange", func(t *testing.T) { testAuditRange(t, factory(t)) })
}

func testInsertAndGet(t *testing.T, s Backend) {
	ctx := context.Background()
	r := newRecord(t, delivery.ChannelEmail, "jane@example.com", base)
	insert(t, s, r)

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
	assert.Equal(t, delivery.StatusPending, got.Status)
	assert.Equal(t, r.Payload, got.Payload)
	assert.Equal(t, 3, got.MaxAttempts)
	assert.True(t, got.NextEligibleAt.Equal(base))

	_, err = s.Get(ctx, "00000000-0000-0000-0000-000000000000")
	assert.True(t, errors.Is(err, delivery.ErrNotFound), "got %v", err)

	assert.Error(t, s.Insert(ctx, r), "duplicate insert must fail")
}

func testDue(t *testing.T, s Backend) {
	ctx := context.Background()
	late := newRecord(t, delivery.ChannelSMS, "+15551234567", base.Add(-time.Minute))
	early := newRecord(t, delivery.ChannelSMS, "+15551234568", base.Add(-time.Hour))
	future := newRecord(t, delivery.ChannelSMS, "+15551234569", base.Add(time.Hour))
	for _, r := range []*delivery.Record{late, early, future} {
		insert(t, s, r)
	}

	due, err := s.Due(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, early.ID, due[0].ID)
	assert.Equal(t, late.ID, due[1].ID)

	due, err = s.Due(ctx, base, 1)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, early.ID, due[0].ID)

	_, err = s.Claim(ctx, early.ID, base)
	require.NoError(t, err)
	due, err = s.Due(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, due, 1, "in_flight records are not due")
	assert.Equal(t, late.ID, due[0].ID)
}

func testClaim(t *testing.T, s Backend) {
	ctx := context.Background()
	r := newRecord(t, delivery.ChannelWebhook, "https://example.com/hook", base)
	insert(t, s, r)

	claimed, err := s.Claim(ctx, r.ID, base)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusInFlight, claimed.Status)
	assert.Equal(t, delivery.StatusPending, claimed.ClaimedFrom)
	require.NotNil(t, claimed.ClaimedAt)
	assert.True(t, claimed.ClaimedAt.Equal(base))
	assert.Equal(t, 0, claimed.AttemptCount, "claiming does not consume an attempt")

	_, err = s.Claim(ctx, r.ID, base)
	assert.True(t, errors.Is(err, delivery.ErrClaimLost), "second claim: %v", err)

	notYet := newRecord(t, delivery.ChannelWebhook, "https://example.com/hook", base.Add(time.Minute))
	insert(t, s, notYet)
	_, err = s.Claim(ctx, notYet.ID, base)
	assert.True(t, errors.Is(err, delivery.ErrClaimLost), "claim before eligible: %v", err)
}

func testConcurrentClaim(t *testing.T, s Backend) {
	ctx := context.Background()
	r := newRecord(t, delivery.ChannelEmail, "jane@example.com", base)
	insert(t, s, r)

	var wins, losses atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Claim(ctx, r.ID, base)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, delivery.ErrClaimLost):
				losses.Add(1)
			default:
				t.Errorf("Claim() unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(15), losses.Load())
}

func testComplete(t *testing.T, s Backend) {
	ctx := context.Background()
	r := newRecord(t, delivery.ChannelEmail, "jane@example.com", base)
	insert(t, s, r)

	claimed, err := s.Claim(ctx, r.ID, base)
	require.NoError(t, err)

	next := claimed.Clone()
	next.Status = delivery.StatusFailedRetryable
	next.AttemptCount = 1
	next.LastError = "http_503"
	next.NextEligibleAt = base.Add(5 * time.Minute)
	next.UpdatedAt = base.Add(time.Second)
	entry := delivery.NewAuditEntry(next, delivery.ReasonRetryable, "http_503", 503, 120*time.Millisecond, base.Add(time.Second))

	require.NoError(t, s.Complete(ctx, next, entry))

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusFailedRetryable, got.Status)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, "http_503", got.LastError)
	assert.True(t, got.NextEligibleAt.Equal(base.Add(5*time.Minute)))
	assert.Nil(t, got.ClaimedAt)

	entries, err := s.ListByRecord(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotZero(t, entries[0].ID)
	assert.Equal(t, delivery.ReasonRetryable, entries[0].Reason)
	assert.Equal(t, "j***@example.com", entries[0].Target)
	assert.Equal(t, 503, entries[0].StatusCode)
	assert.Equal(t, int64(120), entries[0].DurationMS)
}

func testCompleteLost(t *testing.T, s Backend) {
	ctx := context.Background()
	r := newRecord(t, delivery.ChannelEmail, "jane@example.com", base)
	insert(t, s, r)

	next := r.Clone()
	next.Status = delivery.StatusSucceeded
	next.AttemptCount = 1
	entry := delivery.NewAuditEntry(next, delivery.ReasonSuccess, "", 202, 0, base)

	err := s.Complete(ctx, next, entry)
	assert.True(t, errors.Is(err, delivery.ErrClaimLost), "complete without claim: %v", err)

	entries, err := s.ListByRecord(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, entries, "a rejected completion must not leave an audit entry")

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusPending, got.Status)
}

func testRelease(t *testing.T, s Backend) {
	ctx := context.Background()
	r := newRecord(t, delivery.ChannelSMS, "+15551234567", base)
	insert(t, s, r)

	_, err := s.Claim(ctx, r.ID, base)
	require.NoError(t, err)
	require.NoError(t, s.Release(ctx, r.ID, base.Add(time.Second)))

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusPending, got.Status)
	assert.Equal(t, 0, got.AttemptCount)
	assert.True(t, got.NextEligibleAt.Equal(base))
	assert.Nil(t, got.ClaimedAt)

	err = s.Release(ctx, r.ID, base)
	assert.True(t, errors.Is(err, delivery.ErrClaimLost), "release of unclaimed record: %v", err)
}

func testReclaimStale(t *testing.T, s Backend) {
	ctx := context.Background()
	stale := newRecord(t, delivery.ChannelWebhook, "https://a.example.com", base)
	fresh := newRecord(t, delivery.ChannelWebhook, "https://b.example.com", base)
	insert(t, s, stale)
	insert(t, s, fresh)

	_, err := s.Claim(ctx, stale.ID, base)
	require.NoError(t, err)
	_, err = s.Claim(ctx, fresh.ID, base.Add(10*time.Minute))
	require.NoError(t, err)

	n, err := s.ReclaimStale(ctx, base.Add(5*time.Minute), base.Add(11*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusFailedRetryable, got.Status)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Nil(t, got.ClaimedAt)

	got, err = s.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusInFlight, got.Status)

	entries, err := s.ListByRecord(ctx, stale.ID)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func testListAndCount(t *testing.T, s Backend) {
	ctx := context.Background()
	a := newRecord(t, delivery.ChannelEmail, "a@example.com", base)
	b := newRecord(t, delivery.ChannelEmail, "b@example.com", base)
	c := newRecord(t, delivery.ChannelEmail, "c@example.com", base)
	for _, r := range []*delivery.Record{a, b, c} {
		insert(t, s, r)
	}

	claimed, err := s.Claim(ctx, a.ID, base)
	require.NoError(t, err)
	next := claimed.Clone()
	next.Status = delivery.StatusAbandoned
	next.AttemptCount = 1
	next.LastError = "http_410"
	done := base.Add(time.Second)
	next.CompletedAt = &done
	next.UpdatedAt = done
	require.NoError(t, s.Complete(ctx, next, delivery.NewAuditEntry(next, delivery.ReasonPermanent, "http_410", 410, 0, done)))

	abandoned, err := s.ListByStatus(ctx, delivery.StatusAbandoned, 10)
	require.NoError(t, err)
	require.Len(t, abandoned, 1)
	assert.Equal(t, a.ID, abandoned[0].ID)
	require.NotNil(t, abandoned[0].CompletedAt)

	counts, err := s.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[delivery.StatusPending])
	assert.Equal(t, int64(1), counts[delivery.StatusAbandoned])
	assert.Equal(t, int64(0), counts[delivery.StatusInFlight])
}

func testAuditRange(t *testing.T, s Backend) {
	ctx := context.Background()
	r := newRecord(t, delivery.ChannelSMS, "+15551234567", base)
	insert(t, s, r)

	for i := 1; i <= 3; i++ {
		at := base.Add(time.Duration(i) * time.Hour)
		claimed, err := s.Claim(ctx, r.ID, at)
		require.NoError(t, err)
		next := claimed.Clone()
		next.AttemptCount = i
		next.Status = delivery.StatusFailedRetryable
		if i == 3 {
			next.Status = delivery.StatusAbandoned
		}
		next.NextEligibleAt = at
		next.UpdatedAt = at
		require.NoError(t, s.Complete(ctx, next, delivery.NewAuditEntry(next, delivery.ReasonRetryable, "timeout", 0, 0, at)))
	}

	entries, err := s.ListByTimeRange(ctx, base.Add(time.Hour), base.Add(3*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2, "range is [from, to)")
	assert.Equal(t, 1, entries[0].AttemptCount)
	assert.Equal(t, 2, entries[1].AttemptCount)

	entries, err = s.ListByTimeRange(ctx, base, base.Add(24*time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].AttemptCount)

	all, err := s.ListByRecord(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, e := range all {
		assert.Equal(t, i+1, e.AttemptCount, "entries are oldest first")
	}
}
