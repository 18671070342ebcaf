package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/courier/internal/delivery"
	"github.com/austindbirch/courier/internal/store/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend { return New() })
}

func TestGetReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	r, err := delivery.NewRecord(delivery.ChannelWebhook, "https://example.com/hook", []byte(`{}`), 3, now)
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, r))

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	got.Status = delivery.StatusAbandoned
	got.Payload[0] = 'x'

	again, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusPending, again.Status)
	assert.Equal(t, []byte(`{}`), again.Payload)
}

func TestCompleteKeepsLaterEligibility(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	r, err := delivery.NewRecord(delivery.ChannelEmail, "jane@example.com", []byte(`{}`), 3, now)
	require.NoError(t, err)
	require.NoError(t, s.Insert(ctx, r))

	claimed, err := s.Claim(ctx, r.ID, now)
	require.NoError(t, err)

	next := claimed.Clone()
	next.Status = delivery.StatusFailedRetryable
	next.AttemptCount = 1
	next.NextEligibleAt = now.Add(-time.Hour)
	require.NoError(t, s.Complete(ctx, next, delivery.NewAuditEntry(next, delivery.ReasonRetryable, "timeout", 0, 0, now)))

	got, err := s.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, got.NextEligibleAt.Equal(now), "eligibility never moves backwards")
}
