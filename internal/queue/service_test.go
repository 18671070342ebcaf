package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/courier/internal/delivery"
	"github.com/austindbirch/courier/internal/store/memory"
)

var now = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newService(opts ...Option) (*Service, *memory.Store) {
	mem := memory.New()
	opts = append([]Option{WithClock(func() time.Time { return now })}, opts...)
	return NewService(mem, mem, opts...), mem
}

// abandon drives a record to abandoned through the store contract.
func abandon(t *testing.T, mem *memory.Store, id string) {
	t.Helper()
	ctx := context.Background()
	claimed, err := mem.Claim(ctx, id, now)
	require.NoError(t, err)
	next := claimed.Clone()
	next.Status = delivery.StatusAbandoned
	next.AttemptCount = 1
	next.LastError = "http_410"
	next.UpdatedAt = now
	next.CompletedAt = &now
	require.NoError(t, mem.Complete(ctx, next, delivery.NewAuditEntry(next, delivery.ReasonPermanent, "http_410", 410, 0, now)))
}

func TestEnqueue(t *testing.T) {
	tests := []struct {
		name        string
		channel     delivery.Channel
		target      string
		maxAttempts int
		wantMax     int
		wantErr     error
	}{
		{"explicit budget", delivery.ChannelWebhook, "https://example.com/hook", 5, 5, nil},
		{"default budget", delivery.ChannelEmail, "jane@example.com", 0, 4, nil},
		{"unknown channel", delivery.Channel("fax"), "123", 3, 0, delivery.ErrInvalidRecord},
		{"empty target", delivery.ChannelSMS, " ", 3, 0, delivery.ErrInvalidRecord},
		{"negative budget", delivery.ChannelSMS, "+15551234567", -1, 0, delivery.ErrInvalidRecord},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newService(WithDefaultMaxAttempts(4))
			r, err := svc.Enqueue(context.Background(), tt.channel, tt.target, []byte(`{}`), tt.maxAttempts)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantMax, r.MaxAttempts)
			assert.Equal(t, delivery.StatusPending, r.Status)
			assert.Zero(t, r.AttemptCount)
			assert.True(t, r.NextEligibleAt.Equal(now))

			got, err := svc.GetStatus(context.Background(), r.ID)
			require.NoError(t, err)
			assert.Equal(t, r.ID, got.ID)
		})
	}
}

func TestGetStatusNotFound(t *testing.T) {
	svc, _ := newService()
	_, err := svc.GetStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, delivery.ErrNotFound)

	_, err = svc.ListAudit(context.Background(), "missing")
	assert.ErrorIs(t, err, delivery.ErrNotFound)
}

func TestListAuditAndRange(t *testing.T) {
	svc, mem := newService()
	ctx := context.Background()
	r, err := svc.Enqueue(ctx, delivery.ChannelWebhook, "https://example.com", []byte(`{}`), 3)
	require.NoError(t, err)
	abandon(t, mem, r.ID)

	entries, err := svc.ListAudit(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, delivery.ReasonPermanent, entries[0].Reason)

	entries, err = svc.ListAuditRange(ctx, now.Add(-time.Hour), now.Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = svc.ListAuditRange(ctx, now, now, 10)
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = svc.ListAuditRange(ctx, now, now.Add(time.Hour), -1)
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestRetry(t *testing.T) {
	svc, mem := newService()
	ctx := context.Background()
	src, err := svc.Enqueue(ctx, delivery.ChannelSMS, "+15551234567", []byte(`{"body":"hi"}`), 5)
	require.NoError(t, err)

	_, err = svc.Retry(ctx, src.ID)
	assert.True(t, errors.Is(err, delivery.ErrNotTerminal), "pending record: %v", err)

	abandon(t, mem, src.ID)

	abandoned, err := svc.ListAbandoned(ctx, 10)
	require.NoError(t, err)
	require.Len(t, abandoned, 1)
	assert.Equal(t, src.ID, abandoned[0].ID)

	replay, err := svc.Retry(ctx, src.ID)
	require.NoError(t, err)
	assert.NotEqual(t, src.ID, replay.ID)
	assert.Equal(t, src.ID, replay.ReplayOf)
	assert.Equal(t, delivery.StatusPending, replay.Status)
	assert.Zero(t, replay.AttemptCount)
	assert.Equal(t, 5, replay.MaxAttempts)
	assert.Equal(t, []byte(`{"body":"hi"}`), replay.Payload)

	// the abandoned source stays terminal
	got, err := svc.GetStatus(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, delivery.StatusAbandoned, got.Status)

	_, err = svc.Retry(ctx, "missing")
	assert.ErrorIs(t, err, delivery.ErrNotFound)
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		in, want int
		wantErr  bool
	}{
		{0, DefaultListLimit, false},
		{10, 10, false},
		{MaxListLimit + 1, MaxListLimit, false},
		{-5, 0, true},
	}
	for _, tt := range tests {
		got, err := clampLimit(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("clampLimit(%d) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("clampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
