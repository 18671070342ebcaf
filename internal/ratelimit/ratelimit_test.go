package ratelimit

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/courier/internal/delivery"
)

func TestUnlimited(t *testing.T) {
	for i := 0; i < 100; i++ {
		ok, err := Unlimited{}.CheckAndConsume(context.Background(), delivery.ChannelSMS, "+15551234567")
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestLocalBurstThenThrottle(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	l := NewLocal(Rules{delivery.ChannelSMS: {Rate: 1, Burst: 2}})
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.CheckAndConsume(ctx, delivery.ChannelSMS, "+15551234567")
		require.NoError(t, err)
		assert.True(t, ok, "call %d within burst", i+1)
	}
	ok, _ := l.CheckAndConsume(ctx, delivery.ChannelSMS, "+15551234567")
	assert.False(t, ok, "third call should be throttled")

	// a different scope has its own bucket
	ok, _ = l.CheckAndConsume(ctx, delivery.ChannelSMS, "+15557654321")
	assert.True(t, ok)

	// one token refills after a second
	now = now.Add(time.Second)
	ok, _ = l.CheckAndConsume(ctx, delivery.ChannelSMS, "+15551234567")
	assert.True(t, ok)
}

func TestLocalUnlimitedChannels(t *testing.T) {
	l := NewLocal(Rules{
		delivery.ChannelEmail: {Rate: 0, Burst: 1},
	})
	for i := 0; i < 20; i++ {
		ok, _ := l.CheckAndConsume(context.Background(), delivery.ChannelEmail, "a@b.c")
		require.True(t, ok)
		ok, _ = l.CheckAndConsume(context.Background(), delivery.ChannelWebhook, "https://x")
		require.True(t, ok)
	}
	assert.Equal(t, 0, l.Len(), "unlimited channels should not allocate buckets")
}

func TestLocalSweepsIdleBuckets(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	l := NewLocal(Rules{delivery.ChannelSMS: {Rate: 1, Burst: 1}})
	l.now = func() time.Time { return now }
	ctx := context.Background()

	_, _ = l.CheckAndConsume(ctx, delivery.ChannelSMS, "a")
	_, _ = l.CheckAndConsume(ctx, delivery.ChannelSMS, "b")
	require.Equal(t, 2, l.Len())

	now = now.Add(localIdleTTL + time.Minute)
	_, _ = l.CheckAndConsume(ctx, delivery.ChannelSMS, "c")
	assert.Equal(t, 1, l.Len())
}

func TestRedisFailsOpenToLocal(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	r := NewRedis(client, Rules{delivery.ChannelSMS: {Rate: 0.001, Burst: 1}}, WithCallTimeout(50*time.Millisecond))
	ctx := context.Background()

	ok, err := r.CheckAndConsume(ctx, delivery.ChannelSMS, "+15551234567")
	require.NoError(t, err)
	assert.True(t, ok, "first call should pass through the local fallback")

	ok, err = r.CheckAndConsume(ctx, delivery.ChannelSMS, "+15551234567")
	require.NoError(t, err)
	assert.False(t, ok, "fallback still enforces the bucket")

	ok, err = r.CheckAndConsume(ctx, delivery.ChannelWebhook, "https://x")
	require.NoError(t, err)
	assert.True(t, ok, "channels without a rule skip redis entirely")
}

func TestRedisKeysHashScope(t *testing.T) {
	r := NewRedis(nil, nil, WithKeyPrefix("test:rl"))

	tokens, ts := r.Keys(delivery.ChannelEmail, "jane@example.com")
	assert.True(t, strings.HasPrefix(tokens, "test:rl:email:"))
	assert.True(t, strings.HasSuffix(tokens, ":tokens"))
	assert.True(t, strings.HasSuffix(ts, ":ts"))
	assert.NotContains(t, tokens, "jane")

	other, _ := r.Keys(delivery.ChannelEmail, "john@example.com")
	assert.NotEqual(t, tokens, other)
}
