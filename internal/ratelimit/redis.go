package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/courier/internal/delivery"
	"github.com/austindbirch/courier/internal/logging"
	"github.com/austindbirch/courier/internal/metrics"
)

// tokenBucketScript refills and consumes atomically.
// KEYS[1]=tokens KEYS[2]=timestamp
// ARGV[1]=rate ARGV[2]=capacity ARGV[3]=now (seconds) ARGV[4]=requested
// Returns { allowed, remaining }
var tokenBucketScript = redis.NewScript(`
local tokens_key = KEYS[1]
local ts_key = KEYS[2]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local requested = tonumber(ARGV[4])

local ttl = math.ceil((capacity / rate) * 2)
if ttl < 1 then ttl = 1 end

local last_tokens = tonumber(redis.call("get", tokens_key))
if last_tokens == nil then last_tokens = capacity end

local last_ts = tonumber(redis.call("get", ts_key))
if last_ts == nil then last_ts = now end

local delta = math.max(0, now - last_ts)
local filled = math.min(capacity, last_tokens + (delta * rate))

if filled < requested then
    return { 0, filled }
end

filled = filled - requested
redis.call("set", tokens_key, filled, "EX", ttl)
redis.call("set", ts_key, now, "EX", ttl)
return { 1, filled }
`)

// Redis shares buckets across scheduler instances. When redis cannot be
// reached it falls back to a process-local limiter so that attempts keep
// flowing.
type Redis struct {
	client   redis.UniversalClient
	rules    Rules
	prefix   string
	timeout  time.Duration
	fallback *Local
	now      func() time.Time
	logger   *logging.Logger
}

type RedisOption func(*Redis)

func WithKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

func WithCallTimeout(d time.Duration) RedisOption {
	return func(r *Redis) { r.timeout = d }
}

func WithLogger(l *logging.Logger) RedisOption {
	return func(r *Redis) { r.logger = l }
}

func NewRedis(client redis.UniversalClient, rules Rules, opts ...RedisOption) *Redis {
	r := &Redis{
		client:   client,
		rules:    rules,
		prefix:   "courier:ratelimit",
		timeout:  100 * time.Millisecond,
		fallback: NewLocal(rules),
		now:      time.Now,
		logger:   logging.New("courier-ratelimit"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Keys returns the redis keys for a bucket. The scope key is hashed so that
// raw targets never appear in redis.
func (r *Redis) Keys(ch delivery.Channel, scopeKey string) (tokens, ts string) {
	sum := sha256.Sum256([]byte(scopeKey))
	base := fmt.Sprintf("%s:%s:%s", r.prefix, ch, hex.EncodeToString(sum[:12]))
	return base + ":tokens", base + ":ts"
}

func (r *Redis) CheckAndConsume(ctx context.Context, ch delivery.Channel, scopeKey string) (bool, error) {
	rule, ok := r.rules[ch]
	if !ok || rule.unlimited() {
		return true, nil
	}

	tokensKey, tsKey := r.Keys(ch, scopeKey)
	now := float64(r.now().UnixMicro()) / 1e6

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := tokenBucketScript.Run(callCtx, r.client,
		[]string{tokensKey, tsKey},
		rule.Rate, float64(rule.burst()), now, 1,
	).Slice()
	if err != nil {
		r.logger.WithContext(ctx).
			WithChannel(string(ch)).
			WithError(err).
			Warn("redis rate limit failed, using local fallback")
		metrics.RecordRateLimiterFallback()
		return r.fallback.CheckAndConsume(ctx, ch, scopeKey)
	}
	if len(res) < 1 {
		return true, fmt.Errorf("unexpected rate limit reply %v", res)
	}
	return toInt(res[0]) == 1, nil
}

func toInt(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case float64:
		return int64(val)
	default:
		return 0
	}
}
