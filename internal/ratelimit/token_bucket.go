// Package ratelimit throttles payroll run submissions per tenant.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"payroll-batch-processor/internal/logging"
	"payroll-batch-processor/internal/telemetry"
)

// TokenBucket implements a distributed token bucket rate limiter using Redis.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
	}
}

// Take consumes a single token for key if available.
// Returns the allowed flag and the remaining whole tokens.
func (b *TokenBucket) Take(ctx context.Context, key string, now time.Time) (bool, int64, error) {
	res, err := bucketScript.Run(ctx, b.client, []string{key}, b.capacity, b.refill, now.UnixMilli(), b.ttl.Milliseconds()).Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) < 2 {
		return false, 0, fmt.Errorf("token bucket: unexpected reply %v", res)
	}
	allowed, _ := res[0].(int64)
	tokens, _ := res[1].(int64)
	return allowed == 1, tokens, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, math.floor(tokens)}
`)

// Availability is the broker usability signal.
type Availability interface {
	Usable() bool
}

// TenantLimiter applies one bucket per tenant. It fails open: while the broker
// is unusable or the script errors, submissions are allowed through.
type TenantLimiter struct {
	bucket *TokenBucket
	avail  Availability
	prefix string
	log    *zap.Logger
	now    func() time.Time
}

// NewTenantLimiter builds a limiter keyed under prefix.
func NewTenantLimiter(bucket *TokenBucket, avail Availability, prefix string, log *zap.Logger) *TenantLimiter {
	if prefix == "" {
		prefix = "payroll"
	}
	return &TenantLimiter{bucket: bucket, avail: avail, prefix: prefix, log: logging.OrNop(log), now: time.Now}
}

// Allow reports whether tenant may submit another run.
func (l *TenantLimiter) Allow(ctx context.Context, tenant string) bool {
	if l == nil || l.bucket == nil || (l.avail != nil && !l.avail.Usable()) {
		return true
	}
	ok, remaining, err := l.bucket.Take(ctx, l.prefix+":ratelimit:"+tenant, l.now())
	if err != nil {
		l.log.Warn("rate limit check failed, allowing submission", zap.String("tenant_id", tenant), zap.Error(err))
		return true
	}
	if !ok {
		telemetry.RateLimitRejects.Inc()
		l.log.Info("payroll submission rate limited", zap.String("tenant_id", tenant), zap.Int64("remaining", remaining))
	}
	return ok
}
