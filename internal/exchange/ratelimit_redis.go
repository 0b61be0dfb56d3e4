package exchange

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"marketd/internal/logging"
)

// RedisLimiter shares one rate-limit budget between manager instances using
// redis sorted sets: member score is the request's unix time, admission
// prunes entries older than the window and counts what is left. Any backend
// error falls open to the local in-process limiter so callers are never
// hard-failed by the shared store.
type RedisLimiter struct {
	client redis.UniversalClient
	local  *SlidingWindowLimiter
	cfg    LimiterConfig
	logger *logging.Logger
}

// NewRedisLimiter creates a distributed limiter backed by a local fallback.
func NewRedisLimiter(client redis.UniversalClient, cfg LimiterConfig, logger *logging.Logger) *RedisLimiter {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	return &RedisLimiter{
		client: client,
		local:  NewSlidingWindowLimiter(cfg),
		cfg:    cfg,
		logger: logger.WithField("component", "redis_limiter"),
	}
}

func (l *RedisLimiter) key(exchangeID string, method Method) string {
	return fmt.Sprintf("%s:%s:%s", l.cfg.KeyPrefix, exchangeID, method)
}

// AcquirePermit implements Limiter.
func (l *RedisLimiter) AcquirePermit(ctx context.Context, exchangeID string, method Method, prio Priority) (bool, error) {
	// The venue-backoff gate is tracked locally either way.
	if l.local.backoffActive(exchangeID, method) {
		return false, nil
	}

	key := l.key(exchangeID, method)
	limit := l.cfg.limitFor(exchangeID, prio)
	now := time.Now()
	windowStart := now.Add(-l.cfg.Window)

	if err := l.client.ZRemRangeByScore(ctx, key, "0",
		strconv.FormatInt(windowStart.UnixNano(), 10)).Err(); err != nil {
		return l.fallback(ctx, exchangeID, method, prio, err)
	}

	count, err := l.client.ZCard(ctx, key).Result()
	if err != nil {
		return l.fallback(ctx, exchangeID, method, prio, err)
	}

	if int(count) >= limit {
		if prio != PriorityHigh {
			return false, nil
		}
		// Preemption: evict the oldest shared entry, same semantics as the
		// local window.
		if err := l.client.ZPopMin(ctx, key, 1).Err(); err != nil {
			return l.fallback(ctx, exchangeID, method, prio, err)
		}
	}

	if err := l.client.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: strconv.FormatInt(now.UnixNano(), 10),
	}).Err(); err != nil {
		return l.fallback(ctx, exchangeID, method, prio, err)
	}

	if err := l.client.Expire(ctx, key, l.cfg.Window).Err(); err != nil {
		l.logger.WithError(err).Warn("failed to set expiry on rate-limit key")
	}

	return true, nil
}

// fallback logs the backend failure and defers to local enforcement: the
// shared budget degrades to a per-instance budget instead of failing the
// caller.
func (l *RedisLimiter) fallback(ctx context.Context, exchangeID string, method Method, prio Priority, err error) (bool, error) {
	l.logger.WithError(err).WithField("exchange", exchangeID).
		Warnf("redis rate limiter unavailable, using local window for %s", method)
	return l.local.AcquirePermit(ctx, exchangeID, method, prio)
}

// Remaining implements Limiter using the shared window, falling back to the
// local view on backend error.
func (l *RedisLimiter) Remaining(exchangeID string, method Method) int {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := l.key(exchangeID, method)
	windowStart := time.Now().Add(-l.cfg.Window)

	if err := l.client.ZRemRangeByScore(ctx, key, "0",
		strconv.FormatInt(windowStart.UnixNano(), 10)).Err(); err != nil {
		return l.local.Remaining(exchangeID, method)
	}
	count, err := l.client.ZCard(ctx, key).Result()
	if err != nil {
		return l.local.Remaining(exchangeID, method)
	}

	remaining := l.cfg.limitFor(exchangeID, PriorityNormal) - int(count)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// NotifyBackoff implements Limiter. The gate applies locally; every instance
// learns about the venue backoff through its own rejections.
func (l *RedisLimiter) NotifyBackoff(exchangeID string, method Method, retryAfter time.Duration) {
	l.local.NotifyBackoff(exchangeID, method, retryAfter)
}
