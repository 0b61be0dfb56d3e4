package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock drives the limiter's injected now func.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg LimiterConfig) (*SlidingWindowLimiter, *fakeClock) {
	l := NewSlidingWindowLimiter(cfg)
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	l.now = clock.Now
	return l, clock
}

func TestSlidingWindowLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("normal budget enforced per key", func(t *testing.T) {
		l, _ := newTestLimiter(LimiterConfig{NormalLimit: 3})

		for i := 0; i < 3; i++ {
			ok, err := l.AcquirePermit(ctx, "binance", MethodFetchTicker, PriorityNormal)
			require.NoError(t, err)
			require.True(t, ok)
		}
		ok, err := l.AcquirePermit(ctx, "binance", MethodFetchTicker, PriorityNormal)
		require.NoError(t, err)
		assert.False(t, ok, "fourth request exceeds the budget")

		// A different method is a separate key with its own budget.
		ok, err = l.AcquirePermit(ctx, "binance", MethodFetchOrderBook, PriorityNormal)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("tier budgets", func(t *testing.T) {
		l, _ := newTestLimiter(LimiterConfig{})

		assert.Equal(t, 100, l.cfg.limitFor("binance", PriorityNormal))
		assert.Equal(t, 50, l.cfg.limitFor("binance", PriorityHigh))
		assert.Equal(t, 200, l.cfg.limitFor("binance", PriorityLow))
	})

	t.Run("per-exchange override derives tiers", func(t *testing.T) {
		l, _ := newTestLimiter(LimiterConfig{
			PerExchange: map[string]int{"okx": 20},
		})

		assert.Equal(t, 20, l.cfg.limitFor("okx", PriorityNormal))
		assert.Equal(t, 10, l.cfg.limitFor("okx", PriorityHigh))
		assert.Equal(t, 40, l.cfg.limitFor("okx", PriorityLow))
		assert.Equal(t, 100, l.cfg.limitFor("binance", PriorityNormal))
	})

	t.Run("window slides", func(t *testing.T) {
		l, clock := newTestLimiter(LimiterConfig{NormalLimit: 2, Window: 60 * time.Second})

		ok, _ := l.AcquirePermit(ctx, "binance", MethodFetchTicker, PriorityNormal)
		require.True(t, ok)
		clock.Advance(30 * time.Second)
		ok, _ = l.AcquirePermit(ctx, "binance", MethodFetchTicker, PriorityNormal)
		require.True(t, ok)
		ok, _ = l.AcquirePermit(ctx, "binance", MethodFetchTicker, PriorityNormal)
		require.False(t, ok)

		// The first timestamp ages out; one slot frees up.
		clock.Advance(31 * time.Second)
		ok, _ = l.AcquirePermit(ctx, "binance", MethodFetchTicker, PriorityNormal)
		assert.True(t, ok)
		ok, _ = l.AcquirePermit(ctx, "binance", MethodFetchTicker, PriorityNormal)
		assert.False(t, ok)
	})
}

func TestHighPriorityPreemption(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLimiter(LimiterConfig{HighLimit: 2, Window: 60 * time.Second})

	ok, _ := l.AcquirePermit(ctx, "binance", MethodFetchTicker, PriorityHigh)
	require.True(t, ok)
	clock.Advance(time.Second)
	ok, _ = l.AcquirePermit(ctx, "binance", MethodFetchTicker, PriorityHigh)
	require.True(t, ok)

	t.Run("normal is denied on a full window", func(t *testing.T) {
		ok, _ := l.AcquirePermit(ctx, "binance", MethodFetchTicker, PriorityNormal)
		assert.False(t, ok)
	})

	t.Run("high evicts the oldest entry instead", func(t *testing.T) {
		clock.Advance(time.Second)
		ok, _ := l.AcquirePermit(ctx, "binance", MethodFetchTicker, PriorityHigh)
		assert.True(t, ok)
		assert.Equal(t, 2, l.QueueLen("binance", MethodFetchTicker),
			"preemption must not grow the queue past the limit")
	})
}

func TestNotifyBackoff(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLimiter(LimiterConfig{NormalLimit: 10})

	l.NotifyBackoff("binance", MethodFetchTicker, 5*time.Second)

	ok, err := l.AcquirePermit(ctx, "binance", MethodFetchTicker, PriorityNormal)
	require.NoError(t, err)
	assert.False(t, ok, "gated until retry-after elapses")

	// Other keys are unaffected.
	ok, _ = l.AcquirePermit(ctx, "binance", MethodFetchOrderBook, PriorityNormal)
	assert.True(t, ok)

	clock.Advance(6 * time.Second)
	ok, _ = l.AcquirePermit(ctx, "binance", MethodFetchTicker, PriorityNormal)
	assert.True(t, ok)
}

func TestRemaining(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults", func(t *testing.T) {
		l, _ := newTestLimiter(LimiterConfig{})
		assert.Equal(t, 100, l.Remaining("binance", MethodFetchTicker),
			"untouched key reports the full default budget")
	})

	l, clock := newTestLimiter(LimiterConfig{NormalLimit: 5, Window: 60 * time.Second})

	_, _ = l.AcquirePermit(ctx, "binance", MethodFetchTicker, PriorityNormal)
	_, _ = l.AcquirePermit(ctx, "binance", MethodFetchTicker, PriorityNormal)
	assert.Equal(t, 3, l.Remaining("binance", MethodFetchTicker))

	clock.Advance(61 * time.Second)
	assert.Equal(t, 5, l.Remaining("binance", MethodFetchTicker),
		"expired timestamps fall out of the window")
}

func TestRedisLimiterFallsBackWhenBackendDown(t *testing.T) {
	ctx := context.Background()
	cfg := LimiterConfig{NormalLimit: 2, Distributed: true}

	// Nothing listens here; every redis call fails and enforcement must
	// degrade to the local window instead of blocking traffic.
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
	})
	defer client.Close()
	l := NewRedisLimiter(client, cfg, nil)

	ok, err := l.AcquirePermit(ctx, "binance", MethodFetchTicker, PriorityNormal)
	require.NoError(t, err, "backend failure is absorbed, not surfaced")
	assert.True(t, ok)

	_, _ = l.AcquirePermit(ctx, "binance", MethodFetchTicker, PriorityNormal)
	ok, _ = l.AcquirePermit(ctx, "binance", MethodFetchTicker, PriorityNormal)
	assert.False(t, ok, "local budget still enforced while degraded")
}
