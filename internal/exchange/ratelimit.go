package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Priority selects which rate-limit budget a request draws from.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// LimiterConfig configures the sliding-window rate limiter.
type LimiterConfig struct {
	// Window is the sliding-window length.
	Window time.Duration `yaml:"window"`
	// NormalLimit is the per-window budget for Normal priority keys.
	NormalLimit int `yaml:"normal_limit"`
	// HighLimit is the tighter budget created for High priority keys.
	// High-priority requests may additionally preempt a full window.
	HighLimit int `yaml:"high_limit"`
	// LowLimit is the relaxed budget for Low priority keys.
	LowLimit int `yaml:"low_limit"`
	// PerExchange overrides the Normal budget per exchange id; the High and
	// Low tiers derive from it (1/2x and 2x).
	PerExchange map[string]int `yaml:"per_exchange"`
	// Distributed enables the redis-backed shared window when a client is
	// available.
	Distributed bool `yaml:"distributed"`
	// KeyPrefix namespaces distributed keys.
	KeyPrefix string `yaml:"key_prefix"`
}

// DefaultLimiterConfig returns the documented defaults.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		Window:      60 * time.Second,
		NormalLimit: 100,
		HighLimit:   50,
		LowLimit:    200,
		KeyPrefix:   "marketd:ratelimit",
	}
}

func (c *LimiterConfig) applyDefaults() {
	d := DefaultLimiterConfig()
	if c.Window == 0 {
		c.Window = d.Window
	}
	if c.NormalLimit == 0 {
		c.NormalLimit = d.NormalLimit
	}
	if c.HighLimit == 0 {
		c.HighLimit = d.HighLimit
	}
	if c.LowLimit == 0 {
		c.LowLimit = d.LowLimit
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = d.KeyPrefix
	}
}

func (c *LimiterConfig) limitFor(exchangeID string, prio Priority) int {
	normal := c.NormalLimit
	if override, ok := c.PerExchange[exchangeID]; ok && override > 0 {
		normal = override
	}
	switch prio {
	case PriorityHigh:
		if c.PerExchange[exchangeID] > 0 {
			return (normal + 1) / 2
		}
		return c.HighLimit
	case PriorityLow:
		if c.PerExchange[exchangeID] > 0 {
			return normal * 2
		}
		return c.LowLimit
	default:
		return normal
	}
}

// Limiter grants or denies request permits per (exchange, method) key.
// Denial is immediate; callers decide whether to retry.
type Limiter interface {
	// AcquirePermit admits one request if the key's window has room.
	// High-priority requests preempt a full window by evicting its oldest
	// entry. The error return is reserved for backend failures; local
	// enforcement never fails.
	AcquirePermit(ctx context.Context, exchangeID string, method Method, prio Priority) (bool, error)

	// Remaining returns the permits left in the key's current window.
	Remaining(exchangeID string, method Method) int

	// NotifyBackoff gates a key until retryAfter elapses, in response to a
	// rate-limit rejection reported by the venue itself.
	NotifyBackoff(exchangeID string, method Method, retryAfter time.Duration)
}

type slidingWindow struct {
	limit      int
	requests   []time.Time
	retryAfter time.Time
}

// SlidingWindowLimiter is the in-process limiter. One window is kept per
// exchange:method key, created lazily with the budget of the first request's
// priority tier.
type SlidingWindowLimiter struct {
	mu      sync.Mutex
	cfg     LimiterConfig
	windows map[string]*slidingWindow

	// now is replaceable for tests.
	now func() time.Time
}

// NewSlidingWindowLimiter creates a local limiter.
func NewSlidingWindowLimiter(cfg LimiterConfig) *SlidingWindowLimiter {
	cfg.applyDefaults()
	return &SlidingWindowLimiter{
		cfg:     cfg,
		windows: make(map[string]*slidingWindow),
		now:     time.Now,
	}
}

func limiterKey(exchangeID string, method Method) string {
	return fmt.Sprintf("%s:%s", exchangeID, method)
}

func (l *SlidingWindowLimiter) window(exchangeID string, method Method, prio Priority) *slidingWindow {
	key := limiterKey(exchangeID, method)
	w, ok := l.windows[key]
	if !ok {
		w = &slidingWindow{limit: l.cfg.limitFor(exchangeID, prio)}
		l.windows[key] = w
	}
	return w
}

// prune drops timestamps older than the window. Callers hold the mutex.
func (l *SlidingWindowLimiter) prune(w *slidingWindow, now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	idx := 0
	for idx < len(w.requests) && !w.requests[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		w.requests = append(w.requests[:0], w.requests[idx:]...)
	}
}

// AcquirePermit implements Limiter.
func (l *SlidingWindowLimiter) AcquirePermit(_ context.Context, exchangeID string, method Method, prio Priority) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w := l.window(exchangeID, method, prio)
	l.prune(w, now)

	if now.Before(w.retryAfter) {
		return false, nil
	}

	if len(w.requests) < w.limit {
		w.requests = append(w.requests, now)
		return true, nil
	}

	// High priority preempts: the oldest queued timestamp is evicted so the
	// queue never exceeds the limit.
	if prio == PriorityHigh && len(w.requests) > 0 {
		w.requests = append(w.requests[1:], now)
		return true, nil
	}

	return false, nil
}

// Remaining implements Limiter. A key with no window yet reports the full
// Normal budget.
func (l *SlidingWindowLimiter) Remaining(exchangeID string, method Method) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[limiterKey(exchangeID, method)]
	if !ok {
		return l.cfg.limitFor(exchangeID, PriorityNormal)
	}
	l.prune(w, l.now())

	remaining := w.limit - len(w.requests)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// NotifyBackoff implements Limiter.
func (l *SlidingWindowLimiter) NotifyBackoff(exchangeID string, method Method, retryAfter time.Duration) {
	if retryAfter <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.window(exchangeID, method, PriorityNormal)
	until := l.now().Add(retryAfter)
	if until.After(w.retryAfter) {
		w.retryAfter = until
	}
}

// backoffActive reports whether a venue-backoff gate is in effect for the
// key, without charging the window.
func (l *SlidingWindowLimiter) backoffActive(exchangeID string, method Method) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[limiterKey(exchangeID, method)]
	if !ok {
		return false
	}
	return l.now().Before(w.retryAfter)
}

// QueueLen reports the window length for a key. Used by tests and the status
// endpoint.
func (l *SlidingWindowLimiter) QueueLen(exchangeID string, method Method) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[limiterKey(exchangeID, method)]
	if !ok {
		return 0
	}
	l.prune(w, l.now())
	return len(w.requests)
}
