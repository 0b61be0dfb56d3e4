package collector

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"marketd/internal/cache"
	"marketd/internal/config"
	"marketd/internal/exchange"
	"marketd/internal/logging"
)

// SourceLatest is the cache namespace for the most recent routed value of a
// symbol, regardless of which venue served it.
const SourceLatest = "latest"

// requester is the slice of the exchange manager the collector needs.
type requester interface {
	ExecuteRequest(ctx context.Context, method exchange.Method, params exchange.Params, opts ...exchange.RequestOption) (interface{}, error)
}

// runMetrics is the slice of the metrics sink the collector reports to.
type runMetrics interface {
	RecordCollectorRun(outcome string)
	RecordCollectorError(exchangeID, symbol string)
}

// Collector polls tickers for the configured symbols on a cron schedule and
// writes them into the hot-value cache. Calls inside one run are paced so a
// long symbol list cannot burst through the venue budget.
type Collector struct {
	cfg     config.CollectorConfig
	manager requester
	cache   cache.Cacher
	limiter *rate.Limiter
	metrics runMetrics
	logger  *logging.Logger
	ttl     time.Duration

	cron    *cron.Cron
	mu      sync.Mutex
	running bool

	lastRun     time.Time
	lastErrors  int
	totalRuns   int64
	totalErrors int64
}

// New creates a collector. The metrics sink may be nil.
func New(cfg config.CollectorConfig, manager requester, cacher cache.Cacher, ttl time.Duration, metrics runMetrics, logger *logging.Logger) *Collector {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Collector{
		cfg:     cfg,
		manager: manager,
		cache:   cacher,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		metrics: metrics,
		logger:  logger.WithField("component", "collector"),
		ttl:     ttl,
		cron:    cron.New(),
	}
}

// Start registers the cron entry and begins scheduling.
func (c *Collector) Start() error {
	if _, err := c.cron.AddFunc(c.cfg.Schedule, func() {
		c.Run(context.Background())
	}); err != nil {
		return err
	}
	c.cron.Start()
	c.logger.WithField("schedule", c.cfg.Schedule).Info("collector started")
	return nil
}

// Stop halts scheduling and waits for a running collection to finish.
func (c *Collector) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
	c.logger.Info("collector stopped")
}

// Run performs one collection pass. Overlapping runs are skipped rather than
// queued: if a pass is still in flight when the schedule fires again, the
// venue is already saturated.
func (c *Collector) Run(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		c.logger.Warn("previous collection still running, skipping")
		return
	}
	c.running = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	start := time.Now()
	errors := 0

	for _, symbol := range c.cfg.Symbols {
		if err := c.limiter.Wait(ctx); err != nil {
			c.logger.WithError(err).Warn("collection pass aborted")
			break
		}
		if err := c.collectTicker(ctx, symbol); err != nil {
			errors++
		}
	}

	c.mu.Lock()
	c.lastRun = start
	c.lastErrors = errors
	c.totalRuns++
	c.totalErrors += int64(errors)
	c.mu.Unlock()

	outcome := "success"
	if errors > 0 {
		outcome = "partial"
	}
	if c.metrics != nil {
		c.metrics.RecordCollectorRun(outcome)
	}
	c.logger.WithFields(map[string]interface{}{
		"symbols":     len(c.cfg.Symbols),
		"errors":      errors,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("collection pass finished")
}

func (c *Collector) collectTicker(ctx context.Context, symbol string) error {
	result, err := c.manager.ExecuteRequest(ctx, exchange.MethodFetchTicker,
		exchange.Params{Symbol: symbol}, exchange.WithPriority(exchange.PriorityLow))
	if err != nil {
		c.logger.WithError(err).WithField("symbol", symbol).Warn("ticker collection failed")
		if c.metrics != nil {
			c.metrics.RecordCollectorError(SourceLatest, symbol)
		}
		return err
	}

	ticker, ok := result.(*exchange.Ticker)
	if !ok || ticker == nil {
		return nil
	}

	// The manager picked the venue, so the cache entry is venue-agnostic:
	// readers ask for the latest routed value per symbol.
	if err := c.cache.SetTicker(ctx, SourceLatest, symbol, ticker, c.ttl); err != nil {
		c.logger.WithError(err).WithField("symbol", symbol).Warn("failed to cache ticker")
		return err
	}
	return nil
}

// Stats reports collection counters for the status endpoint.
type Stats struct {
	LastRun     time.Time `json:"last_run"`
	LastErrors  int       `json:"last_errors"`
	TotalRuns   int64     `json:"total_runs"`
	TotalErrors int64     `json:"total_errors"`
	Running     bool      `json:"running"`
}

// Stats returns a snapshot of the collector's counters.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		LastRun:     c.lastRun,
		LastErrors:  c.lastErrors,
		TotalRuns:   c.totalRuns,
		TotalErrors: c.totalErrors,
		Running:     c.running,
	}
}
