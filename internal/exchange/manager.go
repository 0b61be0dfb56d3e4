package exchange

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "marketd/internal/errors"
	"marketd/internal/logging"
)

// Options configures one exchange account.
type Options struct {
	Enabled            bool              `yaml:"enabled"`
	APIKey             string            `yaml:"api_key"`
	APISecret          string            `yaml:"api_secret"`
	Passphrase         string            `yaml:"passphrase"`
	Sandbox            bool              `yaml:"sandbox"`
	RateLimit          int               `yaml:"rate_limit"`
	Timeout            time.Duration     `yaml:"timeout"`
	EnableRateLimiting bool              `yaml:"enable_rate_limiting"`
	Weight             int               `yaml:"weight"`
	Region             string            `yaml:"region"`
	Options            map[string]string `yaml:"options"`
}

// ManagerConfig holds the manager-level tunables.
type ManagerConfig struct {
	Strategy            Strategy      `yaml:"strategy"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	MetricsInterval     time.Duration `yaml:"metrics_interval"`
	Pool                PoolConfig    `yaml:"pool"`
	RateLimit           LimiterConfig `yaml:"rate_limit"`
	Health              HealthConfig  `yaml:"health"`
}

// DefaultManagerConfig returns the documented defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Strategy:            StrategyWeightedRoundRobin,
		HealthCheckInterval: 30 * time.Second,
		MetricsInterval:     60 * time.Second,
		Pool:                DefaultPoolConfig(),
		RateLimit:           DefaultLimiterConfig(),
		Health:              DefaultHealthConfig(),
	}
}

func (c *ManagerConfig) applyDefaults() {
	d := DefaultManagerConfig()
	if c.Strategy == "" {
		c.Strategy = d.Strategy
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.MetricsInterval == 0 {
		c.MetricsInterval = d.MetricsInterval
	}
	c.Pool.applyDefaults()
	c.RateLimit.applyDefaults()
	c.Health.applyDefaults()
}

// MetricsSink receives the periodic per-exchange gauge snapshot and the
// per-request outcome counters. The monitoring package provides the
// Prometheus implementation.
type MetricsSink interface {
	RecordExchangeMetrics(exchangeID string, status Status, latencyMS, successRate, healthScore float64, activeConnections int)
	RecordRequest(exchangeID string, method Method, outcome string)
}

// ManagerOption customizes manager construction.
type ManagerOption func(*Manager)

// WithLimiter overrides the default local sliding-window limiter, e.g. with
// the Redis-backed one for multi-instance deployments.
func WithLimiter(l Limiter) ManagerOption {
	return func(m *Manager) { m.limiter = l }
}

// WithMetrics installs a sink for the metrics loop.
func WithMetrics(sink MetricsSink) ManagerOption {
	return func(m *Manager) { m.metrics = sink }
}

// WithLogger installs the manager logger.
func WithLogger(logger *logging.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithRand seeds the weighted draw. Tests use this for determinism.
func WithRand(rng *rand.Rand) ManagerOption {
	return func(m *Manager) { m.selector = newSelector(rng) }
}

// RequestOption customizes one ExecuteRequest call.
type RequestOption func(*requestOptions)

type requestOptions struct {
	exchangeID string
	priority   Priority
}

// WithExchange pins the request to a specific exchange instead of letting
// the strategy choose.
func WithExchange(exchangeID string) RequestOption {
	return func(o *requestOptions) { o.exchangeID = exchangeID }
}

// WithPriority sets the rate-limit tier for the request.
func WithPriority(prio Priority) RequestOption {
	return func(o *requestOptions) { o.priority = prio }
}

// Manager owns one base connection per configured exchange plus a bounded
// overflow pool, routes requests by the configured strategy, enforces rate
// limits, and runs the background health and metrics loops.
type Manager struct {
	mu          sync.RWMutex
	cfg         ManagerConfig
	exchanges   map[string]*Options
	connections map[string]*Connection
	order       []string
	factory     ClientFactory
	pool        *Pool
	limiter     Limiter
	selector    *selector
	metrics     MetricsSink
	logger      *logging.Logger

	done        chan struct{}
	wg          sync.WaitGroup
	initialized bool
	closed      bool
}

// NewManager builds a manager from per-exchange options. Connections are not
// dialed until Initialize.
func NewManager(cfg ManagerConfig, exchanges map[string]*Options, factory ClientFactory, opts ...ManagerOption) *Manager {
	cfg.applyDefaults()

	m := &Manager{
		cfg:         cfg,
		exchanges:   exchanges,
		connections: make(map[string]*Connection),
		factory:     factory,
		selector:    newSelector(nil),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.NewNop()
	}
	m.logger = m.logger.WithField("component", "exchange_manager")
	if m.limiter == nil {
		m.limiter = NewSlidingWindowLimiter(cfg.RateLimit)
	}

	m.pool = NewPool(cfg.Pool, m.newPooledConnection, m.logger)
	return m
}

// Initialize dials every enabled exchange, seeds the pool with the base
// connections and starts the background loops. Configuration errors abort;
// transient dial failures leave the exchange registered as Offline so the
// health loop can recover it. Idempotent.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initialized {
		return nil
	}
	if m.closed {
		return apperrors.NewAppError(apperrors.ErrCodeInternal, "manager is closed", nil)
	}

	ids := make([]string, 0, len(m.exchanges))
	for id := range m.exchanges {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		opts := m.exchanges[id]
		if !opts.Enabled {
			m.logger.WithField("exchange", id).Info("exchange disabled, skipping")
			continue
		}
		if err := validateOptions(id, opts); err != nil {
			return err
		}

		conn, err := m.dial(ctx, id, opts)
		if err != nil {
			if IsConfigError(err) {
				return err
			}
			m.logger.WithFields(map[string]interface{}{
				"exchange": id,
				"error":    err.Error(),
			}).Warn("initial connect failed, registering offline")
			conn = NewConnection(id, nil, connectionWeight(opts), opts.Region, m.cfg.Health)
			conn.SetStatus(StatusOffline)
		}

		m.connections[id] = conn
		m.order = append(m.order, id)
		m.pool.Seed(conn)
	}

	if len(m.order) == 0 {
		return apperrors.NewAppError(apperrors.ErrCodeConfigInvalid, "no exchanges enabled", nil)
	}

	m.wg.Add(2)
	go m.healthLoop()
	go m.metricsLoop()

	m.initialized = true
	m.logger.WithField("exchanges", len(m.order)).Info("exchange manager initialized")
	return nil
}

func validateOptions(id string, opts *Options) error {
	if opts.RateLimit < 0 {
		return NewConfigError(id, "rate_limit must not be negative")
	}
	if opts.Weight < 0 {
		return NewConfigError(id, "weight must not be negative")
	}
	if opts.Timeout < 0 {
		return NewConfigError(id, "timeout must not be negative")
	}
	return nil
}

func connectionWeight(opts *Options) int {
	if opts.Weight > 0 {
		return opts.Weight
	}
	if opts.RateLimit > 0 {
		return opts.RateLimit
	}
	return 1
}

// dial builds the client and wraps it in a connection with an initial probe.
func (m *Manager) dial(ctx context.Context, id string, opts *Options) (*Connection, error) {
	client, err := m.factory(id, opts)
	if err != nil {
		return nil, err
	}

	conn := NewConnection(id, client, connectionWeight(opts), opts.Region, m.cfg.Health)

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout(opts))
	defer cancel()
	start := time.Now()
	if err := client.Ping(probeCtx); err != nil {
		client.Close()
		return nil, NewConnectionError(id, MethodPing, err)
	}
	conn.UpdateSuccess(float64(time.Since(start).Milliseconds()))
	conn.SetStatus(StatusHealthy)
	conn.TouchPing()
	return conn, nil
}

func probeTimeout(opts *Options) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return 10 * time.Second
}

// newPooledConnection is the pool factory for overflow members beyond the
// seeded base connection.
func (m *Manager) newPooledConnection(exchangeID string) (*Connection, error) {
	m.mu.RLock()
	opts, ok := m.exchanges[exchangeID]
	m.mu.RUnlock()
	if !ok {
		return nil, NewUnavailableError(exchangeID)
	}

	client, err := m.factory(exchangeID, opts)
	if err != nil {
		return nil, NewConnectionError(exchangeID, MethodPing, err)
	}
	conn := NewConnection(exchangeID, client, connectionWeight(opts), opts.Region, m.cfg.Health)
	conn.SetStatus(StatusHealthy)
	return conn, nil
}

// healthyCandidates returns the selectable connections in registration
// order. Degraded connections are kept only when nothing healthier exists,
// so a venue limping along never shadows a fully healthy one.
func (m *Manager) healthyCandidates() []candidate {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []candidate
	for _, id := range m.order {
		conn := m.connections[id]
		if conn.Status() == StatusMaintenance || !conn.IsHealthy() {
			continue
		}
		all = append(all, candidate{conn: conn, active: m.pool.ActiveCount(id)})
	}

	var preferred []candidate
	for _, c := range all {
		if c.conn.Status() != StatusDegraded {
			preferred = append(preferred, c)
		}
	}
	if len(preferred) > 0 {
		return preferred
	}
	return all
}

// ExecuteRequest routes one API call: pick an exchange, check a connection
// out of the pool, acquire a rate-limit permit, dispatch, and record the
// outcome on the connection. The connection always returns to the pool.
func (m *Manager) ExecuteRequest(ctx context.Context, method Method, params Params, opts ...RequestOption) (interface{}, error) {
	ro := requestOptions{priority: PriorityNormal}
	for _, opt := range opts {
		opt(&ro)
	}

	requestID := uuid.New().String()
	log := m.logger.WithFields(map[string]interface{}{
		"request_id": requestID,
		"method":     string(method),
	})

	baseConn, err := m.selectConnection(ro)
	if err != nil {
		return nil, err
	}
	exchangeID := baseConn.ExchangeID()
	log = log.WithField("exchange", exchangeID)

	conn, err := m.pool.Get(exchangeID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		log.Warn("connection pool exhausted")
		return nil, NewUnavailableError(exchangeID).WithRequestID(requestID)
	}
	defer m.pool.Put(conn)

	// A connection registered after a failed dial has no client until the
	// health loop redials it.
	if conn.Client() == nil {
		log.Warn("connection has no client yet")
		return nil, NewUnavailableError(exchangeID).WithRequestID(requestID)
	}

	if m.rateLimitingEnabled(exchangeID) {
		ok, err := m.limiter.AcquirePermit(ctx, exchangeID, method, ro.priority)
		if err != nil {
			log.WithError(err).Warn("rate limiter backend error")
		}
		if !ok {
			m.countRequest(exchangeID, method, "rate_limited")
			return nil, NewRateLimitError(exchangeID, method, 0, nil).WithRequestID(requestID)
		}
	}

	start := time.Now()
	result, err := Invoke(ctx, conn.Client(), method, params)
	latencyMS := float64(time.Since(start).Milliseconds())

	if err != nil {
		m.countRequest(exchangeID, method, "error")
		return nil, m.recordFailure(conn, method, err, requestID, log)
	}

	conn.UpdateSuccess(latencyMS)
	m.countRequest(exchangeID, method, "success")
	return result, nil
}

func (m *Manager) countRequest(exchangeID string, method Method, outcome string) {
	if m.metrics != nil {
		m.metrics.RecordRequest(exchangeID, method, outcome)
	}
}

// recordFailure updates the connection's health accounting and translates
// the client error into the manager's error taxonomy. No retries happen
// here; callers own retry policy.
func (m *Manager) recordFailure(conn *Connection, method Method, err error, requestID string, log *logging.Logger) error {
	exchangeID := conn.ExchangeID()

	var rateErr *RateLimitedError
	if errors.As(err, &rateErr) {
		m.limiter.NotifyBackoff(exchangeID, method, rateErr.RetryAfter)
		log.WithField("retry_after", rateErr.RetryAfter.String()).Warn("venue rate limit hit")
		return NewRateLimitError(exchangeID, method, rateErr.RetryAfter, err).WithRequestID(requestID)
	}

	conn.UpdateError(err.Error())
	if conn.ConsecutiveErrors() > m.cfg.Health.DemoteAfterErrors && conn.Status() == StatusHealthy {
		conn.SetStatus(StatusDegraded)
		log.WithField("consecutive_errors", conn.ConsecutiveErrors()).
			Warn("demoting connection to degraded")
	}

	log.WithError(err).Error("request failed")
	return NewConnectionError(exchangeID, method, err).WithRequestID(requestID)
}

// selectConnection resolves either the pinned exchange or the strategy pick.
func (m *Manager) selectConnection(ro requestOptions) (*Connection, error) {
	if ro.exchangeID != "" {
		m.mu.RLock()
		conn, ok := m.connections[ro.exchangeID]
		m.mu.RUnlock()
		if !ok || conn.Status() == StatusMaintenance || !conn.IsHealthy() {
			return nil, NewUnavailableError(ro.exchangeID)
		}
		return conn, nil
	}

	candidates := m.healthyCandidates()
	conn := m.selector.pick(m.strategy(), candidates)
	if conn == nil {
		return nil, NewUnavailableError("any")
	}
	return conn, nil
}

func (m *Manager) rateLimitingEnabled(exchangeID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	opts, ok := m.exchanges[exchangeID]
	return ok && opts.EnableRateLimiting
}

func (m *Manager) strategy() Strategy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Strategy
}

// SetStrategy switches the selection strategy at runtime.
func (m *Manager) SetStrategy(s Strategy) error {
	if !ValidStrategy(s) {
		return apperrors.NewAppErrorWithDetails(
			apperrors.ErrCodeInvalidInput, "unknown strategy", string(s), nil)
	}
	m.mu.Lock()
	m.cfg.Strategy = s
	m.mu.Unlock()
	m.logger.WithField("strategy", string(s)).Info("selection strategy changed")
	return nil
}

// GetExchangeStatus returns the snapshot of every registered exchange.
func (m *Manager) GetExchangeStatus() map[string]ConnectionSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]ConnectionSnapshot, len(m.connections))
	for id, conn := range m.connections {
		snap := conn.Snapshot()
		snap.ActiveConnections = m.pool.ActiveCount(id)
		snap.IdleConnections = m.pool.IdleCount(id)
		out[id] = snap
	}
	return out
}

// EnableExchange moves an exchange out of maintenance; the health loop
// promotes it once a probe succeeds.
func (m *Manager) EnableExchange(exchangeID string) error {
	m.mu.RLock()
	conn, ok := m.connections[exchangeID]
	m.mu.RUnlock()
	if !ok {
		return NewUnavailableError(exchangeID)
	}
	conn.SetStatus(StatusInitializing)
	m.logger.WithField("exchange", exchangeID).Info("exchange enabled")
	return nil
}

// DisableExchange parks an exchange in maintenance so selection and health
// probing skip it.
func (m *Manager) DisableExchange(exchangeID string) error {
	m.mu.RLock()
	conn, ok := m.connections[exchangeID]
	m.mu.RUnlock()
	if !ok {
		return NewUnavailableError(exchangeID)
	}
	conn.SetStatus(StatusMaintenance)
	m.logger.WithField("exchange", exchangeID).Info("exchange disabled")
	return nil
}

func (m *Manager) healthLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.checkAll()
		}
	}
}

func (m *Manager) checkAll() {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.order))
	for _, id := range m.order {
		conns = append(conns, m.connections[id])
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		m.checkConnection(conn)
	}
}

// checkConnection probes one connection and applies the latency thresholds.
func (m *Manager) checkConnection(conn *Connection) {
	if conn.Status() == StatusMaintenance {
		return
	}
	client := conn.Client()
	if client == nil {
		m.redial(conn)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HealthCheckInterval)
	defer cancel()

	start := time.Now()
	err := client.Ping(ctx)
	latencyMS := float64(time.Since(start).Milliseconds())

	log := m.logger.WithFields(map[string]interface{}{
		"exchange":   conn.ExchangeID(),
		"latency_ms": latencyMS,
	})

	switch {
	case err != nil:
		conn.UpdateError(err.Error())
		conn.SetStatus(StatusOffline)
		log.WithError(err).Warn("health probe failed, marking offline")
	case latencyMS > m.cfg.Health.OfflineLatencyMS:
		conn.UpdateSuccess(latencyMS)
		conn.SetStatus(StatusOffline)
		log.Warn("probe latency above offline threshold")
	case latencyMS > m.cfg.Health.DegradedLatencyMS:
		conn.UpdateSuccess(latencyMS)
		conn.SetStatus(StatusDegraded)
		log.Warn("probe latency above degraded threshold")
	default:
		conn.UpdateSuccess(latencyMS)
		conn.SetStatus(StatusHealthy)
	}
	conn.TouchPing()
}

// redial rebuilds the client for a connection registered without one, e.g.
// after a failed initial connect.
func (m *Manager) redial(conn *Connection) {
	m.mu.RLock()
	opts, ok := m.exchanges[conn.ExchangeID()]
	m.mu.RUnlock()
	if !ok {
		return
	}

	client, err := m.factory(conn.ExchangeID(), opts)
	if err != nil {
		m.logger.WithFields(map[string]interface{}{
			"exchange": conn.ExchangeID(),
			"error":    err.Error(),
		}).Warn("redial failed")
		return
	}
	conn.SetClient(client)
	conn.SetStatus(StatusInitializing)
	m.logger.WithField("exchange", conn.ExchangeID()).Info("client rebuilt, awaiting probe")
}

func (m *Manager) metricsLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.publishMetrics()
		}
	}
}

func (m *Manager) publishMetrics() {
	snapshots := m.GetExchangeStatus()
	for id, snap := range snapshots {
		m.logger.WithFields(map[string]interface{}{
			"exchange":     id,
			"status":       string(snap.Status),
			"latency_ms":   snap.LatencyMS,
			"success_rate": snap.SuccessRate,
			"health_score": snap.HealthScore,
			"active":       snap.ActiveConnections,
		}).Debug("exchange metrics")

		if m.metrics != nil {
			m.metrics.RecordExchangeMetrics(id, snap.Status, snap.LatencyMS,
				snap.SuccessRate, snap.HealthScore, snap.ActiveConnections)
		}
	}
}

// Reload applies a new per-exchange option set: new exchanges are dialed,
// removed ones are parked in maintenance, and surviving ones keep their
// connection state.
func (m *Manager) Reload(ctx context.Context, exchanges map[string]*Options) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, opts := range exchanges {
		if _, exists := m.connections[id]; exists {
			m.exchanges[id] = opts
			continue
		}
		if !opts.Enabled {
			continue
		}
		if err := validateOptions(id, opts); err != nil {
			return err
		}
		m.exchanges[id] = opts

		conn, err := m.dial(ctx, id, opts)
		if err != nil {
			if IsConfigError(err) {
				return err
			}
			conn = NewConnection(id, nil, connectionWeight(opts), opts.Region, m.cfg.Health)
			conn.SetStatus(StatusOffline)
		}
		m.connections[id] = conn
		m.order = append(m.order, id)
		m.pool.Seed(conn)
	}

	for id, conn := range m.connections {
		if _, keep := exchanges[id]; !keep {
			conn.SetStatus(StatusMaintenance)
			m.logger.WithField("exchange", id).Info("exchange removed from config, parked")
		}
	}
	return nil
}

// Close stops the loops and the pool. Idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	started := m.initialized
	m.mu.Unlock()

	if started {
		close(m.done)
		m.wg.Wait()
	}
	m.pool.Close()

	// The pool only drains its idle set; connections that were checked out,
	// or whose client was replaced by a redial, are closed here. Connection
	// close is idempotent, so overlap with the pool drain is harmless.
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, conn := range m.connections {
		conns = append(conns, conn)
	}
	m.mu.Unlock()
	for _, conn := range conns {
		if err := conn.Close(); err != nil {
			m.logger.WithFields(map[string]interface{}{
				"exchange": conn.ExchangeID(),
				"error":    err.Error(),
			}).Warn("error closing connection")
		}
	}

	m.logger.Info("exchange manager closed")
	return nil
}
