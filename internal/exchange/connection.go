package exchange

import (
	"sync"
	"time"
)

// Status is the lifecycle state of a connection.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusHealthy      Status = "healthy"
	StatusDegraded     Status = "degraded"
	StatusOffline      Status = "offline"
	StatusMaintenance  Status = "maintenance"
)

// HealthConfig holds the tunables that drive connection health accounting.
// Tests and the documented defaults assume these values.
type HealthConfig struct {
	// SuccessNudge is added to the health score on success, capped at 1.0.
	SuccessNudge float64 `yaml:"success_nudge"`
	// ErrorPenalty is subtracted on error, floored at 0.0.
	ErrorPenalty float64 `yaml:"error_penalty"`
	// LatencyAlpha is the EMA weight of the newest latency sample.
	LatencyAlpha float64 `yaml:"latency_alpha"`
	// MaxConsecutiveErrors above this count marks the connection unhealthy.
	MaxConsecutiveErrors int `yaml:"max_consecutive_errors"`
	// MinHealthScore below this marks the connection unhealthy.
	MinHealthScore float64 `yaml:"min_health_score"`
	// DemoteAfterErrors consecutive request errors demote to Degraded.
	DemoteAfterErrors int `yaml:"demote_after_errors"`
	// DegradedLatencyMS and OfflineLatencyMS are the probe thresholds used
	// by the health-check loop.
	DegradedLatencyMS float64 `yaml:"degraded_latency_ms"`
	OfflineLatencyMS  float64 `yaml:"offline_latency_ms"`
}

// DefaultHealthConfig returns the documented defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		SuccessNudge:         0.01,
		ErrorPenalty:         0.1,
		LatencyAlpha:         0.2,
		MaxConsecutiveErrors: 5,
		MinHealthScore:       0.3,
		DemoteAfterErrors:    3,
		DegradedLatencyMS:    5000,
		OfflineLatencyMS:     10000,
	}
}

func (c *HealthConfig) applyDefaults() {
	d := DefaultHealthConfig()
	if c.SuccessNudge == 0 {
		c.SuccessNudge = d.SuccessNudge
	}
	if c.ErrorPenalty == 0 {
		c.ErrorPenalty = d.ErrorPenalty
	}
	if c.LatencyAlpha == 0 {
		c.LatencyAlpha = d.LatencyAlpha
	}
	if c.MaxConsecutiveErrors == 0 {
		c.MaxConsecutiveErrors = d.MaxConsecutiveErrors
	}
	if c.MinHealthScore == 0 {
		c.MinHealthScore = d.MinHealthScore
	}
	if c.DemoteAfterErrors == 0 {
		c.DemoteAfterErrors = d.DemoteAfterErrors
	}
	if c.DegradedLatencyMS == 0 {
		c.DegradedLatencyMS = d.DegradedLatencyMS
	}
	if c.OfflineLatencyMS == 0 {
		c.OfflineLatencyMS = d.OfflineLatencyMS
	}
}

// Connection is one logical session to an exchange. It wraps the underlying
// client and tracks latency, success statistics and a derived health score.
// A connection is checked out to at most one caller at a time through the
// pool, so counter updates never race between callers; the mutex protects
// them against the background health and metrics loops.
type Connection struct {
	mu sync.Mutex

	exchangeID   string
	client       Client
	status       Status
	region       string
	capabilities []Capability
	weight       int

	latencyMS         float64
	successCount      int64
	errorCount        int64
	totalRequests     int64
	consecutiveErrors int
	healthScore       float64

	lastPing      time.Time
	lastError     string
	lastErrorTime time.Time
	createdAt     time.Time

	health HealthConfig
}

// ConnectionSnapshot is an immutable view of a connection's state.
type ConnectionSnapshot struct {
	ExchangeID        string       `json:"exchange_id"`
	Status            Status       `json:"status"`
	LatencyMS         float64      `json:"latency_ms"`
	SuccessCount      int64        `json:"success_count"`
	ErrorCount        int64        `json:"error_count"`
	TotalRequests     int64        `json:"total_requests"`
	ConsecutiveErrors int          `json:"consecutive_errors"`
	SuccessRate       float64      `json:"success_rate"`
	HealthScore       float64      `json:"health_score"`
	Weight            int          `json:"weight"`
	Region            string       `json:"region,omitempty"`
	Capabilities      []Capability `json:"capabilities,omitempty"`
	LastPing          time.Time    `json:"last_ping"`
	LastError         string       `json:"last_error,omitempty"`
	LastErrorTime     time.Time    `json:"last_error_time,omitempty"`
	IsHealthy         bool         `json:"is_healthy"`
	ActiveConnections int          `json:"active_connections"`
	IdleConnections   int          `json:"idle_connections"`
}

// NewConnection creates a connection in the Initializing state with a full
// health score.
func NewConnection(exchangeID string, client Client, weight int, region string, health HealthConfig) *Connection {
	health.applyDefaults()
	if weight <= 0 {
		weight = 1
	}
	conn := &Connection{
		exchangeID:  exchangeID,
		client:      client,
		status:      StatusInitializing,
		region:      region,
		weight:      weight,
		healthScore: 1.0,
		lastPing:    time.Now(),
		createdAt:   time.Now(),
		health:      health,
	}
	if reporter, ok := client.(CapabilityReporter); ok {
		conn.capabilities = reporter.Capabilities()
	}
	return conn
}

// ExchangeID returns the stable key of the exchange this connection targets.
func (c *Connection) ExchangeID() string { return c.exchangeID }

// Client returns the underlying trading-API client. May be nil when the
// client could not be constructed yet.
func (c *Connection) Client() Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client
}

// SetClient attaches a client built after a failed initial construction.
func (c *Connection) SetClient(client Client) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.client = client
}

// Status returns the current lifecycle state.
func (c *Connection) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetStatus transitions the connection to a new state.
func (c *Connection) SetStatus(status Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = status
}

// Weight returns the load-balancing weight.
func (c *Connection) Weight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.weight
}

// Latency returns the EMA round-trip latency in milliseconds.
func (c *Connection) Latency() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latencyMS
}

// LastPing returns the time of the last successful probe or check-in.
func (c *Connection) LastPing() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPing
}

// TouchPing records liveness, used by probes and pool check-in.
func (c *Connection) TouchPing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPing = time.Now()
}

// ConsecutiveErrors returns the current error streak length.
func (c *Connection) ConsecutiveErrors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutiveErrors
}

// UpdateSuccess records a successful request with its round-trip latency.
func (c *Connection) UpdateSuccess(latencyMS float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.successCount++
	c.totalRequests++
	c.consecutiveErrors = 0

	if c.latencyMS == 0 {
		c.latencyMS = latencyMS
	} else {
		c.latencyMS = c.latencyMS*(1-c.health.LatencyAlpha) + latencyMS*c.health.LatencyAlpha
	}

	c.healthScore += c.health.SuccessNudge
	if c.healthScore > 1.0 {
		c.healthScore = 1.0
	}
}

// UpdateError records a failed request.
func (c *Connection) UpdateError(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.errorCount++
	c.totalRequests++
	c.consecutiveErrors++
	c.lastError = message
	c.lastErrorTime = time.Now()

	c.healthScore -= c.health.ErrorPenalty
	if c.healthScore < 0 {
		c.healthScore = 0
	}
}

// SuccessRate returns successes over total requests, 0.0 before any request.
func (c *Connection) SuccessRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.successRateLocked()
}

func (c *Connection) successRateLocked() float64 {
	if c.totalRequests == 0 {
		return 0.0
	}
	return float64(c.successCount) / float64(c.totalRequests)
}

// IsHealthy reports whether the connection is eligible for use:
// not offline, error streak within bounds, health score above the floor.
// A connection in Maintenance can be "healthy" and is still excluded from
// selection by the manager.
func (c *Connection) IsHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status != StatusOffline &&
		c.consecutiveErrors <= c.health.MaxConsecutiveErrors &&
		c.healthScore >= c.health.MinHealthScore
}

// Snapshot returns a consistent copy of the connection's state.
func (c *Connection) Snapshot() ConnectionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	caps := make([]Capability, len(c.capabilities))
	copy(caps, c.capabilities)

	return ConnectionSnapshot{
		ExchangeID:        c.exchangeID,
		Status:            c.status,
		LatencyMS:         c.latencyMS,
		SuccessCount:      c.successCount,
		ErrorCount:        c.errorCount,
		TotalRequests:     c.totalRequests,
		ConsecutiveErrors: c.consecutiveErrors,
		SuccessRate:       c.successRateLocked(),
		HealthScore:       c.healthScore,
		Weight:            c.weight,
		Region:            c.region,
		Capabilities:      caps,
		LastPing:          c.lastPing,
		LastError:         c.lastError,
		LastErrorTime:     c.lastErrorTime,
		IsHealthy: c.status != StatusOffline &&
			c.consecutiveErrors <= c.health.MaxConsecutiveErrors &&
			c.healthScore >= c.health.MinHealthScore,
	}
}

// Close releases the underlying client.
func (c *Connection) Close() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client != nil {
		return client.Close()
	}
	return nil
}
