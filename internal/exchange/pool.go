package exchange

import (
	"sync"
	"time"

	"marketd/internal/logging"
)

// PoolConfig bounds the per-exchange connection pool.
type PoolConfig struct {
	// MaxSize caps checked-out connections per exchange.
	MaxSize int `yaml:"max_size"`
	// IdleTimeout evicts idle connections not used since this long.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// SweepInterval is how often the idle sweep runs.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DefaultPoolConfig returns the documented defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxSize:       10,
		IdleTimeout:   300 * time.Second,
		SweepInterval: 60 * time.Second,
	}
}

func (c *PoolConfig) applyDefaults() {
	d := DefaultPoolConfig()
	if c.MaxSize == 0 {
		c.MaxSize = d.MaxSize
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = d.SweepInterval
	}
}

// connectionFactory builds a new pooled connection for an exchange.
type connectionFactory func(exchangeID string) (*Connection, error)

// Pool keeps idle and active connection accounting per exchange, bounded by
// MaxSize. Connections are created lazily through the factory and unhealthy
// connections are closed at check-in instead of being pooled. A background
// sweep closes connections idle past IdleTimeout.
type Pool struct {
	mu      sync.Mutex
	cfg     PoolConfig
	factory connectionFactory
	idle    map[string][]*Connection
	active  map[string]int
	logger  *logging.Logger

	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewPool creates a pool and starts its idle sweep.
func NewPool(cfg PoolConfig, factory connectionFactory, logger *logging.Logger) *Pool {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}
	p := &Pool{
		cfg:     cfg,
		factory: factory,
		idle:    make(map[string][]*Connection),
		active:  make(map[string]int),
		logger:  logger.WithField("component", "pool"),
		done:    make(chan struct{}),
	}

	p.wg.Add(1)
	go p.sweepLoop()

	return p
}

// Seed checks a pre-built connection into the idle set without prior
// checkout. Used by the manager to register base connections.
func (p *Pool) Seed(conn *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		conn.Close()
		return
	}
	p.idle[conn.ExchangeID()] = append(p.idle[conn.ExchangeID()], conn)
}

// Get checks out a connection for the exchange. It returns an idle
// connection when one exists, constructs a new one while under MaxSize, and
// returns nil on exhaustion without blocking.
func (p *Pool) Get(exchangeID string) (*Connection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, nil
	}

	if conns := p.idle[exchangeID]; len(conns) > 0 {
		conn := conns[len(conns)-1]
		p.idle[exchangeID] = conns[:len(conns)-1]
		p.active[exchangeID]++
		p.mu.Unlock()
		return conn, nil
	}

	if p.active[exchangeID] >= p.cfg.MaxSize {
		p.mu.Unlock()
		return nil, nil
	}

	// Reserve the slot before the (possibly slow) factory call so concurrent
	// callers cannot overshoot MaxSize.
	p.active[exchangeID]++
	p.mu.Unlock()

	conn, err := p.factory(exchangeID)
	if err != nil {
		p.mu.Lock()
		p.active[exchangeID]--
		p.mu.Unlock()
		return nil, err
	}
	return conn, nil
}

// Put checks a connection back in. Healthy connections return to the idle
// set; unhealthy ones are closed so they are never handed out again.
func (p *Pool) Put(conn *Connection) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	if p.active[conn.ExchangeID()] > 0 {
		p.active[conn.ExchangeID()]--
	}
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return
	}
	if !conn.IsHealthy() {
		p.mu.Unlock()
		p.logger.WithField("exchange", conn.ExchangeID()).
			Debug("closing unhealthy connection at check-in")
		conn.Close()
		return
	}

	conn.TouchPing()
	p.idle[conn.ExchangeID()] = append(p.idle[conn.ExchangeID()], conn)
	p.mu.Unlock()
}

// ActiveCount returns how many connections are checked out for an exchange.
func (p *Pool) ActiveCount(exchangeID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[exchangeID]
}

// IdleCount returns how many idle connections an exchange has pooled.
func (p *Pool) IdleCount(exchangeID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[exchangeID])
}

func (p *Pool) sweepLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep evicts connections idle past IdleTimeout.
func (p *Pool) sweep() {
	cutoff := time.Now().Add(-p.cfg.IdleTimeout)

	p.mu.Lock()
	var evicted []*Connection
	for exchangeID, conns := range p.idle {
		kept := conns[:0]
		for _, conn := range conns {
			if conn.LastPing().Before(cutoff) {
				evicted = append(evicted, conn)
			} else {
				kept = append(kept, conn)
			}
		}
		p.idle[exchangeID] = kept
	}
	p.mu.Unlock()

	for _, conn := range evicted {
		p.logger.WithField("exchange", conn.ExchangeID()).Debug("evicting idle connection")
		conn.Close()
	}
}

// Close stops the sweep and drains the idle set without requiring the
// connections to be healthy. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = make(map[string][]*Connection)
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()

	for _, conns := range idle {
		for _, conn := range conns {
			conn.Close()
		}
	}
}
