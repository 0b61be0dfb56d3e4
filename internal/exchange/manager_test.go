package exchange

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockClient scripts one venue's behavior per test.
type mockClient struct {
	mu        sync.Mutex
	pingErr   error
	tickerErr error
	ticker    *Ticker
	calls     int
	closed    bool
}

func (m *mockClient) setTickerErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickerErr = err
}

func (m *mockClient) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *mockClient) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockClient) FetchMarkets(ctx context.Context) ([]Market, error) { return nil, nil }

func (m *mockClient) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.tickerErr != nil {
		return nil, m.tickerErr
	}
	if m.ticker != nil {
		return m.ticker, nil
	}
	return &Ticker{Symbol: symbol, Last: 100, Timestamp: time.Now()}, nil
}

func (m *mockClient) FetchOHLCV(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]Candle, error) {
	return nil, nil
}

func (m *mockClient) FetchOrderBook(ctx context.Context, symbol string, limit int) (*OrderBook, error) {
	return nil, nil
}

func (m *mockClient) FetchTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]Trade, error) {
	return nil, nil
}

func (m *mockClient) FetchBalance(ctx context.Context) (map[string]*Balance, error) {
	return nil, nil
}

func (m *mockClient) FetchPositions(ctx context.Context) ([]*Position, error) { return nil, nil }

func (m *mockClient) FetchOpenOrders(ctx context.Context, symbol string) ([]*Order, error) {
	return nil, nil
}

func (m *mockClient) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

func (m *mockClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// testFixture wires a manager over scripted clients with background loops
// effectively disabled.
type testFixture struct {
	manager *Manager
	clients map[string]*mockClient
}

func newFixture(t *testing.T, cfg ManagerConfig, exchanges map[string]*Options, opts ...ManagerOption) *testFixture {
	t.Helper()

	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = time.Hour
	}
	if cfg.MetricsInterval == 0 {
		cfg.MetricsInterval = time.Hour
	}

	clients := map[string]*mockClient{}
	var mu sync.Mutex
	factory := func(exchangeID string, _ *Options) (Client, error) {
		mu.Lock()
		defer mu.Unlock()
		if c, ok := clients[exchangeID]; ok {
			return c, nil
		}
		c := &mockClient{}
		clients[exchangeID] = c
		return c, nil
	}

	opts = append(opts, WithRand(rand.New(rand.NewSource(7))))
	m := NewManager(cfg, exchanges, factory, opts...)
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() { m.Close() })

	return &testFixture{manager: m, clients: clients}
}

func twoExchanges() map[string]*Options {
	return map[string]*Options{
		"binance": {Enabled: true, Weight: 1},
		"okx":     {Enabled: true, Weight: 1},
	}
}

func TestManagerInitialize(t *testing.T) {
	f := newFixture(t, ManagerConfig{Strategy: StrategyFailover}, twoExchanges())

	status := f.manager.GetExchangeStatus()
	require.Len(t, status, 2)
	assert.Equal(t, StatusHealthy, status["binance"].Status)
	assert.Equal(t, StatusHealthy, status["okx"].Status)

	t.Run("idempotent", func(t *testing.T) {
		require.NoError(t, f.manager.Initialize(context.Background()))
		assert.Len(t, f.manager.GetExchangeStatus(), 2)
	})
}

func TestManagerInitializeDialFailure(t *testing.T) {
	factory := func(exchangeID string, _ *Options) (Client, error) {
		if exchangeID == "okx" {
			return nil, errors.New("connection refused")
		}
		return &mockClient{}, nil
	}

	cfg := ManagerConfig{Strategy: StrategyFailover, HealthCheckInterval: time.Hour, MetricsInterval: time.Hour}
	m := NewManager(cfg, twoExchanges(), factory)
	require.NoError(t, m.Initialize(context.Background()),
		"a transient dial failure must not abort startup")
	defer m.Close()

	status := m.GetExchangeStatus()
	assert.Equal(t, StatusHealthy, status["binance"].Status)
	assert.Equal(t, StatusOffline, status["okx"].Status)

	// Requests flow to the surviving venue.
	_, err := m.ExecuteRequest(context.Background(), MethodFetchTicker, Params{Symbol: "BTC/USDT"})
	assert.NoError(t, err)

	t.Run("re-enabled exchange without a client stays unavailable", func(t *testing.T) {
		// Enable moves the exchange to Initializing before the health loop
		// has redialed, so its connection still has no client.
		require.NoError(t, m.EnableExchange("okx"))

		_, err := m.ExecuteRequest(context.Background(), MethodFetchTicker,
			Params{Symbol: "BTC/USDT"}, WithExchange("okx"))
		require.Error(t, err)
		assert.True(t, IsUnavailable(err))
	})
}

func TestManagerInitializeConfigError(t *testing.T) {
	factory := func(string, *Options) (Client, error) { return &mockClient{}, nil }
	m := NewManager(ManagerConfig{}, map[string]*Options{
		"binance": {Enabled: true, Weight: -1},
	}, factory)
	defer m.Close()

	err := m.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestManagerExecuteRequest(t *testing.T) {
	f := newFixture(t, ManagerConfig{Strategy: StrategyFailover}, twoExchanges())
	ctx := context.Background()

	t.Run("routes to the first healthy exchange", func(t *testing.T) {
		result, err := f.manager.ExecuteRequest(ctx, MethodFetchTicker, Params{Symbol: "BTC/USDT"})
		require.NoError(t, err)
		ticker, ok := result.(*Ticker)
		require.True(t, ok)
		assert.Equal(t, "BTC/USDT", ticker.Symbol)
		assert.Equal(t, 1, f.clients["binance"].callCount())
		assert.Equal(t, 0, f.clients["okx"].callCount())
	})

	t.Run("pinned exchange overrides the strategy", func(t *testing.T) {
		_, err := f.manager.ExecuteRequest(ctx, MethodFetchTicker, Params{Symbol: "BTC/USDT"},
			WithExchange("okx"))
		require.NoError(t, err)
		assert.Equal(t, 1, f.clients["okx"].callCount())
	})

	t.Run("pinned unknown exchange is unavailable", func(t *testing.T) {
		_, err := f.manager.ExecuteRequest(ctx, MethodFetchTicker, Params{Symbol: "BTC/USDT"},
			WithExchange("kraken"))
		require.Error(t, err)
		assert.True(t, IsUnavailable(err))
	})

	t.Run("success updates connection stats", func(t *testing.T) {
		status := f.manager.GetExchangeStatus()
		assert.Greater(t, status["binance"].SuccessCount, int64(0))
		assert.Equal(t, 1.0, status["binance"].SuccessRate)
	})

	t.Run("connection returns to the pool either way", func(t *testing.T) {
		f.clients["binance"].setTickerErr(errors.New("boom"))
		_, err := f.manager.ExecuteRequest(ctx, MethodFetchTicker, Params{Symbol: "BTC/USDT"})
		require.Error(t, err)
		f.clients["binance"].setTickerErr(nil)

		status := f.manager.GetExchangeStatus()
		assert.Equal(t, 0, status["binance"].ActiveConnections)
		assert.Equal(t, 0, status["okx"].ActiveConnections)
	})
}

func TestManagerErrorTaxonomy(t *testing.T) {
	f := newFixture(t, ManagerConfig{Strategy: StrategyFailover}, twoExchanges())
	ctx := context.Background()

	t.Run("network failure maps to a connection error", func(t *testing.T) {
		f.clients["binance"].setTickerErr(&NetworkError{Err: errors.New("reset by peer")})
		defer f.clients["binance"].setTickerErr(nil)

		_, err := f.manager.ExecuteRequest(ctx, MethodFetchTicker, Params{Symbol: "BTC/USDT"},
			WithExchange("binance"))
		require.Error(t, err)
		assert.True(t, IsConnectionError(err))
	})

	t.Run("venue rate limit maps and arms the backoff gate", func(t *testing.T) {
		f.clients["okx"].setTickerErr(&RateLimitedError{RetryAfter: time.Minute})
		defer f.clients["okx"].setTickerErr(nil)

		_, err := f.manager.ExecuteRequest(ctx, MethodFetchTicker, Params{Symbol: "BTC/USDT"},
			WithExchange("okx"))
		require.Error(t, err)
		assert.True(t, IsRateLimited(err))
	})
}

func TestManagerDegradesAfterConsecutiveErrors(t *testing.T) {
	f := newFixture(t, ManagerConfig{Strategy: StrategyFailover}, twoExchanges())
	ctx := context.Background()

	f.clients["binance"].setTickerErr(&NetworkError{Err: errors.New("timeout")})
	for i := 0; i < 4; i++ {
		_, err := f.manager.ExecuteRequest(ctx, MethodFetchTicker, Params{Symbol: "BTC/USDT"},
			WithExchange("binance"))
		require.Error(t, err)
	}

	status := f.manager.GetExchangeStatus()
	assert.Equal(t, StatusDegraded, status["binance"].Status)
	assert.Equal(t, 4, status["binance"].ConsecutiveErrors)

	t.Run("traffic shifts to the healthy venue", func(t *testing.T) {
		okxBefore := f.clients["okx"].callCount()
		_, err := f.manager.ExecuteRequest(ctx, MethodFetchTicker, Params{Symbol: "BTC/USDT"})
		require.NoError(t, err)
		assert.Equal(t, okxBefore+1, f.clients["okx"].callCount())
	})

	t.Run("degraded venue serves when it is the only one left", func(t *testing.T) {
		require.NoError(t, f.manager.DisableExchange("okx"))
		defer f.manager.EnableExchange("okx")
		f.clients["binance"].setTickerErr(nil)

		_, err := f.manager.ExecuteRequest(ctx, MethodFetchTicker, Params{Symbol: "BTC/USDT"})
		assert.NoError(t, err)
	})
}

func TestManagerRateLimiting(t *testing.T) {
	exchanges := map[string]*Options{
		"binance": {Enabled: true, Weight: 1, EnableRateLimiting: true},
		"okx":     {Enabled: true, Weight: 1},
	}
	cfg := ManagerConfig{
		Strategy:  StrategyFailover,
		RateLimit: LimiterConfig{NormalLimit: 2},
	}
	f := newFixture(t, cfg, exchanges)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.manager.ExecuteRequest(ctx, MethodFetchTicker, Params{Symbol: "BTC/USDT"},
			WithExchange("binance"))
		require.NoError(t, err)
	}

	_, err := f.manager.ExecuteRequest(ctx, MethodFetchTicker, Params{Symbol: "BTC/USDT"},
		WithExchange("binance"))
	require.Error(t, err)
	assert.True(t, IsRateLimited(err))

	t.Run("other exchanges keep flowing", func(t *testing.T) {
		_, err := f.manager.ExecuteRequest(ctx, MethodFetchTicker, Params{Symbol: "BTC/USDT"},
			WithExchange("okx"))
		assert.NoError(t, err)
	})

	t.Run("high priority preempts the full window", func(t *testing.T) {
		_, err := f.manager.ExecuteRequest(ctx, MethodFetchTicker, Params{Symbol: "BTC/USDT"},
			WithExchange("binance"), WithPriority(PriorityHigh))
		assert.NoError(t, err)
	})
}

func TestManagerMaintenance(t *testing.T) {
	f := newFixture(t, ManagerConfig{Strategy: StrategyFailover}, twoExchanges())
	ctx := context.Background()

	require.NoError(t, f.manager.DisableExchange("binance"))
	assert.Equal(t, StatusMaintenance, f.manager.GetExchangeStatus()["binance"].Status)

	t.Run("pinned requests are refused", func(t *testing.T) {
		_, err := f.manager.ExecuteRequest(ctx, MethodFetchTicker, Params{Symbol: "BTC/USDT"},
			WithExchange("binance"))
		require.Error(t, err)
		assert.True(t, IsUnavailable(err))
	})

	t.Run("strategy routes around it", func(t *testing.T) {
		_, err := f.manager.ExecuteRequest(ctx, MethodFetchTicker, Params{Symbol: "BTC/USDT"})
		require.NoError(t, err)
		assert.Equal(t, 0, f.clients["binance"].callCount())
	})

	t.Run("enable puts it back through initializing", func(t *testing.T) {
		require.NoError(t, f.manager.EnableExchange("binance"))
		assert.Equal(t, StatusInitializing, f.manager.GetExchangeStatus()["binance"].Status)
	})

	t.Run("unknown exchange is rejected", func(t *testing.T) {
		assert.Error(t, f.manager.DisableExchange("kraken"))
		assert.Error(t, f.manager.EnableExchange("kraken"))
	})
}

func TestManagerSetStrategy(t *testing.T) {
	f := newFixture(t, ManagerConfig{}, twoExchanges())

	require.NoError(t, f.manager.SetStrategy(StrategyLeastLatency))
	assert.Equal(t, StrategyLeastLatency, f.manager.strategy())

	assert.Error(t, f.manager.SetStrategy(Strategy("fastest")))
}

func TestManagerHealthProbe(t *testing.T) {
	f := newFixture(t, ManagerConfig{Strategy: StrategyFailover}, twoExchanges())

	t.Run("probe failure marks offline", func(t *testing.T) {
		f.clients["binance"].mu.Lock()
		f.clients["binance"].pingErr = errors.New("dead")
		f.clients["binance"].mu.Unlock()

		f.manager.checkAll()
		assert.Equal(t, StatusOffline, f.manager.GetExchangeStatus()["binance"].Status)
	})

	t.Run("probe success recovers", func(t *testing.T) {
		f.clients["binance"].mu.Lock()
		f.clients["binance"].pingErr = nil
		f.clients["binance"].mu.Unlock()

		f.manager.checkAll()
		assert.Equal(t, StatusHealthy, f.manager.GetExchangeStatus()["binance"].Status)
	})

	t.Run("maintenance is not probed", func(t *testing.T) {
		require.NoError(t, f.manager.DisableExchange("okx"))
		f.manager.checkAll()
		assert.Equal(t, StatusMaintenance, f.manager.GetExchangeStatus()["okx"].Status)
	})
}

func TestManagerReload(t *testing.T) {
	f := newFixture(t, ManagerConfig{Strategy: StrategyFailover}, twoExchanges())

	next := map[string]*Options{
		"binance": {Enabled: true, Weight: 1},
		"bybit":   {Enabled: true, Weight: 2},
	}
	require.NoError(t, f.manager.Reload(context.Background(), next))

	status := f.manager.GetExchangeStatus()
	assert.Equal(t, StatusHealthy, status["bybit"].Status)
	assert.Equal(t, StatusMaintenance, status["okx"].Status, "removed exchanges are parked")
	assert.Equal(t, StatusHealthy, status["binance"].Status)
}

func TestManagerClose(t *testing.T) {
	f := newFixture(t, ManagerConfig{}, twoExchanges())

	require.NoError(t, f.manager.Close())
	require.NoError(t, f.manager.Close(), "close is idempotent")

	assert.True(t, f.clients["binance"].isClosed())
	assert.True(t, f.clients["okx"].isClosed())
}

func TestManagerCloseReleasesRedialedClients(t *testing.T) {
	f := newFixture(t, ManagerConfig{}, twoExchanges())

	// A connection closed at check-in loses its client; a later redial
	// attaches a fresh one that the pool's idle set no longer tracks.
	conn, err := f.manager.pool.Get("binance")
	require.NoError(t, err)
	require.Same(t, f.manager.connections["binance"], conn)
	require.NoError(t, conn.Close())
	fresh := &mockClient{}
	conn.SetClient(fresh)

	require.NoError(t, f.manager.Close())
	assert.True(t, fresh.isClosed(), "replacement client released at shutdown")
	assert.True(t, f.clients["okx"].isClosed())
}
