package exchange

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func weightedConn(exchangeID string, weight int) *Connection {
	conn := NewConnection(exchangeID, nil, weight, "", DefaultHealthConfig())
	conn.SetStatus(StatusHealthy)
	return conn
}

func namedCandidates(conns ...*Connection) []candidate {
	out := make([]candidate, 0, len(conns))
	for _, c := range conns {
		out = append(out, candidate{conn: c})
	}
	return out
}

func TestSelectorRoundRobin(t *testing.T) {
	s := newSelector(rand.New(rand.NewSource(1)))

	a := weightedConn("binance", 1)
	b := weightedConn("okx", 1)
	c := weightedConn("bybit", 1)
	candidates := namedCandidates(a, b, c)

	t.Run("rotates with the clock", func(t *testing.T) {
		s.nowUnix = func() int64 { return 0 }
		assert.Same(t, a, s.pick(StrategyRoundRobin, candidates))
		s.nowUnix = func() int64 { return 1 }
		assert.Same(t, b, s.pick(StrategyRoundRobin, candidates))
		s.nowUnix = func() int64 { return 2 }
		assert.Same(t, c, s.pick(StrategyRoundRobin, candidates))
		s.nowUnix = func() int64 { return 3 }
		assert.Same(t, a, s.pick(StrategyRoundRobin, candidates))
	})

	t.Run("stable within one second", func(t *testing.T) {
		s.nowUnix = func() int64 { return 100 }
		first := s.pick(StrategyRoundRobin, candidates)
		for i := 0; i < 5; i++ {
			assert.Same(t, first, s.pick(StrategyRoundRobin, candidates))
		}
	})
}

func TestSelectorLeastLatency(t *testing.T) {
	s := newSelector(rand.New(rand.NewSource(1)))

	a := weightedConn("binance", 1)
	b := weightedConn("okx", 1)
	c := weightedConn("bybit", 1)
	a.UpdateSuccess(300)
	b.UpdateSuccess(50)
	c.UpdateSuccess(120)

	assert.Same(t, b, s.pick(StrategyLeastLatency, namedCandidates(a, b, c)))

	t.Run("tie resolves to the first candidate", func(t *testing.T) {
		x := weightedConn("binance", 1)
		y := weightedConn("okx", 1)
		x.UpdateSuccess(50)
		y.UpdateSuccess(50)
		assert.Same(t, x, s.pick(StrategyLeastLatency, namedCandidates(x, y)))
	})
}

func TestSelectorLeastConnections(t *testing.T) {
	s := newSelector(rand.New(rand.NewSource(1)))

	a := weightedConn("binance", 1)
	b := weightedConn("okx", 1)
	candidates := []candidate{
		{conn: a, active: 3},
		{conn: b, active: 1},
	}
	assert.Same(t, b, s.pick(StrategyLeastConnections, candidates))

	t.Run("tie resolves to the first candidate", func(t *testing.T) {
		candidates := []candidate{
			{conn: a, active: 2},
			{conn: b, active: 2},
		}
		assert.Same(t, a, s.pick(StrategyLeastConnections, candidates))
	})
}

func TestSelectorFailover(t *testing.T) {
	s := newSelector(rand.New(rand.NewSource(1)))

	a := weightedConn("binance", 1)
	b := weightedConn("okx", 1)
	assert.Same(t, a, s.pick(StrategyFailover, namedCandidates(a, b)),
		"failover always takes the first healthy candidate")
}

func TestSelectorWeightedRoundRobin(t *testing.T) {
	s := newSelector(rand.New(rand.NewSource(42)))

	heavy := weightedConn("binance", 90)
	light := weightedConn("okx", 10)
	candidates := namedCandidates(heavy, light)

	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		picked := s.pick(StrategyWeightedRoundRobin, candidates)
		counts[picked.ExchangeID()]++
	}
	assert.InDelta(t, 9000, counts["binance"], 300, "draws follow the weights")
	assert.Greater(t, counts["okx"], 0)

	t.Run("zero total weight collapses to the first", func(t *testing.T) {
		x := weightedConn("binance", 1)
		y := weightedConn("okx", 1)
		// Weight is clamped to >=1 at construction, so drive the draw
		// through a single candidate instead.
		assert.Same(t, x, s.pick(StrategyWeightedRoundRobin, namedCandidates(x)))
		assert.NotNil(t, s.pick(StrategyWeightedRoundRobin, namedCandidates(x, y)))
	})
}

func TestSelectorEmptyCandidates(t *testing.T) {
	s := newSelector(nil)
	assert.Nil(t, s.pick(StrategyRoundRobin, nil))
	assert.Nil(t, s.pick(StrategyWeightedRoundRobin, nil))
}

func TestValidStrategy(t *testing.T) {
	assert.True(t, ValidStrategy(StrategyRoundRobin))
	assert.True(t, ValidStrategy(StrategyFailover))
	assert.False(t, ValidStrategy(Strategy("best_effort")))
}
