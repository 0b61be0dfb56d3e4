package exchange

import (
	"math/rand"
	"time"
)

// Strategy selects which healthy exchange serves the next request.
type Strategy string

const (
	StrategyRoundRobin         Strategy = "round_robin"
	StrategyLeastLatency       Strategy = "least_latency"
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"
	StrategyLeastConnections   Strategy = "least_connections"
	StrategyFailover           Strategy = "failover"
)

// ValidStrategy reports whether s names a known selection strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyRoundRobin, StrategyLeastLatency, StrategyWeightedRoundRobin,
		StrategyLeastConnections, StrategyFailover:
		return true
	}
	return false
}

// candidate pairs a connection with its live checkout count so the
// least-connections strategy sees pool pressure, not just health.
type candidate struct {
	conn   *Connection
	active int
}

// selector implements the selection strategies over an ordered candidate
// slice. Candidates arrive in a stable order so equal scores resolve to the
// first entry.
type selector struct {
	rng     *rand.Rand
	nowUnix func() int64
}

func newSelector(rng *rand.Rand) *selector {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &selector{
		rng:     rng,
		nowUnix: func() int64 { return time.Now().Unix() },
	}
}

func (s *selector) pick(strategy Strategy, candidates []candidate) *Connection {
	if len(candidates) == 0 {
		return nil
	}

	switch strategy {
	case StrategyRoundRobin:
		return s.roundRobin(candidates)
	case StrategyLeastLatency:
		return s.leastLatency(candidates)
	case StrategyLeastConnections:
		return s.leastConnections(candidates)
	case StrategyFailover:
		return candidates[0].conn
	default:
		return s.weightedRoundRobin(candidates)
	}
}

// roundRobin rotates by wall-clock seconds so repeated calls inside the same
// second stay on one exchange.
func (s *selector) roundRobin(candidates []candidate) *Connection {
	idx := int(s.nowUnix() % int64(len(candidates)))
	if idx < 0 {
		idx += len(candidates)
	}
	return candidates[idx].conn
}

func (s *selector) leastLatency(candidates []candidate) *Connection {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.conn.Latency() < best.conn.Latency() {
			best = c
		}
	}
	return best.conn
}

func (s *selector) leastConnections(candidates []candidate) *Connection {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.active < best.active {
			best = c
		}
	}
	return best.conn
}

// weightedRoundRobin draws proportionally to connection weights. A zero
// total weight collapses to the first candidate.
func (s *selector) weightedRoundRobin(candidates []candidate) *Connection {
	total := 0
	for _, c := range candidates {
		total += c.conn.Weight()
	}
	if total <= 0 {
		return candidates[0].conn
	}

	draw := s.rng.Intn(total)
	for _, c := range candidates {
		draw -= c.conn.Weight()
		if draw < 0 {
			return c.conn
		}
	}
	return candidates[len(candidates)-1].conn
}
