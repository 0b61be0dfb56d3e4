package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnection(t *testing.T) *Connection {
	t.Helper()
	conn := NewConnection("binance", nil, 1, "", DefaultHealthConfig())
	conn.SetStatus(StatusHealthy)
	return conn
}

func TestConnectionLatencyEMA(t *testing.T) {
	conn := newTestConnection(t)

	t.Run("first sample taken as-is", func(t *testing.T) {
		conn.UpdateSuccess(100)
		assert.Equal(t, 100.0, conn.Latency())
	})

	t.Run("subsequent samples blend with weight 0.2", func(t *testing.T) {
		conn.UpdateSuccess(200)
		assert.InDelta(t, 100*0.8+200*0.2, conn.Latency(), 1e-9)

		conn.UpdateSuccess(200)
		assert.InDelta(t, 120*0.8+200*0.2, conn.Latency(), 1e-9)
	})

	t.Run("errors leave latency untouched", func(t *testing.T) {
		before := conn.Latency()
		conn.UpdateError("timeout")
		assert.Equal(t, before, conn.Latency())
	})
}

func TestConnectionHealthScoreBounds(t *testing.T) {
	conn := newTestConnection(t)

	t.Run("capped at one", func(t *testing.T) {
		for i := 0; i < 50; i++ {
			conn.UpdateSuccess(10)
		}
		assert.Equal(t, 1.0, conn.Snapshot().HealthScore)
	})

	t.Run("floored at zero", func(t *testing.T) {
		for i := 0; i < 20; i++ {
			conn.UpdateError("boom")
		}
		assert.Equal(t, 0.0, conn.Snapshot().HealthScore)
	})

	t.Run("error subtracts penalty, success adds nudge", func(t *testing.T) {
		conn := newTestConnection(t)
		conn.UpdateError("boom")
		assert.InDelta(t, 0.9, conn.Snapshot().HealthScore, 1e-9)
		conn.UpdateSuccess(10)
		assert.InDelta(t, 0.91, conn.Snapshot().HealthScore, 1e-9)
	})
}

func TestConnectionIsHealthy(t *testing.T) {
	t.Run("new connection starts healthy once promoted", func(t *testing.T) {
		conn := newTestConnection(t)
		assert.True(t, conn.IsHealthy())
	})

	t.Run("offline is never healthy", func(t *testing.T) {
		conn := newTestConnection(t)
		conn.SetStatus(StatusOffline)
		assert.False(t, conn.IsHealthy())
	})

	t.Run("six consecutive errors cross the threshold", func(t *testing.T) {
		conn := newTestConnection(t)
		// Pad the score so only the streak is the deciding factor.
		for i := 0; i < 30; i++ {
			conn.UpdateSuccess(10)
		}
		for i := 0; i < 5; i++ {
			conn.UpdateError("boom")
		}
		require.Equal(t, 5, conn.ConsecutiveErrors())
		assert.True(t, conn.IsHealthy(), "five errors are still within the limit")

		conn.UpdateError("boom")
		assert.False(t, conn.IsHealthy())
	})

	t.Run("one success resets the streak", func(t *testing.T) {
		conn := newTestConnection(t)
		for i := 0; i < 30; i++ {
			conn.UpdateSuccess(10)
		}
		for i := 0; i < 6; i++ {
			conn.UpdateError("boom")
		}
		require.False(t, conn.IsHealthy())

		conn.UpdateSuccess(10)
		assert.Equal(t, 0, conn.ConsecutiveErrors())
		assert.True(t, conn.IsHealthy())
	})

	t.Run("low score alone marks unhealthy", func(t *testing.T) {
		conn := newTestConnection(t)
		// Alternate so the streak never crosses the limit while the score
		// drains 0.1-0.01 per pair.
		for i := 0; i < 9; i++ {
			conn.UpdateError("boom")
			conn.UpdateSuccess(10)
		}
		require.Equal(t, 0, conn.ConsecutiveErrors())
		assert.Less(t, conn.Snapshot().HealthScore, 0.3)
		assert.False(t, conn.IsHealthy())
	})
}

func TestConnectionSuccessRate(t *testing.T) {
	conn := newTestConnection(t)
	assert.Equal(t, 0.0, conn.SuccessRate(), "no requests yet")

	conn.UpdateSuccess(10)
	conn.UpdateSuccess(10)
	conn.UpdateSuccess(10)
	conn.UpdateError("boom")
	assert.InDelta(t, 0.75, conn.SuccessRate(), 1e-9)

	snap := conn.Snapshot()
	assert.Equal(t, snap.TotalRequests, snap.SuccessCount+snap.ErrorCount,
		"counters always sum to the total")
}

func TestConnectionSnapshot(t *testing.T) {
	conn := NewConnection("okx", nil, 5, "ap-east", DefaultHealthConfig())
	conn.SetStatus(StatusHealthy)
	conn.UpdateSuccess(42)

	snap := conn.Snapshot()
	assert.Equal(t, "okx", snap.ExchangeID)
	assert.Equal(t, StatusHealthy, snap.Status)
	assert.Equal(t, 42.0, snap.LatencyMS)
	assert.Equal(t, int64(1), snap.SuccessCount)
	assert.Equal(t, 5, snap.Weight)
	assert.Equal(t, "ap-east", snap.Region)
	assert.True(t, snap.IsHealthy)
}
