package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"marketd/internal/cache"
	"marketd/internal/collector"
	apperrors "marketd/internal/errors"
	"marketd/internal/exchange"
	"marketd/internal/logging"
)

// writeError maps application errors onto HTTP responses. Unknown errors
// become opaque 500s so internals never leak.
func writeError(c *gin.Context, err error) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus(), apperrors.NewErrorResponse(appErr, c.Request.URL.Path))
		return
	}
	internal := apperrors.NewAppError(apperrors.ErrCodeInternal, "internal error", nil)
	c.JSON(http.StatusInternalServerError, apperrors.NewErrorResponse(internal, c.Request.URL.Path))
}

// ExchangeHandler serves exchange administration endpoints.
type ExchangeHandler struct {
	manager *exchange.Manager
	logger  *logging.Logger
}

func NewExchangeHandler(manager *exchange.Manager, logger *logging.Logger) *ExchangeHandler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ExchangeHandler{manager: manager, logger: logger}
}

// Health reports overall service liveness plus a per-exchange overview.
func (h *ExchangeHandler) Health(c *gin.Context) {
	status := h.manager.GetExchangeStatus()

	healthy := 0
	for _, snap := range status {
		if snap.IsHealthy {
			healthy++
		}
	}

	code := http.StatusOK
	overall := "ok"
	if healthy == 0 {
		code = http.StatusServiceUnavailable
		overall = "degraded"
	}

	c.JSON(code, gin.H{
		"status":            overall,
		"exchanges_total":   len(status),
		"exchanges_healthy": healthy,
		"time":              time.Now().UTC(),
	})
}

// List returns the snapshot of every registered exchange.
func (h *ExchangeHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"exchanges": h.manager.GetExchangeStatus()})
}

// Get returns one exchange's snapshot.
func (h *ExchangeHandler) Get(c *gin.Context) {
	id := c.Param("id")
	status := h.manager.GetExchangeStatus()
	snap, ok := status[id]
	if !ok {
		writeError(c, apperrors.NewAppErrorWithDetails(
			apperrors.ErrCodeNotFound, "exchange not found", id, nil))
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Enable takes an exchange out of maintenance.
func (h *ExchangeHandler) Enable(c *gin.Context) {
	if err := h.manager.EnableExchange(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "enabled"})
}

// Disable parks an exchange in maintenance.
func (h *ExchangeHandler) Disable(c *gin.Context) {
	if err := h.manager.DisableExchange(c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "disabled"})
}

type strategyRequest struct {
	Strategy string `json:"strategy" binding:"required"`
}

// SetStrategy switches the routing strategy at runtime.
func (h *ExchangeHandler) SetStrategy(c *gin.Context) {
	var req strategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.NewAppError(apperrors.ErrCodeInvalidInput, "invalid request body", err))
		return
	}
	if err := h.manager.SetStrategy(exchange.Strategy(req.Strategy)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategy": req.Strategy})
}

// MarketHandler serves market-data endpoints. Tickers come from the hot
// cache when the collector has them; everything else routes through the
// manager.
type MarketHandler struct {
	manager   *exchange.Manager
	cache     cache.Cacher
	collector *collector.Collector
	logger    *logging.Logger
}

func NewMarketHandler(manager *exchange.Manager, cacher cache.Cacher, coll *collector.Collector, logger *logging.Logger) *MarketHandler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &MarketHandler{manager: manager, cache: cacher, collector: coll, logger: logger}
}

// Ticker serves the latest ticker, preferring the collector's cached value
// and falling back to a live routed request.
func (h *MarketHandler) Ticker(c *gin.Context) {
	symbol := c.Param("symbol")

	if h.cache != nil {
		var cached exchange.Ticker
		err := h.cache.GetTicker(c.Request.Context(), collector.SourceLatest, symbol, &cached)
		if err == nil {
			c.JSON(http.StatusOK, gin.H{"ticker": cached, "source": "cache"})
			return
		}
		if !cache.IsMiss(err) {
			h.logger.WithError(err).Warn("ticker cache read failed")
		}
	}

	result, err := h.manager.ExecuteRequest(c.Request.Context(), exchange.MethodFetchTicker,
		exchange.Params{Symbol: symbol}, exchange.WithPriority(exchange.PriorityHigh))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticker": result, "source": "live"})
}

// Markets lists tradable instruments from a routed venue.
func (h *MarketHandler) Markets(c *gin.Context) {
	opts := []exchange.RequestOption{}
	if id := c.Query("exchange"); id != "" {
		opts = append(opts, exchange.WithExchange(id))
	}

	result, err := h.manager.ExecuteRequest(c.Request.Context(), exchange.MethodFetchMarkets,
		exchange.Params{}, opts...)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"markets": result})
}

// OHLCV serves candles for a symbol and timeframe.
func (h *MarketHandler) OHLCV(c *gin.Context) {
	symbol := c.Param("symbol")
	timeframe := c.DefaultQuery("timeframe", "1m")

	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			writeError(c, apperrors.NewAppErrorWithDetails(
				apperrors.ErrCodeInvalidInput, "invalid limit", raw, nil))
			return
		}
		limit = parsed
	}

	result, err := h.manager.ExecuteRequest(c.Request.Context(), exchange.MethodFetchOHLCV,
		exchange.Params{Symbol: symbol, Timeframe: timeframe, Limit: limit})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"candles": result, "timeframe": timeframe})
}

// CollectorStats reports the collector's run counters.
func (h *MarketHandler) CollectorStats(c *gin.Context) {
	if h.collector == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true, "stats": h.collector.Stats()})
}
