package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"marketd/internal/cache"
	"marketd/internal/collector"
	"marketd/internal/config"
	"marketd/internal/exchange"
	"marketd/internal/logging"
	"marketd/internal/monitoring"
)

// Server represents the API server
type Server struct {
	config     *config.Config
	router     *gin.Engine
	httpServer *http.Server
	handlers   *Handlers
	metrics    *monitoring.Metrics
	logger     *logging.Logger
}

// Handlers contains all API handlers
type Handlers struct {
	Exchange *ExchangeHandler
	Market   *MarketHandler
}

// NewServer creates the API server over an initialized exchange manager.
func NewServer(cfg *config.Config, manager *exchange.Manager, cacher cache.Cacher, coll *collector.Collector, metrics *monitoring.Metrics, logger *logging.Logger) *Server {
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	server := &Server{
		config:  cfg,
		router:  gin.New(),
		metrics: metrics,
		logger:  logger.WithField("component", "api"),
		handlers: &Handlers{
			Exchange: NewExchangeHandler(manager, logger),
			Market:   NewMarketHandler(manager, cacher, coll, logger),
		},
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(s.requestLogger())
	if s.metrics != nil {
		s.router.Use(s.metrics.MetricsMiddleware())
	}

	if s.config.Monitoring.PrometheusEnabled && s.metrics != nil {
		s.router.GET(s.config.Monitoring.PrometheusPath, gin.WrapH(s.metrics.Handler()))
	}

	s.router.GET("/health", s.handlers.Exchange.Health)

	v1 := s.router.Group("/api/v1")
	{
		exchanges := v1.Group("/exchanges")
		{
			exchanges.GET("", s.handlers.Exchange.List)
			exchanges.GET("/:id", s.handlers.Exchange.Get)
			exchanges.POST("/:id/enable", s.handlers.Exchange.Enable)
			exchanges.POST("/:id/disable", s.handlers.Exchange.Disable)
		}
		v1.PUT("/strategy", s.handlers.Exchange.SetStrategy)

		market := v1.Group("/market")
		{
			market.GET("/ticker/:symbol", s.handlers.Market.Ticker)
			market.GET("/markets", s.handlers.Market.Markets)
			market.GET("/ohlcv/:symbol", s.handlers.Market.OHLCV)
			market.GET("/collector", s.handlers.Market.CollectorStats)
		}
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.logger.WithFields(map[string]interface{}{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": c.Writer.Status(),
		}).Debug("request handled")
	}
}

// Router exposes the handler tree, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	s.logger.Infof("starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
