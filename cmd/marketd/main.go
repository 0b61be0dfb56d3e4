package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"marketd/internal/api"
	"marketd/internal/cache"
	"marketd/internal/collector"
	"marketd/internal/config"
	"marketd/internal/exchange"
	"marketd/internal/logging"
	"marketd/internal/monitoring"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "marketd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	if err := config.LoadEnv(); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg.ApplyOverrides(config.NewEnvReader(""))

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger.WithFields(map[string]interface{}{
		"name":    cfg.App.Name,
		"version": cfg.App.Version,
		"env":     cfg.App.Env,
	}).Info("starting market data service")

	// Shared redis client for the distributed limiter and the hot cache.
	var redisClient redis.UniversalClient
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			logger.WithError(err).Warn("redis unreachable, continuing with local-only state")
			redisClient.Close()
			redisClient = nil
		}
	}

	var cacher cache.Cacher
	if redisClient != nil {
		cacher = cache.NewRedisCacheFromClient(redisClient)
	} else {
		cacher = cache.NewMemoryCache(cfg.Cache.MaxEntries)
	}
	defer cacher.Close()

	metrics := monitoring.NewMetrics()

	managerOpts := []exchange.ManagerOption{
		exchange.WithLogger(logger),
		exchange.WithMetrics(metrics),
	}
	if cfg.Manager.RateLimit.Distributed && redisClient != nil {
		managerOpts = append(managerOpts,
			exchange.WithLimiter(exchange.NewRedisLimiter(redisClient, cfg.Manager.RateLimit, logger)))
	}

	manager := exchange.NewManager(cfg.Manager, cfg.Exchanges,
		exchange.NewBanexgClientFactory(), managerOpts...)

	initCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	err = manager.Initialize(initCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to initialize exchange manager: %w", err)
	}
	defer manager.Close()

	var coll *collector.Collector
	if cfg.Collector.Enabled {
		coll = collector.New(cfg.Collector, manager, cacher, cfg.Cache.TTL, metrics, logger)
		if err := coll.Start(); err != nil {
			return fmt.Errorf("failed to start collector: %w", err)
		}
		defer coll.Stop()
	}

	server := api.NewServer(cfg, manager, cacher, coll, metrics, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Infof("received signal %v, shutting down", sig)
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Error("error during shutdown")
	}
	return nil
}
