package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "marketd/internal/errors"
)

// RedisCache backs the Cacher with redis so multiple instances serve the
// same hot values.
type RedisCache struct {
	client redis.UniversalClient
}

// Config represents Redis connection configuration
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewRedisCache connects to redis and verifies the connection.
func NewRedisCache(cfg *Config) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, apperrors.NewAppError(apperrors.ErrCodeCacheConnection, "failed to connect to redis", err)
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient wraps an existing client, e.g. one shared with the
// distributed rate limiter.
func NewRedisCacheFromClient(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (r *RedisCache) set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return apperrors.NewAppError(apperrors.ErrCodeCacheOperation, "failed to encode cache value", err)
	}
	if err := r.client.Set(ctx, key, data, expiration).Err(); err != nil {
		return apperrors.NewAppError(apperrors.ErrCodeCacheOperation, "redis set failed", err)
	}
	return nil
}

func (r *RedisCache) get(ctx context.Context, key string, dest interface{}) error {
	data, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return ErrMiss
	}
	if err != nil {
		return apperrors.NewAppError(apperrors.ErrCodeCacheOperation, "redis get failed", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return apperrors.NewAppError(apperrors.ErrCodeCacheOperation, "failed to decode cache value", err)
	}
	return nil
}

func (r *RedisCache) SetTicker(ctx context.Context, exchangeID, symbol string, data interface{}, expiration time.Duration) error {
	return r.set(ctx, tickerKey(exchangeID, symbol), data, expiration)
}

func (r *RedisCache) GetTicker(ctx context.Context, exchangeID, symbol string, dest interface{}) error {
	return r.get(ctx, tickerKey(exchangeID, symbol), dest)
}

func (r *RedisCache) SetCandles(ctx context.Context, exchangeID, symbol, timeframe string, data interface{}, expiration time.Duration) error {
	return r.set(ctx, candlesKey(exchangeID, symbol, timeframe), data, expiration)
}

func (r *RedisCache) GetCandles(ctx context.Context, exchangeID, symbol, timeframe string, dest interface{}) error {
	return r.get(ctx, candlesKey(exchangeID, symbol, timeframe), dest)
}

func (r *RedisCache) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return apperrors.NewAppError(apperrors.ErrCodeCacheOperation, "redis delete failed", err)
	}
	return nil
}

func (r *RedisCache) Close() error {
	return r.client.Close()
}
