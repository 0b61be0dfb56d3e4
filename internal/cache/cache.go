package cache

import (
	"context"
	"errors"
	"time"

	apperrors "marketd/internal/errors"
)

// Cacher is the hot-value store for collected market data. The API layer
// serves reads from here so venue requests stay on the collector's cadence.
type Cacher interface {
	SetTicker(ctx context.Context, exchangeID, symbol string, data interface{}, expiration time.Duration) error
	GetTicker(ctx context.Context, exchangeID, symbol string, dest interface{}) error

	SetCandles(ctx context.Context, exchangeID, symbol, timeframe string, data interface{}, expiration time.Duration) error
	GetCandles(ctx context.Context, exchangeID, symbol, timeframe string, dest interface{}) error

	Delete(ctx context.Context, key string) error
	Close() error
}

func tickerKey(exchangeID, symbol string) string {
	return "ticker:" + exchangeID + ":" + symbol
}

func candlesKey(exchangeID, symbol, timeframe string) string {
	return "candles:" + exchangeID + ":" + symbol + ":" + timeframe
}

// ErrMiss is returned on cache lookups for absent or expired keys.
var ErrMiss = apperrors.NewAppError(apperrors.ErrCodeCacheMiss, "cache miss", nil)

// IsMiss reports whether an error is a cache miss rather than a backend
// failure.
func IsMiss(err error) bool {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Code == apperrors.ErrCodeCacheMiss
	}
	return false
}
