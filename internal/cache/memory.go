package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	apperrors "marketd/internal/errors"
)

type memoryItem struct {
	data       []byte
	expiration time.Time
}

// MemoryCache is the in-process Cacher used when redis is not configured.
// Values are stored JSON-encoded so both backends behave identically.
type MemoryCache struct {
	mu       sync.RWMutex
	items    map[string]*memoryItem
	maxSize  int
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewMemoryCache creates a memory cache with a capacity bound and starts its
// cleanup loop.
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 10000
	}

	mc := &MemoryCache{
		items:    make(map[string]*memoryItem),
		maxSize:  maxSize,
		stopChan: make(chan struct{}),
	}

	go mc.cleanupLoop()

	return mc
}

func (mc *MemoryCache) set(key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return apperrors.NewAppError(apperrors.ErrCodeCacheOperation, "failed to encode cache value", err)
	}

	mc.mu.Lock()
	defer mc.mu.Unlock()

	// At capacity, drop the entry closest to expiry.
	if len(mc.items) >= mc.maxSize {
		if _, exists := mc.items[key]; !exists {
			mc.evictSoonestLocked()
		}
	}

	mc.items[key] = &memoryItem{
		data:       data,
		expiration: time.Now().Add(expiration),
	}
	return nil
}

func (mc *MemoryCache) evictSoonestLocked() {
	var victim string
	var soonest time.Time
	for key, item := range mc.items {
		if victim == "" || item.expiration.Before(soonest) {
			victim = key
			soonest = item.expiration
		}
	}
	if victim != "" {
		delete(mc.items, victim)
	}
}

func (mc *MemoryCache) get(key string, dest interface{}) error {
	mc.mu.RLock()
	item, exists := mc.items[key]
	mc.mu.RUnlock()

	if !exists || time.Now().After(item.expiration) {
		return ErrMiss
	}
	if err := json.Unmarshal(item.data, dest); err != nil {
		return apperrors.NewAppError(apperrors.ErrCodeCacheOperation, "failed to decode cache value", err)
	}
	return nil
}

func (mc *MemoryCache) SetTicker(ctx context.Context, exchangeID, symbol string, data interface{}, expiration time.Duration) error {
	return mc.set(tickerKey(exchangeID, symbol), data, expiration)
}

func (mc *MemoryCache) GetTicker(ctx context.Context, exchangeID, symbol string, dest interface{}) error {
	return mc.get(tickerKey(exchangeID, symbol), dest)
}

func (mc *MemoryCache) SetCandles(ctx context.Context, exchangeID, symbol, timeframe string, data interface{}, expiration time.Duration) error {
	return mc.set(candlesKey(exchangeID, symbol, timeframe), data, expiration)
}

func (mc *MemoryCache) GetCandles(ctx context.Context, exchangeID, symbol, timeframe string, dest interface{}) error {
	return mc.get(candlesKey(exchangeID, symbol, timeframe), dest)
}

func (mc *MemoryCache) Delete(ctx context.Context, key string) error {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	delete(mc.items, key)
	return nil
}

func (mc *MemoryCache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-mc.stopChan:
			return
		case <-ticker.C:
			now := time.Now()
			mc.mu.Lock()
			for key, item := range mc.items {
				if now.After(item.expiration) {
					delete(mc.items, key)
				}
			}
			mc.mu.Unlock()
		}
	}
}

func (mc *MemoryCache) Close() error {
	mc.stopOnce.Do(func() { close(mc.stopChan) })
	return nil
}
