package exchange

import (
	"context"
	"time"

	"github.com/banbox/banexg"
	"github.com/banbox/banexg/bex"
)

// banexgClient backs a Client with the banexg exchange SDK.
//
// Note: banexg may log "cache private api result is not recommend" warnings
// when it caches authenticated endpoint responses. They are informational and
// do not affect functionality.
type banexgClient struct {
	exchangeID string
	exg        banexg.BanExchange
}

// NewBanexgClientFactory returns the ClientFactory used in production. Each
// call builds a fresh banexg instance so pooled connections never share an
// HTTP session.
func NewBanexgClientFactory() ClientFactory {
	return func(exchangeID string, opts *Options) (Client, error) {
		options := map[string]interface{}{
			banexg.OptApiKey:    opts.APIKey,
			banexg.OptApiSecret: opts.APISecret,
		}
		options[banexg.OptMarketType] = banexg.MarketLinear
		if opts.Sandbox {
			options[banexg.OptEnv] = "test"
			options[banexg.OptDebugApi] = false
		}

		exg, err := bex.New(exchangeID, options)
		if err != nil {
			return nil, NewConnectionError(exchangeID, MethodPing, err)
		}
		return &banexgClient{exchangeID: exchangeID, exg: exg}, nil
	}
}

func (c *banexgClient) FetchMarkets(ctx context.Context) ([]Market, error) {
	markets, err := c.exg.LoadMarkets(false, nil)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	out := make([]Market, 0, len(markets))
	for _, m := range markets {
		out = append(out, Market{
			Symbol:     m.Symbol,
			BaseAsset:  m.Base,
			QuoteAsset: m.Quote,
			Active:     true,
		})
	}
	return out, nil
}

func (c *banexgClient) FetchTicker(ctx context.Context, symbol string) (*Ticker, error) {
	t, err := c.exg.FetchTicker(symbol, nil)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}
	return &Ticker{
		Symbol:    symbol,
		Last:      t.Last,
		Timestamp: time.Now(),
	}, nil
}

func (c *banexgClient) FetchOHLCV(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]Candle, error) {
	var sinceMS int64
	if !since.IsZero() {
		sinceMS = since.UnixMilli()
	}
	klines, err := c.exg.FetchOHLCV(symbol, timeframe, sinceMS, limit, nil)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	out := make([]Candle, 0, len(klines))
	for _, k := range klines {
		out = append(out, Candle{
			Timestamp: time.Unix(0, k.Time*int64(time.Millisecond)),
			Open:      k.Open,
			High:      k.High,
			Low:       k.Low,
			Close:     k.Close,
			Volume:    k.Volume,
		})
	}
	return out, nil
}

// FetchOrderBook is not exposed consistently across banexg venues; depth
// snapshots come from venue-native collectors instead.
func (c *banexgClient) FetchOrderBook(ctx context.Context, symbol string, limit int) (*OrderBook, error) {
	return nil, &APIError{Code: "not_supported", Message: "order book fetch not supported by banexg client"}
}

// FetchTrades is not exposed consistently across banexg venues.
func (c *banexgClient) FetchTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]Trade, error) {
	return nil, &APIError{Code: "not_supported", Message: "public trades fetch not supported by banexg client"}
}

func (c *banexgClient) FetchBalance(ctx context.Context) (map[string]*Balance, error) {
	balances, err := c.exg.FetchBalance(nil)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	out := make(map[string]*Balance, len(balances.Total))
	for asset, total := range balances.Total {
		out[asset] = &Balance{
			Asset:     asset,
			Total:     total,
			Available: balances.Free[asset],
			Locked:    balances.Used[asset],
			UpdatedAt: time.Now(),
		}
	}
	return out, nil
}

func (c *banexgClient) FetchPositions(ctx context.Context) ([]*Position, error) {
	positions, err := c.exg.FetchPositions(nil, nil)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	out := make([]*Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, &Position{
			Symbol:        p.Symbol,
			Side:          p.Side,
			Size:          p.Contracts,
			EntryPrice:    p.EntryPrice,
			MarkPrice:     p.MarkPrice,
			UnrealizedPnL: p.UnrealizedPnl,
			UpdatedAt:     time.Unix(0, p.TimeStamp*int64(time.Millisecond)),
		})
	}
	return out, nil
}

func (c *banexgClient) FetchOpenOrders(ctx context.Context, symbol string) ([]*Order, error) {
	orders, err := c.exg.FetchOpenOrders(symbol, 0, 0, nil)
	if err != nil {
		return nil, &NetworkError{Err: err}
	}

	out := make([]*Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, &Order{
			ID:        o.ID,
			Symbol:    o.Symbol,
			Side:      o.Side,
			Type:      o.Type,
			Price:     o.Price,
			Amount:    o.Amount,
			Filled:    o.Filled,
			Status:    o.Status,
			CreatedAt: time.Unix(0, o.Timestamp*int64(time.Millisecond)),
		})
	}
	return out, nil
}

// Ping loads cached market metadata as a cheap liveness probe.
func (c *banexgClient) Ping(ctx context.Context) error {
	if _, err := c.exg.LoadMarkets(false, nil); err != nil {
		return &NetworkError{Err: err}
	}
	return nil
}

func (c *banexgClient) Capabilities() []Capability {
	return []Capability{CapabilitySpot, CapabilityFutures, CapabilityHistoricalData}
}

func (c *banexgClient) Close() error {
	if c.exg != nil {
		return c.exg.Close()
	}
	return nil
}
