package exchange

import (
	"context"
	"time"

	apperrors "marketd/internal/errors"
)

// Client is the trading-API surface the manager dispatches against. One
// instance is constructed per pooled connection; instances are never shared
// between connections.
type Client interface {
	FetchMarkets(ctx context.Context) ([]Market, error)
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, since time.Time, limit int) ([]Candle, error)
	FetchOrderBook(ctx context.Context, symbol string, limit int) (*OrderBook, error)
	FetchTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]Trade, error)
	FetchBalance(ctx context.Context) (map[string]*Balance, error)
	FetchPositions(ctx context.Context) ([]*Position, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]*Order, error)

	// Ping is the lightweight liveness probe used by the health-check loop.
	Ping(ctx context.Context) error

	Close() error
}

// CapabilityReporter is optionally implemented by clients that can describe
// what the venue supports. Used to fill connection metadata at initialization.
type CapabilityReporter interface {
	Capabilities() []Capability
}

// Capability names a feature a venue supports.
type Capability string

const (
	CapabilitySpot           Capability = "spot"
	CapabilityFutures        Capability = "futures"
	CapabilityMargin         Capability = "margin"
	CapabilityHistoricalData Capability = "historical_data"
)

// ClientFactory constructs a client for one pooled connection. The factory is
// called once per pool member so pooled clients never alias shared mutable
// state such as an HTTP session.
type ClientFactory func(exchangeID string, opts *Options) (Client, error)

// Method identifies one operation of the Client interface. Requests name
// their operation with a Method constant and the manager dispatches through
// a typed table rather than reflection.
type Method string

const (
	MethodFetchMarkets    Method = "fetch_markets"
	MethodFetchTicker     Method = "fetch_ticker"
	MethodFetchOHLCV      Method = "fetch_ohlcv"
	MethodFetchOrderBook  Method = "fetch_order_book"
	MethodFetchTrades     Method = "fetch_trades"
	MethodFetchBalance    Method = "fetch_balance"
	MethodFetchPositions  Method = "fetch_positions"
	MethodFetchOpenOrders Method = "fetch_open_orders"
	MethodPing            Method = "ping"
)

// Params carries the arguments for a dispatched method. Fields not used by
// the target method are ignored.
type Params struct {
	Symbol    string
	Timeframe string
	Since     time.Time
	Limit     int
}

// Invoke dispatches a method on a client with typed arguments.
func Invoke(ctx context.Context, c Client, method Method, p Params) (interface{}, error) {
	switch method {
	case MethodFetchMarkets:
		return c.FetchMarkets(ctx)
	case MethodFetchTicker:
		return c.FetchTicker(ctx, p.Symbol)
	case MethodFetchOHLCV:
		return c.FetchOHLCV(ctx, p.Symbol, p.Timeframe, p.Since, p.Limit)
	case MethodFetchOrderBook:
		return c.FetchOrderBook(ctx, p.Symbol, p.Limit)
	case MethodFetchTrades:
		return c.FetchTrades(ctx, p.Symbol, p.Since, p.Limit)
	case MethodFetchBalance:
		return c.FetchBalance(ctx)
	case MethodFetchPositions:
		return c.FetchPositions(ctx)
	case MethodFetchOpenOrders:
		return c.FetchOpenOrders(ctx, p.Symbol)
	case MethodPing:
		return nil, c.Ping(ctx)
	default:
		return nil, apperrors.NewAppErrorWithDetails(
			apperrors.ErrCodeInvalidInput, "unknown method", string(method), nil)
	}
}
