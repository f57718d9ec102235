// Package exchange defines the capability interface every exchange adapter
// implements, the unified order types, and the registry that selects an
// adapter from a validated exchange name.
package exchange

import (
	"context"
	"strings"
	"time"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// ConditionalKind selects the trigger semantics of a conditional order.
type ConditionalKind string

const (
	TakeProfit ConditionalKind = "take_profit"
	StopLoss   ConditionalKind = "stop_loss"
)

// OrderStatus is the unified remote order status.
type OrderStatus string

const (
	StatusOpen     OrderStatus = "open"
	StatusClosed   OrderStatus = "closed"
	StatusCanceled OrderStatus = "canceled"
)

// Unified order types reported in RemoteOrder.Type.
const (
	OrderTypeMarket     = "market"
	OrderTypeLimit      = "limit"
	OrderTypeTakeProfit = "take_profit"
	OrderTypeStop       = "stop"
)

// Balance is the free and total amount of one asset.
type Balance struct {
	Free  float64 `json:"free"`
	Total float64 `json:"total"`
}

// Ticker is the latest traded price of a symbol.
type Ticker struct {
	Symbol    string    `json:"symbol"`
	Last      float64   `json:"last"`
	Timestamp time.Time `json:"timestamp"`
}

// RemoteOrder is an order as reported by the exchange.
type RemoteOrder struct {
	ID            string         `json:"id"`
	ClientOrderID string         `json:"client_order_id"`
	Symbol        string         `json:"symbol"`
	Side          Side           `json:"side"`
	Type          string         `json:"type"`
	Status        OrderStatus    `json:"status"`
	Price         float64        `json:"price"`
	TriggerPrice  float64        `json:"trigger_price"`
	Amount        float64        `json:"amount"`
	Filled        float64        `json:"filled"`
	AveragePrice  float64        `json:"average_price"`
	ReduceOnly    bool           `json:"reduce_only"`
	Timestamp     time.Time      `json:"timestamp"`
	Raw           map[string]any `json:"raw,omitempty"`
}

// Client is the uniform trading capability of one exchange account.
// Calls that place or cancel orders change real account state and are never
// retried by an implementation.
type Client interface {
	Name() Name
	FetchBalance(ctx context.Context) (map[string]Balance, error)
	FetchTicker(ctx context.Context, symbol string) (*Ticker, error)
	CreateMarketOrder(ctx context.Context, symbol string, side Side, amount float64, clientOrderID string) (*RemoteOrder, error)
	CreateLimitOrder(ctx context.Context, symbol string, side Side, amount, price float64, clientOrderID string) (*RemoteOrder, error)
	CreateConditionalOrder(ctx context.Context, symbol string, kind ConditionalKind, side Side, amount, triggerPrice float64, clientOrderID string) (*RemoteOrder, error)
	FetchOrder(ctx context.Context, orderID, symbol string) (*RemoteOrder, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]*RemoteOrder, error)
	CancelOrder(ctx context.Context, orderID, symbol string) (*RemoteOrder, error)
}

// SplitSymbol splits a unified "BASE/QUOTE" symbol.
func SplitSymbol(symbol string) (base, quote string, ok bool) {
	base, quote, ok = strings.Cut(symbol, "/")
	if !ok || base == "" || quote == "" {
		return "", "", false
	}
	return strings.ToUpper(base), strings.ToUpper(quote), true
}

// MarketID converts "BTC/USDT" into the concatenated "BTCUSDT" form both
// supported exchanges use on the wire.
func MarketID(symbol string) string {
	base, quote, ok := SplitSymbol(symbol)
	if !ok {
		return strings.ToUpper(symbol)
	}
	return base + quote
}
