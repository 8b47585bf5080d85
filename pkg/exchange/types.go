// Package exchange defines the gateway contract the trading core talks
// through, plus the paper and Upbit implementations.
package exchange

import (
	"context"
	"errors"
	"time"
)

// Order sides as the core sees them.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Order types.
const (
	TypeMarket = "market"
	TypeLimit  = "limit"
)

// Exchange-visible order states. The ledger maps these onto its own
// lifecycle; gateways must only ever report one of these.
const (
	StatusOpen     = "open"
	StatusFilled   = "filled"
	StatusCanceled = "canceled"
	StatusRejected = "rejected"
	StatusExpired  = "expired"
)

// ErrOrderNotFound is returned when the exchange does not know the id.
var ErrOrderNotFound = errors.New("order not found on exchange")

// OrderSpec describes an order to place. IdempotencyKey is forwarded so a
// retried submission is not duplicated by the exchange.
type OrderSpec struct {
	Market         string
	Side           string
	Type           string
	Volume         float64
	Price          float64 // limit price; ignored for market orders
	IdempotencyKey string
	Emergency      bool // liquidation orders bypass paper latency niceties
}

// Ack is the exchange acknowledgment of a placed order.
type Ack struct {
	ExchangeID     string
	Status         string
	ExecutedVolume float64
	AvgPrice       float64
	Fee            float64
	CreatedAt      time.Time
}

// OrderStatus is the exchange view of an order when polled.
type OrderStatus struct {
	ExchangeID     string
	Market         string
	Side           string
	Status         string
	Volume         float64
	ExecutedVolume float64
	AvgPrice       float64
	Fee            float64
}

// Balance is the free/locked split for one currency.
type Balance struct {
	Free   float64
	Locked float64
}

// Ticker is the latest market quote.
type Ticker struct {
	Market string
	Last   float64
	Bid    float64
	Ask    float64
	At     time.Time
}

// Gateway is the authenticated exchange client. Implementations are safe
// for concurrent use; every call carries a bounded context.
type Gateway interface {
	PlaceOrder(ctx context.Context, spec OrderSpec) (Ack, error)
	CancelOrder(ctx context.Context, exchangeID string) (bool, error)
	GetOrderStatus(ctx context.Context, exchangeID string) (OrderStatus, error)
	GetOpenOrders(ctx context.Context, market string) ([]OrderStatus, error)
	GetBalances(ctx context.Context) (map[string]Balance, error)
	GetTicker(ctx context.Context, market string) (Ticker, error)
}
