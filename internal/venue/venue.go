// Package venue defines the daemon's ports to the outside trading world:
// placing/cancelling orders and receiving a live trade tape. Every
// side-effecting call goes through these ports wrapped by
// internal/intent.Executor, never called directly from position logic.
package venue

import (
	"context"
	"time"

	"stopdaemon/internal/money"

	"github.com/google/uuid"
)

// OrderRequest is what the daemon asks a venue to do. Market orders leave
// Price zero; stop orders set StopPrice.
type OrderRequest struct {
	ClientOrderID string
	Symbol        money.Symbol
	Side          money.Side
	Kind          OrderKind
	Quantity      money.Quantity
	Price         *money.Price
	StopPrice     *money.Price
}

type OrderKind string

const (
	OrderKindMarket OrderKind = "market"
	OrderKindLimit  OrderKind = "limit"
	OrderKindStop   OrderKind = "stop"
)

// OrderAck is the venue's immediate response to order submission.
type OrderAck struct {
	ExchangeOrderID string
	Status          OrderStatus
}

type OrderStatus string

const (
	OrderStatusNew      OrderStatus = "new"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusPartial  OrderStatus = "partial"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusRejected OrderStatus = "rejected"
	OrderStatusUnknown  OrderStatus = "unknown"
)

// OrderStatusReport is what a reconciliation poll or a status query
// returns: enough to resolve an ambiguous in-flight intent.
type OrderStatusReport struct {
	ExchangeOrderID string
	Status          OrderStatus
	FilledQuantity  money.Quantity
	AvgFillPrice    *money.Price
}

// ExchangePort is the trading surface a venue adapter implements.
type ExchangePort interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, symbol money.Symbol, exchangeOrderID string) error
	// OrderStatus looks an order up by the client-generated clientOrderID
	// rather than the venue-assigned exchange order id: the reconciliation
	// path (§4.G, §9 open question c) runs precisely when the exchange id
	// may never have been recorded, because the process crashed between
	// submitting the order and receiving its acknowledgement.
	OrderStatus(ctx context.Context, symbol money.Symbol, clientOrderID string) (OrderStatusReport, error)
	// OpenPositions lists positions the venue currently reports open,
	// independent of what the daemon's own projection believes — the input
	// to the rogue-position reconciliation poller.
	OpenPositions(ctx context.Context) ([]ExternalPosition, error)
}

// ExternalPosition is a position as reported by the venue itself, used to
// detect positions the daemon's projection does not know about (opened out
// of band, or left behind by a crash before PositionArmed was recorded).
type ExternalPosition struct {
	Symbol   money.Symbol
	Side     money.Side
	Quantity money.Quantity
	EntryAvg money.Price
}

// Trade is one tick off the public trade tape.
type Trade struct {
	Symbol    money.Symbol
	Price     money.Price
	Quantity  money.Quantity
	TradeID   uuid.UUID
	Timestamp time.Time
}

// MarketDataPort streams the public trade tape for a symbol. The returned
// channel is closed when ctx is cancelled or the stream cannot be
// recovered after exhausting its reconnect policy.
type MarketDataPort interface {
	SubscribeTrades(ctx context.Context, symbol money.Symbol) (<-chan Trade, error)
}
