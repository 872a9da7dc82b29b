// Package stub implements a deterministic in-memory venue.ExchangePort and
// venue.MarketDataPort for tests and the daemon's dry-run mode — no
// network calls, no flakiness, immediate fills at the requested price.
package stub

import (
	"context"
	"sync"

	"stopdaemon/internal/money"
	"stopdaemon/internal/venue"

	"github.com/google/uuid"
)

type order struct {
	req    venue.OrderRequest
	status venue.OrderStatus
}

// Venue is a single-process fake exchange. Every PlaceOrder fills
// immediately at req.Price.
type Venue struct {
	mu         sync.Mutex
	orders     map[string]order
	byClientID map[string]string // client_order_id -> exchange_order_id
	trades     map[string]chan venue.Trade
}

func New() *Venue {
	return &Venue{
		orders:     make(map[string]order),
		byClientID: make(map[string]string),
		trades:     make(map[string]chan venue.Trade),
	}
}

func (v *Venue) PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	id := uuid.New().String()
	v.orders[id] = order{req: req, status: venue.OrderStatusFilled}
	if req.ClientOrderID != "" {
		v.byClientID[req.ClientOrderID] = id
	}
	return venue.OrderAck{ExchangeOrderID: id, Status: venue.OrderStatusFilled}, nil
}

func (v *Venue) CancelOrder(ctx context.Context, symbol money.Symbol, exchangeOrderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[exchangeOrderID]
	if !ok {
		return nil
	}
	o.status = venue.OrderStatusCanceled
	v.orders[exchangeOrderID] = o
	return nil
}

func (v *Venue) OrderStatus(ctx context.Context, symbol money.Symbol, clientOrderID string) (venue.OrderStatusReport, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	exchangeOrderID, ok := v.byClientID[clientOrderID]
	if !ok {
		return venue.OrderStatusReport{Status: venue.OrderStatusUnknown}, nil
	}
	o, ok := v.orders[exchangeOrderID]
	if !ok {
		return venue.OrderStatusReport{Status: venue.OrderStatusUnknown}, nil
	}
	report := venue.OrderStatusReport{ExchangeOrderID: exchangeOrderID, Status: o.status, FilledQuantity: o.req.Quantity}
	if o.req.Price != nil {
		report.AvgFillPrice = o.req.Price
	}
	return report, nil
}

func (v *Venue) OpenPositions(ctx context.Context) ([]venue.ExternalPosition, error) {
	return nil, nil
}

// SubscribeTrades implements venue.MarketDataPort; feed ticks in with
// Push, the test/dev driver for this stub.
func (v *Venue) SubscribeTrades(ctx context.Context, symbol money.Symbol) (<-chan venue.Trade, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	ch := make(chan venue.Trade, 64)
	v.trades[symbol.String()] = ch
	go func() {
		<-ctx.Done()
		v.mu.Lock()
		defer v.mu.Unlock()
		if c, ok := v.trades[symbol.String()]; ok {
			close(c)
			delete(v.trades, symbol.String())
		}
	}()
	return ch, nil
}

// Push feeds one synthetic trade tick to any subscriber of symbol.
func (v *Venue) Push(symbol money.Symbol, trade venue.Trade) {
	v.mu.Lock()
	ch, ok := v.trades[symbol.String()]
	v.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- trade:
	default:
	}
}
