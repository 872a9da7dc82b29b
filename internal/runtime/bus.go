package runtime

import (
	"sync"
	"time"

	"stopdaemon/internal/money"
	"stopdaemon/internal/venue"

	"github.com/google/uuid"
)

// DaemonEventKind tags the closed sum of events the runtime fans out on Bus
// (§4.H): MarketData and DetectorSignal are lossy-by-design; OrderFill and
// Shutdown are delivered to every subscriber.
type DaemonEventKind string

const (
	EventMarketData     DaemonEventKind = "market_data"
	EventDetectorSignal DaemonEventKind = "detector_signal"
	EventOrderFill      DaemonEventKind = "order_fill"
	EventShutdown       DaemonEventKind = "shutdown"
)

// MarketDataEvent carries one venue trade tick, republished from a
// MarketDataBridge.
type MarketDataEvent struct {
	Symbol money.Symbol
	Trade  venue.Trade
}

// DetectorSignalEvent is the single emission of a per-position entry
// detector: the entry criteria fired at this price.
type DetectorSignalEvent struct {
	PositionID uuid.UUID
	Side       money.Side
	Price      money.Price
	Timestamp  time.Time
}

// OrderFillEvent notifies that a venue order filled, so the position
// manager can fold EntryFilled/ExitFilled without polling the venue.
type OrderFillEvent struct {
	PositionID     uuid.UUID
	OrderID        uuid.UUID
	Kind           string // "entry" | "exit"
	FillPrice      money.Price
	FilledQuantity money.Quantity
}

// DaemonEvent is the tagged union published on Bus; exactly one of the
// pointer fields is non-nil, selected by Kind.
type DaemonEvent struct {
	Kind           DaemonEventKind
	MarketData     *MarketDataEvent
	DetectorSignal *DetectorSignalEvent
	OrderFill      *OrderFillEvent
}

// Bus is a bounded, multi-producer multi-consumer broadcast, adapted from
// the teacher's internal/events.Bus: generalized from string topics to the
// closed DaemonEvent sum, and from an unbounded fan-out map to fixed-size
// buffered channels per subscriber. Slow subscribers drop market data and
// detector signals (lossy by design — critical state lives in the event
// log, never the bus); Shutdown blocks until every subscriber has it.
type Bus struct {
	mu       sync.RWMutex
	subs     map[int]chan DaemonEvent
	nextID   int
	bufferSz int
}

func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Bus{subs: make(map[int]chan DaemonEvent), bufferSz: bufferSize}
}

// Subscribe returns a receive channel and an unsubscribe function. Callers
// must drain the channel until it closes or call the unsubscribe func.
func (b *Bus) Subscribe() (<-chan DaemonEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan DaemonEvent, b.bufferSz)
	b.subs[id] = ch

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			close(c)
			delete(b.subs, id)
		}
	}
	return ch, unsub
}

// Publish fans ev out to every subscriber. MarketData and DetectorSignal
// drop silently on a full channel (overflow warning is the caller's
// responsibility, since only it knows the symbol/position context worth
// logging); OrderFill and Shutdown block so no subscriber misses a
// state-changing notification.
func (b *Bus) Publish(ev DaemonEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	blocking := ev.Kind == EventOrderFill || ev.Kind == EventShutdown
	for _, ch := range b.subs {
		if blocking {
			ch <- ev
			continue
		}
		select {
		case ch <- ev:
		default:
		}
	}
}
