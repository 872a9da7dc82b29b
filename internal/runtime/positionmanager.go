package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"stopdaemon/internal/eventlog"
	"stopdaemon/internal/intent"
	"stopdaemon/internal/money"
	"stopdaemon/internal/position"
	"stopdaemon/internal/repository"
	"stopdaemon/internal/venue"

	"github.com/google/uuid"
)

// PositionManager is the stateful coordinator described in §4.H: it reacts
// to Arm commands, DetectorSignal, MarketData, and Panic, driving the
// pure engine (internal/trailing and internal/position) and routing
// side-effecting actions through the intent executor. Trailing-stop
// application for a single position is serialized via a per-position
// mutex shard so concurrent ticks observe one linearization (§5).
type PositionManager struct {
	TenantID uuid.UUID
	Log      eventlog.Store
	Repo     repository.PositionRepository
	Bus      *Bus
	Executor *intent.Executor
	Venue    venue.ExchangePort
	Commands *Commands
	Trailing *Detector

	mu      sync.Mutex
	shards  sync.Map // uuid.UUID -> *sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

func NewPositionManager(tenantID uuid.UUID, log eventlog.Store, repo repository.PositionRepository, bus *Bus, executor *intent.Executor, port venue.ExchangePort) *PositionManager {
	return &PositionManager{
		TenantID: tenantID,
		Log:      log,
		Repo:     repo,
		Bus:      bus,
		Executor: executor,
		Venue:    port,
		Commands: &Commands{Log: log},
		Trailing: &Detector{TenantID: tenantID, Log: log, Repo: repo},
		cancels:  make(map[uuid.UUID]context.CancelFunc),
	}
}

func (m *PositionManager) shardFor(positionID uuid.UUID) *sync.Mutex {
	v, _ := m.shards.LoadOrStore(positionID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Arm records PositionArmed and spawns an entry detector for the new
// position. It takes the per-strategy RiskConfig but does not read it; the
// only checks on it are those money.NewRiskConfig makes. The returned
// positionID is a time-ordered (UUIDv7) identifier.
func (m *PositionManager) Arm(ctx context.Context, accountID uuid.UUID, symbol money.Symbol, side money.Side, techStopDistance money.TechnicalStopDistance, quantity money.Quantity, risk money.RiskConfig, criteria EntryCriteria) (uuid.UUID, error) {
	positionID, err := uuid.NewV7()
	if err != nil {
		positionID = uuid.New()
	}
	commandID := uuid.New()

	if err := m.Commands.ArmPosition(ctx, m.TenantID, positionID, accountID, symbol, side, techStopDistance, quantity, commandID); err != nil {
		return uuid.Nil, fmt.Errorf("arm position: %w", err)
	}

	detectorCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancels[positionID] = cancel
	m.mu.Unlock()

	detector := &EntryDetector{PositionID: positionID, Symbol: symbol, Side: side, Criteria: criteria, Bus: m.Bus}
	go detector.Run(detectorCtx)

	return positionID, nil
}

// CancelDetector stops an armed position's entry detector without emitting
// a signal, e.g. when a user withdraws an order before entry.
func (m *PositionManager) CancelDetector(positionID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.cancels[positionID]; ok {
		cancel()
		delete(m.cancels, positionID)
	}
}

// Run subscribes to Bus and dispatches every event to its handler until ctx
// is cancelled or a Shutdown event arrives.
func (m *PositionManager) Run(ctx context.Context) {
	ch, unsub := m.Bus.Subscribe()
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Kind {
			case EventDetectorSignal:
				go m.onDetectorSignal(ctx, *ev.DetectorSignal)
			case EventMarketData:
				go m.onMarketData(ctx, *ev.MarketData)
			case EventOrderFill:
				go m.onOrderFill(ctx, *ev.OrderFill)
			case EventShutdown:
				return
			}
		}
	}
}

// onDetectorSignal computes EngineAction::PlaceEntry and routes it through
// the executor; on venue acknowledgement it appends EntryOrderPlaced, and
// for the stub/synchronous-fill venues it immediately follows with
// EntryFilled.
func (m *PositionManager) onDetectorSignal(ctx context.Context, sig DetectorSignalEvent) {
	mu := m.shardFor(sig.PositionID)
	mu.Lock()
	defer mu.Unlock()

	pos, _, err := m.Repo.Get(ctx, m.TenantID, sig.PositionID)
	if err != nil {
		log.Printf("runtime: position manager: lookup %s for entry signal: %v", sig.PositionID, err)
		return
	}
	if pos.State.Kind != position.KindArmed || pos.Quantity == nil {
		return
	}

	orderID := uuid.New()
	commandID := uuid.New()
	req := venue.OrderRequest{
		ClientOrderID: orderID.String(),
		Symbol:        pos.Symbol,
		Side:          pos.Side,
		Kind:          venue.OrderKindMarket,
		Quantity:      *pos.Quantity,
	}

	payload, _ := json.Marshal(req)
	result, err := m.Executor.Run(ctx, sig.PositionID, "place_entry", commandID, payload, func(ctx context.Context) (json.RawMessage, error) {
		ack, err := m.Venue.PlaceOrder(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(ack)
	})
	if err != nil {
		log.Printf("runtime: position manager: place entry for %s: %v", sig.PositionID, err)
		return
	}

	var ack venue.OrderAck
	if err := json.Unmarshal(result, &ack); err != nil {
		log.Printf("runtime: position manager: decode entry ack for %s: %v", sig.PositionID, err)
		return
	}

	if err := m.appendEntryOrderPlaced(ctx, pos, orderID, sig.Price); err != nil {
		log.Printf("runtime: position manager: append entry_order_placed for %s: %v", sig.PositionID, err)
		return
	}

	if ack.Status == venue.OrderStatusFilled {
		m.Bus.Publish(DaemonEvent{
			Kind: EventOrderFill,
			OrderFill: &OrderFillEvent{
				PositionID:     sig.PositionID,
				OrderID:        orderID,
				Kind:           "entry",
				FillPrice:      sig.Price,
				FilledQuantity: *pos.Quantity,
			},
		})
	}
}

func (m *PositionManager) appendEntryOrderPlaced(ctx context.Context, pos *position.Position, orderID uuid.UUID, price money.Price) error {
	// expected_seq must come from the event log, not the trailing
	// projection: the projection worker folds asynchronously and can still
	// be behind an append this same reaction just made, which would fail
	// optimistic concurrency and silently drop the event.
	seq, err := m.Log.LastSeq(ctx, m.TenantID, eventlog.PositionStream(pos.ID))
	if err != nil {
		return err
	}
	ev := position.NewEntryOrderPlaced(pos.ID, orderID, price, *pos.Quantity, time.Now())
	payload, err := json.Marshal(entryOrderPlacedWire{PositionID: pos.ID, OrderID: orderID, ExpectedPrice: price, Quantity: *pos.Quantity})
	if err != nil {
		return err
	}
	_, err = m.Log.Append(ctx, eventlog.PositionStream(pos.ID), seq, eventlog.NewEvent{
		TenantID:   m.TenantID,
		EventType:  ev.Tag(),
		Payload:    payload,
		OccurredAt: ev.OccurredAt(),
	})
	return unwrapIdempotent(err)
}

type entryOrderPlacedWire struct {
	PositionID    uuid.UUID      `json:"position_id"`
	OrderID       uuid.UUID      `json:"order_id"`
	ExpectedPrice money.Price    `json:"expected_price"`
	Quantity      money.Quantity `json:"quantity"`
}

// onMarketData applies the trailing-stop reactor to every locally known
// Active position on the tick's symbol.
func (m *PositionManager) onMarketData(ctx context.Context, md MarketDataEvent) {
	positions, err := m.Repo.FindActiveFromProjection(ctx, m.TenantID)
	if err != nil {
		log.Printf("runtime: position manager: find active positions: %v", err)
		return
	}

	var matched []*position.Position
	for _, p := range positions {
		if p.Symbol.String() == md.Symbol.String() {
			matched = append(matched, p)
		}
	}
	if len(matched) == 0 {
		return
	}

	// Serialize per position so concurrent ticks for the same position
	// still observe one linearization even though onMarketData itself may
	// run concurrently for different symbols.
	for _, p := range matched {
		mu := m.shardFor(p.ID)
		mu.Lock()
		triggered, err := m.Trailing.OnTrade(ctx, md.Trade, []*position.Position{p})
		mu.Unlock()
		if err != nil {
			log.Printf("runtime: position manager: trailing reactor for %s: %v", p.ID, err)
			continue
		}
		// A stop hit appends ExitTriggered to the log; routing the venue
		// order happens here, outside the lock, the same way Panic does it,
		// so the executor's own per-position mutex serializes the exit.
		for _, hit := range triggered {
			m.placeExit(ctx, hit)
		}
	}
}

// onOrderFill folds a fill notification into EntryFilled or ExitFilled.
func (m *PositionManager) onOrderFill(ctx context.Context, fill OrderFillEvent) {
	mu := m.shardFor(fill.PositionID)
	mu.Lock()
	defer mu.Unlock()

	pos, _, err := m.Repo.Get(ctx, m.TenantID, fill.PositionID)
	if err != nil {
		log.Printf("runtime: position manager: lookup %s for fill: %v", fill.PositionID, err)
		return
	}
	// expected_seq must come from the event log, not the trailing
	// projection fetched above for domain state: the projection worker
	// folds asynchronously and can still be behind an append this same
	// reaction just made.
	seq, err := m.Log.LastSeq(ctx, m.TenantID, eventlog.PositionStream(fill.PositionID))
	if err != nil {
		log.Printf("runtime: position manager: last seq %s for fill: %v", fill.PositionID, err)
		return
	}

	switch fill.Kind {
	case "entry":
		if pos.State.Kind != position.KindArmed || pos.TechStopDistance == nil {
			return
		}
		initialStop, err := initialStopFromFill(pos.Side, fill.FillPrice, *pos.TechStopDistance)
		if err != nil {
			log.Printf("runtime: position manager: initial stop for %s: %v", fill.PositionID, err)
			return
		}
		ev := position.NewEntryFilled(fill.PositionID, fill.OrderID, fill.FillPrice, fill.FilledQuantity, initialStop, time.Now())
		m.appendPositionEvent(ctx, fill.PositionID, seq, ev, entryFilledWire{
			PositionID: fill.PositionID, OrderID: fill.OrderID, FillPrice: fill.FillPrice,
			FilledQuantity: fill.FilledQuantity, InitialStop: initialStop,
		})
	case "exit":
		if pos.State.Kind != position.KindExiting {
			return
		}
		ev := position.NewExitFilled(fill.PositionID, fill.OrderID, fill.FillPrice, fill.FilledQuantity, time.Now())
		if err := m.appendPositionEvent(ctx, fill.PositionID, seq, ev, exitFilledWire{
			PositionID: fill.PositionID, OrderID: fill.OrderID, FillPrice: fill.FillPrice, FilledQuantity: fill.FilledQuantity,
		}); err != nil {
			return
		}
		closedEv := position.NewPositionClosed(fill.PositionID, time.Now())
		m.appendPositionEvent(ctx, fill.PositionID, seq+1, closedEv, positionClosedWire{PositionID: fill.PositionID})
	}
}

func (m *PositionManager) appendPositionEvent(ctx context.Context, positionID uuid.UUID, expectedSeq int64, ev position.Event, wire any) error {
	payload, err := json.Marshal(wire)
	if err != nil {
		log.Printf("runtime: position manager: marshal %s: %v", ev.Tag(), err)
		return err
	}
	_, err = m.Log.Append(ctx, eventlog.PositionStream(positionID), expectedSeq, eventlog.NewEvent{
		TenantID:   m.TenantID,
		EventType:  ev.Tag(),
		Payload:    payload,
		OccurredAt: ev.OccurredAt(),
	})
	if err := unwrapIdempotent(err); err != nil {
		log.Printf("runtime: position manager: append %s for %s: %v", ev.Tag(), positionID, err)
		return err
	}
	return nil
}

type entryFilledWire struct {
	PositionID     uuid.UUID      `json:"position_id"`
	OrderID        uuid.UUID      `json:"order_id"`
	FillPrice      money.Price    `json:"fill_price"`
	FilledQuantity money.Quantity `json:"filled_quantity"`
	InitialStop    money.Price    `json:"initial_stop"`
}

type exitFilledWire struct {
	PositionID     uuid.UUID      `json:"position_id"`
	OrderID        uuid.UUID      `json:"order_id"`
	FillPrice      money.Price    `json:"fill_price"`
	FilledQuantity money.Quantity `json:"filled_quantity"`
}

type positionClosedWire struct {
	PositionID uuid.UUID `json:"position_id"`
}

// initialStopFromFill seeds the trailing stop at the technical stop
// distance from the entry fill, matching invariant 5 (§3): the initial
// trailing stop equals the technical stop at open.
func initialStopFromFill(side money.Side, fillPrice money.Price, dist money.TechnicalStopDistance) (money.Price, error) {
	switch side {
	case money.Long:
		return fillPrice.SubDistance(dist)
	case money.Short:
		return fillPrice.AddDistance(dist)
	default:
		return money.Price{}, fmt.Errorf("initial stop: unspecified side")
	}
}

// Panic emits ExitTriggered(user_panic) for every active position of the
// tenant and routes the resulting exit through PlaceExit, mirroring the
// trailing-stop-hit exit path.
func (m *PositionManager) Panic(ctx context.Context) error {
	positions, err := m.Repo.FindActiveFromProjection(ctx, m.TenantID)
	if err != nil {
		return err
	}
	for _, p := range positions {
		if p.State.Kind != position.KindActive {
			continue
		}
		commandID := uuid.New()
		if err := m.Commands.TriggerPanicExit(ctx, m.TenantID, p.ID, p.State.CurrentPrice, p.State.TrailingStop, commandID); err != nil {
			log.Printf("runtime: position manager: panic exit for %s: %v", p.ID, err)
			continue
		}
		m.placeExit(ctx, p)
	}
	return nil
}

// placeExit routes PlaceExit through the executor once a position has
// transitioned to Exiting (stop hit or panic).
func (m *PositionManager) placeExit(ctx context.Context, pos *position.Position) {
	if pos.Quantity == nil {
		return
	}
	orderID := uuid.New()
	commandID := uuid.New()
	req := venue.OrderRequest{
		ClientOrderID: orderID.String(),
		Symbol:        pos.Symbol,
		Side:          opposite(pos.Side),
		Kind:          venue.OrderKindMarket,
		Quantity:      *pos.Quantity,
	}
	payload, _ := json.Marshal(req)
	result, err := m.Executor.Run(ctx, pos.ID, "place_exit", commandID, payload, func(ctx context.Context) (json.RawMessage, error) {
		ack, err := m.Venue.PlaceOrder(ctx, req)
		if err != nil {
			return nil, err
		}
		return json.Marshal(ack)
	})
	if err != nil {
		log.Printf("runtime: position manager: place exit for %s: %v", pos.ID, err)
		return
	}
	var ack venue.OrderAck
	if err := json.Unmarshal(result, &ack); err != nil {
		return
	}

	seq, err := m.Log.LastSeq(ctx, m.TenantID, eventlog.PositionStream(pos.ID))
	if err != nil {
		return
	}
	ev := position.NewExitOrderPlaced(pos.ID, orderID, pos.State.TrailingStop, *pos.Quantity, time.Now())
	if err := m.appendPositionEvent(ctx, pos.ID, seq, ev, entryOrderPlacedWire{PositionID: pos.ID, OrderID: orderID, ExpectedPrice: pos.State.TrailingStop, Quantity: *pos.Quantity}); err != nil {
		return
	}

	if ack.Status == venue.OrderStatusFilled {
		m.Bus.Publish(DaemonEvent{
			Kind: EventOrderFill,
			OrderFill: &OrderFillEvent{
				PositionID: pos.ID, OrderID: orderID, Kind: "exit",
				FillPrice: pos.State.TrailingStop, FilledQuantity: *pos.Quantity,
			},
		})
	}
}

func opposite(side money.Side) money.Side {
	if side == money.Long {
		return money.Short
	}
	return money.Long
}
