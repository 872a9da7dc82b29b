package runtime

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"stopdaemon/internal/credentials"
	"stopdaemon/internal/eventlog"
	"stopdaemon/internal/intent"
	"stopdaemon/internal/money"
	"stopdaemon/internal/position"
	"stopdaemon/internal/projector"
	"stopdaemon/internal/repository"
	"stopdaemon/internal/venue"

	"github.com/google/uuid"
)

// Daemon is the top-level orchestrator: it owns the bus, the position
// manager, one market data bridge per distinct symbol, the projection
// worker, and the venue pool, and runs the crash-recovery sequence before
// any of them start handling live traffic. Grounded on the teacher's
// cmd/trading-core/main.go wiring (context.WithCancel root, events.NewBus,
// signal-driven graceful shutdown).
type Daemon struct {
	TenantID    uuid.UUID
	Log         eventlog.Store
	Positions   repository.PositionRepository
	Registry    *projector.Registry
	Cursor      repository.CursorRepository
	VenuePool   *VenuePool
	Credentials *credentials.Store
	Journal     *intent.Journal
	Executor    *intent.Executor

	// DefaultProfile selects which stored credential the daemon's single
	// venue connection uses; a future multi-account daemon would key this
	// per position instead.
	DefaultProfile credentials.Profile

	// MarketData is the public trade-tape source. Binance's ExchangePort
	// (REST, signed) and MarketDataPort (public websocket) are distinct
	// clients, so this is wired separately rather than type-asserted off
	// the venue pool's ExchangePort; for the stub venue it is the same
	// instance.
	MarketData venue.MarketDataPort

	ProjectionInterval time.Duration

	bus       *Bus
	manager   *PositionManager
	runCtx    context.Context
	bridgesMu sync.Mutex
	bridges   map[string]*MarketDataBridge
	wg        sync.WaitGroup
	cancelAll context.CancelFunc
}

// Start runs the crash-recovery sequence (§4.H step 6) and then launches
// every long-running component. It returns once recovery completes and
// components are running in the background; callers cancel ctx to stop
// them and should call Wait afterward.
func (d *Daemon) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	d.cancelAll = cancel
	d.runCtx = runCtx

	d.bus = NewBus(256)
	venuePort, err := d.VenuePool.Get(ctx, d.DefaultProfile)
	if err != nil {
		return err
	}

	d.manager = NewPositionManager(d.TenantID, d.Log, d.Positions, d.bus, d.Executor, venuePort)

	if err := d.replayProjections(ctx); err != nil {
		return err
	}

	if err := d.reconcileInFlightIntents(ctx, venuePort); err != nil {
		log.Printf("runtime: daemon: intent reconciliation: %v", err)
	}

	active, err := d.Positions.FindActiveFromProjection(ctx, d.TenantID)
	if err != nil {
		return err
	}

	d.bridges = make(map[string]*MarketDataBridge)
	for _, pos := range active {
		d.ensureBridge(runCtx, pos.Symbol)
		if pos.State.Kind == position.KindArmed {
			d.respawnEntryDetector(runCtx, pos)
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.manager.Run(runCtx)
	}()

	interval := d.ProjectionInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	worker := &ProjectionWorker{TenantID: d.TenantID, Log: d.Log, Registry: d.Registry, Cursor: d.Cursor, Interval: interval}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		worker.Run(runCtx)
	}()

	return nil
}

// ensureBridge starts a MarketDataBridge for symbol if one is not already
// running, so a newly armed position on a symbol the daemon has never
// traded trades still gets live ticks without a restart.
func (d *Daemon) ensureBridge(ctx context.Context, symbol money.Symbol) {
	if d.MarketData == nil {
		return
	}
	key := symbol.String()

	d.bridgesMu.Lock()
	defer d.bridgesMu.Unlock()
	if d.bridges == nil {
		d.bridges = make(map[string]*MarketDataBridge)
	}
	if _, ok := d.bridges[key]; ok {
		return
	}
	bridge := &MarketDataBridge{Symbol: symbol, Port: d.MarketData, Bus: d.bus}
	d.bridges[key] = bridge

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		bridge.Run(ctx)
	}()
}

// Arm records a new position (see PositionManager.Arm) and ensures its
// symbol has a running market data bridge before spawning its entry
// detector.
func (d *Daemon) Arm(ctx context.Context, accountID uuid.UUID, symbol money.Symbol, side money.Side, techStopDistance money.TechnicalStopDistance, quantity money.Quantity, risk money.RiskConfig, criteria EntryCriteria) (uuid.UUID, error) {
	d.ensureBridge(d.runCtx, symbol)
	return d.manager.Arm(ctx, accountID, symbol, side, techStopDistance, quantity, risk, criteria)
}

// respawnEntryDetector restores the single-shot entry detector for a
// position still Armed after a crash. The criteria originally passed to
// Arm are not persisted, so the restored detector always uses
// CriteriaImmediate.
func (d *Daemon) respawnEntryDetector(ctx context.Context, pos *position.Position) {
	detector := &EntryDetector{
		PositionID: pos.ID,
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Criteria:   CriteriaImmediate,
		Bus:        d.bus,
	}
	go detector.Run(ctx)
}

// replayProjections folds every event recorded so far into the projection
// tables before the daemon starts reacting to new ones. This always
// replays from the beginning of the log rather than resuming from the
// persisted cursor, on both the in-memory and SQLite-backed repositories;
// safe because every projector handler is idempotent (gated on
// seq <= last_seq), so reapplying already-projected events is a no-op.
// The cursor is still used by the live projection worker started after
// this returns.
func (d *Daemon) replayProjections(ctx context.Context) error {
	envs, err := d.Log.Query(ctx, eventlog.Query{TenantID: d.TenantID})
	if err != nil {
		return err
	}
	for _, env := range envs {
		if err := d.Registry.Apply(ctx, env); err != nil {
			log.Printf("runtime: daemon: replay dropped event %s (%s): %v", env.EventID, env.EventType, err)
		}
	}
	return nil
}

// reconcileInFlightIntents asks the venue what actually happened to every
// intent the journal recorded as in-flight when the process last stopped,
// per §4.G.
func (d *Daemon) reconcileInFlightIntents(ctx context.Context, port venue.ExchangePort) error {
	return d.Executor.ReconcileInFlight(ctx, func(ctx context.Context, r intent.Record) (json.RawMessage, bool, error) {
		var req venue.OrderRequest
		if err := json.Unmarshal(r.Payload, &req); err != nil {
			return nil, true, nil
		}
		report, err := port.OrderStatus(ctx, req.Symbol, req.ClientOrderID)
		if err != nil {
			return nil, true, nil
		}
		switch report.Status {
		case venue.OrderStatusFilled, venue.OrderStatusPartial:
			result, _ := json.Marshal(venue.OrderAck{ExchangeOrderID: report.ExchangeOrderID, Status: report.Status})
			return result, false, nil
		case venue.OrderStatusRejected, venue.OrderStatusCanceled:
			return nil, true, nil
		default:
			return nil, true, nil
		}
	})
}

// Panic forwards to the position manager, exiting every active position.
func (d *Daemon) Panic(ctx context.Context) error {
	if d.manager == nil {
		return nil
	}
	return d.manager.Panic(ctx)
}

// Manager exposes the running PositionManager so admin surfaces (e.g. the
// gin HTTP layer) can call Arm/CancelDetector directly.
func (d *Daemon) Manager() *PositionManager { return d.manager }

// Bus exposes the event bus so admin surfaces can subscribe to a read-only
// feed (e.g. the websocket handler), without granting publish access.
func (d *Daemon) Bus() *Bus { return d.bus }

// Shutdown publishes EventShutdown so every subscriber stops emitting new
// events, cancels the root context, and waits for all components to
// return.
func (d *Daemon) Shutdown() {
	if d.bus != nil {
		d.bus.Publish(DaemonEvent{Kind: EventShutdown})
	}
	if d.cancelAll != nil {
		d.cancelAll()
	}
	d.wg.Wait()
}
