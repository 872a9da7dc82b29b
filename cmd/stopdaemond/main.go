// Command stopdaemond runs the stop-loss daemon: it loads configuration,
// opens the event log and projection store, wires the venue pool and
// intent executor, runs crash recovery, and serves the admin HTTP API
// until signaled to stop. Grounded on the teacher's cmd/trading-core/main.go
// wiring order (config, storage, venue clients, engine, signal-driven
// shutdown).
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"stopdaemon/internal/api"
	"stopdaemon/internal/credentials"
	"stopdaemon/internal/eventlog"
	"stopdaemon/internal/intent"
	"stopdaemon/internal/monitor"
	"stopdaemon/internal/notify"
	"stopdaemon/internal/projector"
	"stopdaemon/internal/reconciliation"
	"stopdaemon/internal/repository"
	"stopdaemon/internal/runtime"
	"stopdaemon/internal/venue"
	"stopdaemon/internal/venue/binance"
	"stopdaemon/internal/venue/stub"
	"stopdaemon/pkg/config"
	"stopdaemon/pkg/crypto"
	"stopdaemon/pkg/db"

	"github.com/google/uuid"
)

// Exit codes match the daemon's documented operational contract.
const (
	exitOK            = 0
	exitConfigError   = 1
	exitStorageError  = 2
	exitUnrecoverable = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("config: %v", err)
		return exitConfigError
	}

	tenantID, err := resolveTenantID(cfg.DefaultTenantID)
	if err != nil {
		log.Printf("config: %v", err)
		return exitConfigError
	}

	keys, err := crypto.NewKeyManager()
	if err != nil {
		log.Printf("crypto: %v", err)
		return exitConfigError
	}
	if cfg.Environment == "production" {
		if err := keys.BindToMachine(); err != nil {
			log.Printf("crypto: bind to machine: %v", err)
			return exitConfigError
		}
	}

	credStore, err := credentials.Open(cfg.CredentialStorePath, keys)
	if err != nil {
		log.Printf("credentials: %v", err)
		return exitStorageError
	}

	eventStore, positions, orders, balances, strategies, risks, cursor, closeStorage, err := openStorage(cfg, tenantID)
	if err != nil {
		log.Printf("storage: %v", err)
		return exitStorageError
	}
	defer closeStorage()

	journal, err := intent.Open(cfg.IntentWALDir)
	if err != nil {
		log.Printf("intent: %v", err)
		return exitStorageError
	}
	defer journal.Close()
	executor := intent.NewExecutor(journal)

	registry := projector.Combine(
		projector.Positions(positions),
		projector.Orders(orders),
		projector.Balances(balances),
		projector.Strategy(strategies),
		projector.Risk(risks),
	)

	factory, marketData, testnet := venueStack(cfg)
	pool := runtime.NewVenuePool(credStore, factory, testnet, runtime.DefaultVenuePoolConfig())

	profile := credentials.Profile{TenantID: tenantID, Exchange: cfg.Venue, Name: "default"}

	daemon := &runtime.Daemon{
		TenantID:           tenantID,
		Log:                eventStore,
		Positions:          positions,
		Registry:           registry,
		Cursor:             cursor,
		VenuePool:          pool,
		Credentials:        credStore,
		Journal:            journal,
		Executor:           executor,
		DefaultProfile:     profile,
		MarketData:         marketData,
		ProjectionInterval: cfg.ProjectionPollInterval,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := daemon.Start(ctx); err != nil {
		log.Printf("daemon: start: %v", err)
		return exitUnrecoverable
	}

	alerts := alertSink(cfg)
	venuePort, err := pool.Get(ctx, profile)
	if err == nil {
		recon := reconciliation.NewService(tenantID, venuePort, positions, alerts, cfg.ReconcileInterval)
		recon.Start(ctx)
	} else {
		log.Printf("reconciliation: venue unavailable, skipping rogue-position poller: %v", err)
	}

	users, err := api.OpenUserStore(cfg.CredentialStorePath + ".users")
	if err != nil {
		log.Printf("api: user store: %v", err)
		return exitStorageError
	}

	server := api.NewServer(daemon, users, cfg.JWTSecret, api.SystemMeta{
		Venue:       cfg.Venue,
		Environment: cfg.Environment,
		TenantID:    tenantID,
		Version:     "dev",
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(cfg.AdminAddr)
	}()

	select {
	case <-ctx.Done():
		log.Printf("stopdaemond: shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			log.Printf("api: server exited: %v", err)
		}
	}

	daemon.Shutdown()
	return exitOK
}

// resolveTenantID parses the configured default tenant id, minting a fresh
// one if the operator never set DEFAULT_TENANT_ID (single-operator dev
// mode, matching §6's "absent ⇒ generate and persist nothing extra").
func resolveTenantID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.New(), nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.New("DEFAULT_TENANT_ID is not a valid UUID")
	}
	return id, nil
}

// openStorage wires the event log and projection repositories. An empty
// DatabaseURL runs the in-memory projection store (§6: "absent ⇒
// in-memory store and no projection worker" — the daemon still runs the
// worker here, folding into repositories that simply don't survive a
// restart, which keeps Start's crash-recovery path uniform across both
// modes).
func openStorage(cfg *config.Config, tenantID uuid.UUID) (
	store eventlog.Store,
	positions repository.PositionRepository,
	orders repository.OrderRepository,
	balances repository.BalanceRepository,
	strategies repository.StrategyRepository,
	risks repository.RiskRepository,
	cursor repository.CursorRepository,
	closeFn func(),
	err error,
) {
	store, err = eventlog.NewSQLiteStore(cfg.EventLogPath, cfg.EventLogChain)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, nil, nil, err
	}

	cursor, err = repository.NewFileCursorRepository(cfg.IntentWALDir + "/cursors")
	if err != nil {
		store.Close()
		return nil, nil, nil, nil, nil, nil, nil, nil, err
	}

	if cfg.DatabaseURL == "" {
		positions = repository.NewMemPositionRepository()
		orders = repository.NewMemOrderRepository()
		balances = repository.NewMemBalanceRepository()
		strategies = repository.NewMemStrategyRepository()
		risks = repository.NewMemRiskRepository()
		return store, positions, orders, balances, strategies, risks, cursor, func() { store.Close() }, nil
	}

	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		store.Close()
		return nil, nil, nil, nil, nil, nil, nil, nil, err
	}
	if err := db.ApplyMigrations(database); err != nil {
		database.Close()
		store.Close()
		return nil, nil, nil, nil, nil, nil, nil, nil, err
	}

	queries := db.NewProjectionQueries(database)
	positions = repository.NewSQLitePositionRepository(queries)
	orders = repository.NewSQLiteOrderRepository(queries)
	balances = repository.NewSQLiteBalanceRepository(queries)
	strategies = repository.NewSQLiteStrategyRepository(queries)
	risks = repository.NewSQLiteRiskRepository(queries)

	closeFn = func() {
		database.Close()
		store.Close()
	}
	return store, positions, orders, balances, strategies, risks, cursor, closeFn, nil
}

// venueStack selects the live venue factory and its matching public
// market-data port (§6 venue selection: "stub" for dev/test, "binance" for
// live trading).
func venueStack(cfg *config.Config) (runtime.VenueFactory, venue.MarketDataPort, bool) {
	switch cfg.Venue {
	case "binance":
		return runtime.BinanceFactory, binance.NewStreamClient(cfg.BinanceTestnet), cfg.BinanceTestnet
	default:
		stubVenue := stub.New()
		return runtime.StubFactory, stubVenue, false
	}
}

func alertSink(cfg *config.Config) monitor.AlertSink {
	if cfg.TelegramBotToken == "" || cfg.TelegramChatID == "" {
		return notify.Log{Writef: log.Printf}
	}
	chatID, err := strconv.ParseInt(cfg.TelegramChatID, 10, 64)
	if err != nil {
		log.Printf("notify: invalid TELEGRAM_CHAT_ID, falling back to log sink: %v", err)
		return notify.Log{Writef: log.Printf}
	}
	sink, err := notify.NewTelegram(cfg.TelegramBotToken, chatID)
	if err != nil {
		log.Printf("notify: telegram init failed, falling back to log sink: %v", err)
		return notify.Log{Writef: log.Printf}
	}
	return sink
}
