package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"stopdaemon/internal/credentials"
	"stopdaemon/internal/venue"
	"stopdaemon/internal/venue/binance"
	"stopdaemon/internal/venue/stub"
)

var (
	ErrConnectionNotFound = errors.New("venue pool: connection not found")
	ErrPoolUnhealthy      = errors.New("venue pool: circuit open, venue unhealthy")
)

// VenueFactory builds a venue.ExchangePort for one tenant's profile,
// grounded on the teacher's gateway.GatewayFactory.
type VenueFactory func(secret credentials.Secret, testnet bool) (venue.ExchangePort, error)

// BinanceFactory is the default factory wired against internal/venue/binance.
func BinanceFactory(secret credentials.Secret, testnet bool) (venue.ExchangePort, error) {
	return binance.New(binance.Config{APIKey: secret.APIKey, APISecret: secret.APISecret, Testnet: testnet}), nil
}

// StubFactory ignores credentials and returns the deterministic stub venue,
// for dry-run deployments.
func StubFactory(secret credentials.Secret, testnet bool) (venue.ExchangePort, error) {
	return stub.New(), nil
}

type cachedVenue struct {
	port      venue.ExchangePort
	profile   credentials.Profile
	createdAt time.Time
	lastUsed  time.Time
	healthyAt time.Time
	failures  int
}

// VenuePoolConfig mirrors the teacher's gateway.Config knobs.
type VenuePoolConfig struct {
	MaxSize          int
	IdleTimeout      time.Duration
	FailureThreshold int
	CircuitTimeout   time.Duration
}

func DefaultVenuePoolConfig() VenuePoolConfig {
	return VenuePoolConfig{MaxSize: 100, IdleTimeout: 30 * time.Minute, FailureThreshold: 3, CircuitTimeout: 5 * time.Minute}
}

// VenuePool caches one venue.ExchangePort per tenant profile, with LRU
// eviction and a per-profile circuit breaker, grounded on the teacher's
// internal/gateway.Manager adapted from a connection-ID key to a
// credentials.Profile key and from exchange.Gateway to venue.ExchangePort.
type VenuePool struct {
	mu       sync.Mutex
	entries  map[string]*cachedVenue
	lruOrder []string

	config      VenuePoolConfig
	credentials *credentials.Store
	factory     VenueFactory
	testnet     bool
}

func NewVenuePool(store *credentials.Store, factory VenueFactory, testnet bool, cfg VenuePoolConfig) *VenuePool {
	return &VenuePool{
		entries:     make(map[string]*cachedVenue),
		credentials: store,
		factory:     factory,
		testnet:     testnet,
		config:      cfg,
	}
}

// Get returns a cached ExchangePort for profile, creating one from the
// credential store on a cache miss.
func (p *VenuePool) Get(ctx context.Context, profile credentials.Profile) (venue.ExchangePort, error) {
	key := profile.Key()

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.entries[key]; ok {
		if c.failures >= p.config.FailureThreshold && time.Since(c.healthyAt) < p.config.CircuitTimeout {
			return nil, ErrPoolUnhealthy
		}
		c.lastUsed = time.Now()
		p.touchLRULocked(key)
		return c.port, nil
	}

	if len(p.entries) >= p.config.MaxSize {
		if !p.evictOldestLocked() {
			return nil, fmt.Errorf("venue pool: at capacity (%d)", p.config.MaxSize)
		}
	}

	secret, err := p.credentials.Get(ctx, profile)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	port, err := p.factory(secret, p.testnet)
	if err != nil {
		return nil, fmt.Errorf("create venue: %w", err)
	}

	now := time.Now()
	p.entries[key] = &cachedVenue{port: port, profile: profile, createdAt: now, lastUsed: now, healthyAt: now}
	p.lruOrder = append(p.lruOrder, key)
	return port, nil
}

// RecordFailure/RecordSuccess drive the circuit breaker. Nothing in the
// daemon calls them, so a pooled entry's failure count stays at zero and
// the breaker does not open.
func (p *VenuePool) RecordFailure(profile credentials.Profile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.entries[profile.Key()]; ok {
		c.failures++
	}
}

func (p *VenuePool) RecordSuccess(profile credentials.Profile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.entries[profile.Key()]; ok {
		c.failures = 0
		c.healthyAt = time.Now()
	}
}

// CleanupIdle evicts entries unused for longer than IdleTimeout. Daemon
// does not call it; idle entries leave the pool only through LRU eviction.
func (p *VenuePool) CleanupIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	var stale []string
	for key, c := range p.entries {
		if now.Sub(c.lastUsed) > p.config.IdleTimeout {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		delete(p.entries, key)
		p.removeLRULocked(key)
	}
}

func (p *VenuePool) touchLRULocked(key string) {
	for i, k := range p.lruOrder {
		if k == key {
			p.lruOrder = append(p.lruOrder[:i], p.lruOrder[i+1:]...)
			p.lruOrder = append(p.lruOrder, key)
			return
		}
	}
}

func (p *VenuePool) removeLRULocked(key string) {
	for i, k := range p.lruOrder {
		if k == key {
			p.lruOrder = append(p.lruOrder[:i], p.lruOrder[i+1:]...)
			return
		}
	}
}

func (p *VenuePool) evictOldestLocked() bool {
	if len(p.lruOrder) == 0 {
		return false
	}
	oldest := p.lruOrder[0]
	delete(p.entries, oldest)
	p.lruOrder = p.lruOrder[1:]
	return true
}
