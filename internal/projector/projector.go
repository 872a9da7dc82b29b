// Package projector folds the event log into the current-state projection
// tables behind internal/repository: one deterministic, idempotent handler
// per event type, each gated on the event's seq so replays and
// out-of-order delivery never regress the projection (§4.E).
package projector

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"stopdaemon/internal/eventlog"
	"stopdaemon/internal/position"
	"stopdaemon/internal/repository"
)

var ErrUnknownEventType = errors.New("projector: unknown event type")

// InvalidPayload is returned when an envelope's payload cannot be decoded
// into the typed event the handler expects (§4.E step 1).
type InvalidPayload struct {
	EventType string
	Reason    string
}

func (e *InvalidPayload) Error() string {
	return fmt.Sprintf("projector: invalid payload for %s: %s", e.EventType, e.Reason)
}

func (e *InvalidPayload) Unwrap() error { return errDecodeFailed }

var errDecodeFailed = errors.New("invalid payload")

// InvariantViolated is returned when a successfully-decoded payload violates
// a domain invariant for its event type (§4.E step 2, e.g. POSITION_OPENED
// requiring non-zero stop fields). Fatal for that event: the caller must
// not advance its cursor past it.
type InvariantViolated struct {
	EventType string
	Reason    string
}

func (e *InvariantViolated) Error() string {
	return fmt.Sprintf("projector: invariant violated for %s: %s", e.EventType, e.Reason)
}

func (e *InvariantViolated) Unwrap() error { return errInvariant }

var errInvariant = errors.New("invariant violated")

// legacyAlias maps historical event-type spellings onto their current tag,
// so a store that predates a rename still projects correctly. Includes the
// wire-stable canonical tags from the event type table (POSITION_OPENED,
// POSITION_CLOSED) alongside their lowercase legacy spelling, since both
// have been observed in the field.
var legacyAlias = map[string]string{
	"position_opened": "position_armed",
	"POSITION_OPENED": "position_armed",
	"POSITION_CLOSED": "position_closed",
}

// HandlerFunc applies one envelope's payload to the projection tables.
type HandlerFunc func(ctx context.Context, env eventlog.EventEnvelope) error

// Registry dispatches by event type.
type Registry struct {
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

func (r *Registry) Register(eventType string, h HandlerFunc) {
	r.handlers[eventType] = h
}

// Apply dispatches env to its registered handler, resolving legacy aliases
// (matched case-insensitively) first. Unknown event types are a hard error: a projector that silently
// ignores a tag it doesn't recognize could mask a forward-compatibility
// bug in production.
func (r *Registry) Apply(ctx context.Context, env eventlog.EventEnvelope) error {
	eventType := env.EventType
	for legacy, current := range legacyAlias {
		if strings.EqualFold(legacy, eventType) {
			eventType = current
			break
		}
	}
	h, ok := r.handlers[eventType]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEventType, env.EventType)
	}
	return h(ctx, env)
}

// Combine merges several registries into one, later registrations winning
// on a tag collision. Used to assemble the daemon's full dispatcher from
// the per-aggregate constructors (Positions, Orders, Balances, Strategy,
// Risk) without each one knowing about the others.
func Combine(regs ...*Registry) *Registry {
	out := NewRegistry()
	for _, r := range regs {
		for eventType, h := range r.handlers {
			out.Register(eventType, h)
		}
	}
	return out
}

// Positions registers the position lifecycle handlers against repo,
// folding each envelope's payload through position.Position.Apply the same
// way the daemon does it live, so the projection and the in-memory
// position manager never disagree on semantics.
func Positions(repo repository.PositionRepository) *Registry {
	reg := NewRegistry()
	for eventType, decode := range positionDecoders {
		decode := decode
		reg.Register(eventType, func(ctx context.Context, env eventlog.EventEnvelope) error {
			return applyPositionEvent(ctx, repo, env, decode)
		})
	}
	return reg
}

func applyPositionEvent(ctx context.Context, repo repository.PositionRepository, env eventlog.EventEnvelope, decode func(eventlog.EventEnvelope) (position.Event, error)) error {
	ev, err := decode(env)
	if err != nil {
		return &InvalidPayload{EventType: env.EventType, Reason: err.Error()}
	}

	if armed, ok := ev.(position.PositionArmed); ok {
		if armed.TechStopDistance.IsZero() {
			return &InvariantViolated{EventType: env.EventType, Reason: "technical_stop_distance must be non-zero"}
		}
	}

	positionID := ev.PositionID()
	pos, lastSeq, err := repo.Get(ctx, env.TenantID, positionID)
	if errors.Is(err, repository.ErrNotFound) {
		if armed, ok := ev.(position.PositionArmed); ok {
			pos = position.NewArmed(positionID, armed.AccountID, armed.Symbol, armed.Side, env.OccurredAt)
			lastSeq = 0
		} else {
			return fmt.Errorf("projector: %s for unknown position %s", env.EventType, positionID)
		}
	} else if err != nil {
		return err
	}

	if env.Seq <= lastSeq {
		// Already projected; idempotent no-op.
		return nil
	}

	if err := pos.Apply(ev); err != nil {
		return fmt.Errorf("projector: apply %s to %s: %w", env.EventType, positionID, err)
	}

	return repo.Upsert(ctx, env.TenantID, pos, env.Seq)
}
