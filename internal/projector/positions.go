package projector

import (
	"encoding/json"

	"stopdaemon/internal/eventlog"
	"stopdaemon/internal/money"
	"stopdaemon/internal/position"

	"github.com/google/uuid"
)

// positionDecoders maps each position event_type to a function turning the
// raw envelope payload into the typed domain event position.Apply expects.
// Kept separate from position.Event's Go types because the wire payload is
// a versioned, JSON-tagged contract while the domain type is not.
var positionDecoders = map[string]func(eventlog.EventEnvelope) (position.Event, error){
	"position_armed":           decodePositionArmed,
	"entry_order_placed":       decodeEntryOrderPlaced,
	"entry_filled":              decodeEntryFilled,
	"trailing_stop_updated":    decodeTrailingStopUpdated,
	"exit_triggered":           decodeExitTriggered,
	"exit_order_placed":        decodeExitOrderPlaced,
	"exit_filled":              decodeExitFilled,
	"position_closed":          decodePositionClosed,
	"position_error":           decodePositionError,
	"insurance_stop_placed":    decodeInsuranceStopPlaced,
	"insurance_stop_cancelled": decodeInsuranceStopCancelled,
}

type positionArmedPayload struct {
	PositionID       uuid.UUID                   `json:"position_id"`
	AccountID        uuid.UUID                   `json:"account_id"`
	Symbol           money.Symbol                `json:"symbol"`
	Side             money.Side                  `json:"side"`
	TechStopDistance money.TechnicalStopDistance `json:"tech_stop_distance"`
	Quantity         money.Quantity              `json:"quantity"`
}

func decodePositionArmed(env eventlog.EventEnvelope) (position.Event, error) {
	var p positionArmedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, err
	}
	return position.NewPositionArmed(p.PositionID, p.AccountID, p.Symbol, p.Side, p.TechStopDistance, p.Quantity, env.OccurredAt), nil
}

type orderPlacedPayload struct {
	PositionID    uuid.UUID      `json:"position_id"`
	OrderID       uuid.UUID      `json:"order_id"`
	ExpectedPrice money.Price    `json:"expected_price"`
	Quantity      money.Quantity `json:"quantity"`
}

func decodeEntryOrderPlaced(env eventlog.EventEnvelope) (position.Event, error) {
	var p orderPlacedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, err
	}
	return position.NewEntryOrderPlaced(p.PositionID, p.OrderID, p.ExpectedPrice, p.Quantity, env.OccurredAt), nil
}

func decodeExitOrderPlaced(env eventlog.EventEnvelope) (position.Event, error) {
	var p orderPlacedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, err
	}
	return position.NewExitOrderPlaced(p.PositionID, p.OrderID, p.ExpectedPrice, p.Quantity, env.OccurredAt), nil
}

type entryFilledPayload struct {
	PositionID     uuid.UUID      `json:"position_id"`
	OrderID        uuid.UUID      `json:"order_id"`
	FillPrice      money.Price    `json:"fill_price"`
	FilledQuantity money.Quantity `json:"filled_quantity"`
	InitialStop    money.Price    `json:"initial_stop"`
}

func decodeEntryFilled(env eventlog.EventEnvelope) (position.Event, error) {
	var p entryFilledPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, err
	}
	return position.NewEntryFilled(p.PositionID, p.OrderID, p.FillPrice, p.FilledQuantity, p.InitialStop, env.OccurredAt), nil
}

type trailingStopUpdatedPayload struct {
	PositionID   uuid.UUID   `json:"position_id"`
	PreviousStop money.Price `json:"previous_stop"`
	NewStop      money.Price `json:"new_stop"`
	TriggerPrice money.Price `json:"trigger_price"`
}

func decodeTrailingStopUpdated(env eventlog.EventEnvelope) (position.Event, error) {
	var p trailingStopUpdatedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, err
	}
	return position.NewTrailingStopUpdated(p.PositionID, p.PreviousStop, p.NewStop, p.TriggerPrice, env.OccurredAt), nil
}

type exitTriggeredPayload struct {
	PositionID   uuid.UUID           `json:"position_id"`
	Reason       position.ExitReason `json:"reason"`
	TriggerPrice money.Price         `json:"trigger_price"`
	StopPrice    money.Price         `json:"stop_price"`
}

func decodeExitTriggered(env eventlog.EventEnvelope) (position.Event, error) {
	var p exitTriggeredPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, err
	}
	return position.NewExitTriggered(p.PositionID, p.Reason, p.TriggerPrice, p.StopPrice, env.OccurredAt), nil
}

type exitFilledPayload struct {
	PositionID     uuid.UUID      `json:"position_id"`
	OrderID        uuid.UUID      `json:"order_id"`
	FillPrice      money.Price    `json:"fill_price"`
	FilledQuantity money.Quantity `json:"filled_quantity"`
}

func decodeExitFilled(env eventlog.EventEnvelope) (position.Event, error) {
	var p exitFilledPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, err
	}
	return position.NewExitFilled(p.PositionID, p.OrderID, p.FillPrice, p.FilledQuantity, env.OccurredAt), nil
}

type positionClosedPayload struct {
	PositionID uuid.UUID `json:"position_id"`
}

func decodePositionClosed(env eventlog.EventEnvelope) (position.Event, error) {
	var p positionClosedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, err
	}
	return position.NewPositionClosed(p.PositionID, env.OccurredAt), nil
}

type positionErrorPayload struct {
	PositionID  uuid.UUID `json:"position_id"`
	Recoverable bool      `json:"recoverable"`
	Message     string    `json:"message"`
}

func decodePositionError(env eventlog.EventEnvelope) (position.Event, error) {
	var p positionErrorPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, err
	}
	return position.NewPositionError(p.PositionID, p.Recoverable, p.Message, env.OccurredAt), nil
}

type insuranceStopPlacedPayload struct {
	PositionID uuid.UUID   `json:"position_id"`
	OrderID    uuid.UUID   `json:"order_id"`
	StopPrice  money.Price `json:"stop_price"`
}

func decodeInsuranceStopPlaced(env eventlog.EventEnvelope) (position.Event, error) {
	var p insuranceStopPlacedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, err
	}
	return position.NewInsuranceStopPlaced(p.PositionID, p.OrderID, p.StopPrice, env.OccurredAt), nil
}

type insuranceStopCancelledPayload struct {
	PositionID uuid.UUID `json:"position_id"`
	OrderID    uuid.UUID `json:"order_id"`
}

func decodeInsuranceStopCancelled(env eventlog.EventEnvelope) (position.Event, error) {
	var p insuranceStopCancelledPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, err
	}
	return position.NewInsuranceStopCancelled(p.PositionID, p.OrderID, env.OccurredAt), nil
}
