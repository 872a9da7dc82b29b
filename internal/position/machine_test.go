package position

import (
	"testing"
	"time"

	"stopdaemon/internal/money"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustPrice(s string) money.Price {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return money.MustPrice(d)
}

func TestArmedToActiveToExitingToClosed(t *testing.T) {
	id := uuid.New()
	acct := uuid.New()
	now := time.Now()

	pos := NewArmed(id, acct, money.MustSymbol("BTCUSDT"), money.Long, now)

	dist, err := money.NewTechnicalStopDistance(decimal.NewFromInt(1500), mustPrice("95000"))
	require.NoError(t, err)
	qty := money.MustQuantity(decimal.NewFromFloat(0.01))

	require.NoError(t, pos.Apply(PositionArmed{
		base:             NewBase(id, now),
		AccountID:        acct,
		Symbol:           money.MustSymbol("BTCUSDT"),
		Side:             money.Long,
		TechStopDistance: dist,
		Quantity:         qty,
	}))
	assert.Equal(t, KindArmed, pos.State.Kind)

	require.NoError(t, pos.Apply(EntryFilled{
		base:           NewBase(id, now.Add(time.Second)),
		FillPrice:      mustPrice("95000"),
		FilledQuantity: qty,
		InitialStop:    mustPrice("93500"),
	}))
	require.Equal(t, KindActive, pos.State.Kind)
	assert.True(t, pos.State.TrailingStop.Equal(mustPrice("93500")))
	assert.True(t, pos.State.FavorableExtreme.Equal(mustPrice("95000")))

	require.NoError(t, pos.Apply(TrailingStopUpdated{
		base:         NewBase(id, now.Add(2*time.Second)),
		PreviousStop: mustPrice("93500"),
		NewStop:      mustPrice("95000"),
		TriggerPrice: mustPrice("96500"),
	}))
	assert.True(t, pos.State.TrailingStop.Equal(mustPrice("95000")))
	assert.True(t, pos.State.FavorableExtreme.Equal(mustPrice("96500")))

	require.NoError(t, pos.Apply(ExitTriggered{
		base:         NewBase(id, now.Add(3*time.Second)),
		Reason:       ExitReasonTrailingStop,
		TriggerPrice: mustPrice("95500"),
		StopPrice:    mustPrice("95500"),
	}))
	require.Equal(t, KindExiting, pos.State.Kind)

	require.NoError(t, pos.Apply(ExitFilled{
		base:           NewBase(id, now.Add(4*time.Second)),
		FillPrice:      mustPrice("95500"),
		FilledQuantity: qty,
	}))
	require.Equal(t, KindClosed, pos.State.Kind)
	assert.True(t, pos.State.RealizedPnL.GreaterThan(decimal.Zero))
}

func TestTrailingStopUpdatedRejectsNonMonotonic(t *testing.T) {
	id := uuid.New()
	pos := NewArmed(id, uuid.New(), money.MustSymbol("BTCUSDT"), money.Long, time.Now())
	pos.State = State{Kind: KindActive, TrailingStop: mustPrice("95000"), FavorableExtreme: mustPrice("96500")}

	err := pos.Apply(TrailingStopUpdated{
		base:         NewBase(id, time.Now()),
		PreviousStop: mustPrice("95000"),
		NewStop:      mustPrice("94000"), // moves backward for a long
		TriggerPrice: mustPrice("94000"),
	})
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestClosedPositionRejectsFurtherEvents(t *testing.T) {
	id := uuid.New()
	pos := NewArmed(id, uuid.New(), money.MustSymbol("BTCUSDT"), money.Long, time.Now())
	pos.State = State{Kind: KindClosed}

	err := pos.Apply(PositionError{base: NewBase(id, time.Now()), Message: "x"})
	assert.ErrorIs(t, err, ErrInvalidStateTransition)
}
