package trailing

import (
	"testing"

	"stopdaemon/internal/money"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func price(s string) money.Price { return money.MustPrice(dec(s)) }

func techDist(distance, entry string) money.TechnicalStopDistance {
	t, err := money.NewTechnicalStopDistance(dec(distance), price(entry))
	if err != nil {
		panic(err)
	}
	return t
}

// S1 — Trailing-stop ratchet (Long).
func TestUpdateAnchoredLongRatchet(t *testing.T) {
	dist := techDist("1500", "95000")

	stop := price("93500")
	extreme := price("95000")

	upd, ok := UpdateAnchored(money.Long, price("96500"), extreme, stop, dist)
	require.True(t, ok)
	assert.True(t, upd.NewStop.Equal(price("95000")))
	assert.True(t, upd.NewFavorableExtreme.Equal(price("96500")))

	stop, extreme = upd.NewStop, upd.NewFavorableExtreme
	_, ok = UpdateAnchored(money.Long, price("95500"), extreme, stop, dist)
	assert.False(t, ok, "price below extreme must not update the stop")

	upd, ok = UpdateAnchored(money.Long, price("97000"), extreme, stop, dist)
	require.True(t, ok)
	assert.True(t, upd.NewStop.Equal(price("95500")))
	assert.True(t, upd.NewFavorableExtreme.Equal(price("97000")))
}

// S2 — Stop hit at equality after S1.
func TestIsHitLongEquality(t *testing.T) {
	assert.True(t, IsHit(money.Long, price("95500"), price("95500")))
	assert.True(t, IsHit(money.Long, price("95400"), price("95500")))
	assert.False(t, IsHit(money.Long, price("95600"), price("95500")))
}

// S3 — Short ratchet.
func TestUpdateAnchoredShortRatchet(t *testing.T) {
	dist := techDist("2", "100")

	stop := price("102")
	extreme := price("100")

	upd, ok := UpdateAnchored(money.Short, price("98"), extreme, stop, dist)
	require.True(t, ok)
	assert.True(t, upd.NewStop.Equal(price("100")))
	assert.True(t, upd.NewFavorableExtreme.Equal(price("98")))

	stop, extreme = upd.NewStop, upd.NewFavorableExtreme
	_, ok = UpdateAnchored(money.Short, price("99"), extreme, stop, dist)
	assert.False(t, ok, "price above extreme must not update the stop")

	upd, ok = UpdateAnchored(money.Short, price("96"), extreme, stop, dist)
	require.True(t, ok)
	assert.True(t, upd.NewStop.Equal(price("98")))
	assert.True(t, upd.NewFavorableExtreme.Equal(price("96")))
}

func TestIsHitShortEquality(t *testing.T) {
	assert.True(t, IsHit(money.Short, price("102"), price("102")))
	assert.True(t, IsHit(money.Short, price("103"), price("102")))
	assert.False(t, IsHit(money.Short, price("101"), price("102")))
}
