// Package trailing implements the anchored-1x trailing-stop algorithm: the
// sole authority on trailing-stop semantics. Every function here is pure,
// deterministic, and side-effect free — it never suspends and never
// touches I/O.
package trailing

import "stopdaemon/internal/money"

// Update is the result of a favorable price move: a new stop and a new
// favorable extreme to persist.
type Update struct {
	NewStop             money.Price
	NewFavorableExtreme money.Price
}

// UpdateAnchored recalculates the trailing stop for a new price observation.
//
// For Long: new_extreme = max(currentPrice, favorableExtreme);
// candidate = new_extreme - techStopDistance; update iff candidate > currentStop.
//
// For Short: new_extreme = min(currentPrice, favorableExtreme);
// candidate = new_extreme + techStopDistance; update iff candidate < currentStop.
//
// Returns (update, true) when the stop should move, or (Update{}, false)
// when the price did not make a new favorable extreme.
func UpdateAnchored(side money.Side, currentPrice, favorableExtreme, currentStop money.Price, techStopDistance money.TechnicalStopDistance) (Update, bool) {
	switch side {
	case money.Long:
		newExtreme := favorableExtreme
		if currentPrice.GreaterThan(favorableExtreme) {
			newExtreme = currentPrice
		}
		candidate, err := newExtreme.SubDistance(techStopDistance)
		if err != nil {
			return Update{}, false
		}
		if candidate.GreaterThan(currentStop) {
			return Update{NewStop: candidate, NewFavorableExtreme: newExtreme}, true
		}
		return Update{}, false

	case money.Short:
		newExtreme := favorableExtreme
		if currentPrice.LessThan(favorableExtreme) {
			newExtreme = currentPrice
		}
		candidate, err := newExtreme.AddDistance(techStopDistance)
		if err != nil {
			return Update{}, false
		}
		if candidate.LessThan(currentStop) {
			return Update{NewStop: candidate, NewFavorableExtreme: newExtreme}, true
		}
		return Update{}, false

	default:
		return Update{}, false
	}
}

// IsHit reports whether the trailing stop has been touched. Long positions
// exit when price falls to or below the stop; Short positions exit when
// price rises to or above the stop. Both are inclusive at equality.
func IsHit(side money.Side, currentPrice, stop money.Price) bool {
	switch side {
	case money.Long:
		return currentPrice.LTE(stop)
	case money.Short:
		return currentPrice.GTE(stop)
	default:
		return false
	}
}
