package runtime

import (
	"context"
	"time"

	"stopdaemon/internal/money"

	"github.com/google/uuid"
)

// EntryCriteria decides, given one new price observation for the
// detector's symbol, whether an armed position should enter now. It
// returns fire=true at most once per detector — the detector is single
// shot and exits after the first true result. The concrete entry signal
// (manual trigger, a momentum filter, an external system) is a pluggable
// policy outside this component's contract; CriteriaImmediate below is the
// default used by dev mode and tests.
type EntryCriteria func(price money.Price) (fire bool)

// CriteriaImmediate fires on the very first price observation — the
// simplest possible policy, useful when entry is gated entirely by the
// arm command itself (e.g. a CLI operator arming at the moment they want
// to enter).
func CriteriaImmediate(money.Price) bool { return true }

// EntryDetector is the per-armed-position task from §4.H: it subscribes to
// the bus, filters MarketData ticks for its symbol, evaluates Criteria on
// each one, and emits exactly one DetectorSignal before exiting. Cancelling
// ctx makes it exit without emitting anything.
type EntryDetector struct {
	PositionID uuid.UUID
	Symbol     money.Symbol
	Side       money.Side
	Criteria   EntryCriteria
	Bus        *Bus
}

// Run blocks until ctx is cancelled or the entry criteria fires once.
func (d *EntryDetector) Run(ctx context.Context) {
	criteria := d.Criteria
	if criteria == nil {
		criteria = CriteriaImmediate
	}

	ch, unsub := d.Bus.Subscribe()
	defer unsub()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Kind != EventMarketData || ev.MarketData == nil {
				continue
			}
			if ev.MarketData.Symbol.String() != d.Symbol.String() {
				continue
			}
			if !criteria(ev.MarketData.Trade.Price) {
				continue
			}
			d.Bus.Publish(DaemonEvent{
				Kind: EventDetectorSignal,
				DetectorSignal: &DetectorSignalEvent{
					PositionID: d.PositionID,
					Side:       d.Side,
					Price:      ev.MarketData.Trade.Price,
					Timestamp:  time.Now(),
				},
			})
			return
		}
	}
}
