package runtime

import (
	"context"
	"log"

	"stopdaemon/internal/money"
	"stopdaemon/internal/venue"
)

// MarketDataBridge republishes one venue symbol's trade tape onto Bus as
// MarketData events. Reconnect/backoff is the venue adapter's
// responsibility (internal/venue/binance.StreamClient); the bridge
// resubscribes when the trade channel closes before ctx is cancelled. If
// SubscribeTrades itself returns an error, the bridge logs it and stops.
type MarketDataBridge struct {
	Symbol money.Symbol
	Port   venue.MarketDataPort
	Bus    *Bus
}

// Run blocks until ctx is cancelled.
func (b *MarketDataBridge) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		trades, err := b.Port.SubscribeTrades(ctx, b.Symbol)
		if err != nil {
			log.Printf("runtime: market data bridge: subscribe %s: %v", b.Symbol, err)
			return
		}

		for trade := range trades {
			b.Bus.Publish(DaemonEvent{
				Kind: EventMarketData,
				MarketData: &MarketDataEvent{
					Symbol: b.Symbol,
					Trade:  trade,
				},
			})
		}

		if ctx.Err() != nil {
			return
		}
		log.Printf("runtime: market data bridge: %s trade channel closed, resubscribing", b.Symbol)
	}
}
