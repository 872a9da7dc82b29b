package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"stopdaemon/internal/money"
	"stopdaemon/internal/venue"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

// StreamClient subscribes to Binance's public trade tape, grounded on the
// teacher's pkg/market/binance.StreamClient (gorilla/websocket dial,
// auto-reconnect) but using jpillora/backoff for the reconnect delay
// instead of the teacher's hand-rolled calculateBackoff.
type StreamClient struct {
	host string
}

var _ venue.MarketDataPort = (*StreamClient)(nil)

func NewStreamClient(testnet bool) *StreamClient {
	host := "stream.binance.com:9443"
	if testnet {
		host = "testnet.binance.vision"
	}
	return &StreamClient{host: host}
}

type tradeMessage struct {
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	EventTime int64  `json:"T"`
}

// SubscribeTrades dials wss://<host>/ws/<symbol>@trade and parses each
// {t,p,q,T} tick into a venue.Trade, reconnecting with exponential backoff
// on any read/dial error until ctx is cancelled.
func (c *StreamClient) SubscribeTrades(ctx context.Context, symbol money.Symbol) (<-chan venue.Trade, error) {
	stream := strings.ToLower(symbol.String()) + "@trade"
	url := fmt.Sprintf("wss://%s/ws/%s", c.host, stream)

	out := make(chan venue.Trade, 256)

	go func() {
		defer close(out)
		b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2, Jitter: true}

		for {
			if ctx.Err() != nil {
				return
			}
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			if err != nil {
				delay := b.Duration()
				log.Printf("venue/binance: dial %s failed, retrying in %s: %v", stream, delay, err)
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					return
				}
			}
			b.Reset()

			c.readLoop(ctx, conn, symbol, out)
			conn.Close()
			if ctx.Err() != nil {
				return
			}
		}
	}()

	return out, nil
}

func (c *StreamClient) readLoop(ctx context.Context, conn *websocket.Conn, symbol money.Symbol, out chan<- venue.Trade) {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		conn.Close()
		close(done)
	}()

	for {
		select {
		case <-done:
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Printf("venue/binance: read %s: %v", symbol, err)
			return
		}

		var msg tradeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("venue/binance: malformed trade tick (skipping): %v", err)
			continue
		}

		price, err := parseDecimal(msg.Price)
		if err != nil {
			continue
		}
		qty, err := parseDecimal(msg.Quantity)
		if err != nil {
			continue
		}
		pPrice, err := money.NewPrice(price)
		if err != nil {
			continue
		}
		pQty, err := money.NewQuantity(qty)
		if err != nil {
			continue
		}

		trade := venue.Trade{
			Symbol:    symbol,
			Price:     pPrice,
			Quantity:  pQty,
			TradeID:   tradeIDFrom(msg.TradeID),
			Timestamp: time.UnixMilli(msg.EventTime),
		}

		select {
		case out <- trade:
		case <-done:
			return
		}
	}
}

// tradeIDFrom derives a stable UUID from Binance's int64 trade id so
// downstream dedup logic has a uniform key type across venues.
func tradeIDFrom(id int64) uuid.UUID {
	var u uuid.UUID
	b := strconv.FormatInt(id, 10)
	copy(u[:], b)
	return u
}
