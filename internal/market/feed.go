// feed.go implements the WebSocket book provider.
//
// Feed keeps one connection to an exchange's public book stream, subscribes
// to every configured symbol, and applies full snapshots to the local books
// as they arrive. Each applied update is announced on the market update bus
// so the detection layer can recompute spreads for that symbol.
//
// The connection auto-reconnects with exponential backoff (5s floor, 30s
// max) and re-subscribes to all tracked symbols on reconnection. A read
// deadline (90s) ensures silent server failures are detected within ~2
// missed pings.

package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"crossarb/internal/bus"
	"crossarb/internal/config"
	"crossarb/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	reconnectFloor   = 5 * time.Second  // initial reconnect delay
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
)

const writeTimeout = 10 * time.Second // deadline for outgoing messages

// wsSubscribeMsg is the subscription request for the public book channel.
type wsSubscribeMsg struct {
	Op      string   `json:"op"`
	Channel string   `json:"channel"`
	Symbols []string `json:"symbols"`
	Depth   int      `json:"depth,omitempty"`
}

// wsBookMsg is a full book snapshot pushed by the exchange. Levels arrive
// as ["price","qty"] string pairs.
type wsBookMsg struct {
	Type   string     `json:"type"`
	Symbol string     `json:"symbol"`
	Bids   [][]string `json:"bids"`
	Asks   [][]string `json:"asks"`
}

// Feed is the WebSocket book provider for one exchange. It owns the local
// books for every configured symbol and handles connection lifecycle,
// subscription tracking, message routing, and automatic reconnection.
type Feed struct {
	exchange string
	url      string
	depth    int

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	books     map[string]*Book  // canonical symbol → local book
	canonical map[string]string // venue symbol → canonical symbol
	venue     []string          // venue symbols, subscription order

	bus    *bus.Bus
	conns  *connTracker
	logger *slog.Logger
}

// NewFeed creates a WebSocket book provider for one exchange covering the
// given pairs.
func NewFeed(cfg config.ExchangeConfig, pairs []types.TradingPair, b *bus.Bus, logger *slog.Logger) *Feed {
	f := &Feed{
		exchange:  cfg.Name,
		url:       cfg.WSURL,
		depth:     cfg.BookDepth,
		books:     make(map[string]*Book, len(pairs)),
		canonical: make(map[string]string, len(pairs)),
		bus:       b,
		conns:     newConnTracker(cfg.Name),
		logger:    logger.With("component", "feed", "exchange", cfg.Name),
	}
	for _, p := range pairs {
		symbol := p.Canonical()
		venue := p.SymbolOn(cfg.Name)
		f.books[symbol] = NewBook(cfg.Name, symbol)
		f.canonical[venue] = symbol
		f.venue = append(f.venue, venue)
	}
	return f
}

// Name returns the exchange this feed serves.
func (f *Feed) Name() string { return f.exchange }

// GetOrderBook returns the latest snapshot for a canonical symbol.
func (f *Feed) GetOrderBook(symbol string) (*types.OrderBookSnapshot, bool) {
	book, ok := f.books[symbol]
	if !ok {
		return nil, false
	}
	return book.Snapshot()
}

// ConnectionStatus reports the feed's coarse connection state.
func (f *Feed) ConnectionStatus() types.ConnectionStatus {
	return f.conns.status()
}

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := reconnectFloor

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			f.conns.set(types.ConnDisconnected, "")
			return ctx.Err()
		}

		f.conns.set(types.ConnError, err.Error())
		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			f.conns.set(types.ConnDisconnected, "")
			return ctx.Err()
		case <-time.After(backoff):
		}

		// Exponential backoff: 5s, 10s, 20s, 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (f *Feed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	f.conns.set(types.ConnConnecting, "")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	// Send initial subscription
	if err := f.sendSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.conns.set(types.ConnConnected, "")
	f.logger.Info("websocket connected", "symbols", len(f.venue))

	// Start ping goroutine
	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if server goes silent
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *Feed) sendSubscription() error {
	msg := wsSubscribeMsg{
		Op:      "subscribe",
		Channel: "orderbook",
		Symbols: f.venue,
		Depth:   f.depth,
	}
	return f.writeJSON(msg)
}

func (f *Feed) dispatchMessage(data []byte) {
	// Peek at type to route
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.Type {
	case "orderbook":
		var msg wsBookMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			f.logger.Error("unmarshal orderbook message", "error", err)
			return
		}
		f.applyBook(msg)

	case "subscribed", "pong":
		f.logger.Debug("ws control message", "type", envelope.Type)

	default:
		f.logger.Debug("unknown ws message type", "type", envelope.Type)
	}
}

func (f *Feed) applyBook(msg wsBookMsg) {
	symbol, ok := f.canonical[msg.Symbol]
	if !ok {
		f.logger.Debug("book update for untracked symbol", "symbol", msg.Symbol)
		return
	}

	book := f.books[symbol]
	book.Apply(types.ParseLevels(msg.Bids), types.ParseLevels(msg.Asks))

	f.conns.touch()
	f.bus.PublishMarketUpdate(symbol)
}

func (f *Feed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte(`{"op":"ping"}`)); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *Feed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *Feed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
