package market

import (
	"log/slog"
	"os"
	"testing"

	"github.com/shopspring/decimal"

	"crossarb/internal/bus"
	"crossarb/internal/config"
	"crossarb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestFeed(t *testing.T) (*Feed, *bus.Bus) {
	t.Helper()
	logger := testLogger()
	b := bus.New(logger)
	t.Cleanup(b.Close)

	cfg := config.ExchangeConfig{
		Name:      "alpha",
		WSURL:     "wss://example.invalid/ws",
		BookDepth: 20,
	}
	pairs := []types.TradingPair{
		{Base: "BTC", Quote: "USD", Symbols: map[string]string{"alpha": "BTCUSD"}},
	}
	return NewFeed(cfg, pairs, b, logger), b
}

func TestDispatchAppliesBookAndAnnounces(t *testing.T) {
	t.Parallel()
	f, b := newTestFeed(t)

	f.dispatchMessage([]byte(`{"type":"orderbook","symbol":"BTCUSD","bids":[["50000","0.5"],["49990","1.2"]],"asks":[["50010","0.8"]]}`))

	snap, ok := f.GetOrderBook("BTC-USD")
	if !ok {
		t.Fatal("GetOrderBook returned ok=false after book message")
	}
	if len(snap.Bids) != 2 || len(snap.Asks) != 1 {
		t.Fatalf("levels = %d bids / %d asks, want 2 / 1", len(snap.Bids), len(snap.Asks))
	}
	if !snap.Bids[0].Price.Equal(decimal.RequireFromString("50000")) {
		t.Errorf("best bid = %v, want 50000", snap.Bids[0].Price)
	}

	select {
	case symbol := <-b.MarketUpdates:
		if symbol != "BTC-USD" {
			t.Errorf("market update symbol = %q, want BTC-USD", symbol)
		}
	default:
		t.Error("no market update announced after book message")
	}
}

func TestDispatchSkipsMalformedLevels(t *testing.T) {
	t.Parallel()
	f, _ := newTestFeed(t)

	f.dispatchMessage([]byte(`{"type":"orderbook","symbol":"BTCUSD","bids":[["50000","0.5"],["bad","x"],["49990"]],"asks":[["50010","0.8"]]}`))

	snap, ok := f.GetOrderBook("BTC-USD")
	if !ok {
		t.Fatal("GetOrderBook returned ok=false")
	}
	if len(snap.Bids) != 1 {
		t.Errorf("bids = %d, want 1 after skipping malformed levels", len(snap.Bids))
	}
}

func TestDispatchIgnoresUntrackedSymbol(t *testing.T) {
	t.Parallel()
	f, b := newTestFeed(t)

	f.dispatchMessage([]byte(`{"type":"orderbook","symbol":"ETHUSD","bids":[["3000","1"]],"asks":[["3001","1"]]}`))

	if _, ok := f.GetOrderBook("BTC-USD"); ok {
		t.Error("tracked book should stay empty after untracked symbol update")
	}
	select {
	case symbol := <-b.MarketUpdates:
		t.Errorf("unexpected market update %q for untracked symbol", symbol)
	default:
	}
}

func TestDispatchIgnoresUnknownTypeAndGarbage(t *testing.T) {
	t.Parallel()
	f, b := newTestFeed(t)

	f.dispatchMessage([]byte(`{"type":"ticker","symbol":"BTCUSD"}`))
	f.dispatchMessage([]byte(`not json at all`))

	select {
	case symbol := <-b.MarketUpdates:
		t.Errorf("unexpected market update %q", symbol)
	default:
	}
}

func TestFeedConnectionStatus(t *testing.T) {
	t.Parallel()
	f, _ := newTestFeed(t)

	st := f.ConnectionStatus()
	if st.State != types.ConnDisconnected {
		t.Errorf("initial state = %v, want %v", st.State, types.ConnDisconnected)
	}
	if st.Exchange != "alpha" {
		t.Errorf("exchange = %q, want alpha", st.Exchange)
	}

	f.dispatchMessage([]byte(`{"type":"orderbook","symbol":"BTCUSD","bids":[["1","1"]],"asks":[["2","1"]]}`))

	st = f.ConnectionStatus()
	if st.LastUpdate.IsZero() {
		t.Error("LastUpdate should be set after an applied book update")
	}
}

func TestGetOrderBookUnknownSymbol(t *testing.T) {
	t.Parallel()
	f, _ := newTestFeed(t)

	if _, ok := f.GetOrderBook("DOGE-USD"); ok {
		t.Error("GetOrderBook should return ok=false for an unconfigured symbol")
	}
}
