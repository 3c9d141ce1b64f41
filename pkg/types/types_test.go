package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func level(price, qty string) PriceLevel {
	return PriceLevel{
		Price: decimal.RequireFromString(price),
		Qty:   decimal.RequireFromString(qty),
	}
}

func TestDirectionLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		buy, sell string
		want      string
	}{
		{"binance", "coinbase", "B→C"},
		{"coinbase", "binance", "C→B"},
		{"kraken", "kraken", "K→K"},
		{"", "binance", "?→B"},
	}

	for _, tt := range tests {
		if got := DirectionLabel(tt.buy, tt.sell); got != tt.want {
			t.Errorf("DirectionLabel(%q, %q) = %q, want %q", tt.buy, tt.sell, got, tt.want)
		}
	}
}

func TestCellID(t *testing.T) {
	t.Parallel()

	// 2024-01-01 was a Monday.
	mon := time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)
	if got := CellID(mon); got != "Mon-09" {
		t.Errorf("CellID = %q, want Mon-09", got)
	}

	// Local instants normalize to UTC before bucketing.
	loc := time.FixedZone("UTC+5", 5*3600)
	shifted := time.Date(2024, 1, 2, 2, 0, 0, 0, loc) // 21:00 Monday UTC
	if got := CellID(shifted); got != "Mon-21" {
		t.Errorf("CellID = %q, want Mon-21", got)
	}
}

func TestOrderStatusIsFill(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status OrderStatus
		want   bool
	}{
		{OrderFilled, true},
		{OrderPartiallyFilled, true},
		{OrderPending, false},
		{OrderCancelled, false},
		{OrderFailed, false},
		{OrderRejected, false},
	}

	for _, tt := range tests {
		if got := tt.status.IsFill(); got != tt.want {
			t.Errorf("OrderStatus(%q).IsFill() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestSymbolOn(t *testing.T) {
	t.Parallel()

	p := TradingPair{
		Base:    "BTC",
		Quote:   "USD",
		Symbols: map[string]string{"binance": "BTCUSDT"},
	}

	if got := p.Canonical(); got != "BTC-USD" {
		t.Errorf("Canonical = %q, want BTC-USD", got)
	}
	if got := p.SymbolOn("binance"); got != "BTCUSDT" {
		t.Errorf("SymbolOn(binance) = %q, want BTCUSDT", got)
	}
	if got := p.SymbolOn("coinbase"); got != "BTC-USD" {
		t.Errorf("SymbolOn(coinbase) = %q, want canonical fallback", got)
	}
}

func TestSnapshotBestAndCrossed(t *testing.T) {
	t.Parallel()

	snap := &OrderBookSnapshot{
		Exchange: "binance",
		Symbol:   "BTC-USD",
		Bids:     []PriceLevel{level("50000", "1"), level("49990", "2")},
		Asks:     []PriceLevel{level("50010", "1.5")},
	}

	bid, ok := snap.BestBid()
	if !ok || !bid.Price.Equal(decimal.RequireFromString("50000")) {
		t.Errorf("BestBid = %v ok=%v, want 50000", bid.Price, ok)
	}
	ask, ok := snap.BestAsk()
	if !ok || !ask.Price.Equal(decimal.RequireFromString("50010")) {
		t.Errorf("BestAsk = %v ok=%v, want 50010", ask.Price, ok)
	}
	if snap.Crossed() {
		t.Error("Crossed() = true for a normal book")
	}

	snap.Bids[0] = level("50010", "1")
	if !snap.Crossed() {
		t.Error("Crossed() = false when best bid equals best ask")
	}

	empty := &OrderBookSnapshot{}
	if _, ok := empty.BestBid(); ok {
		t.Error("BestBid ok=true on empty book")
	}
	if empty.Crossed() {
		t.Error("Crossed() = true on empty book")
	}
}

func TestSnapshotLiquidity(t *testing.T) {
	t.Parallel()

	snap := &OrderBookSnapshot{
		Bids: []PriceLevel{level("100", "1.5"), level("99", "2.5")},
		Asks: []PriceLevel{level("101", "0.5")},
	}

	if got := snap.BidLiquidity(); !got.Equal(decimal.RequireFromString("4")) {
		t.Errorf("BidLiquidity = %v, want 4", got)
	}
	if got := snap.AskLiquidity(); !got.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("AskLiquidity = %v, want 0.5", got)
	}
}

func TestOpportunityNotional(t *testing.T) {
	t.Parallel()

	o := Opportunity{
		AvgBuyPrice: decimal.RequireFromString("50000"),
		Volume:      decimal.RequireFromString("0.1"),
	}
	if got := o.NotionalUSD(); !got.Equal(decimal.RequireFromString("5000")) {
		t.Errorf("NotionalUSD = %v, want 5000", got)
	}
}

func TestMetricID(t *testing.T) {
	t.Parallel()

	if got := MetricID(CategoryPair, "BTC-USD"); got != "Pair:BTC-USD" {
		t.Errorf("MetricID = %q, want Pair:BTC-USD", got)
	}
	if got := MetricID(CategoryGlobal, GlobalKey); got != "Global:Total" {
		t.Errorf("MetricID = %q, want Global:Total", got)
	}
}
