// Package market provides local order book mirrors and the providers that
// keep them fresh.
//
// A Book mirrors one symbol's order book on one exchange. It is fed from one
// of two sources:
//   - WebSocket snapshots via the Feed provider
//   - periodic REST polls via the Poller provider
//
// Books are concurrency-safe (RWMutex protected) and hand out point-in-time
// snapshots for the detection layer. Level slices are swapped wholesale on
// every update and never mutated in place, so a snapshot stays valid after
// the book moves on.
package market

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

// Book maintains a local mirror of the order book for one symbol on one
// exchange. Bids are held descending by price, asks ascending.
type Book struct {
	mu       sync.RWMutex
	exchange string
	symbol   string
	bids     []types.PriceLevel
	asks     []types.PriceLevel
	updated  time.Time // UTC instant of the last applied update
}

// NewBook creates an empty local order book. It reports stale and returns
// no snapshot until the first update is applied.
func NewBook(exchange, symbol string) *Book {
	return &Book{
		exchange: exchange,
		symbol:   symbol,
	}
}

// Apply replaces both sides of the book with a full snapshot, stamped with
// the current UTC instant.
func (b *Book) Apply(bids, asks []types.PriceLevel) {
	b.ApplyAt(bids, asks, time.Now().UTC())
}

// ApplyAt replaces both sides of the book with a full snapshot stamped at
// the given instant.
func (b *Book) ApplyAt(bids, asks []types.PriceLevel, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bids = bids
	b.asks = asks
	b.updated = at.UTC()
}

// Snapshot returns a point-in-time view of the book. Returns false until
// the first update has been applied.
func (b *Book) Snapshot() (*types.OrderBookSnapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.updated.IsZero() {
		return nil, false
	}
	return &types.OrderBookSnapshot{
		Exchange:   b.exchange,
		Symbol:     b.symbol,
		Bids:       b.bids,
		Asks:       b.asks,
		LastUpdate: b.updated,
	}, true
}

// BestBidAsk returns the top of book. Returns false if either side is empty.
func (b *Book) BestBidAsk() (bid, ask decimal.Decimal, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.bids) == 0 || len(b.asks) == 0 {
		return decimal.Zero, decimal.Zero, false
	}
	return b.bids[0].Price, b.asks[0].Price, true
}

// MidPrice returns (bestBid + bestAsk) / 2. Returns false if the book is
// empty on either side.
func (b *Book) MidPrice() (decimal.Decimal, bool) {
	bid, ask, ok := b.BestBidAsk()
	if !ok {
		return decimal.Zero, false
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), true
}

// IsStale returns true if the book hasn't been updated within maxAge.
// A book that never received an update is always stale.
func (b *Book) IsStale(maxAge time.Duration) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.updated.IsZero() {
		return true
	}
	return time.Since(b.updated) > maxAge
}

// LastUpdated returns the UTC timestamp of the last applied update.
func (b *Book) LastUpdated() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updated
}
