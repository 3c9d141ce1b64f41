package market

import (
	"context"
	"sync"
	"time"

	"crossarb/pkg/types"
)

// Provider is the read surface the detection layer sees for one exchange:
// a running data source that keeps local books fresh and reports its own
// connection health. Feed (WebSocket) and Poller (REST) both implement it.
type Provider interface {
	// Name returns the exchange this provider serves.
	Name() string

	// GetOrderBook returns the latest snapshot for a canonical symbol,
	// or false if no update has arrived yet.
	GetOrderBook(symbol string) (*types.OrderBookSnapshot, bool)

	// ConnectionStatus reports the provider's coarse connection state.
	ConnectionStatus() types.ConnectionStatus

	// Run drives the provider until ctx is cancelled.
	Run(ctx context.Context) error
}

// connTracker holds the coarse connection state a provider reports through
// ConnectionStatus. Providers flip the state on lifecycle transitions and
// touch it on every applied book update.
type connTracker struct {
	mu         sync.RWMutex
	exchange   string
	state      types.ConnState
	lastUpdate time.Time
	lastErr    string
}

func newConnTracker(exchange string) *connTracker {
	return &connTracker{
		exchange: exchange,
		state:    types.ConnDisconnected,
	}
}

func (t *connTracker) set(state types.ConnState, errMsg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = state
	t.lastErr = errMsg
}

// touch records that fresh market data arrived.
func (t *connTracker) touch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastUpdate = time.Now().UTC()
}

func (t *connTracker) status() types.ConnectionStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return types.ConnectionStatus{
		Exchange:     t.exchange,
		State:        t.state,
		LastUpdate:   t.lastUpdate,
		ErrorMessage: t.lastErr,
	}
}
