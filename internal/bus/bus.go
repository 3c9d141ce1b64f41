// Package bus provides the typed in-process queues connecting all pipeline
// stages: market data, detection, trade candidates, execution outcomes,
// statistics, strategy updates, and rebalance proposals.
//
// Each channel has a single consumer; fan-out to multiple interested parties
// happens inside that consumer. Producers never block: a full channel drops
// the value with a warning instead of stalling a market-data path. Close is
// initiated once on shutdown, after all producers have stopped; readers
// drain and exit on closure.
package bus

import (
	"log/slog"
	"sync"

	"crossarb/pkg/types"
)

// DefaultCapacity is the buffer size of every bus channel.
const DefaultCapacity = 1024

// Bus carries every inter-component queue. Fields are exposed directly for
// consumers to range over; producers go through the Publish helpers.
type Bus struct {
	MarketUpdates     chan string
	Opportunities     chan types.Opportunity
	Trades            chan types.Opportunity
	PassiveRebalances chan types.Opportunity
	Events            chan types.ArbitrageEvent
	Transactions      chan types.Transaction
	StrategyUpdates   chan types.StrategyUpdate
	Rebalances        chan types.RebalanceProposal

	logger    *slog.Logger
	closeOnce sync.Once
}

// New creates a bus with DefaultCapacity buffers.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		MarketUpdates:     make(chan string, DefaultCapacity),
		Opportunities:     make(chan types.Opportunity, DefaultCapacity),
		Trades:            make(chan types.Opportunity, DefaultCapacity),
		PassiveRebalances: make(chan types.Opportunity, DefaultCapacity),
		Events:            make(chan types.ArbitrageEvent, DefaultCapacity),
		Transactions:      make(chan types.Transaction, DefaultCapacity),
		StrategyUpdates:   make(chan types.StrategyUpdate, DefaultCapacity),
		Rebalances:        make(chan types.RebalanceProposal, DefaultCapacity),
		logger:            logger.With("component", "bus"),
	}
}

// Close closes every channel exactly once. Callers must guarantee all
// producers have stopped first; consumers drain whatever is buffered and
// exit when their channel closes.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.MarketUpdates)
		close(b.Opportunities)
		close(b.Trades)
		close(b.PassiveRebalances)
		close(b.Events)
		close(b.Transactions)
		close(b.StrategyUpdates)
		close(b.Rebalances)
	})
}

// PublishMarketUpdate signals that an exchange applied a book update for symbol.
func (b *Bus) PublishMarketUpdate(symbol string) {
	send(b.logger, "market_updates", b.MarketUpdates, symbol)
}

// PublishOpportunity emits every detected opportunity for dashboards.
func (b *Bus) PublishOpportunity(o types.Opportunity) {
	send(b.logger, "opportunities", b.Opportunities, o)
}

// PublishTrade queues an at-or-above-threshold opportunity for execution.
func (b *Bus) PublishTrade(o types.Opportunity) {
	send(b.logger, "trades", b.Trades, o)
}

// PublishPassiveRebalance queues a sub-threshold but positive opportunity.
func (b *Bus) PublishPassiveRebalance(o types.Opportunity) {
	send(b.logger, "passive_rebalances", b.PassiveRebalances, o)
}

// PublishEvent queues a raw event for the statistics pipeline.
func (b *Bus) PublishEvent(e types.ArbitrageEvent) {
	send(b.logger, "events", b.Events, e)
}

// PublishTransaction queues a completed trade outcome.
func (b *Bus) PublishTransaction(tx types.Transaction) {
	send(b.logger, "transactions", b.Transactions, tx)
}

// PublishStrategyUpdate queues a threshold decision for the detector.
func (b *Bus) PublishStrategyUpdate(u types.StrategyUpdate) {
	send(b.logger, "strategy_updates", b.StrategyUpdates, u)
}

// PublishRebalance queues a transfer proposal.
func (b *Bus) PublishRebalance(p types.RebalanceProposal) {
	send(b.logger, "rebalances", b.Rebalances, p)
}

func send[T any](logger *slog.Logger, name string, ch chan T, v T) {
	select {
	case ch <- v:
	default:
		logger.Warn("channel full, dropping value", "channel", name)
	}
}
