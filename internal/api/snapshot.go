package api

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/exchange"
	"crossarb/internal/market"
	"crossarb/internal/state"
	"crossarb/internal/stats"
	"crossarb/pkg/types"
)

var two = decimal.NewFromInt(2)

// OpportunitySource is the detector's read surface.
type OpportunitySource interface {
	Recent() []types.Opportunity
	Threshold() (decimal.Decimal, string)
}

// InventorySource is the rebalancer's read surface plus manual execution.
type InventorySource interface {
	AllDeviations() []types.Deviation
	Skews() []types.Skew
	Proposals() []types.RebalanceProposal
	ExecuteByID(ctx context.Context, id string) (*types.Transaction, error)
	LastPoll() time.Time
}

// HistoryStore is the slice of the stats store the API serves.
type HistoryStore interface {
	RecentTransactions(ctx context.Context, limit int) ([]types.Transaction, error)
	EventsForCell(ctx context.Context, dayOfWeek string, hour int) ([]types.ArbitrageEvent, error)
	ArbTransactionSummary(ctx context.Context) (stats.ArbSummary, error)
}

// StatsSource serves the full aggregated read model.
type StatsSource interface {
	GetStats(ctx context.Context) (*stats.Stats, error)
}

// SafetyController clears a tripped kill-switch.
type SafetyController interface {
	Reset() error
}

// StrategyDecider recomputes the active threshold after a settings change
// so the new value takes effect without waiting for the next timer tick.
type StrategyDecider interface {
	Decide(ctx context.Context) (types.StrategyUpdate, error)
}

// Deps bundles everything the dashboard surface reads from or acts on.
type Deps struct {
	State     *state.Manager
	Providers map[string]market.Provider
	Clients   map[string]exchange.ExchangeClient
	Pairs     []types.TradingPair
	Detector  OpportunitySource
	Inventory InventorySource
	Store     HistoryStore
	Stats     StatsSource
	Safety    SafetyController
	Strategy  StrategyDecider
	Version   string
}

// BuildSnapshot aggregates component state into one dashboard document.
// Partial data beats no data: a failing store only blanks the summary.
func BuildSnapshot(ctx context.Context, d Deps, startedAt time.Time) Snapshot {
	threshold, reason := d.Detector.Threshold()

	snap := Snapshot{
		Timestamp:         time.Now().UTC(),
		Uptime:            time.Since(startedAt).Round(time.Second).String(),
		Version:           d.Version,
		Connections:       collectConnections(d.Providers),
		Prices:            collectPrices(d.Providers, d.Pairs),
		Opportunities:     d.Detector.Recent(),
		Threshold:         threshold,
		ThresholdReason:   reason,
		Balances:          collectBalances(d.Clients),
		Deviations:        d.Inventory.AllDeviations(),
		Skews:             d.Inventory.Skews(),
		Proposals:         d.Inventory.Proposals(),
		LastRebalancePoll: d.Inventory.LastPoll(),
		State:             newStateSummary(d.State.Snapshot()),
	}

	if summary, err := d.Store.ArbTransactionSummary(ctx); err == nil {
		snap.Stats = StatsSummary{
			TotalTransactions:   summary.Total,
			SuccessfulTrades:    summary.Successful,
			ProfitableTrades:    summary.Profitable,
			TotalRealizedProfit: summary.TotalProfit,
		}
	}

	return snap
}

func collectConnections(providers map[string]market.Provider) []types.ConnectionStatus {
	out := make([]types.ConnectionStatus, 0, len(providers))
	for _, p := range providers {
		out = append(out, p.ConnectionStatus())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Exchange < out[j].Exchange })
	return out
}

// collectPrices reads the current top of book for every pair on every
// venue that has one.
func collectPrices(providers map[string]market.Provider, pairs []types.TradingPair) []SymbolPrices {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]SymbolPrices, 0, len(pairs))
	for _, pair := range pairs {
		symbol := pair.Canonical()
		sp := SymbolPrices{Symbol: symbol}
		for _, name := range names {
			book, ok := providers[name].GetOrderBook(symbol)
			if !ok {
				continue
			}
			price := ExchangePrice{Exchange: name, LastUpdate: book.LastUpdate}
			if bid, ok := book.BestBid(); ok {
				price.Bid = bid.Price
			}
			if ask, ok := book.BestAsk(); ok {
				price.Ask = ask.Price
			}
			if price.Bid.IsPositive() && price.Ask.IsPositive() {
				price.Mid = price.Bid.Add(price.Ask).Div(two)
			}
			sp.Venues = append(sp.Venues, price)
		}
		out = append(out, sp)
	}
	return out
}

// collectBalances uses the cached balances only; the snapshot path never
// hits exchange REST APIs.
func collectBalances(clients map[string]exchange.ExchangeClient) []ExchangeBalances {
	out := make([]ExchangeBalances, 0, len(clients))
	for name, client := range clients {
		balances, ok := client.CachedBalances()
		if !ok {
			continue
		}
		out = append(out, ExchangeBalances{Exchange: name, Balances: balances})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Exchange < out[j].Exchange })
	return out
}
