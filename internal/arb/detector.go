package arb

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossarb/internal/bus"
	"crossarb/internal/config"
	"crossarb/internal/exchange"
	"crossarb/internal/market"
	"crossarb/internal/state"
	"crossarb/pkg/types"
)

// AccountData is the slice of an exchange client the detector reads on the
// hot path. Cached values keep book ticks free of network calls.
type AccountData interface {
	CachedBalances() ([]types.Balance, bool)
	CachedFees() (*types.FeeSchedule, bool)
}

// Detector consumes market updates, prices every venue pair for the
// updated symbol and routes the results: heatmap events, the deduplicated
// recent list, the trade queue and the passive rebalance queue.
type Detector struct {
	cfg       config.DetectorConfig
	providers []market.Provider
	accounts  map[string]AccountData
	pairs     map[string]types.TradingPair
	bus       *bus.Bus
	st        *state.Manager
	logger    *slog.Logger

	notifyStrategy func(types.StrategyUpdate)

	mu              sync.Mutex
	thresholdPct    decimal.Decimal
	thresholdReason string

	recentMu    sync.Mutex
	recent      map[string]types.Opportunity
	recentOrder []string
	recentLimit int

	minNotionalUSD decimal.Decimal
	eventMinPct    decimal.Decimal
	eventMaxPct    decimal.Decimal
	passiveFloor   decimal.Decimal
}

func NewDetector(cfg config.DetectorConfig, providers []market.Provider, accounts map[string]AccountData, pairs []types.TradingPair, b *bus.Bus, st *state.Manager, logger *slog.Logger) *Detector {
	bySymbol := make(map[string]types.TradingPair, len(pairs))
	for _, p := range pairs {
		bySymbol[p.Canonical()] = p
	}
	limit := cfg.RecentLimit
	if limit <= 0 {
		limit = 100
	}
	threshold := decimal.NewFromFloat(cfg.MinProfitPct)
	if persisted := st.Snapshot().MinProfitThreshold; persisted.IsPositive() {
		threshold = persisted
	}
	return &Detector{
		cfg:             cfg,
		providers:       providers,
		accounts:        accounts,
		pairs:           bySymbol,
		bus:             b,
		st:              st,
		logger:          logger.With("component", "detector"),
		thresholdPct:    threshold,
		thresholdReason: "Default",
		recent:          make(map[string]types.Opportunity, limit),
		recentLimit:     limit,
		minNotionalUSD:  decimal.NewFromFloat(cfg.MinNotionalUSD),
		eventMinPct:     decimal.NewFromFloat(cfg.EventSpreadMinPct),
		eventMaxPct:     decimal.NewFromFloat(cfg.EventSpreadMaxPct),
		passiveFloor:    decimal.NewFromFloat(cfg.PassiveFloorPct),
	}
}

// SetStrategyNotifier registers a callback invoked after a strategy update
// has been applied, so the change can be fanned out to subscribers. Must be
// set before Run.
func (d *Detector) SetStrategyNotifier(fn func(types.StrategyUpdate)) {
	d.notifyStrategy = fn
}

// Run consumes the market update and strategy update streams until ctx is
// cancelled or the bus closes.
func (d *Detector) Run(ctx context.Context) error {
	updates := d.bus.MarketUpdates
	strategy := d.bus.StrategyUpdates
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case symbol, ok := <-updates:
			if !ok {
				return nil
			}
			d.scan(symbol)
		case u, ok := <-strategy:
			if !ok {
				strategy = nil
				continue
			}
			d.applyStrategyUpdate(u)
		}
	}
}

// scan prices every ordered venue pair holding symbol and routes the
// results. A stale or crossed book anywhere skips the whole tick.
func (d *Detector) scan(symbol string) {
	books := make(map[string]*types.OrderBookSnapshot, len(d.providers))
	for _, p := range d.providers {
		if snap, ok := p.GetOrderBook(symbol); ok {
			books[p.Name()] = snap
		}
	}
	if len(books) < 2 {
		return
	}

	now := time.Now().UTC()
	for name, snap := range books {
		if age := now.Sub(snap.LastUpdate); age > d.cfg.StaleAfter {
			d.logger.Warn("Stale order book detected", "exchange", name, "symbol", symbol, "age", age)
			return
		}
		if snap.Crossed() {
			d.logger.Warn("crossed order book, skipping tick", "exchange", name, "symbol", symbol)
			return
		}
	}

	app := d.st.Snapshot()
	opts := Options{
		UseTakerFees:          app.UseTakerFees,
		SafeBalanceMultiplier: app.SafeBalanceMultiplier,
	}

	names := make([]string, 0, len(books))
	for name := range books {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, buyEx := range names {
		for _, sellEx := range names {
			if buyEx == sellEx {
				continue
			}
			dir := Direction{
				Symbol:   symbol,
				Buy:      books[buyEx],
				Sell:     books[sellEx],
				BuyFees:  d.feesFor(buyEx),
				SellFees: d.feesFor(sellEx),
			}
			d.attachBalances(&dir, buyEx, sellEx)
			opp, ok := Evaluate(dir, opts)
			if !ok {
				continue
			}
			opp.IsSandbox = app.IsSandboxMode
			d.route(*opp)
		}
	}
}

// route fans one priced opportunity out: a heatmap event when inside the
// noise clamp, the recent list, and exactly one of the trade or passive
// rebalance queues.
func (d *Detector) route(o types.Opportunity) {
	net := o.NetProfitPct

	if net.GreaterThan(d.eventMinPct) && net.LessThanOrEqual(d.eventMaxPct) {
		d.bus.PublishEvent(types.ArbitrageEvent{
			ID:            uuid.NewString(),
			Pair:          o.Symbol,
			Direction:     o.Direction(),
			Spread:        net.Div(hundred),
			SpreadPercent: net,
			DepthBuy:      o.BuyDepth,
			DepthSell:     o.SellDepth,
			Timestamp:     o.Timestamp,
			DayOfWeek:     o.Timestamp.Weekday().String()[:3],
			Hour:          o.Timestamp.Hour(),
		})
	}

	d.remember(o)
	d.bus.PublishOpportunity(o)

	threshold := d.EffectiveThreshold(o.Symbol)
	notionalOK := o.IsSandbox || o.NotionalUSD().GreaterThanOrEqual(d.minNotionalUSD)
	profitOK := net.IsPositive()
	if o.IsSandbox {
		profitOK = net.GreaterThan(d.eventMinPct)
	}

	if net.GreaterThanOrEqual(threshold) && notionalOK && profitOK {
		d.bus.PublishTrade(o)
		return
	}
	if net.GreaterThanOrEqual(d.passiveFloor) {
		d.bus.PublishPassiveRebalance(o)
	}
}

// EffectiveThreshold is the per-pair override when one is set, otherwise
// the live strategy threshold, in percent.
func (d *Detector) EffectiveThreshold(symbol string) decimal.Decimal {
	if t, ok := d.st.PairThreshold(symbol); ok {
		return t
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.thresholdPct
}

// Threshold returns the live strategy threshold and the reason it was set.
func (d *Detector) Threshold() (decimal.Decimal, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.thresholdPct, d.thresholdReason
}

// Recent returns the deduplicated recent opportunities, newest first.
func (d *Detector) Recent() []types.Opportunity {
	d.recentMu.Lock()
	out := make([]types.Opportunity, 0, len(d.recent))
	for _, key := range d.recentOrder {
		out = append(out, d.recent[key])
	}
	d.recentMu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// BestFor prices the single best direction for symbol across all venues,
// for read-side consumers. Returns false when fewer than two fresh books
// exist or no direction survives pricing.
func (d *Detector) BestFor(symbol string) (*types.Opportunity, bool) {
	books := make(map[string]*types.OrderBookSnapshot, len(d.providers))
	fees := make(map[string]types.FeeSchedule, len(d.providers))
	now := time.Now().UTC()
	for _, p := range d.providers {
		snap, ok := p.GetOrderBook(symbol)
		if !ok || now.Sub(snap.LastUpdate) > d.cfg.StaleAfter {
			continue
		}
		books[p.Name()] = snap
		fees[p.Name()] = d.feesFor(p.Name())
	}
	if len(books) < 2 {
		return nil, false
	}
	app := d.st.Snapshot()
	opp, ok := Best(symbol, books, fees, Options{
		UseTakerFees:          app.UseTakerFees,
		SafeBalanceMultiplier: app.SafeBalanceMultiplier,
	})
	if !ok {
		return nil, false
	}
	opp.IsSandbox = app.IsSandboxMode
	return opp, true
}

func (d *Detector) applyStrategyUpdate(u types.StrategyUpdate) {
	d.mu.Lock()
	d.thresholdPct = u.Threshold
	d.thresholdReason = u.Reason
	d.mu.Unlock()
	d.logger.Info("strategy threshold applied", "threshold_pct", u.Threshold, "reason", u.Reason)
	if d.notifyStrategy != nil {
		d.notifyStrategy(u)
	}
}

// remember upserts the opportunity keyed by (symbol, buy venue, sell
// venue); a newer sample replaces the older one, and the oldest key is
// evicted once the list is full.
func (d *Detector) remember(o types.Opportunity) {
	key := o.Symbol + "|" + o.BuyExchange + "|" + o.SellExchange
	d.recentMu.Lock()
	defer d.recentMu.Unlock()
	if _, exists := d.recent[key]; exists {
		d.recent[key] = o
		return
	}
	if len(d.recentOrder) >= d.recentLimit {
		oldest := d.recentOrder[0]
		d.recentOrder = d.recentOrder[1:]
		delete(d.recent, oldest)
	}
	d.recentOrder = append(d.recentOrder, key)
	d.recent[key] = o
}

func (d *Detector) feesFor(exchangeName string) types.FeeSchedule {
	acct, ok := d.accounts[exchangeName]
	if !ok {
		return types.FeeSchedule{}
	}
	fees, ok := acct.CachedFees()
	if !ok || fees == nil {
		return types.FeeSchedule{}
	}
	return *fees
}

// attachBalances wires the funding balances for the balance cap: quote on
// the buy venue, base on the sell venue. Unknown symbols or cold caches
// leave the direction uncapped.
func (d *Detector) attachBalances(dir *Direction, buyEx, sellEx string) {
	pair, ok := d.pairs[dir.Symbol]
	if !ok {
		return
	}
	buyAcct, ok := d.accounts[buyEx]
	if !ok {
		return
	}
	sellAcct, ok := d.accounts[sellEx]
	if !ok {
		return
	}
	buyBals, ok := buyAcct.CachedBalances()
	if !ok {
		return
	}
	sellBals, ok := sellAcct.CachedBalances()
	if !ok {
		return
	}
	quote := exchange.BalanceOf(buyBals, pair.Quote)
	base := exchange.BalanceOf(sellBals, pair.Base)
	dir.QuoteBalance = &quote
	dir.BaseBalance = &base
}
