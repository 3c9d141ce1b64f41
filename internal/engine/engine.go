// Package engine is the central orchestrator of the arbitrage system.
//
// It wires together all subsystems:
//
//  1. Market providers (WebSocket feeds or REST pollers) keep per-venue
//     order books fresh and signal every applied update on the bus.
//  2. The detector prices every venue pair for an updated symbol and routes
//     results: stat events, the recent list, the trade queue and the
//     passive rebalance queue.
//  3. The executor turns queued opportunities into two-leg trades; the
//     strategy controller re-tunes its threshold from the activity calendar.
//  4. The rebalance service watches inventory skew across venues; the
//     passive rebalancer accepts thin trades that reduce it.
//  5. The safety monitor trips a kill-switch on loss streaks or drawdown.
//  6. Outcomes fan out to SQLite statistics, the dashboard hub and the
//     optional Redis notifier.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"crossarb/internal/api"
	"crossarb/internal/arb"
	"crossarb/internal/bus"
	"crossarb/internal/config"
	"crossarb/internal/exchange"
	"crossarb/internal/market"
	"crossarb/internal/notify"
	"crossarb/internal/rebalance"
	"crossarb/internal/safety"
	"crossarb/internal/state"
	"crossarb/internal/stats"
	"crossarb/internal/strategy"
	"crossarb/pkg/types"
)

// accountRefreshInterval is how often venue balances and fee schedules are
// re-fetched outside the trade path.
const accountRefreshInterval = time.Hour

// Engine owns the lifecycle of every component goroutine and the channel
// wiring between them.
type Engine struct {
	cfg     config.Config
	version string

	st        *state.Manager
	bus       *bus.Bus
	clients   map[string]exchange.ExchangeClient
	providers map[string]market.Provider
	pairs     []types.TradingPair

	store      *stats.Store
	stats      *stats.Engine
	detector   *arb.Detector
	executor   *strategy.Executor
	controller *strategy.Controller
	passive    *strategy.PassiveRebalancer
	rebalancer *rebalance.Service
	monitor    *safety.Monitor
	notifier   *notify.Publisher
	hub        *api.Hub
	server     *api.Server

	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components. Nothing runs yet; order
// books, caches and the dashboard all come alive in Start.
func New(cfg config.Config, version string, logger *slog.Logger) (*Engine, error) {
	defaults := state.Defaults(
		cfg.Detector.MinProfitPct,
		cfg.Rebalance.SkewThreshold,
		cfg.Safety.MaxDrawdownUSD,
		cfg.Safety.MaxConsecutiveLosses,
	)
	st := state.Open(cfg.State.Path, defaults, logger)
	b := bus.New(logger)
	pairs := tradingPairs(cfg.Pairs)
	sandboxMode := st.SandboxMode()

	clients := make(map[string]exchange.ExchangeClient, len(cfg.Exchanges))
	providers := make(map[string]market.Provider, len(cfg.Exchanges))
	for _, exCfg := range cfg.Exchanges {
		clients[exCfg.Name] = exchange.NewClient(exCfg, pairs, cfg.Sandbox.StarterBalances, sandboxMode, logger)
		switch exCfg.Kind {
		case "poll":
			providers[exCfg.Name] = market.NewPoller(exCfg, pairs, b, logger)
		default:
			providers[exCfg.Name] = market.NewFeed(exCfg, pairs, b, logger)
		}
	}

	store, err := stats.Open(cfg.Stats.DBPath, logger)
	if err != nil {
		logger.Error("stats store unavailable, history will not survive restarts",
			"path", cfg.Stats.DBPath, "error", err)
		store, err = stats.OpenMemory(logger)
		if err != nil {
			return nil, err
		}
	}

	accounts := make(map[string]arb.AccountData, len(clients))
	venues := make([]rebalance.Venue, 0, len(clients))
	for name, client := range clients {
		accounts[name] = client
		venues = append(venues, client)
	}

	statsEng := stats.NewEngine(cfg.Stats, store, b, logger)
	detector := arb.NewDetector(cfg.Detector, providerList(providers), accounts, pairs, b, st, logger)
	executor := strategy.NewExecutor(cfg.Executor, clients, providers, st, b, cfg.Detector.StaleAfter, logger)
	rebalancer := rebalance.NewService(cfg.Rebalance, venues, st, b, logger)
	controller := strategy.NewController(cfg.Strategy, statsEng, st, b, logger)
	passive := strategy.NewPassiveRebalancer(rebalancer, executor, st, b, logger)
	monitor := safety.NewMonitor(cfg.Safety, store, st, logger)

	notifier, err := notify.New(cfg.Notify, logger)
	if err != nil {
		return nil, err
	}

	hub := api.NewHub(logger)
	detector.SetStrategyNotifier(func(u types.StrategyUpdate) {
		hub.Broadcast(api.ReceiveStrategyUpdate(u))
	})

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:        cfg,
		version:    version,
		st:         st,
		bus:        b,
		clients:    clients,
		providers:  providers,
		pairs:      pairs,
		store:      store,
		stats:      statsEng,
		detector:   detector,
		executor:   executor,
		controller: controller,
		passive:    passive,
		rebalancer: rebalancer,
		monitor:    monitor,
		notifier:   notifier,
		hub:        hub,
		logger:     logger.With("component", "engine"),
		ctx:        ctx,
		cancel:     cancel,
	}

	if cfg.Server.Enabled {
		e.server = api.NewServer(api.Deps{
			State:     st,
			Providers: providers,
			Clients:   clients,
			Pairs:     pairs,
			Detector:  detector,
			Inventory: rebalancer,
			Store:     store,
			Stats:     statsEng,
			Safety:    monitor,
			Strategy:  controller,
			Version:   version,
		}, cfg.Server, hub, logger)
	}

	return e, nil
}

// Start rebuilds missing aggregates, warms account caches, then launches
// every component goroutine and the bus fan-out consumers.
func (e *Engine) Start() error {
	folded, err := stats.Bootstrap(e.ctx, e.store, e.cfg.Stats, e.logger)
	if err != nil {
		return err
	}
	if folded > 0 {
		e.logger.Info("statistics rebuilt from raw events", "events", folded)
	}

	if err := e.notifier.Ping(e.ctx); err != nil {
		e.logger.Warn("notification broker unreachable", "error", err)
	}

	e.refreshAccounts(e.ctx)

	for name, p := range e.providers {
		e.spawn("provider-"+name, p.Run)
	}
	e.spawn("detector", e.detector.Run)
	e.spawn("stats", e.stats.Run)
	e.spawn("controller", e.controller.Run)
	e.spawn("rebalancer", e.rebalancer.Run)
	e.spawn("passive-rebalancer", e.passive.Run)
	e.spawn("safety", e.monitor.Run)
	e.spawn("hub", e.hub.Run)

	e.spawn("trade-consumer", e.consumeTrades)
	e.spawn("transaction-consumer", e.consumeTransactions)
	e.spawn("opportunity-consumer", e.consumeOpportunities)
	e.spawn("rebalance-consumer", e.consumeRebalances)
	e.spawn("safety-consumer", e.consumeSafetyTrips)
	e.spawn("account-refresh", e.runAccountRefresh)

	if e.server != nil {
		e.spawn("api-server", e.server.Run)
	}

	e.logger.Info("engine started",
		"exchanges", len(e.clients),
		"pairs", len(e.pairs),
		"sandbox", e.st.SandboxMode(),
		"auto_trade", e.st.AutoTradeEnabled(),
	)
	return nil
}

// Stop cancels every goroutine, waits for them, then closes the bus, the
// statistics store and the notifier.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()
	e.wg.Wait()

	e.bus.Close()
	if err := e.store.Close(); err != nil {
		e.logger.Error("close stats store", "error", err)
	}
	e.notifier.Close()

	e.logger.Info("shutdown complete")
}

// spawn runs one component until its Run returns; errors after cancel are
// expected and not logged.
func (e *Engine) spawn(name string, run func(context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := run(e.ctx); err != nil && e.ctx.Err() == nil {
			e.logger.Error("component stopped", "component", name, "error", err)
		}
	}()
}

// consumeTrades executes queued opportunities. The auto-trade gate lives
// here so a disabled switch drains the queue instead of backing it up.
func (e *Engine) consumeTrades(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o, ok := <-e.bus.Trades:
			if !ok {
				return nil
			}
			if !e.st.AutoTradeEnabled() {
				continue
			}
			e.executor.Execute(ctx, o, e.detector.EffectiveThreshold(o.Symbol))
		}
	}
}

// consumeTransactions fans settled trades out to statistics, the dashboard
// and the notifier.
func (e *Engine) consumeTransactions(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tx, ok := <-e.bus.Transactions:
			if !ok {
				return nil
			}
			e.stats.HandleTransaction(ctx, tx)
			e.hub.Broadcast(api.ReceiveTransaction(tx))
			e.notifier.PublishTransaction(ctx, tx)
		}
	}
}

func (e *Engine) consumeOpportunities(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o, ok := <-e.bus.Opportunities:
			if !ok {
				return nil
			}
			e.hub.Broadcast(api.ReceiveOpportunity(o))
		}
	}
}

func (e *Engine) consumeRebalances(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-e.bus.Rebalances:
			if !ok {
				return nil
			}
			e.hub.Broadcast(api.ReceiveRebalanceUpdate(p))
		}
	}
}

// consumeSafetyTrips forwards kill-switch engagements to the dashboard.
// The monitor has already disabled trading by the time a trip arrives.
func (e *Engine) consumeSafetyTrips(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case trip, ok := <-e.monitor.Trips():
			if !ok {
				return nil
			}
			e.hub.Broadcast(api.ReceiveSafetyUpdate(true, trip.Reason))
		}
	}
}

// runAccountRefresh re-fetches balances and fees on a slow cadence so
// cached values the detector and rebalancer read never go permanently
// stale.
func (e *Engine) runAccountRefresh(ctx context.Context) error {
	ticker := time.NewTicker(accountRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.refreshAccounts(ctx)
		}
	}
}

// refreshAccounts warms the balance and fee caches of every venue and
// announces refreshed fee schedules. Failures leave the previous cache in
// place.
func (e *Engine) refreshAccounts(ctx context.Context) {
	for name, client := range e.clients {
		if _, err := client.GetBalances(ctx); err != nil {
			e.logger.Warn("balance refresh failed", "exchange", name, "error", err)
		}
		fees, err := client.GetSpotFees(ctx)
		if err != nil {
			e.logger.Warn("fee refresh failed", "exchange", name, "error", err)
			continue
		}
		e.hub.Broadcast(api.ReceiveFeeUpdate(name, *fees))
	}
}

func tradingPairs(cfgs []config.PairConfig) []types.TradingPair {
	out := make([]types.TradingPair, 0, len(cfgs))
	for _, p := range cfgs {
		out = append(out, types.TradingPair{Base: p.Base, Quote: p.Quote, Symbols: p.Symbols})
	}
	return out
}

// providerList returns providers in stable name order.
func providerList(providers map[string]market.Provider) []market.Provider {
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]market.Provider, 0, len(names))
	for _, name := range names {
		out = append(out, providers[name])
	}
	return out
}
