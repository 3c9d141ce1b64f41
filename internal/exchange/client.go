// Package exchange implements venue access for the arbitrage engine.
//
// Each configured exchange gets one Client. A Client owns a pair of state
// objects, a RESTClient for the real venue and a Sandbox for simulated
// trading, and delegates every call to whichever matches the current mode.
// Mode switching is idempotent and applies to all subsequent calls.
//
// Balances and fee schedules are cached on every successful fetch; when a
// live call fails the last good value is served instead, so consumers must
// tolerate staleness.
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/pkg/types"
)

// ExchangeClient is the per-venue capability set the engine consumes.
// Client is the production implementation; tests substitute fakes.
type ExchangeClient interface {
	Name() string
	SetMode(sandbox bool)
	InSandboxMode() bool

	PlaceMarketBuyOrder(ctx context.Context, symbol string, qty decimal.Decimal) (*types.OrderResponse, error)
	PlaceMarketSellOrder(ctx context.Context, symbol string, qty decimal.Decimal) (*types.OrderResponse, error)
	PlaceLimitBuyOrder(ctx context.Context, symbol string, qty, price decimal.Decimal) (*types.OrderResponse, error)
	PlaceLimitSellOrder(ctx context.Context, symbol string, qty, price decimal.Decimal) (*types.OrderResponse, error)
	GetOrderStatus(ctx context.Context, symbol, orderID string) (*types.OrderResponse, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (*types.OrderResponse, error)

	GetBalances(ctx context.Context) ([]types.Balance, error)
	CachedBalances() ([]types.Balance, bool)
	GetSpotFees(ctx context.Context) (*types.FeeSchedule, error)
	CachedFees() (*types.FeeSchedule, bool)
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetOrderBook(ctx context.Context, symbol string) (*types.OrderBookSnapshot, error)

	Withdraw(ctx context.Context, asset string, amount decimal.Decimal, address string) (string, error)
	GetDepositAddress(ctx context.Context, asset string) (string, error)
	DepositSandboxFunds(asset string, amount decimal.Decimal)
}

// Client is the mode-switching venue client.
type Client struct {
	name    string
	real    *RESTClient
	sandbox *Sandbox
	pairs   map[string]types.TradingPair // canonical symbol → pair

	modeMu      sync.RWMutex
	sandboxMode bool

	cacheMu    sync.RWMutex
	balances   []types.Balance
	balancesAt time.Time
	fees       *types.FeeSchedule
	feesAt     time.Time

	logger *slog.Logger
}

var _ ExchangeClient = (*Client)(nil)

// NewClient creates a venue client with both real and sandbox state. The
// sandbox uses the real client as its fill oracle. The fee cache is seeded
// from the configured schedule so fee lookups work before the first live
// fetch.
func NewClient(cfg config.ExchangeConfig, pairs []types.TradingPair, starter map[string]float64, sandboxMode bool, logger *slog.Logger) *Client {
	rest := NewRESTClient(cfg, pairs, logger)

	bySymbol := make(map[string]types.TradingPair, len(pairs))
	for _, p := range pairs {
		bySymbol[p.Canonical()] = p
	}

	c := &Client{
		name:        cfg.Name,
		real:        rest,
		sandbox:     NewSandbox(cfg.Name, starter, rest, logger),
		pairs:       bySymbol,
		sandboxMode: sandboxMode,
		fees: &types.FeeSchedule{
			Maker: decimal.NewFromFloat(cfg.MakerFeePct),
			Taker: decimal.NewFromFloat(cfg.TakerFeePct),
		},
		feesAt: time.Now().UTC(),
		logger: logger.With("component", "client", "exchange", cfg.Name),
	}
	return c
}

// Name returns the exchange name.
func (c *Client) Name() string { return c.name }

// SetMode switches between sandbox and real delegation.
func (c *Client) SetMode(sandbox bool) {
	c.modeMu.Lock()
	defer c.modeMu.Unlock()
	if c.sandboxMode == sandbox {
		return
	}
	c.sandboxMode = sandbox
	c.logger.Info("exchange mode switched", "sandbox", sandbox)
}

// InSandboxMode reports whether calls currently delegate to the sandbox.
func (c *Client) InSandboxMode() bool {
	c.modeMu.RLock()
	defer c.modeMu.RUnlock()
	return c.sandboxMode
}

func (c *Client) pairFor(symbol string) (types.TradingPair, error) {
	p, ok := c.pairs[symbol]
	if !ok {
		return types.TradingPair{}, fmt.Errorf("unknown symbol %s on %s", symbol, c.name)
	}
	return p, nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// PlaceMarketBuyOrder buys qty base units at market.
func (c *Client) PlaceMarketBuyOrder(ctx context.Context, symbol string, qty decimal.Decimal) (*types.OrderResponse, error) {
	if c.InSandboxMode() {
		pair, err := c.pairFor(symbol)
		if err != nil {
			return nil, err
		}
		return c.sandbox.MarketBuy(ctx, pair, qty)
	}
	return c.real.PlaceMarketOrder(ctx, symbol, types.BUY, qty)
}

// PlaceMarketSellOrder sells qty base units at market.
func (c *Client) PlaceMarketSellOrder(ctx context.Context, symbol string, qty decimal.Decimal) (*types.OrderResponse, error) {
	if c.InSandboxMode() {
		pair, err := c.pairFor(symbol)
		if err != nil {
			return nil, err
		}
		return c.sandbox.MarketSell(ctx, pair, qty)
	}
	return c.real.PlaceMarketOrder(ctx, symbol, types.SELL, qty)
}

// PlaceLimitBuyOrder buys qty base units at the given limit price.
func (c *Client) PlaceLimitBuyOrder(ctx context.Context, symbol string, qty, price decimal.Decimal) (*types.OrderResponse, error) {
	if c.InSandboxMode() {
		pair, err := c.pairFor(symbol)
		if err != nil {
			return nil, err
		}
		return c.sandbox.LimitBuy(pair, qty, price)
	}
	return c.real.PlaceLimitOrder(ctx, symbol, types.BUY, qty, price)
}

// PlaceLimitSellOrder sells qty base units at the given limit price.
func (c *Client) PlaceLimitSellOrder(ctx context.Context, symbol string, qty, price decimal.Decimal) (*types.OrderResponse, error) {
	if c.InSandboxMode() {
		pair, err := c.pairFor(symbol)
		if err != nil {
			return nil, err
		}
		return c.sandbox.LimitSell(pair, qty, price)
	}
	return c.real.PlaceLimitOrder(ctx, symbol, types.SELL, qty, price)
}

// GetOrderStatus looks up an order on the active state.
func (c *Client) GetOrderStatus(ctx context.Context, symbol, orderID string) (*types.OrderResponse, error) {
	if c.InSandboxMode() {
		return c.sandbox.GetOrderStatus(orderID)
	}
	return c.real.GetOrderStatus(ctx, symbol, orderID)
}

// CancelOrder cancels an order on the active state.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) (*types.OrderResponse, error) {
	if c.InSandboxMode() {
		return c.sandbox.CancelOrder(orderID)
	}
	return c.real.CancelOrder(ctx, symbol, orderID)
}

// ————————————————————————————————————————————————————————————————————————
// Account data with cache fallback
// ————————————————————————————————————————————————————————————————————————

// GetBalances returns live balances, falling back to the last successful
// fetch when the live call fails.
func (c *Client) GetBalances(ctx context.Context) ([]types.Balance, error) {
	if c.InSandboxMode() {
		balances := c.sandbox.Balances()
		c.storeBalances(balances)
		return balances, nil
	}

	balances, err := c.real.GetBalances(ctx)
	if err != nil {
		cached, at, ok := c.balancesSnapshot()
		if !ok {
			return nil, err
		}
		c.logger.Warn("live balance fetch failed, serving cached",
			"error", err,
			"age", time.Since(at),
		)
		return cached, nil
	}

	c.storeBalances(balances)
	return balances, nil
}

// CachedBalances returns the last fetched balances without touching the
// network. Hot paths (spread sizing) read this instead of GetBalances.
func (c *Client) CachedBalances() ([]types.Balance, bool) {
	balances, _, ok := c.balancesSnapshot()
	return balances, ok
}

// GetSpotFees returns the live fee schedule, falling back to the cached
// (or configured) schedule when the live call fails. Sandbox mode always
// serves the cached schedule.
func (c *Client) GetSpotFees(ctx context.Context) (*types.FeeSchedule, error) {
	if c.InSandboxMode() {
		fees, _ := c.CachedFees()
		return fees, nil
	}

	fees, err := c.real.GetSpotFees(ctx)
	if err != nil {
		cached, ok := c.CachedFees()
		if !ok {
			return nil, err
		}
		c.logger.Warn("live fee fetch failed, serving cached", "error", err)
		return cached, nil
	}

	c.cacheMu.Lock()
	c.fees = fees
	c.feesAt = time.Now().UTC()
	c.cacheMu.Unlock()
	return fees, nil
}

// CachedFees returns the last known fee schedule without touching the
// network. The cache is seeded from config, so ok is false only for a
// zero-value Client.
func (c *Client) CachedFees() (*types.FeeSchedule, bool) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	if c.fees == nil {
		return nil, false
	}
	fees := *c.fees
	return &fees, true
}

func (c *Client) storeBalances(balances []types.Balance) {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	c.balances = balances
	c.balancesAt = time.Now().UTC()
}

func (c *Client) balancesSnapshot() ([]types.Balance, time.Time, bool) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	if c.balances == nil {
		return nil, time.Time{}, false
	}
	return c.balances, c.balancesAt, true
}

// ————————————————————————————————————————————————————————————————————————
// Market data and transfers
// ————————————————————————————————————————————————————————————————————————

// GetPrice returns the live last price. Sandbox mode still reads real
// prices: simulated fills track the actual market.
func (c *Client) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return c.real.GetPrice(ctx, symbol)
}

// GetOrderBook returns a live depth snapshot regardless of mode.
func (c *Client) GetOrderBook(ctx context.Context, symbol string) (*types.OrderBookSnapshot, error) {
	return c.real.GetOrderBook(ctx, symbol)
}

// Withdraw transfers an asset out of the active state.
func (c *Client) Withdraw(ctx context.Context, asset string, amount decimal.Decimal, address string) (string, error) {
	if c.InSandboxMode() {
		return c.sandbox.Withdraw(asset, amount)
	}
	return c.real.Withdraw(ctx, asset, amount, address)
}

// GetDepositAddress returns the transfer-in target for an asset.
func (c *Client) GetDepositAddress(ctx context.Context, asset string) (string, error) {
	if c.InSandboxMode() {
		return fmt.Sprintf("sandbox:%s:%s", c.name, asset), nil
	}
	return c.real.GetDepositAddress(ctx, asset)
}

// DepositSandboxFunds additively adjusts a sandbox balance. It targets the
// sandbox state regardless of the current mode.
func (c *Client) DepositSandboxFunds(asset string, amount decimal.Decimal) {
	c.sandbox.Deposit(asset, amount)
}

// BalanceOf picks one asset's free balance out of a balance list.
func BalanceOf(balances []types.Balance, asset string) decimal.Decimal {
	for _, b := range balances {
		if b.Asset == asset {
			return b.Free
		}
	}
	return decimal.Zero
}
