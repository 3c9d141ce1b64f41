package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

// Balance shortfall errors surfaced by simulated fills. The messages are
// part of the dashboard contract.
var (
	ErrInsufficientQuote = errors.New("Insufficient quote balance")
	ErrInsufficientBase  = errors.New("Insufficient base balance")
)

// PriceSource supplies live prices for simulated fills.
type PriceSource interface {
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Sandbox is an in-memory simulated venue holding one asset → free balance
// map. Orders always fill completely and instantly: market orders at the
// live oracle price, limit orders at their limit price. Fills debit and
// credit the balance map atomically and fail without side effects when a
// balance falls short.
type Sandbox struct {
	mu       sync.Mutex
	exchange string
	balances map[string]decimal.Decimal
	orders   map[string]*types.OrderResponse
	oracle   PriceSource
	logger   *slog.Logger
}

// NewSandbox creates a simulated venue seeded with the starter inventory.
func NewSandbox(exchange string, starter map[string]float64, oracle PriceSource, logger *slog.Logger) *Sandbox {
	balances := make(map[string]decimal.Decimal, len(starter))
	for asset, amount := range starter {
		balances[asset] = decimal.NewFromFloat(amount)
	}
	return &Sandbox{
		exchange: exchange,
		balances: balances,
		orders:   make(map[string]*types.OrderResponse),
		oracle:   oracle,
		logger:   logger.With("component", "sandbox", "exchange", exchange),
	}
}

// MarketBuy fills a buy at the live oracle price.
func (s *Sandbox) MarketBuy(ctx context.Context, pair types.TradingPair, qty decimal.Decimal) (*types.OrderResponse, error) {
	price, err := s.oracle.GetPrice(ctx, pair.Canonical())
	if err != nil {
		return nil, fmt.Errorf("fill oracle: %w", err)
	}
	return s.fill(pair, types.BUY, qty, price)
}

// MarketSell fills a sell at the live oracle price.
func (s *Sandbox) MarketSell(ctx context.Context, pair types.TradingPair, qty decimal.Decimal) (*types.OrderResponse, error) {
	price, err := s.oracle.GetPrice(ctx, pair.Canonical())
	if err != nil {
		return nil, fmt.Errorf("fill oracle: %w", err)
	}
	return s.fill(pair, types.SELL, qty, price)
}

// LimitBuy fills a buy at the limit price.
func (s *Sandbox) LimitBuy(pair types.TradingPair, qty, price decimal.Decimal) (*types.OrderResponse, error) {
	return s.fill(pair, types.BUY, qty, price)
}

// LimitSell fills a sell at the limit price.
func (s *Sandbox) LimitSell(pair types.TradingPair, qty, price decimal.Decimal) (*types.OrderResponse, error) {
	return s.fill(pair, types.SELL, qty, price)
}

func (s *Sandbox) fill(pair types.TradingPair, side types.Side, qty, price decimal.Decimal) (*types.OrderResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cost := qty.Mul(price)

	switch side {
	case types.BUY:
		if s.balances[pair.Quote].LessThan(cost) {
			return nil, ErrInsufficientQuote
		}
		s.balances[pair.Quote] = s.balances[pair.Quote].Sub(cost)
		s.balances[pair.Base] = s.balances[pair.Base].Add(qty)
	case types.SELL:
		if s.balances[pair.Base].LessThan(qty) {
			return nil, ErrInsufficientBase
		}
		s.balances[pair.Base] = s.balances[pair.Base].Sub(qty)
		s.balances[pair.Quote] = s.balances[pair.Quote].Add(cost)
	}

	resp := &types.OrderResponse{
		OrderID:     uuid.NewString(),
		Status:      types.OrderFilled,
		OriginalQty: qty,
		ExecutedQty: qty,
		Price:       price,
		AvgPrice:    price,
		Fee:         decimal.Zero,
		CreatedAt:   time.Now().UTC(),
	}
	s.orders[resp.OrderID] = resp

	s.logger.Info("sandbox fill",
		"symbol", pair.Canonical(),
		"side", side,
		"qty", qty,
		"price", price,
	)
	return resp, nil
}

// GetOrderStatus looks up a simulated order by ID.
func (s *Sandbox) GetOrderStatus(orderID string) (*types.OrderResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("unknown sandbox order %s", orderID)
	}
	return resp, nil
}

// CancelOrder always fails: simulated orders fill instantly.
func (s *Sandbox) CancelOrder(orderID string) (*types.OrderResponse, error) {
	return nil, fmt.Errorf("sandbox order %s already filled", orderID)
}

// Deposit additively adjusts an asset balance.
func (s *Sandbox) Deposit(asset string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.balances[asset] = s.balances[asset].Add(amount)
	s.logger.Info("sandbox deposit", "asset", asset, "amount", amount, "balance", s.balances[asset])
}

// Withdraw debits an asset balance and returns a synthetic withdrawal ID.
func (s *Sandbox) Withdraw(asset string, amount decimal.Decimal) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.balances[asset].LessThan(amount) {
		return "", fmt.Errorf("insufficient %s balance for withdrawal", asset)
	}
	s.balances[asset] = s.balances[asset].Sub(amount)

	id := "sbx-" + uuid.NewString()
	s.logger.Info("sandbox withdrawal", "asset", asset, "amount", amount, "id", id)
	return id, nil
}

// Balance returns the free balance held for one asset.
func (s *Sandbox) Balance(asset string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[asset]
}

// Balances returns all balances sorted by asset name.
func (s *Sandbox) Balances() []types.Balance {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.Balance, 0, len(s.balances))
	for asset, free := range s.balances {
		out = append(out, types.Balance{Asset: asset, Free: free})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}
