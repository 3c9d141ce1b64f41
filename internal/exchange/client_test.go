package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

func newSandboxModeClient(price string) *Client {
	logger := testExchangeLogger()
	oracle := &fakeOracle{price: decimal.RequireFromString(price)}
	starter := map[string]float64{"USD": 100000, "BTC": 10}

	return &Client{
		name:        "alpha",
		sandbox:     NewSandbox("alpha", starter, oracle, logger),
		pairs:       map[string]types.TradingPair{"BTC-USD": btcUSD},
		sandboxMode: true,
		fees: &types.FeeSchedule{
			Maker: decimal.RequireFromString("0.08"),
			Taker: decimal.RequireFromString("0.1"),
		},
		feesAt: time.Now().UTC(),
		logger: logger,
	}
}

func TestSandboxModeMarketBuy(t *testing.T) {
	t.Parallel()
	c := newSandboxModeClient("50000")

	resp, err := c.PlaceMarketBuyOrder(context.Background(), "BTC-USD", decimal.RequireFromString("1"))
	if err != nil {
		t.Fatalf("PlaceMarketBuyOrder: %v", err)
	}
	if resp.Status != types.OrderFilled {
		t.Errorf("status = %v, want %v", resp.Status, types.OrderFilled)
	}

	balances, err := c.GetBalances(context.Background())
	if err != nil {
		t.Fatalf("GetBalances: %v", err)
	}
	if got := BalanceOf(balances, "USD"); !got.Equal(decimal.RequireFromString("50000")) {
		t.Errorf("USD balance = %v, want 50000", got)
	}
	if got := BalanceOf(balances, "BTC"); !got.Equal(decimal.RequireFromString("11")) {
		t.Errorf("BTC balance = %v, want 11", got)
	}
}

func TestPlaceOrderUnknownSymbol(t *testing.T) {
	t.Parallel()
	c := newSandboxModeClient("50000")

	if _, err := c.PlaceMarketBuyOrder(context.Background(), "DOGE-USD", decimal.New(1, 0)); err == nil {
		t.Error("expected error for unconfigured symbol")
	}
}

func TestSetModeIdempotent(t *testing.T) {
	t.Parallel()
	c := newSandboxModeClient("50000")

	c.SetMode(true)
	c.SetMode(true)
	if !c.InSandboxMode() {
		t.Error("client should remain in sandbox mode")
	}

	c.SetMode(false)
	if c.InSandboxMode() {
		t.Error("client should have switched to real mode")
	}
}

func TestGetSpotFeesSandboxServesSeededSchedule(t *testing.T) {
	t.Parallel()
	c := newSandboxModeClient("50000")

	fees, err := c.GetSpotFees(context.Background())
	if err != nil {
		t.Fatalf("GetSpotFees: %v", err)
	}
	if !fees.Taker.Equal(decimal.RequireFromString("0.1")) {
		t.Errorf("taker = %v, want 0.1", fees.Taker)
	}
	if !fees.Maker.Equal(decimal.RequireFromString("0.08")) {
		t.Errorf("maker = %v, want 0.08", fees.Maker)
	}
}

func TestCachedBalancesTracksFetch(t *testing.T) {
	t.Parallel()
	c := newSandboxModeClient("50000")

	if _, ok := c.CachedBalances(); ok {
		t.Error("cache should be empty before the first fetch")
	}

	if _, err := c.GetBalances(context.Background()); err != nil {
		t.Fatalf("GetBalances: %v", err)
	}

	cached, ok := c.CachedBalances()
	if !ok {
		t.Fatal("cache should hold balances after a successful fetch")
	}
	if got := BalanceOf(cached, "USD"); !got.Equal(decimal.RequireFromString("100000")) {
		t.Errorf("cached USD = %v, want 100000", got)
	}
}

func TestDepositSandboxFunds(t *testing.T) {
	t.Parallel()
	c := newSandboxModeClient("50000")

	c.DepositSandboxFunds("ETH", decimal.RequireFromString("50"))

	balances, err := c.GetBalances(context.Background())
	if err != nil {
		t.Fatalf("GetBalances: %v", err)
	}
	if got := BalanceOf(balances, "ETH"); !got.Equal(decimal.RequireFromString("50")) {
		t.Errorf("ETH balance = %v, want 50", got)
	}
}

func TestSandboxDepositAddressIsSynthetic(t *testing.T) {
	t.Parallel()
	c := newSandboxModeClient("50000")

	addr, err := c.GetDepositAddress(context.Background(), "BTC")
	if err != nil {
		t.Fatalf("GetDepositAddress: %v", err)
	}
	if addr != "sandbox:alpha:BTC" {
		t.Errorf("address = %q, want sandbox:alpha:BTC", addr)
	}
}

func TestSandboxOrderLifecycle(t *testing.T) {
	t.Parallel()
	c := newSandboxModeClient("50000")
	ctx := context.Background()

	resp, err := c.PlaceLimitSellOrder(ctx, "BTC-USD", decimal.RequireFromString("1"), decimal.RequireFromString("51000"))
	if err != nil {
		t.Fatalf("PlaceLimitSellOrder: %v", err)
	}

	got, err := c.GetOrderStatus(ctx, "BTC-USD", resp.OrderID)
	if err != nil {
		t.Fatalf("GetOrderStatus: %v", err)
	}
	if got.Status != types.OrderFilled {
		t.Errorf("status = %v, want %v", got.Status, types.OrderFilled)
	}

	if _, err := c.CancelOrder(ctx, "BTC-USD", resp.OrderID); err == nil {
		t.Error("cancel should fail: sandbox orders fill instantly")
	}
}

func TestBalanceOf(t *testing.T) {
	t.Parallel()

	balances := []types.Balance{
		{Asset: "BTC", Free: decimal.RequireFromString("1.5")},
		{Asset: "USD", Free: decimal.RequireFromString("2000")},
	}

	if got := BalanceOf(balances, "USD"); !got.Equal(decimal.RequireFromString("2000")) {
		t.Errorf("BalanceOf(USD) = %v, want 2000", got)
	}
	if got := BalanceOf(balances, "SOL"); !got.IsZero() {
		t.Errorf("BalanceOf(SOL) = %v, want 0", got)
	}
}
