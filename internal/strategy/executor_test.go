package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/bus"
	"crossarb/internal/config"
	"crossarb/internal/exchange"
	"crossarb/internal/market"
	"crossarb/internal/state"
	"crossarb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// ————————————————————————————————————————————————————————————————————————
// Fakes
// ————————————————————————————————————————————————————————————————————————

type orderCall struct {
	symbol string
	qty    decimal.Decimal
}

type orderResult struct {
	resp *types.OrderResponse
	err  error
}

// fakeClient fills market orders at a fixed price unless a scripted
// response is queued for the side.
type fakeClient struct {
	name  string
	price decimal.Decimal

	mu    sync.Mutex
	seq   int
	buys  []orderCall
	sells []orderCall
	buyQ  []orderResult
	sellQ []orderResult
}

func newFakeClient(name, price string) *fakeClient {
	return &fakeClient{name: name, price: dec(price)}
}

func (f *fakeClient) scriptBuy(resp *types.OrderResponse, err error) {
	f.buyQ = append(f.buyQ, orderResult{resp: resp, err: err})
}

func (f *fakeClient) scriptSell(resp *types.OrderResponse, err error) {
	f.sellQ = append(f.sellQ, orderResult{resp: resp, err: err})
}

func (f *fakeClient) fill(qty decimal.Decimal) *types.OrderResponse {
	f.seq++
	return &types.OrderResponse{
		OrderID:     fmt.Sprintf("%s-%d", f.name, f.seq),
		Status:      types.OrderFilled,
		OriginalQty: qty,
		ExecutedQty: qty,
		AvgPrice:    f.price,
		CreatedAt:   time.Now().UTC(),
	}
}

func (f *fakeClient) Name() string         { return f.name }
func (f *fakeClient) SetMode(sandbox bool) {}
func (f *fakeClient) InSandboxMode() bool  { return true }

func (f *fakeClient) PlaceMarketBuyOrder(ctx context.Context, symbol string, qty decimal.Decimal) (*types.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buys = append(f.buys, orderCall{symbol: symbol, qty: qty})
	if len(f.buyQ) > 0 {
		r := f.buyQ[0]
		f.buyQ = f.buyQ[1:]
		return r.resp, r.err
	}
	return f.fill(qty), nil
}

func (f *fakeClient) PlaceMarketSellOrder(ctx context.Context, symbol string, qty decimal.Decimal) (*types.OrderResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sells = append(f.sells, orderCall{symbol: symbol, qty: qty})
	if len(f.sellQ) > 0 {
		r := f.sellQ[0]
		f.sellQ = f.sellQ[1:]
		return r.resp, r.err
	}
	return f.fill(qty), nil
}

func (f *fakeClient) PlaceLimitBuyOrder(ctx context.Context, symbol string, qty, price decimal.Decimal) (*types.OrderResponse, error) {
	return nil, errors.New("not supported")
}

func (f *fakeClient) PlaceLimitSellOrder(ctx context.Context, symbol string, qty, price decimal.Decimal) (*types.OrderResponse, error) {
	return nil, errors.New("not supported")
}

func (f *fakeClient) GetOrderStatus(ctx context.Context, symbol, orderID string) (*types.OrderResponse, error) {
	return nil, errors.New("not supported")
}

func (f *fakeClient) CancelOrder(ctx context.Context, symbol, orderID string) (*types.OrderResponse, error) {
	return nil, errors.New("not supported")
}

func (f *fakeClient) GetBalances(ctx context.Context) ([]types.Balance, error) { return nil, nil }
func (f *fakeClient) CachedBalances() ([]types.Balance, bool)                  { return nil, false }
func (f *fakeClient) GetSpotFees(ctx context.Context) (*types.FeeSchedule, error) {
	return &types.FeeSchedule{}, nil
}
func (f *fakeClient) CachedFees() (*types.FeeSchedule, bool) { return nil, false }
func (f *fakeClient) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f.price, nil
}
func (f *fakeClient) GetOrderBook(ctx context.Context, symbol string) (*types.OrderBookSnapshot, error) {
	return nil, errors.New("not supported")
}
func (f *fakeClient) Withdraw(ctx context.Context, asset string, amount decimal.Decimal, address string) (string, error) {
	return "", errors.New("not supported")
}
func (f *fakeClient) GetDepositAddress(ctx context.Context, asset string) (string, error) {
	return "", errors.New("not supported")
}
func (f *fakeClient) DepositSandboxFunds(asset string, amount decimal.Decimal) {}

type fakeProvider struct {
	name string
	book *types.OrderBookSnapshot
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) GetOrderBook(symbol string) (*types.OrderBookSnapshot, bool) {
	if p.book == nil {
		return nil, false
	}
	return p.book, true
}

func (p *fakeProvider) ConnectionStatus() types.ConnectionStatus {
	return types.ConnectionStatus{Exchange: p.name, State: types.ConnConnected}
}

func (p *fakeProvider) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func book(exchangeName, bid, ask string) *types.OrderBookSnapshot {
	bids := []types.PriceLevel{{Price: dec(bid), Qty: dec("100")}}
	asks := []types.PriceLevel{{Price: dec(ask), Qty: dec("100")}}
	return &types.OrderBookSnapshot{
		Exchange:   exchangeName,
		Symbol:     "BTC-USD",
		Bids:       bids,
		Asks:       asks,
		LastUpdate: time.Now().UTC(),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Harness
// ————————————————————————————————————————————————————————————————————————

func testExecutorConfig() config.ExecutorConfig {
	return config.ExecutorConfig{Strategy: "sequential", RemainderPolicy: "discard", MaxPerSymbol: 1}
}

func newTestExecutor(t *testing.T, cfg config.ExecutorConfig, alpha, beta *fakeClient, alphaBook, betaBook *types.OrderBookSnapshot) (*Executor, *bus.Bus, *state.Manager) {
	t.Helper()
	logger := testLogger()
	st := state.Open(filepath.Join(t.TempDir(), "state.json"), state.Defaults(0.5, 0.10, 500, 3), logger)
	b := bus.New(logger)
	t.Cleanup(b.Close)

	clients := map[string]exchange.ExchangeClient{alpha.name: alpha, beta.name: beta}
	providers := map[string]market.Provider{
		alpha.name: &fakeProvider{name: alpha.name, book: alphaBook},
		beta.name:  &fakeProvider{name: beta.name, book: betaBook},
	}
	return NewExecutor(cfg, clients, providers, st, b, 500*time.Millisecond, logger), b, st
}

func opp(volume string) types.Opportunity {
	return types.Opportunity{
		ID:           "opp-1",
		Symbol:       "BTC-USD",
		BuyExchange:  "alpha",
		SellExchange: "beta",
		Volume:       dec(volume),
		Timestamp:    time.Now().UTC(),
	}
}

func drainTransactions(ch chan types.Transaction) []types.Transaction {
	var out []types.Transaction
	for {
		select {
		case tx := <-ch:
			out = append(out, tx)
		default:
			return out
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Tests
// ————————————————————————————————————————————————————————————————————————

func TestExecuteSequentialSuccess(t *testing.T) {
	t.Parallel()
	alpha := newFakeClient("alpha", "50000")
	beta := newFakeClient("beta", "51000")
	e, b, _ := newTestExecutor(t, testExecutorConfig(), alpha, beta,
		book("alpha", "49990", "50000"), book("beta", "51000", "51010"))

	ok := e.Execute(context.Background(), opp("0.1"), dec("0.5"))
	if !ok {
		t.Fatal("Execute = false, want true")
	}

	txs := drainTransactions(b.Transactions)
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txs))
	}
	tx := txs[0]
	if tx.Status != types.TxSuccess {
		t.Errorf("Status = %s, want Success", tx.Status)
	}
	if tx.Type != types.TxTypeArbitrage || tx.Strategy != types.StrategySequential {
		t.Errorf("Type/Strategy = %s/%s", tx.Type, tx.Strategy)
	}
	if tx.Asset != "BTC" || tx.Pair != "BTC-USD" {
		t.Errorf("Asset/Pair = %s/%s, want BTC/BTC-USD", tx.Asset, tx.Pair)
	}
	if !tx.Amount.Equal(dec("0.1")) {
		t.Errorf("Amount = %v, want 0.1", tx.Amount)
	}
	if !tx.BuyCost.Equal(dec("5000")) {
		t.Errorf("BuyCost = %v, want 5000", tx.BuyCost)
	}
	if !tx.SellProceeds.Equal(dec("5100")) {
		t.Errorf("SellProceeds = %v, want 5100", tx.SellProceeds)
	}
	if !tx.TotalFees.Equal(dec("10.10")) {
		t.Errorf("TotalFees = %v, want 10.10 (0.1%% fallback per leg)", tx.TotalFees)
	}
	if !tx.RealizedProfit.Equal(dec("89.90")) {
		t.Errorf("RealizedProfit = %v, want 89.90", tx.RealizedProfit)
	}
	if tx.BuyOrderID == "" || tx.SellOrderID == "" {
		t.Error("order ids not recorded")
	}
	if tx.IsRecovered || tx.RecoveryOrderID != "" {
		t.Error("clean success marked recovered")
	}
}

func TestExecuteAbortsOnSlippage(t *testing.T) {
	t.Parallel()
	alpha := newFakeClient("alpha", "50000")
	beta := newFakeClient("beta", "50100")
	// Top of book narrowed to 0.2% against a 0.5% floor.
	e, b, _ := newTestExecutor(t, testExecutorConfig(), alpha, beta,
		book("alpha", "49990", "50000"), book("beta", "50100", "50110"))

	if e.Execute(context.Background(), opp("0.1"), dec("0.5")) {
		t.Fatal("Execute = true despite slipped spread")
	}
	if len(alpha.buys) != 0 || len(beta.sells) != 0 {
		t.Errorf("orders placed: %d buys, %d sells, want none", len(alpha.buys), len(beta.sells))
	}
	if txs := drainTransactions(b.Transactions); len(txs) != 0 {
		t.Errorf("transactions = %d, want 0 for preflight rejection", len(txs))
	}
}

func TestExecuteAbortsOnStaleBook(t *testing.T) {
	t.Parallel()
	alpha := newFakeClient("alpha", "50000")
	beta := newFakeClient("beta", "51000")
	staleBook := book("beta", "51000", "51010")
	staleBook.LastUpdate = time.Now().Add(-time.Second)
	e, b, _ := newTestExecutor(t, testExecutorConfig(), alpha, beta,
		book("alpha", "49990", "50000"), staleBook)

	if e.Execute(context.Background(), opp("0.1"), dec("0.5")) {
		t.Fatal("Execute = true despite stale book")
	}
	if len(alpha.buys) != 0 {
		t.Error("buy leg placed despite stale data")
	}
	if txs := drainTransactions(b.Transactions); len(txs) != 0 {
		t.Errorf("transactions = %d, want 0", len(txs))
	}
}

func TestExecuteAbortsOnKillSwitch(t *testing.T) {
	t.Parallel()
	alpha := newFakeClient("alpha", "50000")
	beta := newFakeClient("beta", "51000")
	e, _, st := newTestExecutor(t, testExecutorConfig(), alpha, beta,
		book("alpha", "49990", "50000"), book("beta", "51000", "51010"))

	if err := st.Update(func(a *state.AppState) { a.IsSafetyKillSwitchTriggered = true }); err != nil {
		t.Fatalf("state update: %v", err)
	}
	if e.Execute(context.Background(), opp("0.1"), dec("0.5")) {
		t.Fatal("Execute = true despite kill-switch")
	}
	if len(alpha.buys) != 0 {
		t.Error("order placed despite kill-switch")
	}
}

func TestExecuteProceedsWithoutBooks(t *testing.T) {
	t.Parallel()
	alpha := newFakeClient("alpha", "50000")
	beta := newFakeClient("beta", "51000")
	e, b, _ := newTestExecutor(t, testExecutorConfig(), alpha, beta, nil, nil)

	if !e.Execute(context.Background(), opp("0.1"), dec("0.5")) {
		t.Fatal("Execute = false, want true when re-check data is unavailable")
	}
	if txs := drainTransactions(b.Transactions); len(txs) != 1 || txs[0].Status != types.TxSuccess {
		t.Errorf("transactions = %+v, want one Success", txs)
	}
}

func TestExecutePartialFillPropagation(t *testing.T) {
	t.Parallel()
	alpha := newFakeClient("alpha", "50000")
	beta := newFakeClient("beta", "51000")
	e, b, _ := newTestExecutor(t, testExecutorConfig(), alpha, beta,
		book("alpha", "49990", "50000"), book("beta", "51000", "51010"))

	alpha.scriptBuy(&types.OrderResponse{
		OrderID:     "alpha-partial",
		Status:      types.OrderPartiallyFilled,
		OriginalQty: dec("1.0"),
		ExecutedQty: dec("0.4"),
		AvgPrice:    dec("50000"),
	}, nil)

	if !e.Execute(context.Background(), opp("1.0"), dec("0.5")) {
		t.Fatal("Execute = false, want true")
	}

	if len(beta.sells) != 1 || !beta.sells[0].qty.Equal(dec("0.4")) {
		t.Fatalf("sell leg qty = %+v, want one order for 0.4", beta.sells)
	}
	txs := drainTransactions(b.Transactions)
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txs))
	}
	if !txs[0].Amount.Equal(dec("0.4")) {
		t.Errorf("Amount = %v, want 0.4", txs[0].Amount)
	}
	if txs[0].BuyOrderStatus != types.OrderPartiallyFilled {
		t.Errorf("BuyOrderStatus = %s, want PartiallyFilled", txs[0].BuyOrderStatus)
	}
}

func TestExecuteSequentialRecovery(t *testing.T) {
	t.Parallel()
	alpha := newFakeClient("alpha", "40000")
	beta := newFakeClient("beta", "41000")
	e, b, _ := newTestExecutor(t, testExecutorConfig(), alpha, beta,
		book("alpha", "39990", "40000"), book("beta", "41000", "41010"))

	alpha.scriptBuy(&types.OrderResponse{
		OrderID:     "alpha-buy",
		Status:      types.OrderPartiallyFilled,
		OriginalQty: dec("1.0"),
		ExecutedQty: dec("0.5"),
		AvgPrice:    dec("40000"),
	}, nil)
	beta.scriptSell(nil, errors.New("503 Service Unavailable"))

	if e.Execute(context.Background(), opp("1.0"), dec("0.5")) {
		t.Fatal("Execute = true, want false for a recovered trade")
	}

	if len(alpha.sells) != 1 || !alpha.sells[0].qty.Equal(dec("0.5")) {
		t.Fatalf("recovery sells on buy venue = %+v, want one for 0.5", alpha.sells)
	}

	txs := drainTransactions(b.Transactions)
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txs))
	}
	tx := txs[0]
	if tx.Status != types.TxRecovered || !tx.IsRecovered {
		t.Errorf("Status = %s IsRecovered = %v, want Recovered/true", tx.Status, tx.IsRecovered)
	}
	if !tx.Amount.Equal(dec("0.5")) {
		t.Errorf("Amount = %v, want 0.5", tx.Amount)
	}
	if tx.RecoveryOrderID == "" {
		t.Error("RecoveryOrderID not recorded")
	}
	if !tx.RealizedProfit.IsZero() {
		t.Errorf("RealizedProfit = %v, want 0 for recovered trade", tx.RealizedProfit)
	}
}

func TestExecuteSequentialOneSided(t *testing.T) {
	t.Parallel()
	alpha := newFakeClient("alpha", "50000")
	beta := newFakeClient("beta", "51000")
	e, b, _ := newTestExecutor(t, testExecutorConfig(), alpha, beta,
		book("alpha", "49990", "50000"), book("beta", "51000", "51010"))

	beta.scriptSell(nil, errors.New("503 Service Unavailable"))
	alpha.scriptSell(nil, errors.New("503 Service Unavailable")) // recovery also fails

	if e.Execute(context.Background(), opp("0.5"), dec("0.5")) {
		t.Fatal("Execute = true, want false")
	}
	txs := drainTransactions(b.Transactions)
	if len(txs) != 1 || txs[0].Status != types.TxOneSided {
		t.Fatalf("transactions = %+v, want one One-Sided Fill", txs)
	}
	if txs[0].IsRecovered {
		t.Error("unrecovered trade marked recovered")
	}
}

func TestExecuteConcurrentOneSided(t *testing.T) {
	t.Parallel()
	cfg := testExecutorConfig()
	cfg.Strategy = "concurrent"
	alpha := newFakeClient("alpha", "50000")
	beta := newFakeClient("beta", "51000")
	e, b, _ := newTestExecutor(t, cfg, alpha, beta,
		book("alpha", "49990", "50000"), book("beta", "51000", "51010"))

	beta.scriptSell(nil, errors.New("429 Too Many Requests"))

	if e.Execute(context.Background(), opp("0.5"), dec("0.5")) {
		t.Fatal("Execute = true, want false for one-sided fill")
	}

	if len(alpha.sells) != 1 || !alpha.sells[0].qty.Equal(dec("0.5")) {
		t.Fatalf("recovery sells = %+v, want one for 0.5 on the buy venue", alpha.sells)
	}
	txs := drainTransactions(b.Transactions)
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txs))
	}
	tx := txs[0]
	if tx.Status != types.TxRecovered || !tx.IsRecovered || tx.Strategy != types.StrategyConcurrent {
		t.Errorf("tx = %s/%v/%s, want Recovered/true/Concurrent", tx.Status, tx.IsRecovered, tx.Strategy)
	}
	if !tx.Amount.Equal(dec("0.5")) {
		t.Errorf("Amount = %v, want 0.5", tx.Amount)
	}
}

func TestExecuteConcurrentBuySideRecovery(t *testing.T) {
	t.Parallel()
	cfg := testExecutorConfig()
	cfg.Strategy = "concurrent"
	alpha := newFakeClient("alpha", "50000")
	beta := newFakeClient("beta", "51000")
	e, b, _ := newTestExecutor(t, cfg, alpha, beta,
		book("alpha", "49990", "50000"), book("beta", "51000", "51010"))

	alpha.scriptBuy(nil, errors.New("502 Bad Gateway"))
	beta.scriptSell(&types.OrderResponse{
		OrderID:     "beta-sell",
		Status:      types.OrderFilled,
		OriginalQty: dec("0.3"),
		ExecutedQty: dec("0.3"),
		AvgPrice:    dec("51000"),
	}, nil)

	if e.Execute(context.Background(), opp("0.3"), dec("0.5")) {
		t.Fatal("Execute = true, want false")
	}
	if len(beta.buys) != 1 || !beta.buys[0].qty.Equal(dec("0.3")) {
		t.Fatalf("recovery buys = %+v, want one for 0.3 on the sell venue", beta.buys)
	}
	txs := drainTransactions(b.Transactions)
	if len(txs) != 1 || txs[0].Status != types.TxRecovered {
		t.Fatalf("transactions = %+v, want one Recovered", txs)
	}
}

func TestExecuteConcurrentBothFail(t *testing.T) {
	t.Parallel()
	cfg := testExecutorConfig()
	cfg.Strategy = "concurrent"
	alpha := newFakeClient("alpha", "50000")
	beta := newFakeClient("beta", "51000")
	e, b, _ := newTestExecutor(t, cfg, alpha, beta,
		book("alpha", "49990", "50000"), book("beta", "51000", "51010"))

	alpha.scriptBuy(nil, errors.New("502 Bad Gateway"))
	beta.scriptSell(nil, errors.New("429 Too Many Requests"))

	if e.Execute(context.Background(), opp("0.5"), dec("0.5")) {
		t.Fatal("Execute = true, want false")
	}
	if len(alpha.sells) != 0 || len(beta.buys) != 0 {
		t.Error("recovery orders placed when both legs failed")
	}
	txs := drainTransactions(b.Transactions)
	if len(txs) != 1 || txs[0].Status != types.TxFailed {
		t.Fatalf("transactions = %+v, want one Failed", txs)
	}
}

func TestExecuteRemainderPolicies(t *testing.T) {
	t.Parallel()

	run := func(policy string) (*fakeClient, types.Transaction) {
		alpha := newFakeClient("alpha", "50000")
		beta := newFakeClient("beta", "51000")
		cfg := testExecutorConfig()
		cfg.RemainderPolicy = policy
		e, b, _ := newTestExecutor(t, cfg, alpha, beta,
			book("alpha", "49990", "50000"), book("beta", "51000", "51010"))

		beta.scriptSell(&types.OrderResponse{
			OrderID:     "beta-partial",
			Status:      types.OrderPartiallyFilled,
			OriginalQty: dec("1.0"),
			ExecutedQty: dec("0.6"),
			AvgPrice:    dec("51000"),
		}, nil)

		if !e.Execute(context.Background(), opp("1.0"), dec("0.5")) {
			t.Fatalf("policy %s: Execute = false, want true", policy)
		}
		txs := drainTransactions(b.Transactions)
		if len(txs) != 1 {
			t.Fatalf("policy %s: transactions = %d, want 1", policy, len(txs))
		}
		return alpha, txs[0]
	}

	alpha, tx := run("discard")
	if len(alpha.sells) != 0 {
		t.Errorf("discard: remainder sold anyway: %+v", alpha.sells)
	}
	if tx.RecoveryOrderID != "" {
		t.Error("discard: recovery order recorded")
	}
	if !tx.Amount.Equal(dec("0.6")) {
		t.Errorf("discard: Amount = %v, want hedged 0.6", tx.Amount)
	}

	alpha, tx = run("recover")
	if len(alpha.sells) != 1 || !alpha.sells[0].qty.Equal(dec("0.4")) {
		t.Errorf("recover: remainder sells = %+v, want one for 0.4", alpha.sells)
	}
	if tx.RecoveryOrderID == "" {
		t.Error("recover: recovery order not recorded")
	}
	if tx.Status != types.TxSuccess {
		t.Errorf("recover: Status = %s, want Success kept", tx.Status)
	}
}

func TestTryAcquireCapsInFlight(t *testing.T) {
	t.Parallel()
	alpha := newFakeClient("alpha", "50000")
	beta := newFakeClient("beta", "51000")
	e, _, _ := newTestExecutor(t, testExecutorConfig(), alpha, beta, nil, nil)

	if !e.tryAcquire("BTC-USD") {
		t.Fatal("first acquire refused")
	}
	if e.tryAcquire("BTC-USD") {
		t.Fatal("second acquire allowed past the cap")
	}
	if !e.tryAcquire("ETH-USD") {
		t.Error("other symbol blocked by unrelated execution")
	}
	e.release("BTC-USD")
	if !e.tryAcquire("BTC-USD") {
		t.Error("acquire refused after release")
	}
}
