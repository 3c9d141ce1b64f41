package strategy

import (
	"context"
	"log/slog"
	"strings"
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

// takerFallbackRate is the fee assumed for a leg whose venue reported none:
// 0.1% of the leg notional.
var takerFallbackRate = decimal.NewFromFloat(0.001)

// Executor turns a detected opportunity into two market orders and records
// the outcome. Every attempt ends in exactly one terminal state: rejected
// before any order (no record), Failed, Success, Recovered, or One-Sided.
type Executor struct {
	cfg        config.ExecutorConfig
	clients    map[string]exchange.ExchangeClient
	providers  map[string]market.Provider
	st         *state.Manager
	bus        *bus.Bus
	staleAfter time.Duration
	logger     *slog.Logger

	mu       sync.Mutex
	inFlight map[string]int // symbol → active executions
}

func NewExecutor(
	cfg config.ExecutorConfig,
	clients map[string]exchange.ExchangeClient,
	providers map[string]market.Provider,
	st *state.Manager,
	b *bus.Bus,
	staleAfter time.Duration,
	logger *slog.Logger,
) *Executor {
	if staleAfter <= 0 {
		staleAfter = 500 * time.Millisecond
	}
	return &Executor{
		cfg:        cfg,
		clients:    clients,
		providers:  providers,
		st:         st,
		bus:        b,
		staleAfter: staleAfter,
		logger:     logger.With("component", "executor"),
		inFlight:   make(map[string]int),
	}
}

// Execute runs the full trade pipeline for one opportunity against the
// given profit floor (in percent). It returns true only when both legs
// filled and the trade settled as Success. Preflight rejections return
// false without placing any order or recording a transaction.
func (e *Executor) Execute(ctx context.Context, o types.Opportunity, minProfitPct decimal.Decimal) bool {
	if e.st.KillSwitchTriggered() {
		e.logger.Warn("Trade aborted: kill-switch engaged", "symbol", o.Symbol)
		return false
	}
	buy, ok := e.clients[o.BuyExchange]
	if !ok {
		e.logger.Error("unknown buy exchange", "exchange", o.BuyExchange)
		return false
	}
	sell, ok := e.clients[o.SellExchange]
	if !ok {
		e.logger.Error("unknown sell exchange", "exchange", o.SellExchange)
		return false
	}
	if !e.tryAcquire(o.Symbol) {
		e.logger.Debug("execution already in flight", "symbol", o.Symbol)
		return false
	}
	defer e.release(o.Symbol)

	buyBook := e.snapshot(o.BuyExchange, o.Symbol)
	sellBook := e.snapshot(o.SellExchange, o.Symbol)
	if e.isStale(buyBook) || e.isStale(sellBook) {
		e.logger.Warn("Trade aborted: Stale data",
			"symbol", o.Symbol, "buyExchange", o.BuyExchange, "sellExchange", o.SellExchange)
		return false
	}
	if spread, ok := topOfBookSpread(buyBook, sellBook); ok {
		if spread.LessThan(minProfitPct) {
			e.logger.Info("Trade aborted: spread slipped below threshold",
				"symbol", o.Symbol, "spread", spread, "threshold", minProfitPct)
			return false
		}
	} else {
		e.logger.Warn("slippage re-check unavailable, proceeding",
			"symbol", o.Symbol, "buyExchange", o.BuyExchange, "sellExchange", o.SellExchange)
	}

	var (
		tx      types.Transaction
		success bool
	)
	if e.strategy() == types.StrategyConcurrent {
		tx, success = e.concurrent(ctx, o, buy, sell)
	} else {
		tx, success = e.sequential(ctx, o, buy, sell)
	}

	e.bus.PublishTransaction(tx)
	e.logger.Info("trade settled",
		"symbol", o.Symbol, "status", tx.Status, "amount", tx.Amount,
		"profit", tx.RealizedProfit, "strategy", tx.Strategy)
	return success
}

func (e *Executor) strategy() types.ExecStrategy {
	if strings.EqualFold(e.cfg.Strategy, string(types.StrategyConcurrent)) {
		return types.StrategyConcurrent
	}
	return types.StrategySequential
}

func (e *Executor) tryAcquire(symbol string) bool {
	limit := e.cfg.MaxPerSymbol
	if limit <= 0 {
		limit = 1
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[symbol] >= limit {
		return false
	}
	e.inFlight[symbol]++
	return true
}

func (e *Executor) release(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.inFlight[symbol] > 0 {
		e.inFlight[symbol]--
	}
}

func (e *Executor) snapshot(exchangeName, symbol string) *types.OrderBookSnapshot {
	p, ok := e.providers[exchangeName]
	if !ok {
		return nil
	}
	book, ok := p.GetOrderBook(symbol)
	if !ok {
		return nil
	}
	return book
}

// isStale flags a snapshot that exists but has not updated recently. A
// missing snapshot is not stale; it downgrades the slippage re-check to a
// warning instead.
func (e *Executor) isStale(book *types.OrderBookSnapshot) bool {
	return book != nil && time.Since(book.LastUpdate) > e.staleAfter
}

// topOfBookSpread is the current gross spread in percent between the buy
// venue's best ask and the sell venue's best bid.
func topOfBookSpread(buyBook, sellBook *types.OrderBookSnapshot) (decimal.Decimal, bool) {
	if buyBook == nil || sellBook == nil {
		return decimal.Zero, false
	}
	ask, ok := buyBook.BestAsk()
	if !ok {
		return decimal.Zero, false
	}
	bid, ok := sellBook.BestBid()
	if !ok {
		return decimal.Zero, false
	}
	return bid.Price.Sub(ask.Price).Div(ask.Price).Mul(decimal.NewFromInt(100)), true
}

// ————————————————————————————————————————————————————————————————————————
// Leg sequencing
// ————————————————————————————————————————————————————————————————————————

// sequential places the buy leg first and sizes the sell leg by the buy
// leg's executed quantity. A failed sell leg is unwound by selling the
// bought quantity back on the buy venue.
func (e *Executor) sequential(ctx context.Context, o types.Opportunity, buy, sell exchange.ExchangeClient) (types.Transaction, bool) {
	tx := e.newTransaction(o, types.StrategySequential)

	buyResp, err := buy.PlaceMarketBuyOrder(ctx, o.Symbol, o.Volume)
	recordLeg(&tx.BuyOrderID, &tx.BuyOrderStatus, buyResp)
	if err != nil || buyResp == nil || !buyResp.Status.IsFill() {
		tx.Status = types.TxFailed
		e.logger.Error("buy leg failed",
			"exchange", o.BuyExchange, "symbol", o.Symbol, "error", err)
		return tx, false
	}

	sellQty := buyResp.ExecutedQty
	sellResp, err := sell.PlaceMarketSellOrder(ctx, o.Symbol, sellQty)
	recordLeg(&tx.SellOrderID, &tx.SellOrderStatus, sellResp)
	if err == nil && sellResp != nil && sellResp.Status.IsFill() {
		e.settle(&tx, buyResp, sellResp)
		e.recoverRemainder(ctx, &tx, o, buy, buyResp, sellResp)
		return tx, true
	}

	e.logger.Error("sell leg failed, unwinding buy leg",
		"exchange", o.SellExchange, "symbol", o.Symbol, "qty", sellQty, "error", err)
	e.recover(ctx, &tx, o.Symbol, buy, types.SELL, sellQty)
	return tx, false
}

// concurrent fires both legs at the planned volume in parallel. A single
// filled leg is unwound with an opposite order on its own venue.
func (e *Executor) concurrent(ctx context.Context, o types.Opportunity, buy, sell exchange.ExchangeClient) (types.Transaction, bool) {
	tx := e.newTransaction(o, types.StrategyConcurrent)

	var (
		wg                sync.WaitGroup
		buyResp, sellResp *types.OrderResponse
		buyErr, sellErr   error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		buyResp, buyErr = buy.PlaceMarketBuyOrder(ctx, o.Symbol, o.Volume)
	}()
	go func() {
		defer wg.Done()
		sellResp, sellErr = sell.PlaceMarketSellOrder(ctx, o.Symbol, o.Volume)
	}()
	wg.Wait()

	recordLeg(&tx.BuyOrderID, &tx.BuyOrderStatus, buyResp)
	recordLeg(&tx.SellOrderID, &tx.SellOrderStatus, sellResp)
	buyOK := buyErr == nil && buyResp != nil && buyResp.Status.IsFill()
	sellOK := sellErr == nil && sellResp != nil && sellResp.Status.IsFill()

	switch {
	case buyOK && sellOK:
		e.settle(&tx, buyResp, sellResp)
		e.recoverRemainder(ctx, &tx, o, buy, buyResp, sellResp)
		return tx, true
	case buyOK:
		e.logger.Error("sell leg failed, unwinding buy leg",
			"exchange", o.SellExchange, "symbol", o.Symbol, "error", sellErr)
		e.recover(ctx, &tx, o.Symbol, buy, types.SELL, buyResp.ExecutedQty)
		return tx, false
	case sellOK:
		e.logger.Error("buy leg failed, buying back sold quantity",
			"exchange", o.BuyExchange, "symbol", o.Symbol, "error", buyErr)
		e.recover(ctx, &tx, o.Symbol, sell, types.BUY, sellResp.ExecutedQty)
		return tx, false
	default:
		tx.Status = types.TxFailed
		e.logger.Error("both legs failed",
			"symbol", o.Symbol, "buyError", buyErr, "sellError", sellErr)
		return tx, false
	}
}

// recover unwinds a one-sided fill with an opposite market order on the
// venue that filled. A full recovery settles flat as Recovered; anything
// else is a critical One-Sided Fill that needs manual attention.
func (e *Executor) recover(ctx context.Context, tx *types.Transaction, symbol string, venue exchange.ExchangeClient, side types.Side, qty decimal.Decimal) {
	tx.Amount = qty

	var (
		resp *types.OrderResponse
		err  error
	)
	if side == types.SELL {
		resp, err = venue.PlaceMarketSellOrder(ctx, symbol, qty)
	} else {
		resp, err = venue.PlaceMarketBuyOrder(ctx, symbol, qty)
	}
	if err == nil && resp != nil && resp.Status == types.OrderFilled {
		tx.Status = types.TxRecovered
		tx.IsRecovered = true
		tx.RecoveryOrderID = resp.OrderID
		e.logger.Warn("one-sided fill recovered",
			"exchange", venue.Name(), "symbol", symbol, "side", side, "qty", qty)
		return
	}

	tx.Status = types.TxOneSided
	e.logger.Error("CRITICAL: one-sided fill could not be recovered",
		"exchange", venue.Name(), "symbol", symbol, "side", side, "qty", qty, "error", err)
}

// recoverRemainder handles a settled trade whose sell leg filled less than
// the buy leg. Under the "recover" policy the unhedged base is sold back
// on the buy venue; under "discard" it stays as inventory.
func (e *Executor) recoverRemainder(ctx context.Context, tx *types.Transaction, o types.Opportunity, buy exchange.ExchangeClient, buyResp, sellResp *types.OrderResponse) {
	remainder := buyResp.ExecutedQty.Sub(sellResp.ExecutedQty)
	if !remainder.IsPositive() {
		return
	}
	if !strings.EqualFold(e.cfg.RemainderPolicy, "recover") {
		e.logger.Info("unhedged remainder kept as inventory",
			"symbol", o.Symbol, "exchange", o.BuyExchange, "qty", remainder)
		return
	}
	resp, err := buy.PlaceMarketSellOrder(ctx, o.Symbol, remainder)
	if err != nil || resp == nil || !resp.Status.IsFill() {
		e.logger.Warn("remainder recovery failed, keeping inventory",
			"symbol", o.Symbol, "exchange", o.BuyExchange, "qty", remainder, "error", err)
		return
	}
	tx.RecoveryOrderID = resp.OrderID
	e.logger.Info("unhedged remainder sold back",
		"symbol", o.Symbol, "exchange", o.BuyExchange, "qty", remainder)
}

// ————————————————————————————————————————————————————————————————————————
// Settlement
// ————————————————————————————————————————————————————————————————————————

func (e *Executor) newTransaction(o types.Opportunity, strat types.ExecStrategy) types.Transaction {
	return types.Transaction{
		ID:           uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Type:         types.TxTypeArbitrage,
		Asset:        baseAsset(o.Symbol),
		Pair:         o.Symbol,
		BuyExchange:  o.BuyExchange,
		SellExchange: o.SellExchange,
		Strategy:     strat,
	}
}

// settle fills in the PnL of a trade whose both legs filled.
func (e *Executor) settle(tx *types.Transaction, buyResp, sellResp *types.OrderResponse) {
	buyQty := buyResp.ExecutedQty
	sellQty := sellResp.ExecutedQty

	tx.Amount = sellQty
	tx.BuyCost = fillPrice(buyResp).Mul(buyQty)
	tx.SellProceeds = fillPrice(sellResp).Mul(sellQty)
	tx.TotalFees = legFee(buyResp, tx.BuyCost).Add(legFee(sellResp, tx.SellProceeds))
	tx.RealizedProfit = tx.SellProceeds.Sub(tx.BuyCost).Sub(tx.TotalFees)
	tx.Status = types.TxSuccess
}

// fillPrice prefers the venue's average fill price over the quoted price.
func fillPrice(resp *types.OrderResponse) decimal.Decimal {
	if resp.AvgPrice.IsPositive() {
		return resp.AvgPrice
	}
	return resp.Price
}

// legFee is the venue-reported fee when present, else 0.1% of the leg
// notional.
func legFee(resp *types.OrderResponse, notional decimal.Decimal) decimal.Decimal {
	if resp.Fee.IsPositive() {
		return resp.Fee
	}
	return notional.Mul(takerFallbackRate)
}

func recordLeg(id *string, status *types.OrderStatus, resp *types.OrderResponse) {
	if resp == nil {
		return
	}
	*id = resp.OrderID
	*status = resp.Status
}

func baseAsset(symbol string) string {
	if i := strings.IndexByte(symbol, '-'); i > 0 {
		return symbol[:i]
	}
	return symbol
}
