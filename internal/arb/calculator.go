// Package arb implements spread detection: a pure calculator that walks a
// buy-side ask book against a sell-side bid book and prices the executable
// spread, and an event-driven detector that feeds it from market updates
// and routes the results.
package arb

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

// volumeScale is the quantity precision orders are sized to.
const volumeScale = 8

var (
	hundred = decimal.NewFromInt(100)

	// noiseFloorPct discards directions so far under water they carry no
	// signal, in net percent.
	noiseFloorPct = decimal.NewFromFloat(-1.0)
)

// Direction is one candidate trade: buy the asks of one venue, sell into
// the bids of another.
type Direction struct {
	Symbol   string
	Buy      *types.OrderBookSnapshot // asks consumed
	Sell     *types.OrderBookSnapshot // bids consumed
	BuyFees  types.FeeSchedule
	SellFees types.FeeSchedule

	// Free balances backing the trade: quote on the buy venue, base on the
	// sell venue. A nil entry leaves the volume uncapped on that side.
	QuoteBalance *decimal.Decimal
	BaseBalance  *decimal.Decimal
}

// Options are the runtime toggles affecting sizing and fee selection.
type Options struct {
	UseTakerFees          bool
	SafeBalanceMultiplier decimal.Decimal // ≤ 0 disables the balance cap
}

// Evaluate prices one direction. It returns false when the direction is
// not tradable: same venue on both sides, an empty side, no executable
// volume, or a net spread under the noise floor.
func Evaluate(d Direction, opts Options) (*types.Opportunity, bool) {
	if d.Buy == nil || d.Sell == nil || d.Buy.Exchange == d.Sell.Exchange {
		return nil, false
	}
	bestAsk, ok := d.Buy.BestAsk()
	if !ok {
		return nil, false
	}
	if _, ok := d.Sell.BestBid(); !ok {
		return nil, false
	}

	buyDepth := d.Buy.AskLiquidity()
	sellDepth := d.Sell.BidLiquidity()

	maxVolume := decimal.Min(buyDepth, sellDepth)
	if limit, ok := balanceCap(d, bestAsk.Price, opts.SafeBalanceMultiplier); ok {
		maxVolume = decimal.Min(maxVolume, limit)
	}
	maxVolume = maxVolume.RoundDown(volumeScale)
	if !maxVolume.IsPositive() {
		return nil, false
	}

	buyCost, buyFilled := walk(d.Buy.Asks, maxVolume)
	if !buyFilled.IsPositive() {
		return nil, false
	}
	avgBuy := buyCost.Div(buyFilled)

	sellProceeds, sellFilled := walk(d.Sell.Bids, buyFilled)
	if !sellFilled.IsPositive() {
		return nil, false
	}
	avgSell := sellProceeds.Div(sellFilled)

	// When the bid side cannot match the buy fill, the executable volume
	// is whatever the sell side absorbed.
	volume := sellFilled

	buyFeePct := feeSide(d.BuyFees, opts.UseTakerFees)
	sellFeePct := feeSide(d.SellFees, opts.UseTakerFees)

	grossPct := avgSell.Sub(avgBuy).Div(avgBuy).Mul(hundred)
	netPct := grossPct.Sub(buyFeePct).Sub(sellFeePct)

	if netPct.LessThan(noiseFloorPct) {
		return nil, false
	}

	return &types.Opportunity{
		ID:             uuid.NewString(),
		Symbol:         d.Symbol,
		BuyExchange:    d.Buy.Exchange,
		SellExchange:   d.Sell.Exchange,
		AvgBuyPrice:    avgBuy,
		AvgSellPrice:   avgSell,
		BuyDepth:       buyDepth,
		SellDepth:      sellDepth,
		Volume:         volume,
		BuyFeePct:      buyFeePct,
		SellFeePct:     sellFeePct,
		GrossProfitPct: grossPct,
		NetProfitPct:   netPct,
		Timestamp:      time.Now().UTC(),
	}, true
}

// Best applies the venue selection rule over every exchange holding the
// symbol: buy where the ask is lowest, sell where the bid is highest.
// Price ties prefer the larger top-level quantity, then the
// lexicographically smaller exchange name.
func Best(symbol string, books map[string]*types.OrderBookSnapshot, fees map[string]types.FeeSchedule, opts Options) (*types.Opportunity, bool) {
	names := make([]string, 0, len(books))
	for name := range books {
		names = append(names, name)
	}
	sort.Strings(names)

	var buyEx, sellEx string
	var bestAsk, bestBid types.PriceLevel
	for _, name := range names {
		snap := books[name]
		if ask, ok := snap.BestAsk(); ok {
			if buyEx == "" || ask.Price.LessThan(bestAsk.Price) ||
				(ask.Price.Equal(bestAsk.Price) && ask.Qty.GreaterThan(bestAsk.Qty)) {
				buyEx, bestAsk = name, ask
			}
		}
		if bid, ok := snap.BestBid(); ok {
			if sellEx == "" || bid.Price.GreaterThan(bestBid.Price) ||
				(bid.Price.Equal(bestBid.Price) && bid.Qty.GreaterThan(bestBid.Qty)) {
				sellEx, bestBid = name, bid
			}
		}
	}
	if buyEx == "" || sellEx == "" || buyEx == sellEx {
		return nil, false
	}

	return Evaluate(Direction{
		Symbol:   symbol,
		Buy:      books[buyEx],
		Sell:     books[sellEx],
		BuyFees:  fees[buyEx],
		SellFees: fees[sellEx],
	}, opts)
}

// balanceCap limits volume to what the funding balances can carry:
// multiplier × min(quote/buyPrice, base). Returns false when balances are
// unknown or the cap is disabled.
func balanceCap(d Direction, buyPrice decimal.Decimal, multiplier decimal.Decimal) (decimal.Decimal, bool) {
	if !multiplier.IsPositive() || d.QuoteBalance == nil || d.BaseBalance == nil {
		return decimal.Zero, false
	}
	if !buyPrice.IsPositive() {
		return decimal.Zero, false
	}
	affordable := d.QuoteBalance.Div(buyPrice)
	return multiplier.Mul(decimal.Min(affordable, *d.BaseBalance)), true
}

// walk consumes levels in book order until target is filled, returning the
// notional consumed and the quantity filled.
func walk(levels []types.PriceLevel, target decimal.Decimal) (notional, filled decimal.Decimal) {
	remaining := target
	for _, lvl := range levels {
		if !remaining.IsPositive() {
			break
		}
		take := decimal.Min(lvl.Qty, remaining)
		notional = notional.Add(take.Mul(lvl.Price))
		filled = filled.Add(take)
		remaining = remaining.Sub(take)
	}
	return notional, filled
}

func feeSide(fees types.FeeSchedule, taker bool) decimal.Decimal {
	if taker {
		return fees.Taker
	}
	return fees.Maker
}
