package strategy

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"crossarb/internal/bus"
	"crossarb/internal/rebalance"
	"crossarb/internal/state"
	"crossarb/pkg/types"
)

// passiveFloorPct is the absolute minimum profit a passive trade must
// clear, in percent.
var passiveFloorPct = decimal.NewFromFloat(0.01)

// Trader executes one opportunity against a profit floor.
type Trader interface {
	Execute(ctx context.Context, o types.Opportunity, minProfitPct decimal.Decimal) bool
}

// IncentiveSource scores how much a trade improves inventory balance.
type IncentiveSource interface {
	IncentiveFor(asset, buyExchange, sellExchange string) decimal.Decimal
}

// PassiveRebalancer consumes sub-threshold opportunities and executes the
// ones that move inventory from an overweight venue to an underweight one
// at a discounted profit floor.
type PassiveRebalancer struct {
	incentives IncentiveSource
	trader     Trader
	st         *state.Manager
	bus        *bus.Bus
	logger     *slog.Logger
}

func NewPassiveRebalancer(incentives IncentiveSource, trader Trader, st *state.Manager, b *bus.Bus, logger *slog.Logger) *PassiveRebalancer {
	return &PassiveRebalancer{
		incentives: incentives,
		trader:     trader,
		st:         st,
		bus:        b,
		logger:     logger.With("component", "passive-rebalancer"),
	}
}

// Run consumes the passive queue until ctx is cancelled or the bus closes.
func (p *PassiveRebalancer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case o, ok := <-p.bus.PassiveRebalances:
			if !ok {
				return nil
			}
			p.handle(ctx, o)
		}
	}
}

func (p *PassiveRebalancer) handle(ctx context.Context, o types.Opportunity) {
	if p.st.KillSwitchTriggered() || !p.st.AutoTradeEnabled() {
		return
	}
	if o.NetProfitPct.LessThan(passiveFloorPct) {
		return
	}

	incentive := p.incentives.IncentiveFor(baseAsset(o.Symbol), o.BuyExchange, o.SellExchange)
	if !incentive.IsPositive() {
		return
	}

	floor := rebalance.DiscountedThreshold(p.st.Snapshot().MinProfitThreshold, incentive)
	if o.NetProfitPct.LessThan(floor) {
		return
	}

	p.logger.Info("passive rebalance trade accepted",
		"symbol", o.Symbol, "net", o.NetProfitPct,
		"incentive", incentive, "floor", floor)
	p.trader.Execute(ctx, o, floor)
}
