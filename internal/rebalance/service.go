// Package rebalance tracks how inventory is distributed across venues and
// proposes transfers when one venue accumulates too much of an asset. The
// same deviation data prices the passive-rebalance discount: trades that
// naturally drain an overweight venue earn a lower profit threshold.
package rebalance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossarb/internal/bus"
	"crossarb/internal/config"
	"crossarb/internal/state"
	"crossarb/pkg/types"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)

	// minPassiveFloorPct is the hard lower bound of the discounted
	// threshold; incentiveWeightPct is the discount per unit of incentive,
	// both in percentage points.
	minPassiveFloorPct = decimal.NewFromFloat(0.05)
	incentiveWeightPct = decimal.NewFromFloat(0.4)
)

// Venue is the slice of the exchange client the rebalancer needs.
type Venue interface {
	Name() string
	GetBalances(ctx context.Context) ([]types.Balance, error)
	Withdraw(ctx context.Context, asset string, amount decimal.Decimal, address string) (string, error)
	GetDepositAddress(ctx context.Context, asset string) (string, error)
}

// sandboxSettler is the optional venue capability used to finish simulated
// transfers. A live withdrawal settles on-chain; a sandbox one must credit
// the destination itself or the moved amount would vanish from the books.
type sandboxSettler interface {
	InSandboxMode() bool
	DepositSandboxFunds(asset string, amount decimal.Decimal)
}

// Service polls balances on every venue, derives per-asset deviations from
// the cross-venue mean, and emits transfer proposals when the imbalance
// crosses the skew threshold.
type Service struct {
	cfg    config.RebalanceConfig
	venues map[string]Venue
	st     *state.Manager
	bus    *bus.Bus
	logger *slog.Logger

	mu         sync.RWMutex
	deviations map[string]map[string]decimal.Decimal // asset → venue → deviation
	totals     map[string]decimal.Decimal            // asset → cross-venue total
	proposals  map[string]types.RebalanceProposal
	polledAt   time.Time
}

func NewService(cfg config.RebalanceConfig, venues []Venue, st *state.Manager, b *bus.Bus, logger *slog.Logger) *Service {
	byName := make(map[string]Venue, len(venues))
	for _, v := range venues {
		byName[v.Name()] = v
	}
	return &Service{
		cfg:        cfg,
		venues:     byName,
		st:         st,
		bus:        b,
		logger:     logger.With("component", "rebalance"),
		deviations: make(map[string]map[string]decimal.Decimal),
		totals:     make(map[string]decimal.Decimal),
		proposals:  make(map[string]types.RebalanceProposal),
	}
}

// Run polls on the configured interval until ctx is cancelled. Viable
// proposals are executed automatically when auto-rebalance is on and the
// kill-switch is clear.
func (s *Service) Run(ctx context.Context) error {
	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}

func (s *Service) cycle(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil {
		s.logger.Warn("inventory refresh failed", "error", err)
		return
	}
	if !s.st.AutoRebalanceEnabled() || s.st.KillSwitchTriggered() {
		return
	}
	for _, p := range s.Proposals() {
		if !p.IsViable {
			continue
		}
		if _, err := s.Execute(ctx, p); err != nil {
			s.logger.Error("auto rebalance failed", "asset", p.Asset, "error", err)
		}
	}
}

// Refresh fetches balances from every venue in parallel and rebuilds the
// deviation table and the proposal set. Venues that fail to answer are
// left out of this round; fewer than two answers keeps the previous table.
func (s *Service) Refresh(ctx context.Context) error {
	type result struct {
		venue    string
		balances []types.Balance
		err      error
	}
	results := make(chan result, len(s.venues))
	for name, v := range s.venues {
		go func(name string, v Venue) {
			bals, err := v.GetBalances(ctx)
			results <- result{venue: name, balances: bals, err: err}
		}(name, v)
	}

	holdings := make(map[string]map[string]decimal.Decimal)
	reported := make([]string, 0, len(s.venues))
	for range s.venues {
		r := <-results
		if r.err != nil {
			s.logger.Warn("balance poll failed", "exchange", r.venue, "error", r.err)
			continue
		}
		reported = append(reported, r.venue)
		for _, b := range r.balances {
			if holdings[b.Asset] == nil {
				holdings[b.Asset] = make(map[string]decimal.Decimal)
			}
			holdings[b.Asset][r.venue] = holdings[b.Asset][r.venue].Add(b.Free.Add(b.Locked))
		}
	}
	if len(reported) < 2 {
		return fmt.Errorf("rebalance: only %d of %d exchanges reported balances", len(reported), len(s.venues))
	}
	sort.Strings(reported)

	devs, totals := deviationsFor(holdings, reported)
	proposals := s.buildProposals(devs, totals)

	s.mu.Lock()
	s.deviations = devs
	s.totals = totals
	s.proposals = make(map[string]types.RebalanceProposal, len(proposals))
	for _, p := range proposals {
		s.proposals[p.ID] = p
	}
	s.polledAt = time.Now().UTC()
	s.mu.Unlock()

	for _, p := range proposals {
		s.bus.PublishRebalance(p)
		s.logger.Info("rebalance proposed",
			"asset", p.Asset, "amount", p.Amount, "direction", p.Direction,
			"fee", p.EstimatedFee, "viable", p.IsViable)
	}
	return nil
}

// deviationsFor computes, for each asset, how far each venue's balance
// sits from the cross-venue mean, normalized by the asset total, clamped
// to [-1,1] and rounded to 4 decimals. Deviations for one asset sum to
// approximately zero. Venues missing a balance count as holding zero.
func deviationsFor(holdings map[string]map[string]decimal.Decimal, venues []string) (map[string]map[string]decimal.Decimal, map[string]decimal.Decimal) {
	devs := make(map[string]map[string]decimal.Decimal, len(holdings))
	totals := make(map[string]decimal.Decimal, len(holdings))
	n := decimal.NewFromInt(int64(len(venues)))

	for asset, byVenue := range holdings {
		total := decimal.Zero
		for _, v := range venues {
			total = total.Add(byVenue[v])
		}
		if !total.IsPositive() {
			continue
		}
		mean := total.Div(n)
		assetDevs := make(map[string]decimal.Decimal, len(venues))
		for _, v := range venues {
			assetDevs[v] = clampUnit(byVenue[v].Sub(mean).Div(total)).Round(4)
		}
		devs[asset] = assetDevs
		totals[asset] = total
	}
	return devs, totals
}

func clampUnit(d decimal.Decimal) decimal.Decimal {
	switch {
	case d.GreaterThan(one):
		return one
	case d.LessThan(one.Neg()):
		return one.Neg()
	}
	return d
}

// buildProposals emits one transfer proposal per asset whose largest
// absolute deviation exceeds the skew threshold. The amount is the excess
// above the mean on the overweight venue, so the transfer lands it back
// on the mean.
func (s *Service) buildProposals(devs map[string]map[string]decimal.Decimal, totals map[string]decimal.Decimal) []types.RebalanceProposal {
	threshold := s.skewThreshold()
	now := time.Now().UTC()

	assets := make([]string, 0, len(devs))
	for asset := range devs {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	var out []types.RebalanceProposal
	for _, asset := range assets {
		from, to, maxDev, minDev := extremes(devs[asset])
		if from == "" || from == to {
			continue
		}
		if decimal.Max(maxDev.Abs(), minDev.Abs()).LessThanOrEqual(threshold) {
			continue
		}
		amount := maxDev.Mul(totals[asset]).Round(8)
		if !amount.IsPositive() {
			continue
		}
		fee := s.estimatedFee(asset, amount)
		costPct := fee.Div(amount).Mul(hundred)
		out = append(out, types.RebalanceProposal{
			ID:             uuid.NewString(),
			Asset:          asset,
			Amount:         amount,
			Direction:      from + " → " + to,
			FromExchange:   from,
			ToExchange:     to,
			EstimatedFee:   fee,
			CostPercentage: costPct,
			IsViable:       costPct.LessThanOrEqual(decimal.NewFromFloat(s.cfg.MaxCostPct)),
			TrendDescription: fmt.Sprintf("%s concentrated on %s (%s%%), depleted on %s (%s%%)",
				asset, from, maxDev.Mul(hundred).StringFixed(2), to, minDev.Mul(hundred).StringFixed(2)),
			CreatedAt: now,
		})
	}
	return out
}

// extremes returns the most overweight and most underweight venues,
// breaking ties by name order.
func extremes(devs map[string]decimal.Decimal) (from, to string, maxDev, minDev decimal.Decimal) {
	names := make([]string, 0, len(devs))
	for name := range devs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		d := devs[name]
		if from == "" || d.GreaterThan(maxDev) {
			from, maxDev = name, d
		}
		if to == "" || d.LessThan(minDev) {
			to, minDev = name, d
		}
	}
	return from, to, maxDev, minDev
}

func (s *Service) estimatedFee(asset string, amount decimal.Decimal) decimal.Decimal {
	for key, fee := range s.cfg.WithdrawFees {
		if strings.EqualFold(key, asset) {
			return decimal.NewFromFloat(fee)
		}
	}
	return amount.Mul(decimal.NewFromFloat(s.cfg.WithdrawFeePct)).Div(hundred)
}

// skewThreshold reads the persisted threshold, falling back to config.
func (s *Service) skewThreshold() decimal.Decimal {
	if thr := s.st.Snapshot().MinRebalanceSkewThreshold; thr.IsPositive() {
		return thr
	}
	return decimal.NewFromFloat(s.cfg.SkewThreshold)
}

// ————————————————————————————————————————————————————————————————————————
// Read surface
// ————————————————————————————————————————————————————————————————————————

// Deviation reports one asset's deviation on one venue from the last poll.
func (s *Service) Deviation(asset, exchange string) (decimal.Decimal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byVenue, ok := s.deviations[asset]
	if !ok {
		return decimal.Zero, false
	}
	d, ok := byVenue[exchange]
	return d, ok
}

// AllDeviations lists every tracked deviation sorted by asset then venue.
func (s *Service) AllDeviations() []types.Deviation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	assets := make([]string, 0, len(s.deviations))
	for asset := range s.deviations {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	var out []types.Deviation
	for _, asset := range assets {
		byVenue := s.deviations[asset]
		names := make([]string, 0, len(byVenue))
		for name := range byVenue {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			out = append(out, types.Deviation{Asset: asset, Exchange: name, Value: byVenue[name]})
		}
	}
	return out
}

// Skews lists the per-asset legacy skew values sorted by asset.
func (s *Service) Skews() []types.Skew {
	s.mu.RLock()
	defer s.mu.RUnlock()

	assets := make([]string, 0, len(s.deviations))
	for asset := range s.deviations {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	out := make([]types.Skew, 0, len(assets))
	for _, asset := range assets {
		from, to, maxDev, minDev := extremes(s.deviations[asset])
		if from == "" {
			continue
		}
		out = append(out, types.Skew{
			Asset:     asset,
			Value:     decimal.Max(maxDev.Abs(), minDev.Abs()),
			Direction: from + " → " + to,
		})
	}
	return out
}

// Proposals lists the current proposal set sorted by asset.
func (s *Service) Proposals() []types.RebalanceProposal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.RebalanceProposal, 0, len(s.proposals))
	for _, p := range s.proposals {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// ProposalByID looks up a pending proposal.
func (s *Service) ProposalByID(id string) (types.RebalanceProposal, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[id]
	return p, ok
}

// LastPoll reports when balances were last refreshed successfully.
func (s *Service) LastPoll() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.polledAt
}

// ————————————————————————————————————————————————————————————————————————
// Passive-rebalance incentive
// ————————————————————————————————————————————————————————————————————————

// IncentiveFor scores how much a trade that buys the asset on buyExchange
// and sells it on sellExchange would improve the asset's distribution.
// When both sides help (the sell venue is overweight beyond the threshold
// and the buy venue underweight beyond it) the score is the sum of both
// magnitudes; an overweight sell venue beyond twice the threshold scores
// alone; anything else earns nothing.
func (s *Service) IncentiveFor(asset, buyExchange, sellExchange string) decimal.Decimal {
	s.mu.RLock()
	byVenue := s.deviations[asset]
	sellDev := byVenue[sellExchange]
	buyDev := byVenue[buyExchange]
	s.mu.RUnlock()

	t := s.skewThreshold()
	switch {
	case sellDev.GreaterThan(t) && buyDev.LessThan(t.Neg()):
		return sellDev.Add(buyDev.Abs())
	case sellDev.GreaterThan(t.Add(t)):
		return sellDev
	default:
		return decimal.Zero
	}
}

// DiscountedThreshold lowers the user profit threshold by 0.4 percentage
// points per unit of incentive, floored at 0.05%.
func DiscountedThreshold(userThresholdPct, incentive decimal.Decimal) decimal.Decimal {
	return decimal.Max(minPassiveFloorPct, userThresholdPct.Sub(incentiveWeightPct.Mul(incentive)))
}

// ————————————————————————————————————————————————————————————————————————
// Execution
// ————————————————————————————————————————————————————————————————————————

// Execute withdraws the proposed amount from the overweight venue to the
// underweight venue's deposit address (wallet overrides in AppState win)
// and records the transfer as a Rebalance transaction.
func (s *Service) Execute(ctx context.Context, p types.RebalanceProposal) (*types.Transaction, error) {
	from, ok := s.venues[p.FromExchange]
	if !ok {
		return nil, fmt.Errorf("rebalance: unknown source exchange %q", p.FromExchange)
	}
	to, ok := s.venues[p.ToExchange]
	if !ok {
		return nil, fmt.Errorf("rebalance: unknown target exchange %q", p.ToExchange)
	}

	address := s.overrideAddress(p.Asset, p.ToExchange)
	if address == "" {
		addr, err := to.GetDepositAddress(ctx, p.Asset)
		if err != nil {
			return nil, fmt.Errorf("rebalance: deposit address for %s on %s: %w", p.Asset, p.ToExchange, err)
		}
		address = addr
	}

	tx := types.Transaction{
		ID:           uuid.NewString(),
		Timestamp:    time.Now().UTC(),
		Type:         types.TxTypeRebalance,
		Asset:        p.Asset,
		Amount:       p.Amount,
		BuyExchange:  p.ToExchange,
		SellExchange: p.FromExchange,
		TotalFees:    p.EstimatedFee,
		Status:       types.TxSuccess,
	}
	transferID, err := from.Withdraw(ctx, p.Asset, p.Amount, address)
	if err != nil {
		tx.Status = types.TxFailed
		s.bus.PublishTransaction(tx)
		return &tx, fmt.Errorf("rebalance: withdraw %s %s from %s: %w", p.Amount, p.Asset, p.FromExchange, err)
	}
	tx.SellOrderID = transferID

	if dst, ok := to.(sandboxSettler); ok && dst.InSandboxMode() {
		if credit := p.Amount.Sub(p.EstimatedFee); credit.IsPositive() {
			dst.DepositSandboxFunds(p.Asset, credit)
		}
	}

	s.mu.Lock()
	delete(s.proposals, p.ID)
	s.mu.Unlock()

	s.bus.PublishTransaction(tx)
	s.logger.Info("rebalance executed",
		"asset", p.Asset, "amount", p.Amount,
		"from", p.FromExchange, "to", p.ToExchange, "transfer", transferID)
	return &tx, nil
}

// ExecuteByID executes a pending proposal looked up by its ID.
func (s *Service) ExecuteByID(ctx context.Context, id string) (*types.Transaction, error) {
	p, ok := s.ProposalByID(id)
	if !ok {
		return nil, fmt.Errorf("rebalance: no pending proposal %q", id)
	}
	return s.Execute(ctx, p)
}

func (s *Service) overrideAddress(asset, exchange string) string {
	overrides := s.st.Snapshot().WalletOverrides
	byExchange, ok := overrides[asset]
	if !ok {
		return ""
	}
	return byExchange[exchange]
}
