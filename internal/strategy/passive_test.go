package strategy

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/bus"
	"crossarb/internal/state"
	"crossarb/pkg/types"
)

type tradeCall struct {
	opp   types.Opportunity
	floor decimal.Decimal
}

type fakeTrader struct {
	mu    sync.Mutex
	calls []tradeCall
}

func (f *fakeTrader) Execute(ctx context.Context, o types.Opportunity, minProfitPct decimal.Decimal) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, tradeCall{opp: o, floor: minProfitPct})
	return true
}

func (f *fakeTrader) snapshot() []tradeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tradeCall(nil), f.calls...)
}

type fakeIncentives struct {
	incentive decimal.Decimal

	mu    sync.Mutex
	calls int
}

func (f *fakeIncentives) IncentiveFor(asset, buyExchange, sellExchange string) decimal.Decimal {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.incentive
}

func (f *fakeIncentives) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestPassive(t *testing.T, incentive string) (*PassiveRebalancer, *fakeTrader, *fakeIncentives, *bus.Bus, *state.Manager) {
	t.Helper()
	logger := testLogger()
	st := state.Open(filepath.Join(t.TempDir(), "state.json"), state.Defaults(0.5, 0.10, 500, 3), logger)
	b := bus.New(logger)
	t.Cleanup(b.Close)

	trader := &fakeTrader{}
	incentives := &fakeIncentives{incentive: dec(incentive)}
	return NewPassiveRebalancer(incentives, trader, st, b, logger), trader, incentives, b, st
}

func enableAutoTrade(t *testing.T, st *state.Manager) {
	t.Helper()
	if err := st.Update(func(a *state.AppState) { a.IsAutoTradeEnabled = true }); err != nil {
		t.Fatalf("state update: %v", err)
	}
}

func passiveOpp(net string) types.Opportunity {
	o := opp("0.1")
	o.NetProfitPct = dec(net)
	return o
}

func TestPassiveAcceptsDiscountedTrade(t *testing.T) {
	t.Parallel()
	p, trader, _, _, st := newTestPassive(t, "0.5")
	enableAutoTrade(t, st)

	// User floor 0.5% discounted by 0.4 x 0.5 incentive = 0.3%.
	p.handle(context.Background(), passiveOpp("0.35"))

	calls := trader.snapshot()
	if len(calls) != 1 {
		t.Fatalf("Execute calls = %d, want 1", len(calls))
	}
	if !calls[0].floor.Equal(dec("0.3")) {
		t.Errorf("floor = %v, want discounted 0.3", calls[0].floor)
	}
	if calls[0].opp.Symbol != "BTC-USD" {
		t.Errorf("opportunity symbol = %s, want BTC-USD", calls[0].opp.Symbol)
	}
}

func TestPassiveSkipsBelowDiscountedFloor(t *testing.T) {
	t.Parallel()
	p, trader, _, _, st := newTestPassive(t, "0.5")
	enableAutoTrade(t, st)

	p.handle(context.Background(), passiveOpp("0.25"))

	if calls := trader.snapshot(); len(calls) != 0 {
		t.Errorf("Execute calls = %d, want 0 below the discounted floor", len(calls))
	}
}

func TestPassiveSkipsWithoutIncentive(t *testing.T) {
	t.Parallel()
	p, trader, _, _, st := newTestPassive(t, "0")
	enableAutoTrade(t, st)

	p.handle(context.Background(), passiveOpp("0.45"))

	if calls := trader.snapshot(); len(calls) != 0 {
		t.Errorf("Execute calls = %d, want 0 when the trade does not improve balance", len(calls))
	}
}

func TestPassiveSkipsBelowAbsoluteFloor(t *testing.T) {
	t.Parallel()
	p, trader, incentives, _, st := newTestPassive(t, "2.0")
	enableAutoTrade(t, st)

	p.handle(context.Background(), passiveOpp("0.005"))

	if calls := trader.snapshot(); len(calls) != 0 {
		t.Errorf("Execute calls = %d, want 0 below the 0.01%% floor", len(calls))
	}
	if incentives.callCount() != 0 {
		t.Error("incentive consulted for a trade rejected on the absolute floor")
	}
}

func TestPassiveRespectsTradingGates(t *testing.T) {
	t.Parallel()
	p, trader, _, _, st := newTestPassive(t, "0.5")

	// Auto-trade disabled by default.
	p.handle(context.Background(), passiveOpp("0.45"))
	if calls := trader.snapshot(); len(calls) != 0 {
		t.Fatalf("Execute calls = %d with auto-trade off, want 0", len(calls))
	}

	enableAutoTrade(t, st)
	if err := st.Update(func(a *state.AppState) { a.IsSafetyKillSwitchTriggered = true }); err != nil {
		t.Fatalf("state update: %v", err)
	}
	p.handle(context.Background(), passiveOpp("0.45"))
	if calls := trader.snapshot(); len(calls) != 0 {
		t.Errorf("Execute calls = %d with kill-switch on, want 0", len(calls))
	}
}

func TestPassiveRunConsumesBus(t *testing.T) {
	t.Parallel()
	p, trader, _, b, st := newTestPassive(t, "0.5")
	enableAutoTrade(t, st)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	b.PublishPassiveRebalance(passiveOpp("0.45"))

	deadline := time.After(2 * time.Second)
	for len(trader.snapshot()) == 0 {
		select {
		case <-deadline:
			t.Fatal("queued opportunity never executed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
