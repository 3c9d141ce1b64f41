package rebalance

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/bus"
	"crossarb/internal/config"
	"crossarb/internal/state"
	"crossarb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeVenue struct {
	name     string
	balances []types.Balance
	balErr   error

	depositAddr   string
	depositErr    error
	depositCalled bool

	mu          sync.Mutex
	withdrawals []withdrawal
	withdrawErr error
}

type withdrawal struct {
	asset   string
	amount  decimal.Decimal
	address string
}

func (v *fakeVenue) Name() string { return v.name }

func (v *fakeVenue) GetBalances(ctx context.Context) ([]types.Balance, error) {
	return v.balances, v.balErr
}

func (v *fakeVenue) Withdraw(ctx context.Context, asset string, amount decimal.Decimal, address string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.withdrawErr != nil {
		return "", v.withdrawErr
	}
	v.withdrawals = append(v.withdrawals, withdrawal{asset: asset, amount: amount, address: address})
	return "transfer-1", nil
}

func (v *fakeVenue) GetDepositAddress(ctx context.Context, asset string) (string, error) {
	v.depositCalled = true
	return v.depositAddr, v.depositErr
}

// sandboxVenue is a fakeVenue that also simulates transfers internally.
type sandboxVenue struct {
	fakeVenue
	deposits []deposit
}

type deposit struct {
	asset  string
	amount decimal.Decimal
}

func (v *sandboxVenue) InSandboxMode() bool { return true }

func (v *sandboxVenue) DepositSandboxFunds(asset string, amount decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.deposits = append(v.deposits, deposit{asset: asset, amount: amount})
}

func holding(name string, balances ...types.Balance) *fakeVenue {
	return &fakeVenue{name: name, balances: balances, depositAddr: name + "-addr"}
}

func bal(asset, free string) types.Balance {
	return types.Balance{Asset: asset, Free: dec(free)}
}

func testRebalanceConfig() config.RebalanceConfig {
	return config.RebalanceConfig{
		PollInterval:   time.Minute,
		SkewThreshold:  0.10,
		WithdrawFees:   map[string]float64{"BTC": 0.0005},
		WithdrawFeePct: 0.1,
		MaxCostPct:     0.5,
	}
}

func newTestService(t *testing.T, cfg config.RebalanceConfig, venues ...Venue) (*Service, *bus.Bus, *state.Manager) {
	t.Helper()
	logger := testLogger()
	st := state.Open(filepath.Join(t.TempDir(), "state.json"), state.Defaults(0.5, cfg.SkewThreshold, 500, 3), logger)
	b := bus.New(logger)
	t.Cleanup(b.Close)
	return NewService(cfg, venues, st, b, logger), b, st
}

func drainProposals(ch chan types.RebalanceProposal) []types.RebalanceProposal {
	var out []types.RebalanceProposal
	for {
		select {
		case p := <-ch:
			out = append(out, p)
		default:
			return out
		}
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

func TestRefreshComputesDeviations(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestService(t, testRebalanceConfig(),
		holding("alpha", bal("BTC", "8"), bal("USD", "100")),
		holding("beta", bal("BTC", "2")),
	)

	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	cases := []struct {
		asset, venue string
		want         string
	}{
		{"BTC", "alpha", "0.3"},
		{"BTC", "beta", "-0.3"},
		{"USD", "alpha", "0.5"},
		{"USD", "beta", "-0.5"},
	}
	for _, tc := range cases {
		got, ok := s.Deviation(tc.asset, tc.venue)
		if !ok {
			t.Fatalf("Deviation(%s, %s) missing", tc.asset, tc.venue)
		}
		if !got.Equal(dec(tc.want)) {
			t.Errorf("Deviation(%s, %s) = %v, want %s", tc.asset, tc.venue, got, tc.want)
		}
	}

	all := s.AllDeviations()
	if len(all) != 4 {
		t.Fatalf("AllDeviations = %d entries, want 4", len(all))
	}
	if all[0].Asset != "BTC" || all[0].Exchange != "alpha" {
		t.Errorf("AllDeviations[0] = %s/%s, want BTC/alpha", all[0].Asset, all[0].Exchange)
	}

	if s.LastPoll().IsZero() {
		t.Error("LastPoll not recorded")
	}
}

func TestDeviationsSumToZero(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestService(t, testRebalanceConfig(),
		holding("alpha", bal("ETH", "7")),
		holding("beta", bal("ETH", "1")),
		holding("gamma", bal("ETH", "1")),
	)

	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	sum := decimal.Zero
	for _, d := range s.AllDeviations() {
		sum = sum.Add(d.Value)
	}
	if sum.Abs().GreaterThan(dec("0.0002")) {
		t.Errorf("deviation sum = %v, want ~0", sum)
	}
}

func TestRefreshEmitsProposalAboveThreshold(t *testing.T) {
	t.Parallel()
	s, b, _ := newTestService(t, testRebalanceConfig(),
		holding("alpha", bal("BTC", "8"), bal("USD", "50")),
		holding("beta", bal("BTC", "2"), bal("USD", "50")),
	)

	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	proposals := s.Proposals()
	if len(proposals) != 1 {
		t.Fatalf("proposals = %d, want 1 (USD is balanced)", len(proposals))
	}
	p := proposals[0]
	if p.Asset != "BTC" || p.FromExchange != "alpha" || p.ToExchange != "beta" {
		t.Errorf("proposal routes %s from %s to %s, want BTC alpha beta", p.Asset, p.FromExchange, p.ToExchange)
	}
	if p.Direction != "alpha → beta" {
		t.Errorf("Direction = %q, want %q", p.Direction, "alpha → beta")
	}
	if !p.Amount.Equal(dec("3")) {
		t.Errorf("Amount = %v, want 3 (excess above the mean)", p.Amount)
	}
	if !p.EstimatedFee.Equal(dec("0.0005")) {
		t.Errorf("EstimatedFee = %v, want flat 0.0005", p.EstimatedFee)
	}
	if !p.IsViable {
		t.Errorf("IsViable = false with cost %v%%", p.CostPercentage)
	}
	if p.TrendDescription == "" {
		t.Error("TrendDescription empty")
	}

	published := drainProposals(b.Rebalances)
	if len(published) != 1 || published[0].ID != p.ID {
		t.Errorf("published %d proposals, want the pending one", len(published))
	}

	got, ok := s.ProposalByID(p.ID)
	if !ok || got.Asset != "BTC" {
		t.Errorf("ProposalByID = %+v ok:%v", got, ok)
	}
}

func TestRefreshBelowThresholdNoProposal(t *testing.T) {
	t.Parallel()
	s, b, _ := newTestService(t, testRebalanceConfig(),
		holding("alpha", bal("BTC", "5.5")),
		holding("beta", bal("BTC", "4.5")),
	)

	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := s.Proposals(); len(got) != 0 {
		t.Errorf("proposals = %d, want 0 at 5%% deviation", len(got))
	}
	if got := drainProposals(b.Rebalances); len(got) != 0 {
		t.Errorf("published = %d, want 0", len(got))
	}
}

func TestRefreshRequiresTwoVenues(t *testing.T) {
	t.Parallel()
	failing := holding("beta")
	failing.balErr = errors.New("451 Unavailable For Legal Reasons")
	s, _, _ := newTestService(t, testRebalanceConfig(),
		holding("alpha", bal("BTC", "8")),
		failing,
	)

	if err := s.Refresh(context.Background()); err == nil {
		t.Fatal("Refresh succeeded with one venue reporting")
	}
	if got := s.AllDeviations(); len(got) != 0 {
		t.Errorf("deviations = %d, want previous table kept (empty)", len(got))
	}
}

func TestSkews(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestService(t, testRebalanceConfig(),
		holding("alpha", bal("ETH", "7")),
		holding("beta", bal("ETH", "1")),
		holding("gamma", bal("ETH", "1")),
	)

	if err := s.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	skews := s.Skews()
	if len(skews) != 1 {
		t.Fatalf("skews = %d, want 1", len(skews))
	}
	if !skews[0].Value.Equal(dec("0.4444")) {
		t.Errorf("skew value = %v, want 0.4444", skews[0].Value)
	}
	if skews[0].Direction != "alpha → beta" {
		t.Errorf("skew direction = %q, want %q (ties break by name)", skews[0].Direction, "alpha → beta")
	}
}

func TestIncentiveTiers(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestService(t, testRebalanceConfig())

	cases := []struct {
		name    string
		sellDev string
		buyDev  string
		want    string
	}{
		{"both sides help", "0.25", "-0.15", "0.4"},
		{"desperate unload", "0.25", "-0.05", "0.25"},
		{"mild imbalance", "0.15", "-0.05", "0"},
		{"balanced", "0.05", "-0.05", "0"},
	}
	for _, tc := range cases {
		s.deviations = map[string]map[string]decimal.Decimal{
			"BTC": {"sellex": dec(tc.sellDev), "buyex": dec(tc.buyDev)},
		}
		got := s.IncentiveFor("BTC", "buyex", "sellex")
		if !got.Equal(dec(tc.want)) {
			t.Errorf("%s: incentive = %v, want %s", tc.name, got, tc.want)
		}
	}

	if got := s.IncentiveFor("DOGE", "buyex", "sellex"); !got.IsZero() {
		t.Errorf("unknown asset incentive = %v, want 0", got)
	}
}

func TestDiscountedThreshold(t *testing.T) {
	t.Parallel()

	if got := DiscountedThreshold(dec("0.5"), dec("0.4")); !got.Equal(dec("0.34")) {
		t.Errorf("DiscountedThreshold(0.5, 0.4) = %v, want 0.34", got)
	}
	if got := DiscountedThreshold(dec("0.1"), dec("1.5")); !got.Equal(dec("0.05")) {
		t.Errorf("DiscountedThreshold(0.1, 1.5) = %v, want the 0.05 floor", got)
	}
	if got := DiscountedThreshold(dec("0.5"), decimal.Zero); !got.Equal(dec("0.5")) {
		t.Errorf("DiscountedThreshold(0.5, 0) = %v, want 0.5 unchanged", got)
	}
}

func TestExecuteWithdrawsToDepositAddress(t *testing.T) {
	t.Parallel()
	alpha := holding("alpha")
	beta := holding("beta")
	beta.depositAddr = "beta-btc-addr"
	s, b, _ := newTestService(t, testRebalanceConfig(), alpha, beta)

	p := types.RebalanceProposal{
		ID: "prop-1", Asset: "BTC", Amount: dec("3"),
		FromExchange: "alpha", ToExchange: "beta",
		EstimatedFee: dec("0.0005"), IsViable: true,
	}
	s.proposals[p.ID] = p

	tx, err := s.Execute(context.Background(), p)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(alpha.withdrawals) != 1 {
		t.Fatalf("withdrawals = %d, want 1", len(alpha.withdrawals))
	}
	w := alpha.withdrawals[0]
	if w.asset != "BTC" || !w.amount.Equal(dec("3")) || w.address != "beta-btc-addr" {
		t.Errorf("withdrawal = %+v, want BTC 3 to beta-btc-addr", w)
	}
	if !beta.depositCalled {
		t.Error("deposit address was not fetched")
	}

	if tx.Type != types.TxTypeRebalance || tx.Status != types.TxSuccess {
		t.Errorf("tx = %s/%s, want Rebalance/Success", tx.Type, tx.Status)
	}
	if tx.SellOrderID != "transfer-1" {
		t.Errorf("SellOrderID = %q, want transfer-1", tx.SellOrderID)
	}
	if tx.BuyExchange != "beta" || tx.SellExchange != "alpha" {
		t.Errorf("tx routes %s→%s, want alpha→beta", tx.SellExchange, tx.BuyExchange)
	}

	if _, ok := s.ProposalByID("prop-1"); ok {
		t.Error("executed proposal still pending")
	}

	published := drainTransactions(b.Transactions)
	if len(published) != 1 || published[0].ID != tx.ID {
		t.Errorf("published %d transactions, want the executed one", len(published))
	}
}

func TestExecuteSandboxCreditsDestination(t *testing.T) {
	t.Parallel()
	alpha := &sandboxVenue{fakeVenue: fakeVenue{name: "alpha", depositAddr: "alpha-addr"}}
	beta := &sandboxVenue{fakeVenue: fakeVenue{name: "beta", depositAddr: "beta-addr"}}
	s, _, _ := newTestService(t, testRebalanceConfig(), alpha, beta)

	p := types.RebalanceProposal{
		ID: "prop-sbx", Asset: "BTC", Amount: dec("2"),
		FromExchange: "alpha", ToExchange: "beta",
		EstimatedFee: dec("0.0005"), IsViable: true,
	}
	s.proposals[p.ID] = p

	if _, err := s.Execute(context.Background(), p); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(beta.deposits) != 1 {
		t.Fatalf("destination deposits = %d, want 1", len(beta.deposits))
	}
	d := beta.deposits[0]
	if d.asset != "BTC" || !d.amount.Equal(dec("1.9995")) {
		t.Errorf("credited %s %s, want BTC 1.9995 (amount minus fee)", d.asset, d.amount)
	}
	if len(alpha.deposits) != 0 {
		t.Errorf("source venue was credited %d times", len(alpha.deposits))
	}
}

func TestExecuteUsesWalletOverride(t *testing.T) {
	t.Parallel()
	alpha := holding("alpha")
	beta := holding("beta")
	s, _, st := newTestService(t, testRebalanceConfig(), alpha, beta)

	err := st.Update(func(a *state.AppState) {
		a.WalletOverrides["BTC"] = map[string]string{"beta": "override-addr"}
	})
	if err != nil {
		t.Fatalf("state update: %v", err)
	}

	p := types.RebalanceProposal{
		ID: "prop-2", Asset: "BTC", Amount: dec("1"),
		FromExchange: "alpha", ToExchange: "beta",
	}
	if _, err := s.Execute(context.Background(), p); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if beta.depositCalled {
		t.Error("deposit address fetched despite wallet override")
	}
	if len(alpha.withdrawals) != 1 || alpha.withdrawals[0].address != "override-addr" {
		t.Errorf("withdrawals = %+v, want one to override-addr", alpha.withdrawals)
	}
}

func TestExecuteWithdrawFailure(t *testing.T) {
	t.Parallel()
	alpha := holding("alpha")
	alpha.withdrawErr = errors.New("503 Service Unavailable")
	beta := holding("beta")
	s, b, _ := newTestService(t, testRebalanceConfig(), alpha, beta)

	p := types.RebalanceProposal{
		ID: "prop-3", Asset: "BTC", Amount: dec("1"),
		FromExchange: "alpha", ToExchange: "beta",
	}
	tx, err := s.Execute(context.Background(), p)
	if err == nil {
		t.Fatal("Execute succeeded despite withdraw failure")
	}
	if tx == nil || tx.Status != types.TxFailed {
		t.Fatalf("tx = %+v, want Failed record", tx)
	}

	published := drainTransactions(b.Transactions)
	if len(published) != 1 || published[0].Status != types.TxFailed {
		t.Errorf("published = %+v, want one Failed transaction", published)
	}
}

func TestExecuteByIDUnknown(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestService(t, testRebalanceConfig(), holding("alpha"), holding("beta"))

	if _, err := s.ExecuteByID(context.Background(), "missing"); err == nil {
		t.Error("ExecuteByID accepted an unknown id")
	}
}

func TestCycleAutoExecutesViableProposals(t *testing.T) {
	t.Parallel()
	alpha := holding("alpha", bal("BTC", "8"))
	beta := holding("beta", bal("BTC", "2"))
	s, _, st := newTestService(t, testRebalanceConfig(), alpha, beta)

	s.cycle(context.Background())
	if len(alpha.withdrawals) != 0 {
		t.Fatal("auto-executed with auto-rebalance off")
	}

	if err := st.Update(func(a *state.AppState) { a.IsAutoRebalanceEnabled = true }); err != nil {
		t.Fatalf("state update: %v", err)
	}
	s.cycle(context.Background())
	if len(alpha.withdrawals) != 1 {
		t.Fatalf("withdrawals = %d, want 1 after enabling auto-rebalance", len(alpha.withdrawals))
	}

	err := st.Update(func(a *state.AppState) {
		a.IsSafetyKillSwitchTriggered = true
	})
	if err != nil {
		t.Fatalf("state update: %v", err)
	}
	s.cycle(context.Background())
	if len(alpha.withdrawals) != 1 {
		t.Error("auto-executed with kill-switch tripped")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestService(t, testRebalanceConfig(),
		holding("alpha", bal("BTC", "5")),
		holding("beta", bal("BTC", "5")),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
