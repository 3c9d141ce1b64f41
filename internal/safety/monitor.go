// Package safety enforces account-level loss limits. The monitor
// periodically inspects the transaction log and trips a persistent
// kill-switch when a losing streak or the 24h drawdown limit is hit.
// A tripped switch blocks all trading paths until an operator resets it.
package safety

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/internal/state"
	"crossarb/pkg/types"
)

const drawdownWindow = 24 * time.Hour

// TransactionLog is the slice of the stats store the monitor reads.
type TransactionLog interface {
	LastArbTransactions(ctx context.Context, n int) ([]types.Transaction, error)
	ArbProfitSince(ctx context.Context, since time.Time) (decimal.Decimal, error)
}

// TripEvent reports one kill-switch engagement for broadcast.
type TripEvent struct {
	Reason    string
	Timestamp time.Time
}

// Monitor checks loss limits on an interval. Limits live in AppState so
// operators can tune them at runtime; tripping persists across restarts.
type Monitor struct {
	cfg    config.SafetyConfig
	log    TransactionLog
	st     *state.Manager
	logger *slog.Logger

	tripCh chan TripEvent
}

func NewMonitor(cfg config.SafetyConfig, log TransactionLog, st *state.Manager, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:    cfg,
		log:    log,
		st:     st,
		logger: logger.With("component", "safety"),
		tripCh: make(chan TripEvent, 8),
	}
}

// Trips returns the channel the engine reads kill-switch events from.
func (m *Monitor) Trips() <-chan TripEvent {
	return m.tripCh
}

// Run checks limits on the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.cfg.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Check(ctx); err != nil {
				m.logger.Error("safety check failed", "error", err)
			}
		}
	}
}

// Check runs both limit checks once. It is a no-op while auto-trade is
// off (nothing to protect) or the switch is already tripped.
func (m *Monitor) Check(ctx context.Context) error {
	snap := m.st.Snapshot()
	if !snap.IsAutoTradeEnabled || snap.IsSafetyKillSwitchTriggered {
		return nil
	}

	tripped, err := m.checkLossStreak(ctx, snap.MaxConsecutiveLosses)
	if err != nil {
		return err
	}
	if tripped {
		return nil
	}

	_, err = m.checkDrawdown(ctx, snap.MaxDrawdownUsd)
	return err
}

// checkLossStreak trips when the last n arbitrage transactions all ended
// as losses. Recovered trades break the streak: they closed flat.
func (m *Monitor) checkLossStreak(ctx context.Context, n int) (bool, error) {
	if n < 1 {
		return false, nil
	}
	txs, err := m.log.LastArbTransactions(ctx, n)
	if err != nil {
		return false, fmt.Errorf("load recent transactions: %w", err)
	}
	if len(txs) < n {
		return false, nil
	}
	for _, tx := range txs {
		if tx.Status != types.TxFailed && tx.Status != types.TxOneSided {
			return false, nil
		}
	}
	m.trip(fmt.Sprintf("%d consecutive losing trades", n))
	return true, nil
}

// checkDrawdown trips when realized profit over the trailing 24h window
// falls below -maxDrawdown.
func (m *Monitor) checkDrawdown(ctx context.Context, maxDrawdown decimal.Decimal) (bool, error) {
	if !maxDrawdown.IsPositive() {
		return false, nil
	}
	profit, err := m.log.ArbProfitSince(ctx, time.Now().UTC().Add(-drawdownWindow))
	if err != nil {
		return false, fmt.Errorf("load 24h profit: %w", err)
	}
	if profit.GreaterThanOrEqual(maxDrawdown.Neg()) {
		return false, nil
	}
	m.trip(fmt.Sprintf("24h drawdown %s USD exceeds limit %s USD",
		profit.Neg().StringFixed(2), maxDrawdown.StringFixed(2)))
	return true, nil
}

// trip engages the kill-switch, disables auto-trade and persists both, then
// queues the event for broadcast.
func (m *Monitor) trip(reason string) {
	err := m.st.Update(func(a *state.AppState) {
		a.IsSafetyKillSwitchTriggered = true
		a.KillSwitchReason = reason
		a.IsAutoTradeEnabled = false
	})
	if err != nil {
		m.logger.Error("persisting kill-switch failed", "error", err)
	}

	m.logger.Error("SAFETY KILL-SWITCH TRIPPED", "reason", reason)

	ev := TripEvent{Reason: reason, Timestamp: time.Now().UTC()}
	select {
	case m.tripCh <- ev:
	default:
		m.logger.Warn("trip channel full, dropping broadcast", "reason", reason)
	}
}

// Reset clears a tripped switch. Auto-trade stays off; the operator
// re-enables it deliberately.
func (m *Monitor) Reset() error {
	err := m.st.Update(func(a *state.AppState) {
		a.IsSafetyKillSwitchTriggered = false
		a.KillSwitchReason = ""
	})
	if err != nil {
		return fmt.Errorf("clear kill-switch: %w", err)
	}
	m.logger.Info("kill-switch reset")
	return nil
}
