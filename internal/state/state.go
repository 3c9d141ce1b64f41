// Package state provides the process-wide AppState document with
// crash-safe JSON persistence.
//
// AppState holds every operator-controlled toggle and threshold: trading
// mode, auto-trade and auto-rebalance switches, profit thresholds, safety
// limits, and the kill-switch. Reads go through a guarded snapshot; every
// mutation writes through to disk atomically (write to .tmp, then rename)
// so a crash never leaves a partial document behind.
package state

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/shopspring/decimal"
)

// AppState is the durable configuration snapshot. A single instance exists
// per process, shared by reference through Manager.
type AppState struct {
	IsSandboxMode               bool                         `json:"isSandboxMode"`
	IsAutoTradeEnabled          bool                         `json:"isAutoTradeEnabled"`
	IsAutoRebalanceEnabled      bool                         `json:"isAutoRebalanceEnabled"`
	MinProfitThreshold          decimal.Decimal              `json:"minProfitThreshold"` // percent
	IsSmartStrategyEnabled      bool                         `json:"isSmartStrategyEnabled"`
	SafeBalanceMultiplier       decimal.Decimal              `json:"safeBalanceMultiplier"`
	UseTakerFees                bool                         `json:"useTakerFees"`
	PairThresholds              map[string]decimal.Decimal   `json:"pairThresholds"` // symbol → percent
	MaxDrawdownUsd              decimal.Decimal              `json:"maxDrawdownUsd"`
	MaxConsecutiveLosses        int                          `json:"maxConsecutiveLosses"`
	IsSafetyKillSwitchTriggered bool                         `json:"isSafetyKillSwitchTriggered"`
	KillSwitchReason            string                       `json:"killSwitchReason"`
	MinRebalanceSkewThreshold   decimal.Decimal              `json:"minRebalanceSkewThreshold"`
	WalletOverrides             map[string]map[string]string `json:"walletOverrides"` // asset → exchange → address
}

func (s *AppState) clone() AppState {
	out := *s
	out.PairThresholds = make(map[string]decimal.Decimal, len(s.PairThresholds))
	for k, v := range s.PairThresholds {
		out.PairThresholds[k] = v
	}
	out.WalletOverrides = make(map[string]map[string]string, len(s.WalletOverrides))
	for asset, m := range s.WalletOverrides {
		inner := make(map[string]string, len(m))
		for ex, addr := range m {
			inner[ex] = addr
		}
		out.WalletOverrides[asset] = inner
	}
	return out
}

// Manager guards the AppState instance and owns its file.
type Manager struct {
	mu     sync.RWMutex
	path   string
	state  AppState
	logger *slog.Logger
}

// Open loads AppState from path, falling back to defaults when the file is
// missing or unreadable. A load failure is logged, never fatal.
func Open(path string, defaults AppState, logger *slog.Logger) *Manager {
	m := &Manager{
		path:   path,
		state:  defaults.clone(),
		logger: logger.With("component", "state"),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Error("read app state, using defaults", "path", path, "error", err)
		}
		return m
	}

	var loaded AppState
	if err := json.Unmarshal(data, &loaded); err != nil {
		m.logger.Error("parse app state, using defaults", "path", path, "error", err)
		return m
	}
	if loaded.PairThresholds == nil {
		loaded.PairThresholds = make(map[string]decimal.Decimal)
	}
	if loaded.WalletOverrides == nil {
		loaded.WalletOverrides = make(map[string]map[string]string)
	}
	m.state = loaded
	return m
}

// Snapshot returns a deep copy of the current state.
func (m *Manager) Snapshot() AppState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.clone()
}

// Update applies fn to the state under the write lock and persists the
// result. The mutation survives even when the save fails; the error reports
// the persistence problem.
func (m *Manager) Update(fn func(*AppState)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	fn(&m.state)
	return m.saveLocked()
}

// saveLocked atomically replaces the JSON document. Must hold m.mu.
func (m *Manager) saveLocked() error {
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal app state: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write app state: %w", err)
	}
	return os.Rename(tmp, m.path)
}

// KillSwitchTriggered reports whether trading is globally blocked.
func (m *Manager) KillSwitchTriggered() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.IsSafetyKillSwitchTriggered
}

// SandboxMode reports whether orders route to the simulated exchange.
func (m *Manager) SandboxMode() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.IsSandboxMode
}

// AutoTradeEnabled reports whether detected opportunities may execute.
func (m *Manager) AutoTradeEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.IsAutoTradeEnabled
}

// AutoRebalanceEnabled reports whether proposals may execute unattended.
func (m *Manager) AutoRebalanceEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.IsAutoRebalanceEnabled
}

// PairThreshold returns the per-pair override for a symbol, ok=false when
// the pair falls back to the global threshold.
func (m *Manager) PairThreshold(symbol string) (decimal.Decimal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.state.PairThresholds[symbol]
	return v, ok
}

// Defaults builds the fresh-install state. Threshold and safety values come
// from config; toggles start conservative (sandbox on, auto-trade off).
func Defaults(minProfitPct, skewThreshold, maxDrawdownUSD float64, maxConsecutiveLosses int) AppState {
	return AppState{
		IsSandboxMode:             true,
		IsAutoTradeEnabled:        false,
		IsAutoRebalanceEnabled:    false,
		MinProfitThreshold:        decimal.NewFromFloat(minProfitPct),
		IsSmartStrategyEnabled:    true,
		SafeBalanceMultiplier:     decimal.NewFromFloat(1.0),
		UseTakerFees:              true,
		PairThresholds:            make(map[string]decimal.Decimal),
		MaxDrawdownUsd:            decimal.NewFromFloat(maxDrawdownUSD),
		MaxConsecutiveLosses:      maxConsecutiveLosses,
		MinRebalanceSkewThreshold: decimal.NewFromFloat(skewThreshold),
		WalletOverrides:           make(map[string]map[string]string),
	}
}
