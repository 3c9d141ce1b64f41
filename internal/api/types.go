package api

import (
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/state"
	"crossarb/pkg/types"
)

// Snapshot is the complete dashboard state, served on /api/snapshot and
// pushed to every client on connect.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Version   string    `json:"version"`

	// Market side.
	Connections   []types.ConnectionStatus `json:"connections"`
	Prices        []SymbolPrices           `json:"prices"`
	Opportunities []types.Opportunity      `json:"opportunities"`

	// Active strategy.
	Threshold       decimal.Decimal `json:"threshold"`
	ThresholdReason string          `json:"thresholdReason"`

	// Inventory side.
	Balances          []ExchangeBalances        `json:"balances"`
	Deviations        []types.Deviation         `json:"deviations"`
	Skews             []types.Skew              `json:"skews"`
	Proposals         []types.RebalanceProposal `json:"proposals"`
	LastRebalancePoll time.Time                 `json:"lastRebalancePoll"`

	// Toggles and limits.
	State StateSummary `json:"state"`

	// Lifetime trading results.
	Stats StatsSummary `json:"stats"`
}

// SymbolPrices is the top of book for one pair across all venues.
type SymbolPrices struct {
	Symbol string          `json:"symbol"`
	Venues []ExchangePrice `json:"venues"`
}

// ExchangePrice is one venue's current top of book for a symbol. Mid is
// populated only when both sides are quoted.
type ExchangePrice struct {
	Exchange   string          `json:"exchange"`
	Bid        decimal.Decimal `json:"bid"`
	Ask        decimal.Decimal `json:"ask"`
	Mid        decimal.Decimal `json:"mid"`
	LastUpdate time.Time       `json:"lastUpdate"`
}

// ExchangeBalances is one venue's cached asset balances.
type ExchangeBalances struct {
	Exchange string          `json:"exchange"`
	Balances []types.Balance `json:"balances"`
}

// StateSummary mirrors the operator-facing part of AppState.
type StateSummary struct {
	SandboxMode               bool                       `json:"sandboxMode"`
	AutoTradeEnabled          bool                       `json:"autoTradeEnabled"`
	AutoRebalanceEnabled      bool                       `json:"autoRebalanceEnabled"`
	SmartStrategyEnabled      bool                       `json:"smartStrategyEnabled"`
	MinProfitThreshold        decimal.Decimal            `json:"minProfitThreshold"`
	PairThresholds            map[string]decimal.Decimal `json:"pairThresholds"`
	MaxDrawdownUsd            decimal.Decimal            `json:"maxDrawdownUsd"`
	MaxConsecutiveLosses      int                        `json:"maxConsecutiveLosses"`
	KillSwitchTriggered       bool                       `json:"killSwitchTriggered"`
	KillSwitchReason          string                     `json:"killSwitchReason,omitempty"`
	MinRebalanceSkewThreshold decimal.Decimal            `json:"minRebalanceSkewThreshold"`
}

// StatsSummary is the headline trading record.
type StatsSummary struct {
	TotalTransactions   int64           `json:"totalTransactions"`
	SuccessfulTrades    int64           `json:"successfulTrades"`
	ProfitableTrades    int64           `json:"profitableTrades"`
	TotalRealizedProfit decimal.Decimal `json:"totalRealizedProfit"`
}

func newStateSummary(a state.AppState) StateSummary {
	return StateSummary{
		SandboxMode:               a.IsSandboxMode,
		AutoTradeEnabled:          a.IsAutoTradeEnabled,
		AutoRebalanceEnabled:      a.IsAutoRebalanceEnabled,
		SmartStrategyEnabled:      a.IsSmartStrategyEnabled,
		MinProfitThreshold:        a.MinProfitThreshold,
		PairThresholds:            a.PairThresholds,
		MaxDrawdownUsd:            a.MaxDrawdownUsd,
		MaxConsecutiveLosses:      a.MaxConsecutiveLosses,
		KillSwitchTriggered:       a.IsSafetyKillSwitchTriggered,
		KillSwitchReason:          a.KillSwitchReason,
		MinRebalanceSkewThreshold: a.MinRebalanceSkewThreshold,
	}
}
