package api

import (
	"time"

	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

// Event type names pushed to dashboard clients. Clients switch on these.
const (
	EventSnapshot      = "ReceiveSnapshot"
	EventOpportunity   = "ReceiveOpportunity"
	EventTransaction   = "ReceiveTransaction"
	EventStrategy      = "ReceiveStrategyUpdate"
	EventMarketPrices  = "ReceiveMarketPrices"
	EventSandboxMode   = "ReceiveSandboxModeUpdate"
	EventSafety        = "ReceiveSafetyUpdate"
	EventAutoTrade     = "ReceiveAutoTradeUpdate"
	EventAutoRebalance = "ReceiveAutoRebalanceUpdate"
	EventPairThreshold = "ReceivePairThresholdUpdate"
	EventFees          = "ReceiveFeeUpdate"
	EventRebalance     = "ReceiveRebalanceUpdate"
	EventWallet        = "ReceiveWalletUpdate"
)

// Event is the wrapper for everything sent over the dashboard socket.
type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

func newEvent(kind string, data interface{}) Event {
	return Event{Type: kind, Timestamp: time.Now().UTC(), Data: data}
}

// ToggleUpdate carries one boolean switch flip.
type ToggleUpdate struct {
	Enabled bool `json:"enabled"`
}

// SandboxUpdate announces a sandbox/live mode change.
type SandboxUpdate struct {
	Sandbox bool `json:"sandbox"`
}

// SafetyUpdate announces a kill-switch engagement or reset.
type SafetyUpdate struct {
	Triggered bool   `json:"triggered"`
	Reason    string `json:"reason,omitempty"`
}

// PairThresholdUpdate announces a per-pair threshold override.
type PairThresholdUpdate struct {
	Pair      string          `json:"pair"`
	Threshold decimal.Decimal `json:"threshold"`
}

// FeeUpdate announces refreshed trading fees for one venue, in percent.
type FeeUpdate struct {
	Exchange string          `json:"exchange"`
	Maker    decimal.Decimal `json:"maker"`
	Taker    decimal.Decimal `json:"taker"`
}

// WalletUpdate announces a withdrawal-address override.
type WalletUpdate struct {
	Asset    string `json:"asset"`
	Exchange string `json:"exchange"`
	Address  string `json:"address"`
}

func ReceiveOpportunity(o types.Opportunity) Event {
	return newEvent(EventOpportunity, o)
}

func ReceiveTransaction(tx types.Transaction) Event {
	return newEvent(EventTransaction, tx)
}

func ReceiveStrategyUpdate(u types.StrategyUpdate) Event {
	return newEvent(EventStrategy, u)
}

func ReceiveMarketPrices(prices []SymbolPrices) Event {
	return newEvent(EventMarketPrices, prices)
}

func ReceiveSandboxModeUpdate(sandbox bool) Event {
	return newEvent(EventSandboxMode, SandboxUpdate{Sandbox: sandbox})
}

func ReceiveSafetyUpdate(triggered bool, reason string) Event {
	return newEvent(EventSafety, SafetyUpdate{Triggered: triggered, Reason: reason})
}

func ReceiveAutoTradeUpdate(enabled bool) Event {
	return newEvent(EventAutoTrade, ToggleUpdate{Enabled: enabled})
}

func ReceiveAutoRebalanceUpdate(enabled bool) Event {
	return newEvent(EventAutoRebalance, ToggleUpdate{Enabled: enabled})
}

func ReceivePairThresholdUpdate(pair string, threshold decimal.Decimal) Event {
	return newEvent(EventPairThreshold, PairThresholdUpdate{Pair: pair, Threshold: threshold})
}

func ReceiveFeeUpdate(exchange string, fees types.FeeSchedule) Event {
	return newEvent(EventFees, FeeUpdate{
		Exchange: exchange,
		Maker:    fees.Maker,
		Taker:    fees.Taker,
	})
}

func ReceiveRebalanceUpdate(p types.RebalanceProposal) Event {
	return newEvent(EventRebalance, p)
}

func ReceiveWalletUpdate(asset, exchange, address string) Event {
	return newEvent(EventWallet, WalletUpdate{Asset: asset, Exchange: exchange, Address: address})
}
