// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine: trading pairs, order
// book snapshots, opportunities, transactions, and broadcast payloads. It has
// no dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderStatus is the lifecycle state an exchange reports for an order.
type OrderStatus string

const (
	OrderPending         OrderStatus = "Pending"
	OrderPartiallyFilled OrderStatus = "PartiallyFilled"
	OrderFilled          OrderStatus = "Filled"
	OrderCancelled       OrderStatus = "Cancelled"
	OrderFailed          OrderStatus = "Failed"
	OrderRejected        OrderStatus = "Rejected"
)

// IsFill reports whether the order put any quantity on the tape.
func (s OrderStatus) IsFill() bool {
	return s == OrderFilled || s == OrderPartiallyFilled
}

// ConnState is the coarse connection state a book provider reports.
type ConnState string

const (
	ConnDisconnected ConnState = "Disconnected"
	ConnConnecting   ConnState = "Connecting"
	ConnConnected    ConnState = "Connected"
	ConnError        ConnState = "Error"
)

// TransactionType distinguishes threshold trades from inventory trades.
type TransactionType string

const (
	TxTypeArbitrage TransactionType = "Arbitrage"
	TxTypeRebalance TransactionType = "Rebalance"
)

// TransactionStatus is the terminal outcome of one attempted two-legged trade.
type TransactionStatus string

const (
	TxSuccess   TransactionStatus = "Success"
	TxFailed    TransactionStatus = "Failed"
	TxRecovered TransactionStatus = "Recovered"
	TxOneSided  TransactionStatus = "One-Sided Fill"
)

// ExecStrategy selects how the executor sequences the two legs.
type ExecStrategy string

const (
	StrategySequential ExecStrategy = "Sequential"
	StrategyConcurrent ExecStrategy = "Concurrent"
)

// MetricCategory partitions aggregated metrics. Each category has its own
// key space: Pair keys are symbols, Hour keys are "<Day>-<HH>" cell IDs,
// Day keys are long weekday names, Direction keys are direction labels,
// and Global has the single key "Total".
type MetricCategory string

const (
	CategoryPair      MetricCategory = "Pair"
	CategoryHour      MetricCategory = "Hour"
	CategoryDay       MetricCategory = "Day"
	CategoryDirection MetricCategory = "Direction"
	CategoryGlobal    MetricCategory = "Global"
)

// GlobalKey is the only key used under CategoryGlobal.
const GlobalKey = "Total"

// ————————————————————————————————————————————————————————————————————————
// Trading pairs
// ————————————————————————————————————————————————————————————————————————

// TradingPair identifies one spot market by base and quote asset. The same
// semantic pair renders differently per venue ("BTC-USD" on one exchange,
// "BTCUSDT" on another); Symbols carries those renderings keyed by exchange
// name, with the canonical form as fallback.
type TradingPair struct {
	Base    string            `json:"base"`
	Quote   string            `json:"quote"`
	Symbols map[string]string `json:"symbols,omitempty"`
}

// Canonical returns the exchange-independent symbol, e.g. "BTC-USD".
func (p TradingPair) Canonical() string {
	return p.Base + "-" + p.Quote
}

// SymbolOn returns the venue-specific rendering for an exchange, falling
// back to the canonical form when no override is configured.
func (p TradingPair) SymbolOn(exchange string) string {
	if s, ok := p.Symbols[exchange]; ok && s != "" {
		return s
	}
	return p.Canonical()
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single bid or ask level. Decimal fields preserve exact
// exchange precision through arithmetic.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// ParseLevels converts the wire form [["price","qty"], ...] used by book
// feeds and REST book endpoints into typed levels. Malformed entries are
// skipped so one bad level cannot poison a whole snapshot.
func ParseLevels(raw [][]string) []PriceLevel {
	levels := make([]PriceLevel, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			continue
		}
		price, err := decimal.NewFromString(entry[0])
		if err != nil {
			continue
		}
		qty, err := decimal.NewFromString(entry[1])
		if err != nil {
			continue
		}
		levels = append(levels, PriceLevel{Price: price, Qty: qty})
	}
	return levels
}

// OrderBookSnapshot is a point-in-time view of one symbol's book on one
// exchange. Bids are sorted descending by price, asks ascending. Owned by
// the producing provider; consumers must treat it as read-only.
type OrderBookSnapshot struct {
	Exchange   string       `json:"exchange"`
	Symbol     string       `json:"symbol"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	LastUpdate time.Time    `json:"lastUpdate"` // UTC
}

// BestBid returns the top bid level, ok=false on an empty side.
func (s *OrderBookSnapshot) BestBid() (PriceLevel, bool) {
	if len(s.Bids) == 0 {
		return PriceLevel{}, false
	}
	return s.Bids[0], true
}

// BestAsk returns the top ask level, ok=false on an empty side.
func (s *OrderBookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(s.Asks) == 0 {
		return PriceLevel{}, false
	}
	return s.Asks[0], true
}

// Crossed reports a violated inner-spread invariant: with both sides
// populated, the best bid must stay below the best ask. A crossed snapshot
// is logged and skipped for that tick, never traded.
func (s *OrderBookSnapshot) Crossed() bool {
	if len(s.Bids) == 0 || len(s.Asks) == 0 {
		return false
	}
	return s.Bids[0].Price.GreaterThanOrEqual(s.Asks[0].Price)
}

// BidLiquidity returns the total quoted quantity across all bid levels.
func (s *OrderBookSnapshot) BidLiquidity() decimal.Decimal {
	total := decimal.Zero
	for _, l := range s.Bids {
		total = total.Add(l.Qty)
	}
	return total
}

// AskLiquidity returns the total quoted quantity across all ask levels.
func (s *OrderBookSnapshot) AskLiquidity() decimal.Decimal {
	total := decimal.Zero
	for _, l := range s.Asks {
		total = total.Add(l.Qty)
	}
	return total
}

// ConnectionStatus is the provider health surface exposed to dashboards.
type ConnectionStatus struct {
	Exchange     string    `json:"exchange"`
	State        ConnState `json:"state"`
	LastUpdate   time.Time `json:"lastUpdate"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Exchange account data
// ————————————————————————————————————————————————————————————————————————

// Balance is one asset's holdings on one exchange.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// FeeSchedule carries spot trading fees in percent, e.g. 0.1 for ten basis
// points.
type FeeSchedule struct {
	Maker decimal.Decimal `json:"maker"`
	Taker decimal.Decimal `json:"taker"`
}

// OrderResponse is the normalized result of any order placement.
// ExecutedQty is authoritative for fill accounting; Fee is the exchange
// reported commission (zero when the venue does not report one).
type OrderResponse struct {
	OrderID      string          `json:"orderId"`
	Status       OrderStatus     `json:"status"`
	OriginalQty  decimal.Decimal `json:"originalQty"`
	ExecutedQty  decimal.Decimal `json:"executedQty"`
	Price        decimal.Decimal `json:"price,omitempty"`
	AvgPrice     decimal.Decimal `json:"avgPrice,omitempty"`
	Fee          decimal.Decimal `json:"fee"`
	FeeCurrency  string          `json:"feeCurrency,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// ————————————————————————————————————————————————————————————————————————
// Opportunities and events
// ————————————————————————————————————————————————————————————————————————

// Opportunity is one detection sample: a quantified price dislocation on a
// single symbol between two exchanges. Immutable once produced.
type Opportunity struct {
	ID             string          `json:"id"`
	Symbol         string          `json:"symbol"`
	BuyExchange    string          `json:"buyExchange"`
	SellExchange   string          `json:"sellExchange"`
	AvgBuyPrice    decimal.Decimal `json:"avgBuyPrice"`
	AvgSellPrice   decimal.Decimal `json:"avgSellPrice"`
	BuyDepth       decimal.Decimal `json:"buyDepth"`  // total ask liquidity on the buy venue
	SellDepth      decimal.Decimal `json:"sellDepth"` // total bid liquidity on the sell venue
	Volume         decimal.Decimal `json:"volume"`    // executable quantity in base units
	BuyFeePct      decimal.Decimal `json:"buyFeePct"`
	SellFeePct     decimal.Decimal `json:"sellFeePct"`
	GrossProfitPct decimal.Decimal `json:"grossProfitPct"`
	NetProfitPct   decimal.Decimal `json:"netProfitPct"`
	IsSandbox      bool            `json:"isSandbox"`
	Timestamp      time.Time       `json:"timestamp"` // UTC
	Status         string          `json:"status,omitempty"`
}

// NotionalUSD is the approximate quote-side value of the opportunity.
func (o Opportunity) NotionalUSD() decimal.Decimal {
	return o.AvgBuyPrice.Mul(o.Volume)
}

// Direction returns the buy→sell label for this opportunity.
func (o Opportunity) Direction() string {
	return DirectionLabel(o.BuyExchange, o.SellExchange)
}

// ArbitrageEvent is the compact, persisted derivative of an opportunity used
// for statistics. Timestamp is normalized to UTC at ingestion; DayOfWeek and
// Hour are denormalized for indexed time-slot queries.
type ArbitrageEvent struct {
	ID            string          `json:"id"`
	Pair          string          `json:"pair"`
	Direction     string          `json:"direction"`
	Spread        decimal.Decimal `json:"spread"`        // fractional, e.g. 0.0012
	SpreadPercent decimal.Decimal `json:"spreadPercent"` // Spread × 100
	DepthBuy      decimal.Decimal `json:"depthBuy"`
	DepthSell     decimal.Decimal `json:"depthSell"`
	Timestamp     time.Time       `json:"timestamp"` // UTC
	DayOfWeek     string          `json:"dayOfWeek"` // "Mon".."Sun"
	Hour          int             `json:"hour"`      // 0..23
}

// DirectionLabel renders the buy→sell direction from exchange names using
// the first letter of each, e.g. ("binance", "coinbase") → "B→C".
func DirectionLabel(buyExchange, sellExchange string) string {
	return exchangeInitial(buyExchange) + "→" + exchangeInitial(sellExchange)
}

func exchangeInitial(name string) string {
	if name == "" {
		return "?"
	}
	return strings.ToUpper(name[:1])
}

// CellID renders the heatmap/hour-metric key for an instant: short weekday
// name plus zero-padded hour, e.g. "Mon-12". The instant is read in UTC.
func CellID(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s-%02d", t.Weekday().String()[:3], t.Hour())
}

// ————————————————————————————————————————————————————————————————————————
// Transactions
// ————————————————————————————————————————————————————————————————————————

// Transaction records one attempted trade outcome, successful or not.
// RealizedProfit is zero unless Status is TxSuccess; a Recovered trade
// closed flat and keeps zero profit by definition.
type Transaction struct {
	ID              string            `json:"id"`
	Timestamp       time.Time         `json:"timestamp"` // UTC
	Type            TransactionType   `json:"type"`
	Asset           string            `json:"asset"`
	Pair            string            `json:"pair"`
	Amount          decimal.Decimal   `json:"amount"` // filled base quantity
	BuyExchange     string            `json:"buyExchange"`
	SellExchange    string            `json:"sellExchange"`
	BuyOrderID      string            `json:"buyOrderId,omitempty"`
	SellOrderID     string            `json:"sellOrderId,omitempty"`
	BuyOrderStatus  OrderStatus       `json:"buyOrderStatus,omitempty"`
	SellOrderStatus OrderStatus       `json:"sellOrderStatus,omitempty"`
	RecoveryOrderID string            `json:"recoveryOrderId,omitempty"`
	Strategy        ExecStrategy      `json:"strategy"`
	BuyCost         decimal.Decimal   `json:"buyCost"`
	SellProceeds    decimal.Decimal   `json:"sellProceeds"`
	TotalFees       decimal.Decimal   `json:"totalFees"`
	RealizedProfit  decimal.Decimal   `json:"realizedProfit"`
	Status          TransactionStatus `json:"status"`
	IsRecovered     bool              `json:"isRecovered"`
}

// ————————————————————————————————————————————————————————————————————————
// Strategy, stats, and rebalancing
// ————————————————————————————————————————————————————————————————————————

// StrategyUpdate is a threshold decision pushed by the strategy controller.
// Threshold is a percent value (0.10 means 0.10%).
type StrategyUpdate struct {
	Threshold decimal.Decimal `json:"threshold"`
	Reason    string          `json:"reason"`
	Timestamp time.Time       `json:"timestamp"`
}

// AggregatedMetric is an in-place updated summary row keyed by
// "<category>:<key>". Sum and max fields accumulate spreadPercent values.
type AggregatedMetric struct {
	ID               string          `json:"id"`
	Category         MetricCategory  `json:"category"`
	Key              string          `json:"key"`
	EventCount       int64           `json:"eventCount"`
	SumSpreadPercent decimal.Decimal `json:"sumSpreadPercent"`
	MaxSpreadPercent decimal.Decimal `json:"maxSpreadPercent"`
	SumDepth         decimal.Decimal `json:"sumDepth"`
	LastUpdated      time.Time       `json:"lastUpdated"`
}

// MetricID builds the primary key for an aggregated metric row.
func MetricID(category MetricCategory, key string) string {
	return string(category) + ":" + key
}

// HeatmapCell is the persisted rollup of events observed in one
// (weekday, hour) slot. AvgSpreadPercent is maintained as an incremental
// weighted mean. Scoring and direction bias are derived at read time from
// this row and the retained events, not stored.
type HeatmapCell struct {
	ID               string          `json:"id"` // "<Day>-<HH>", e.g. "Mon-12"
	EventCount       int64           `json:"eventCount"`
	AvgSpreadPercent decimal.Decimal `json:"avgSpreadPercent"`
	MaxSpreadPercent decimal.Decimal `json:"maxSpreadPercent"`
}

// Deviation measures how far one asset's balance on one exchange sits from
// its cross-exchange mean, normalized by the total and clamped to [-1, 1].
// Deviations for one asset sum to approximately zero across exchanges.
type Deviation struct {
	Asset    string          `json:"asset"`
	Exchange string          `json:"exchange"`
	Value    decimal.Decimal `json:"value"` // rounded to 4 decimals
}

// Skew collapses an asset's deviations to a single scalar for display: the
// maximum absolute deviation, with direction from the most overweight venue
// to the most underweight one. Rebalancing decisions read the per-venue
// deviations, never this.
type Skew struct {
	Asset     string          `json:"asset"`
	Value     decimal.Decimal `json:"value"`
	Direction string          `json:"direction"` // "from → to"
}

// RebalanceProposal suggests moving inventory between venues when the
// deviation for an asset exceeds the configured skew threshold.
type RebalanceProposal struct {
	ID               string          `json:"id"`
	Asset            string          `json:"asset"`
	Amount           decimal.Decimal `json:"amount"`
	Direction        string          `json:"direction"` // "A → B"
	FromExchange     string          `json:"fromExchange"`
	ToExchange       string          `json:"toExchange"`
	EstimatedFee     decimal.Decimal `json:"estimatedFee"`
	CostPercentage   decimal.Decimal `json:"costPercentage"`
	IsViable         bool            `json:"isViable"`
	TrendDescription string          `json:"trendDescription,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
}
