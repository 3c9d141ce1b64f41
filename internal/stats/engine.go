package stats

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"crossarb/internal/bus"
	"crossarb/internal/config"
	"crossarb/pkg/types"
)

// Activity zones classify a calendar cell by its volatility score.
const (
	ZoneHighActivity = "high_activity"
	ZoneNormal       = "normal"
	ZoneLowActivity  = "low_activity"
)

// Volatility score component weights.
const (
	weightCount     = 0.4
	weightSpread    = 0.3
	weightDepth     = 0.2
	weightStability = 0.1
)

// seriesWindow is how many recent events feed the series-duration and
// stability calculations.
const seriesWindow = 1000

// Engine ingests arbitrage events and trade outcomes into the store. Each
// event fans out to three processors in parallel: raw persistence, the
// heatmap cell, and the five aggregate rows.
type Engine struct {
	cfg    config.StatsConfig
	store  *Store
	bus    *bus.Bus
	logger *slog.Logger
}

func NewEngine(cfg config.StatsConfig, store *Store, b *bus.Bus, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		store:  store,
		bus:    b,
		logger: logger.With("component", "stats"),
	}
}

// Run consumes the event stream until ctx is cancelled or the bus closes,
// and schedules the retention job when one is configured.
func (e *Engine) Run(ctx context.Context) error {
	if e.cfg.RetentionCron != "" && e.cfg.RetentionDays > 0 {
		c := cron.New(cron.WithSeconds())
		if _, err := c.AddFunc(e.cfg.RetentionCron, func() { e.retention(ctx) }); err != nil {
			return err
		}
		c.Start()
		defer c.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-e.bus.Events:
			if !ok {
				return nil
			}
			e.ingest(ctx, ev)
		}
	}
}

// ingest normalizes one event and runs the three processors in parallel,
// waiting for all before the next event is taken.
func (e *Engine) ingest(ctx context.Context, ev types.ArbitrageEvent) {
	ev = Normalize(ev)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if _, err := e.store.InsertEvent(ctx, ev, true); err != nil {
			e.logger.Error("persist event", "id", ev.ID, "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := e.applyHeatmap(ctx, ev); err != nil {
			e.logger.Error("update heatmap", "id", ev.ID, "error", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := e.applyAggregates(ctx, ev); err != nil {
			e.logger.Error("update aggregates", "id", ev.ID, "error", err)
		}
	}()
	wg.Wait()
}

func (e *Engine) applyHeatmap(ctx context.Context, ev types.ArbitrageEvent) error {
	id := types.CellID(ev.Timestamp)
	cell, _, err := e.store.GetHeatmapCell(ctx, id)
	if err != nil {
		return err
	}
	return e.store.UpsertHeatmapCell(ctx, foldHeatmap(cell, ev))
}

func (e *Engine) applyAggregates(ctx context.Context, ev types.ArbitrageEvent) error {
	now := time.Now().UTC()
	for _, target := range metricTargets(ev) {
		if err := ctx.Err(); err != nil {
			return err
		}
		id := types.MetricID(target.Category, target.Key)
		m, _, err := e.store.GetMetric(ctx, id)
		if err != nil {
			return err
		}
		if err := e.store.UpsertMetric(ctx, foldMetric(m, target.Category, target.Key, ev, now)); err != nil {
			return err
		}
	}
	return nil
}

// HandleTransaction stores one trade outcome. Invoked by the engine-level
// transaction fan-out.
func (e *Engine) HandleTransaction(ctx context.Context, tx types.Transaction) {
	tx.Timestamp = tx.Timestamp.UTC()
	if err := e.store.InsertTransaction(ctx, tx); err != nil {
		e.logger.Error("persist transaction", "id", tx.ID, "error", err)
		return
	}
	e.logger.Debug("transaction stored", "id", tx.ID, "status", tx.Status, "profit", tx.RealizedProfit)
}

func (e *Engine) retention(ctx context.Context) {
	cutoff := time.Now().UTC().AddDate(0, 0, -e.cfg.RetentionDays)
	pruned, err := e.store.PruneEvents(ctx, cutoff)
	if err != nil {
		e.logger.Error("retention prune", "error", err)
		return
	}
	if pruned == 0 {
		return
	}
	if err := e.store.Vacuum(ctx); err != nil {
		e.logger.Error("retention vacuum", "error", err)
		return
	}
	e.logger.Info("retention pruned old events", "rows", pruned, "cutoff", cutoff)
}

// ————————————————————————————————————————————————————————————————————————
// Read model
// ————————————————————————————————————————————————————————————————————————

// PairSummary reports one symbol's aggregate in fractional spread units
// (the stored percent divided by 100).
type PairSummary struct {
	EventCount int64           `json:"eventCount"`
	AvgSpread  decimal.Decimal `json:"avgSpread"`
	MaxSpread  decimal.Decimal `json:"maxSpread"`
}

// SlotSummary reports one hour-of-day or day-of-week bucket in percent.
type SlotSummary struct {
	EventCount       int64           `json:"eventCount"`
	AvgSpreadPercent decimal.Decimal `json:"avgSpreadPercent"`
}

// CalendarCell is one weekday/hour heatmap cell with its activity scoring.
type CalendarCell struct {
	Day              string          `json:"day"`
	Hour             int             `json:"hour"`
	EventCount       int64           `json:"eventCount"`
	AvgSpreadPercent decimal.Decimal `json:"avgSpreadPercent"`
	MaxSpreadPercent decimal.Decimal `json:"maxSpreadPercent"`
	DirectionBias    string          `json:"directionBias,omitempty"`
	VolatilityScore  float64         `json:"volatilityScore"`
	Zone             string          `json:"zone"`
}

// Stats is the dashboard read model assembled from aggregate rows and the
// transaction ledger.
type Stats struct {
	Pairs                 map[string]PairSummary          `json:"pairs"`
	Hours                 map[int]SlotSummary             `json:"hours"`
	Days                  map[string]SlotSummary          `json:"days"`
	DirectionDistribution map[string]int64                `json:"directionDistribution"`
	AvgSeriesDuration     float64                         `json:"avgSeriesDuration"`
	Calendar              map[string]map[int]CalendarCell `json:"calendar"`
	TotalRealizedProfit   decimal.Decimal                 `json:"totalRealizedProfit"`
	SuccessRate           float64                         `json:"successRate"`
	ProfitabilityRate     float64                         `json:"profitabilityRate"`
	GeneratedAt           time.Time                       `json:"generatedAt"`
}

// GetStats assembles the full read model.
func (e *Engine) GetStats(ctx context.Context) (*Stats, error) {
	metrics, err := e.store.AllMetrics(ctx)
	if err != nil {
		return nil, err
	}

	out := &Stats{
		Pairs:                 make(map[string]PairSummary),
		Hours:                 make(map[int]SlotSummary),
		Days:                  make(map[string]SlotSummary),
		DirectionDistribution: make(map[string]int64),
		Calendar:              make(map[string]map[int]CalendarCell),
		TotalRealizedProfit:   decimal.Zero,
		GeneratedAt:           time.Now().UTC(),
	}

	type hourAccum struct {
		count int64
		sum   decimal.Decimal
	}
	hourGroups := make(map[int]*hourAccum)
	var hourRows []types.AggregatedMetric
	var maxHourlyCount int64

	for _, m := range metrics {
		switch m.Category {
		case types.CategoryPair:
			if m.EventCount == 0 {
				continue
			}
			count := decimal.NewFromInt(m.EventCount)
			out.Pairs[m.Key] = PairSummary{
				EventCount: m.EventCount,
				AvgSpread:  m.SumSpreadPercent.Div(count).Div(hundred),
				MaxSpread:  m.MaxSpreadPercent.Div(hundred),
			}
		case types.CategoryHour:
			hourRows = append(hourRows, m)
			if m.EventCount > maxHourlyCount {
				maxHourlyCount = m.EventCount
			}
			if h, ok := slotHour(m.Key); ok {
				acc := hourGroups[h]
				if acc == nil {
					acc = &hourAccum{sum: decimal.Zero}
					hourGroups[h] = acc
				}
				acc.count += m.EventCount
				acc.sum = acc.sum.Add(m.SumSpreadPercent)
			}
		case types.CategoryDay:
			if m.EventCount == 0 {
				continue
			}
			out.Days[m.Key] = SlotSummary{
				EventCount:       m.EventCount,
				AvgSpreadPercent: m.SumSpreadPercent.Div(decimal.NewFromInt(m.EventCount)),
			}
		case types.CategoryDirection:
			out.DirectionDistribution[m.Key] = m.EventCount
		}
	}

	for h, acc := range hourGroups {
		if acc.count == 0 {
			continue
		}
		out.Hours[h] = SlotSummary{
			EventCount:       acc.count,
			AvgSpreadPercent: acc.sum.Div(decimal.NewFromInt(acc.count)),
		}
	}

	stability, seriesDuration, err := e.seriesProfile(ctx)
	if err != nil {
		e.logger.Warn("series profile unavailable, using neutral stability", "error", err)
		stability, seriesDuration = 0.5, 0
	}
	out.AvgSeriesDuration = seriesDuration

	directions, err := e.store.CellDirectionCounts(ctx)
	if err != nil {
		e.logger.Warn("direction bias unavailable", "error", err)
		directions = nil
	}

	for _, m := range hourRows {
		day, hour, ok := ParseCellID(m.Key)
		if !ok || m.EventCount == 0 {
			continue
		}
		score := volatilityScore(m, maxHourlyCount, stability)
		cell := CalendarCell{
			Day:              day,
			Hour:             hour,
			EventCount:       m.EventCount,
			AvgSpreadPercent: m.SumSpreadPercent.Div(decimal.NewFromInt(m.EventCount)),
			MaxSpreadPercent: m.MaxSpreadPercent,
			DirectionBias:    dominantDirection(directions[m.Key]),
			VolatilityScore:  score,
			Zone:             zoneFor(score),
		}
		if out.Calendar[day] == nil {
			out.Calendar[day] = make(map[int]CalendarCell)
		}
		out.Calendar[day][hour] = cell
	}

	summary, err := e.store.ArbTransactionSummary(ctx)
	if err != nil {
		return nil, err
	}
	out.TotalRealizedProfit = summary.TotalProfit
	if summary.Total > 0 {
		out.SuccessRate = float64(summary.Successful) / float64(summary.Total)
		out.ProfitabilityRate = float64(summary.Profitable) / float64(summary.Total)
	}

	return out, nil
}

// seriesProfile scans the recent event window for direction persistence:
// the mean run length of equal consecutive directions, and a stability
// score in [0,1] (1 = the direction never flipped). Falls back to the 0.5
// placeholder when the window is too small.
func (e *Engine) seriesProfile(ctx context.Context) (stability, avgRunLength float64, err error) {
	events, err := e.store.RecentEvents(ctx, seriesWindow)
	if err != nil {
		return 0, 0, err
	}
	if len(events) < 2 {
		return 0.5, 0, nil
	}

	// RecentEvents is newest-first; walk it backwards for time order.
	var runs []float64
	runLen := 1.0
	switches := 0
	for i := len(events) - 2; i >= 0; i-- {
		if events[i].Direction == events[i+1].Direction {
			runLen++
			continue
		}
		runs = append(runs, runLen)
		runLen = 1
		switches++
	}
	runs = append(runs, runLen)

	stability = 1 - float64(switches)/float64(len(events)-1)
	return stability, stat.Mean(runs, nil), nil
}

// volatilityScore composes the weighted activity score for one hour cell.
func volatilityScore(m types.AggregatedMetric, maxHourlyCount int64, stability float64) float64 {
	var countScore float64
	if maxHourlyCount > 0 {
		countScore = float64(m.EventCount) / float64(maxHourlyCount)
	}
	count := decimal.NewFromInt(m.EventCount)
	avgFraction, _ := m.SumSpreadPercent.Div(count).Div(hundred).Float64()
	spreadScore := math.Min(avgFraction/0.01, 1)
	avgDepth, _ := m.SumDepth.Div(count).Float64()
	depthScore := math.Min(avgDepth/1000, 1)

	return weightCount*countScore + weightSpread*spreadScore + weightDepth*depthScore + weightStability*stability
}

func zoneFor(score float64) string {
	switch {
	case score >= 0.7:
		return ZoneHighActivity
	case score >= 0.4:
		return ZoneNormal
	default:
		return ZoneLowActivity
	}
}

// dominantDirection renders the majority flow of one cell's retained
// events, e.g. "Binance→Coinbase 67%". Ties break toward the
// lexicographically smaller direction so repeated reads agree; a cell with
// no retained events has no bias.
func dominantDirection(counts map[string]int64) string {
	var (
		total int64
		best  string
		bestN int64
	)
	for dir, n := range counts {
		total += n
		if n > bestN || (n == bestN && (best == "" || dir < best)) {
			best, bestN = dir, n
		}
	}
	if total == 0 {
		return ""
	}
	share := int(math.Round(float64(bestN) * 100 / float64(total)))
	return fmt.Sprintf("%s %d%%", best, share)
}

// ParseCellID parses "Mon-12" into its weekday and hour parts. The weekday
// must be one of the seven three-letter names and the hour in [0, 23].
func ParseCellID(id string) (day string, hour int, ok bool) {
	parts := strings.SplitN(id, "-", 2)
	if len(parts) != 2 {
		return "", 0, false
	}
	if !validDays[parts[0]] {
		return "", 0, false
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil || h < 0 || h > 23 {
		return "", 0, false
	}
	return parts[0], h, true
}

var validDays = map[string]bool{
	"Mon": true, "Tue": true, "Wed": true, "Thu": true,
	"Fri": true, "Sat": true, "Sun": true,
}

func slotHour(id string) (int, bool) {
	_, h, ok := ParseCellID(id)
	return h, ok
}
