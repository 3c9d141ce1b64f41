package stats

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

var (
	hundred = decimal.NewFromInt(100)
	two     = decimal.NewFromInt(2)
)

// Normalize fills derived event fields at ingestion: UTC timestamp,
// spreadPercent = spread × 100, and the denormalized weekday/hour slot.
func Normalize(e types.ArbitrageEvent) types.ArbitrageEvent {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Timestamp = e.Timestamp.UTC()
	e.SpreadPercent = e.Spread.Mul(hundred)
	e.DayOfWeek = e.Timestamp.Weekday().String()[:3]
	e.Hour = e.Timestamp.Hour()
	return e
}

type metricTarget struct {
	Category types.MetricCategory
	Key      string
}

// metricTargets lists the aggregate rows one event contributes to.
func metricTargets(e types.ArbitrageEvent) [5]metricTarget {
	return [5]metricTarget{
		{types.CategoryPair, e.Pair},
		{types.CategoryHour, types.CellID(e.Timestamp)},
		{types.CategoryDay, e.Timestamp.Weekday().String()},
		{types.CategoryDirection, e.Direction},
		{types.CategoryGlobal, types.GlobalKey},
	}
}

// eventDepth is the per-event depth contribution: the mean of both sides.
func eventDepth(e types.ArbitrageEvent) decimal.Decimal {
	return e.DepthBuy.Add(e.DepthSell).Div(two)
}

// foldMetric counts one event into a metric row, initializing the row
// identity when it is fresh.
func foldMetric(m types.AggregatedMetric, cat types.MetricCategory, key string, e types.ArbitrageEvent, now time.Time) types.AggregatedMetric {
	if m.ID == "" {
		m.ID = types.MetricID(cat, key)
		m.Category = cat
		m.Key = key
	}
	m.EventCount++
	m.SumSpreadPercent = m.SumSpreadPercent.Add(e.SpreadPercent)
	m.SumDepth = m.SumDepth.Add(eventDepth(e))
	m.MaxSpreadPercent = decimal.Max(m.MaxSpreadPercent, e.SpreadPercent)
	m.LastUpdated = now.UTC()
	return m
}

// foldHeatmap counts one event into a heatmap cell using the incremental
// mean: avg ← (avg×count + spreadPercent)/(count+1).
func foldHeatmap(c types.HeatmapCell, e types.ArbitrageEvent) types.HeatmapCell {
	if c.ID == "" {
		c.ID = types.CellID(e.Timestamp)
	}
	count := decimal.NewFromInt(c.EventCount)
	c.AvgSpreadPercent = c.AvgSpreadPercent.Mul(count).Add(e.SpreadPercent).Div(count.Add(decimal.NewFromInt(1)))
	c.EventCount++
	c.MaxSpreadPercent = decimal.Max(c.MaxSpreadPercent, e.SpreadPercent)
	return c
}

// mergeMetrics combines two rows for the same key: counts and sums add,
// max takes the larger, the newer update timestamp wins.
func mergeMetrics(a, b types.AggregatedMetric) types.AggregatedMetric {
	if a.ID == "" {
		return b
	}
	if b.ID == "" {
		return a
	}
	a.EventCount += b.EventCount
	a.SumSpreadPercent = a.SumSpreadPercent.Add(b.SumSpreadPercent)
	a.SumDepth = a.SumDepth.Add(b.SumDepth)
	a.MaxSpreadPercent = decimal.Max(a.MaxSpreadPercent, b.MaxSpreadPercent)
	if b.LastUpdated.After(a.LastUpdated) {
		a.LastUpdated = b.LastUpdated
	}
	return a
}

// mergeHeatmap combines two cells for the same slot; the average is the
// count-weighted mean of both.
func mergeHeatmap(a, b types.HeatmapCell) types.HeatmapCell {
	if a.ID == "" {
		return b
	}
	if b.ID == "" {
		return a
	}
	total := a.EventCount + b.EventCount
	if total > 0 {
		aw := a.AvgSpreadPercent.Mul(decimal.NewFromInt(a.EventCount))
		bw := b.AvgSpreadPercent.Mul(decimal.NewFromInt(b.EventCount))
		a.AvgSpreadPercent = aw.Add(bw).Div(decimal.NewFromInt(total))
	}
	a.EventCount = total
	a.MaxSpreadPercent = decimal.Max(a.MaxSpreadPercent, b.MaxSpreadPercent)
	return a
}
