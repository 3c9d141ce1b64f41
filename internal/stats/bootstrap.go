package stats

import (
	"context"
	"log/slog"
	"time"

	"crossarb/internal/config"
	"crossarb/pkg/types"
)

const (
	defaultBootstrapBatch = 5000
	defaultSaveBatch      = 500
)

// Bootstrap folds historical events that have not yet been counted into
// the aggregates. Events stream from storage in (timestamp, id) order in
// read batches, accumulate into in-memory caches using the live fold
// rules, then merge into existing rows (sums add, max takes the larger,
// heatmap averages combine by count-weighted mean) and save in write
// batches. Folded events are marked so a re-run replays nothing, which
// makes the whole pass idempotent.
func Bootstrap(ctx context.Context, store *Store, cfg config.StatsConfig, logger *slog.Logger) (int, error) {
	logger = logger.With("component", "stats-bootstrap")
	readBatch := cfg.BootstrapBatch
	if readBatch <= 0 {
		readBatch = defaultBootstrapBatch
	}
	saveBatch := cfg.SaveBatch
	if saveBatch <= 0 {
		saveBatch = defaultSaveBatch
	}

	metrics := make(map[string]types.AggregatedMetric)
	cells := make(map[string]types.HeatmapCell)
	var ids []string

	var cursorMs int64
	var cursorID string
	for {
		if err := ctx.Err(); err != nil {
			return len(ids), err
		}
		events, err := store.UnfoldedEvents(ctx, cursorMs, cursorID, readBatch)
		if err != nil {
			return len(ids), err
		}
		if len(events) == 0 {
			break
		}
		now := time.Now().UTC()
		for _, ev := range events {
			ev = Normalize(ev)
			for _, target := range metricTargets(ev) {
				id := types.MetricID(target.Category, target.Key)
				metrics[id] = foldMetric(metrics[id], target.Category, target.Key, ev, now)
			}
			cellID := types.CellID(ev.Timestamp)
			cells[cellID] = foldHeatmap(cells[cellID], ev)
			ids = append(ids, ev.ID)
		}
		last := events[len(events)-1]
		cursorMs = last.Timestamp.UnixMilli()
		cursorID = last.ID
	}

	if len(ids) == 0 {
		logger.Info("no unfolded events, aggregates are current")
		return 0, nil
	}

	merged := make([]types.AggregatedMetric, 0, len(metrics))
	for id, built := range metrics {
		existing, ok, err := store.GetMetric(ctx, id)
		if err != nil {
			return len(ids), err
		}
		if ok {
			built = mergeMetrics(existing, built)
		}
		merged = append(merged, built)
	}
	for i := 0; i < len(merged); i += saveBatch {
		end := min(i+saveBatch, len(merged))
		if err := store.UpsertMetricsBatch(ctx, merged[i:end]); err != nil {
			return len(ids), err
		}
	}

	mergedCells := make([]types.HeatmapCell, 0, len(cells))
	for id, built := range cells {
		existing, ok, err := store.GetHeatmapCell(ctx, id)
		if err != nil {
			return len(ids), err
		}
		if ok {
			built = mergeHeatmap(existing, built)
		}
		mergedCells = append(mergedCells, built)
	}
	for i := 0; i < len(mergedCells); i += saveBatch {
		end := min(i+saveBatch, len(mergedCells))
		if err := store.UpsertHeatmapBatch(ctx, mergedCells[i:end]); err != nil {
			return len(ids), err
		}
	}

	for i := 0; i < len(ids); i += saveBatch {
		end := min(i+saveBatch, len(ids))
		if err := store.MarkEventsFolded(ctx, ids[i:end]); err != nil {
			return len(ids), err
		}
	}

	logger.Info("historical events folded into aggregates",
		"events", len(ids), "metrics", len(merged), "cells", len(mergedCells))
	return len(ids), nil
}
