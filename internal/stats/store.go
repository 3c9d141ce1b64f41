// Package stats persists arbitrage events and trade outcomes in SQLite and
// maintains the aggregate read model behind the dashboard: per-category
// metric rows, weekday/hour heatmap cells, and profit summaries.
package stats

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"crossarb/pkg/types"
)

const (
	busyRetries   = 5
	busyBaseDelay = 10 * time.Millisecond
)

// Store owns the stats database. All writes go through short-lived
// statements; contended writes retry with exponential backoff.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the stats database at path, applies the connection
// PRAGMAs and runs the schema migration.
func Open(path string, logger *slog.Logger) (*Store, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve stats db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("create stats db directory: %w", err)
	}

	connStr := absPath +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=temp_store(MEMORY)" +
		"&_pragma=cache_size(-64000)"

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open stats db: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping stats db: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "stats-store")}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenMemory opens a process-private in-memory database with the same
// schema. History lasts only as long as the process; it is the degraded
// fallback when the file-backed store cannot be opened. The pool is pinned
// to one connection because every additional connection to :memory: gets
// its own empty database.
func OpenMemory(logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory stats db: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s := &Store{db: db, logger: logger.With("component", "stats-store")}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS arbitrage_events (
			id             TEXT PRIMARY KEY,
			pair           TEXT NOT NULL,
			direction      TEXT NOT NULL,
			spread         TEXT NOT NULL,
			spread_percent TEXT NOT NULL,
			depth_buy      TEXT NOT NULL,
			depth_sell     TEXT NOT NULL,
			timestamp_ms   INTEGER NOT NULL,
			day_of_week    TEXT NOT NULL,
			hour           INTEGER NOT NULL,
			folded         INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_slot ON arbitrage_events(day_of_week, hour, timestamp_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_events_pair ON arbitrage_events(pair)`,
		`CREATE INDEX IF NOT EXISTS idx_events_time ON arbitrage_events(timestamp_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_events_unfolded ON arbitrage_events(folded) WHERE folded = 0`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id                TEXT PRIMARY KEY,
			timestamp_ms      INTEGER NOT NULL,
			type              TEXT NOT NULL,
			asset             TEXT NOT NULL,
			pair              TEXT NOT NULL,
			amount            TEXT NOT NULL,
			buy_exchange      TEXT NOT NULL,
			sell_exchange     TEXT NOT NULL,
			buy_order_id      TEXT NOT NULL DEFAULT '',
			sell_order_id     TEXT NOT NULL DEFAULT '',
			buy_order_status  TEXT NOT NULL DEFAULT '',
			sell_order_status TEXT NOT NULL DEFAULT '',
			recovery_order_id TEXT NOT NULL DEFAULT '',
			strategy          TEXT NOT NULL,
			buy_cost          TEXT NOT NULL,
			sell_proceeds     TEXT NOT NULL,
			total_fees        TEXT NOT NULL,
			realized_profit   TEXT NOT NULL,
			status            TEXT NOT NULL,
			is_recovered      INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tx_time ON transactions(timestamp_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_tx_type_status ON transactions(type, status)`,
		`CREATE TABLE IF NOT EXISTS aggregated_metrics (
			id           TEXT PRIMARY KEY,
			category     TEXT NOT NULL,
			key          TEXT NOT NULL,
			event_count  INTEGER NOT NULL,
			sum_spread   TEXT NOT NULL,
			max_spread   TEXT NOT NULL,
			sum_depth    TEXT NOT NULL,
			last_updated INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_category ON aggregated_metrics(category)`,
		`CREATE TABLE IF NOT EXISTS heatmap_cells (
			id          TEXT PRIMARY KEY,
			event_count INTEGER NOT NULL,
			avg_spread  TEXT NOT NULL,
			max_spread  TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate stats schema: %w", err)
		}
	}
	return nil
}

// withRetry runs fn, retrying lock contention with exponential backoff
// (10, 20, 40, ... ms) up to busyRetries times.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	delay := busyBaseDelay
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) || attempt >= busyRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// ————————————————————————————————————————————————————————————————————————
// Events
// ————————————————————————————————————————————————————————————————————————

// InsertEvent writes one raw event. folded marks whether the event has
// already been counted into the aggregates (live ingestion folds inline;
// seeded history has not been folded yet). Returns false when the id
// already exists.
func (s *Store) InsertEvent(ctx context.Context, e types.ArbitrageEvent, folded bool) (bool, error) {
	var inserted bool
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO arbitrage_events
			 (id, pair, direction, spread, spread_percent, depth_buy, depth_sell, timestamp_ms, day_of_week, hour, folded)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.Pair, e.Direction,
			e.Spread.String(), e.SpreadPercent.String(),
			e.DepthBuy.String(), e.DepthSell.String(),
			e.Timestamp.UTC().UnixMilli(), e.DayOfWeek, e.Hour, boolToInt(folded),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("insert event %s: %w", e.ID, err)
	}
	return inserted, nil
}

// UnfoldedEvents returns events not yet counted into the aggregates,
// ordered by (timestamp, id), strictly after the (afterMs, afterID)
// cursor. Pass (0, "") to start from the beginning.
func (s *Store) UnfoldedEvents(ctx context.Context, afterMs int64, afterID string, limit int) ([]types.ArbitrageEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pair, direction, spread, spread_percent, depth_buy, depth_sell, timestamp_ms, day_of_week, hour
		 FROM arbitrage_events
		 WHERE folded = 0 AND (timestamp_ms > ? OR (timestamp_ms = ? AND id > ?))
		 ORDER BY timestamp_ms ASC, id ASC LIMIT ?`,
		afterMs, afterMs, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query unfolded events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// MarkEventsFolded flags the given event ids as counted.
func (s *Store) MarkEventsFolded(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE arbitrage_events SET folded = 1 WHERE id IN (`+placeholders+`)`, args...)
		if err != nil {
			return fmt.Errorf("mark events folded: %w", err)
		}
		return nil
	})
}

// RecentEvents returns up to limit events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]types.ArbitrageEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pair, direction, spread, spread_percent, depth_buy, depth_sell, timestamp_ms, day_of_week, hour
		 FROM arbitrage_events ORDER BY timestamp_ms DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsForCell returns every event recorded in one weekday/hour slot,
// oldest first. Feeds the per-cell history export.
func (s *Store) EventsForCell(ctx context.Context, dayOfWeek string, hour int) ([]types.ArbitrageEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, pair, direction, spread, spread_percent, depth_buy, depth_sell, timestamp_ms, day_of_week, hour
		 FROM arbitrage_events
		 WHERE day_of_week = ? AND hour = ?
		 ORDER BY timestamp_ms ASC, id ASC`,
		dayOfWeek, hour)
	if err != nil {
		return nil, fmt.Errorf("query cell events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CellDirectionCounts groups the retained events by weekday/hour slot and
// direction, keyed by cell id. Cells whose events were pruned by retention
// fall out of the result.
func (s *Store) CellDirectionCounts(ctx context.Context) (map[string]map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT day_of_week, hour, direction, COUNT(*)
		 FROM arbitrage_events
		 GROUP BY day_of_week, hour, direction`)
	if err != nil {
		return nil, fmt.Errorf("query cell direction counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]int64)
	for rows.Next() {
		var (
			day       string
			hour      int
			direction string
			count     int64
		)
		if err := rows.Scan(&day, &hour, &direction, &count); err != nil {
			return nil, fmt.Errorf("scan cell direction count: %w", err)
		}
		id := fmt.Sprintf("%s-%02d", day, hour)
		if out[id] == nil {
			out[id] = make(map[string]int64)
		}
		out[id][direction] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cell direction counts: %w", err)
	}
	return out, nil
}

// PruneEvents deletes events older than the cutoff and reports how many
// rows were removed.
func (s *Store) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	var pruned int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM arbitrage_events WHERE timestamp_ms < ?`, before.UTC().UnixMilli())
		if err != nil {
			return err
		}
		pruned, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return pruned, nil
}

// Vacuum reclaims file space after pruning.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum stats db: %w", err)
	}
	return nil
}

func scanEvents(rows *sql.Rows) ([]types.ArbitrageEvent, error) {
	var out []types.ArbitrageEvent
	for rows.Next() {
		var (
			e       types.ArbitrageEvent
			spread  string
			pct     string
			dBuy    string
			dSell   string
			tsMilli int64
		)
		if err := rows.Scan(&e.ID, &e.Pair, &e.Direction, &spread, &pct, &dBuy, &dSell, &tsMilli, &e.DayOfWeek, &e.Hour); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var err error
		if e.Spread, err = decimal.NewFromString(spread); err != nil {
			return nil, fmt.Errorf("parse event spread: %w", err)
		}
		if e.SpreadPercent, err = decimal.NewFromString(pct); err != nil {
			return nil, fmt.Errorf("parse event spread percent: %w", err)
		}
		if e.DepthBuy, err = decimal.NewFromString(dBuy); err != nil {
			return nil, fmt.Errorf("parse event depth: %w", err)
		}
		if e.DepthSell, err = decimal.NewFromString(dSell); err != nil {
			return nil, fmt.Errorf("parse event depth: %w", err)
		}
		e.Timestamp = time.UnixMilli(tsMilli).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Aggregated metrics and heatmap cells
// ————————————————————————————————————————————————————————————————————————

// GetMetric loads one metric row by id; ok=false when absent.
func (s *Store) GetMetric(ctx context.Context, id string) (types.AggregatedMetric, bool, error) {
	var (
		m       types.AggregatedMetric
		sumS    string
		maxS    string
		sumD    string
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, category, key, event_count, sum_spread, max_spread, sum_depth, last_updated
		 FROM aggregated_metrics WHERE id = ?`, id).
		Scan(&m.ID, &m.Category, &m.Key, &m.EventCount, &sumS, &maxS, &sumD, &updated)
	if err == sql.ErrNoRows {
		return types.AggregatedMetric{}, false, nil
	}
	if err != nil {
		return types.AggregatedMetric{}, false, fmt.Errorf("get metric %s: %w", id, err)
	}
	if m.SumSpreadPercent, err = decimal.NewFromString(sumS); err != nil {
		return types.AggregatedMetric{}, false, fmt.Errorf("parse metric sum: %w", err)
	}
	if m.MaxSpreadPercent, err = decimal.NewFromString(maxS); err != nil {
		return types.AggregatedMetric{}, false, fmt.Errorf("parse metric max: %w", err)
	}
	if m.SumDepth, err = decimal.NewFromString(sumD); err != nil {
		return types.AggregatedMetric{}, false, fmt.Errorf("parse metric depth: %w", err)
	}
	m.LastUpdated = time.UnixMilli(updated).UTC()
	return m, true, nil
}

// UpsertMetric writes the full metric row, replacing any existing values.
func (s *Store) UpsertMetric(ctx context.Context, m types.AggregatedMetric) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO aggregated_metrics (id, category, key, event_count, sum_spread, max_spread, sum_depth, last_updated)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				event_count = excluded.event_count,
				sum_spread  = excluded.sum_spread,
				max_spread  = excluded.max_spread,
				sum_depth   = excluded.sum_depth,
				last_updated = excluded.last_updated`,
			m.ID, string(m.Category), m.Key, m.EventCount,
			m.SumSpreadPercent.String(), m.MaxSpreadPercent.String(), m.SumDepth.String(),
			m.LastUpdated.UTC().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("upsert metric %s: %w", m.ID, err)
		}
		return nil
	})
}

// UpsertMetricsBatch writes a chunk of metric rows in one transaction.
func (s *Store) UpsertMetricsBatch(ctx context.Context, ms []types.AggregatedMetric) error {
	if len(ms) == 0 {
		return nil
	}
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin metrics batch: %w", err)
		}
		defer tx.Rollback()
		for _, m := range ms {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO aggregated_metrics (id, category, key, event_count, sum_spread, max_spread, sum_depth, last_updated)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(id) DO UPDATE SET
					event_count = excluded.event_count,
					sum_spread  = excluded.sum_spread,
					max_spread  = excluded.max_spread,
					sum_depth   = excluded.sum_depth,
					last_updated = excluded.last_updated`,
				m.ID, string(m.Category), m.Key, m.EventCount,
				m.SumSpreadPercent.String(), m.MaxSpreadPercent.String(), m.SumDepth.String(),
				m.LastUpdated.UTC().UnixMilli(),
			); err != nil {
				return fmt.Errorf("upsert metric %s in batch: %w", m.ID, err)
			}
		}
		return tx.Commit()
	})
}

// UpsertHeatmapBatch writes a chunk of heatmap cells in one transaction.
func (s *Store) UpsertHeatmapBatch(ctx context.Context, cs []types.HeatmapCell) error {
	if len(cs) == 0 {
		return nil
	}
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin heatmap batch: %w", err)
		}
		defer tx.Rollback()
		for _, c := range cs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO heatmap_cells (id, event_count, avg_spread, max_spread)
				 VALUES (?, ?, ?, ?)
				 ON CONFLICT(id) DO UPDATE SET
					event_count = excluded.event_count,
					avg_spread  = excluded.avg_spread,
					max_spread  = excluded.max_spread`,
				c.ID, c.EventCount, c.AvgSpreadPercent.String(), c.MaxSpreadPercent.String(),
			); err != nil {
				return fmt.Errorf("upsert heatmap cell %s in batch: %w", c.ID, err)
			}
		}
		return tx.Commit()
	})
}

// AllMetrics returns every aggregated metric row.
func (s *Store) AllMetrics(ctx context.Context) ([]types.AggregatedMetric, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, category, key, event_count, sum_spread, max_spread, sum_depth, last_updated FROM aggregated_metrics`)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []types.AggregatedMetric
	for rows.Next() {
		var (
			m       types.AggregatedMetric
			sumS    string
			maxS    string
			sumD    string
			updated int64
		)
		if err := rows.Scan(&m.ID, &m.Category, &m.Key, &m.EventCount, &sumS, &maxS, &sumD, &updated); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		if m.SumSpreadPercent, err = decimal.NewFromString(sumS); err != nil {
			return nil, fmt.Errorf("parse metric sum: %w", err)
		}
		if m.MaxSpreadPercent, err = decimal.NewFromString(maxS); err != nil {
			return nil, fmt.Errorf("parse metric max: %w", err)
		}
		if m.SumDepth, err = decimal.NewFromString(sumD); err != nil {
			return nil, fmt.Errorf("parse metric depth: %w", err)
		}
		m.LastUpdated = time.UnixMilli(updated).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetHeatmapCell loads one heatmap cell by id; ok=false when absent.
func (s *Store) GetHeatmapCell(ctx context.Context, id string) (types.HeatmapCell, bool, error) {
	var (
		c    types.HeatmapCell
		avgS string
		maxS string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, event_count, avg_spread, max_spread FROM heatmap_cells WHERE id = ?`, id).
		Scan(&c.ID, &c.EventCount, &avgS, &maxS)
	if err == sql.ErrNoRows {
		return types.HeatmapCell{}, false, nil
	}
	if err != nil {
		return types.HeatmapCell{}, false, fmt.Errorf("get heatmap cell %s: %w", id, err)
	}
	if c.AvgSpreadPercent, err = decimal.NewFromString(avgS); err != nil {
		return types.HeatmapCell{}, false, fmt.Errorf("parse heatmap avg: %w", err)
	}
	if c.MaxSpreadPercent, err = decimal.NewFromString(maxS); err != nil {
		return types.HeatmapCell{}, false, fmt.Errorf("parse heatmap max: %w", err)
	}
	return c, true, nil
}

// UpsertHeatmapCell writes the full cell row, replacing existing values.
func (s *Store) UpsertHeatmapCell(ctx context.Context, c types.HeatmapCell) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO heatmap_cells (id, event_count, avg_spread, max_spread)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				event_count = excluded.event_count,
				avg_spread  = excluded.avg_spread,
				max_spread  = excluded.max_spread`,
			c.ID, c.EventCount, c.AvgSpreadPercent.String(), c.MaxSpreadPercent.String(),
		)
		if err != nil {
			return fmt.Errorf("upsert heatmap cell %s: %w", c.ID, err)
		}
		return nil
	})
}

// AllHeatmapCells returns every heatmap cell row.
func (s *Store) AllHeatmapCells(ctx context.Context) ([]types.HeatmapCell, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, event_count, avg_spread, max_spread FROM heatmap_cells`)
	if err != nil {
		return nil, fmt.Errorf("query heatmap cells: %w", err)
	}
	defer rows.Close()

	var out []types.HeatmapCell
	for rows.Next() {
		var (
			c    types.HeatmapCell
			avgS string
			maxS string
		)
		if err := rows.Scan(&c.ID, &c.EventCount, &avgS, &maxS); err != nil {
			return nil, fmt.Errorf("scan heatmap cell: %w", err)
		}
		if c.AvgSpreadPercent, err = decimal.NewFromString(avgS); err != nil {
			return nil, fmt.Errorf("parse heatmap avg: %w", err)
		}
		if c.MaxSpreadPercent, err = decimal.NewFromString(maxS); err != nil {
			return nil, fmt.Errorf("parse heatmap max: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ————————————————————————————————————————————————————————————————————————
// Transactions
// ————————————————————————————————————————————————————————————————————————

// InsertTransaction stores one trade outcome verbatim.
func (s *Store) InsertTransaction(ctx context.Context, tx types.Transaction) error {
	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO transactions
			 (id, timestamp_ms, type, asset, pair, amount, buy_exchange, sell_exchange,
			  buy_order_id, sell_order_id, buy_order_status, sell_order_status, recovery_order_id,
			  strategy, buy_cost, sell_proceeds, total_fees, realized_profit, status, is_recovered)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tx.ID, tx.Timestamp.UTC().UnixMilli(), string(tx.Type), tx.Asset, tx.Pair,
			tx.Amount.String(), tx.BuyExchange, tx.SellExchange,
			tx.BuyOrderID, tx.SellOrderID, string(tx.BuyOrderStatus), string(tx.SellOrderStatus), tx.RecoveryOrderID,
			string(tx.Strategy), tx.BuyCost.String(), tx.SellProceeds.String(),
			tx.TotalFees.String(), tx.RealizedProfit.String(), string(tx.Status), boolToInt(tx.IsRecovered),
		)
		if err != nil {
			return fmt.Errorf("insert transaction %s: %w", tx.ID, err)
		}
		return nil
	})
}

// RecentTransactions returns up to limit transactions of any type, newest
// first.
func (s *Store) RecentTransactions(ctx context.Context, limit int) ([]types.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		txSelect+` ORDER BY timestamp_ms DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// LastArbTransactions returns the newest n arbitrage transactions.
func (s *Store) LastArbTransactions(ctx context.Context, n int) ([]types.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		txSelect+` WHERE type = ? ORDER BY timestamp_ms DESC, id DESC LIMIT ?`,
		string(types.TxTypeArbitrage), n)
	if err != nil {
		return nil, fmt.Errorf("query last arb transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// ArbProfitSince sums realized profit of successful arbitrage transactions
// at or after the cutoff.
func (s *Store) ArbProfitSince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT realized_profit FROM transactions
		 WHERE type = ? AND status = ? AND timestamp_ms >= ?`,
		string(types.TxTypeArbitrage), string(types.TxSuccess), since.UTC().UnixMilli())
	if err != nil {
		return decimal.Zero, fmt.Errorf("query arb profit: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, fmt.Errorf("scan arb profit: %w", err)
		}
		p, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse arb profit: %w", err)
		}
		total = total.Add(p)
	}
	return total, rows.Err()
}

// ArbSummary folds every arbitrage transaction into the profit counters
// used by the stats read model.
type ArbSummary struct {
	Total       int64
	Successful  int64
	Profitable  int64
	TotalProfit decimal.Decimal
}

func (s *Store) ArbTransactionSummary(ctx context.Context) (ArbSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, realized_profit FROM transactions WHERE type = ?`,
		string(types.TxTypeArbitrage))
	if err != nil {
		return ArbSummary{}, fmt.Errorf("query arb summary: %w", err)
	}
	defer rows.Close()

	sum := ArbSummary{TotalProfit: decimal.Zero}
	for rows.Next() {
		var status, raw string
		if err := rows.Scan(&status, &raw); err != nil {
			return ArbSummary{}, fmt.Errorf("scan arb summary: %w", err)
		}
		profit, err := decimal.NewFromString(raw)
		if err != nil {
			return ArbSummary{}, fmt.Errorf("parse arb summary profit: %w", err)
		}
		sum.Total++
		if status == string(types.TxSuccess) {
			sum.Successful++
			sum.TotalProfit = sum.TotalProfit.Add(profit)
		}
		if profit.IsPositive() {
			sum.Profitable++
		}
	}
	return sum, rows.Err()
}

const txSelect = `SELECT id, timestamp_ms, type, asset, pair, amount, buy_exchange, sell_exchange,
	buy_order_id, sell_order_id, buy_order_status, sell_order_status, recovery_order_id,
	strategy, buy_cost, sell_proceeds, total_fees, realized_profit, status, is_recovered
	FROM transactions`

func scanTransactions(rows *sql.Rows) ([]types.Transaction, error) {
	var out []types.Transaction
	for rows.Next() {
		var (
			tx          types.Transaction
			tsMilli     int64
			txType      string
			buyStatus   string
			sellStatus  string
			strategy    string
			status      string
			amount      string
			buyCost     string
			proceeds    string
			fees        string
			profit      string
			isRecovered int
		)
		if err := rows.Scan(&tx.ID, &tsMilli, &txType, &tx.Asset, &tx.Pair, &amount,
			&tx.BuyExchange, &tx.SellExchange, &tx.BuyOrderID, &tx.SellOrderID,
			&buyStatus, &sellStatus, &tx.RecoveryOrderID, &strategy,
			&buyCost, &proceeds, &fees, &profit, &status, &isRecovered); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		var err error
		if tx.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse transaction amount: %w", err)
		}
		if tx.BuyCost, err = decimal.NewFromString(buyCost); err != nil {
			return nil, fmt.Errorf("parse transaction buy cost: %w", err)
		}
		if tx.SellProceeds, err = decimal.NewFromString(proceeds); err != nil {
			return nil, fmt.Errorf("parse transaction proceeds: %w", err)
		}
		if tx.TotalFees, err = decimal.NewFromString(fees); err != nil {
			return nil, fmt.Errorf("parse transaction fees: %w", err)
		}
		if tx.RealizedProfit, err = decimal.NewFromString(profit); err != nil {
			return nil, fmt.Errorf("parse transaction profit: %w", err)
		}
		tx.Timestamp = time.UnixMilli(tsMilli).UTC()
		tx.Type = types.TransactionType(txType)
		tx.BuyOrderStatus = types.OrderStatus(buyStatus)
		tx.SellOrderStatus = types.OrderStatus(sellStatus)
		tx.Strategy = types.ExecStrategy(strategy)
		tx.Status = types.TransactionStatus(status)
		tx.IsRecovered = isRecovered == 1
		out = append(out, tx)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
