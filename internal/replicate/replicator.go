package replicate

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantfeed/quantfeed/internal/config"
	"github.com/quantfeed/quantfeed/internal/metrics"
	"github.com/quantfeed/quantfeed/internal/models"
)

// Replicator copies closed windows hot→cold through the cold server's
// remote() table function, so row data never transits this process.
type Replicator struct {
	cfg    config.Replicator
	hotCfg config.Storage
	cold   driver.Conn
	hot    driver.Conn
	marks  *WatermarkStore
	tables []string
	reg    *metrics.Registry

	now func() time.Time
}

// New creates a replicator over an established cold connection. hot is only
// used for optional post-replication cleanup.
func New(cfg config.Replicator, hotCfg config.Storage, cold, hot driver.Conn, marks *WatermarkStore, tables []string, reg *metrics.Registry) *Replicator {
	return &Replicator{
		cfg:    cfg,
		hotCfg: hotCfg,
		cold:   cold,
		hot:    hot,
		marks:  marks,
		tables: tables,
		reg:    reg,
		now:    time.Now,
	}
}

// Run replicates on the configured interval until ctx ends. The first run
// starts immediately so a restart never waits a full interval.
func (r *Replicator) Run(ctx context.Context) {
	interval := r.cfg.Interval
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce replicates every table up to the safety margin. Tables are
// processed serially; one table's failure does not block the others.
func (r *Replicator) RunOnce(ctx context.Context) {
	runID := uuid.NewString()
	safeEnd := models.UTCMillis(r.now().Add(-r.cfg.SafetyMargin))
	logger := log.With().Str("run_id", runID).Logger()
	logger.Info().Time("safe_end", safeEnd).Msg("Replication run starting")

	for _, table := range r.tables {
		if ctx.Err() != nil {
			return
		}
		if err := r.replicateTable(ctx, logger, table, safeEnd); err != nil {
			logger.Error().Err(err).Str("table", table).Msg("Table replication failed, watermark unchanged")
		}
	}

	if r.cfg.Cleanup {
		r.cleanup(ctx, logger)
	}
	logger.Info().Msg("Replication run finished")
}

func (r *Replicator) replicateTable(ctx context.Context, logger zerolog.Logger, table string, safeEnd time.Time) error {
	fallback := models.UTCMillis(r.now().Add(-r.cfg.ColdRetention))
	start := r.marks.Get(table, fallback)

	for _, w := range windows(start, safeEnd, r.cfg.BatchWindow) {
		rows, err := r.copyWindow(ctx, table, w.from, w.to)
		if err != nil {
			return fmt.Errorf("window (%s, %s]: %w", w.from.Format(time.RFC3339), w.to.Format(time.RFC3339), err)
		}
		if err := r.marks.Advance(table, w.to); err != nil {
			return fmt.Errorf("advance watermark: %w", err)
		}
		if r.reg != nil {
			r.reg.ObserveReplication(table, rows, w.to)
		}
		logger.Info().
			Str("table", table).
			Time("from", w.from).
			Time("to", w.to).
			Int64("rows", rows).
			Msg("Window replicated")
	}
	return nil
}

// copyWindow inserts one half-open window (from, to] and returns the row
// count it covered. Re-running a window is safe: the cold tables are
// ReplacingMergeTree keyed identically to hot.
func (r *Replicator) copyWindow(ctx context.Context, table string, from, to time.Time) (int64, error) {
	remote := fmt.Sprintf("remote('%s', '%s', '%s', '%s', '%s')",
		r.remoteAddr(), r.hotCfg.HotDatabase, table, r.hotCfg.Username, r.hotCfg.Password)
	where := fmt.Sprintf("timestamp > toDateTime64('%s', 3, 'UTC') AND timestamp <= toDateTime64('%s', 3, 'UTC')",
		models.FormatStoreTime(from), models.FormatStoreTime(to))

	insert := fmt.Sprintf("INSERT INTO %s.%s SELECT * FROM %s WHERE %s",
		r.cfg.ColdDatabase, table, remote, where)
	if err := r.cold.Exec(ctx, insert); err != nil {
		return 0, fmt.Errorf("insert window: %w", err)
	}

	var rows uint64
	count := fmt.Sprintf("SELECT count() FROM %s.%s WHERE %s", r.cfg.ColdDatabase, table, where)
	if err := r.cold.QueryRow(ctx, count).Scan(&rows); err != nil {
		return 0, fmt.Errorf("count window: %w", err)
	}
	return int64(rows), nil
}

// cleanup deletes hot rows already replicated and older than the grace
// period. Runs against the hot connection; skipped when none is wired.
func (r *Replicator) cleanup(ctx context.Context, logger zerolog.Logger) {
	if r.hot == nil {
		return
	}
	for table, mark := range r.marks.All() {
		cutoff := mark.Add(-r.cfg.CleanupGrace)
		stmt := fmt.Sprintf(
			"ALTER TABLE %s.%s DELETE WHERE timestamp <= toDateTime64('%s', 3, 'UTC')",
			r.hotCfg.HotDatabase, table, models.FormatStoreTime(cutoff))
		if err := r.hot.Exec(ctx, stmt); err != nil {
			logger.Warn().Err(err).Str("table", table).Msg("Hot cleanup failed")
			continue
		}
		logger.Info().Str("table", table).Time("cutoff", cutoff).Msg("Hot rows scheduled for deletion")
	}
}

func (r *Replicator) remoteAddr() string {
	if r.cfg.HotRemoteAddr != "" {
		return r.cfg.HotRemoteAddr
	}
	return r.hotCfg.HotAddr
}

// window is one half-open replication interval (from, to].
type window struct {
	from time.Time
	to   time.Time
}

// windows splits (start, safeEnd] into batch-sized pieces. An empty or
// inverted range yields nothing, so a freshly caught-up table is a no-op.
func windows(start, safeEnd time.Time, batch time.Duration) []window {
	if batch <= 0 {
		batch = 24 * time.Hour
	}
	var out []window
	for from := start; from.Before(safeEnd); {
		to := from.Add(batch)
		if to.After(safeEnd) {
			to = safeEnd
		}
		out = append(out, window{from: from, to: to})
		from = to
	}
	return out
}
