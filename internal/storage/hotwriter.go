package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/rs/zerolog/log"

	"github.com/quantfeed/quantfeed/internal/metrics"
	"github.com/quantfeed/quantfeed/internal/models"
	"github.com/quantfeed/quantfeed/internal/publish"
)

// Subscriber is the slice of the bus the hot writer consumes through.
type Subscriber interface {
	Subscribe(filter, durable string, handler func(subject string, headers map[string]string, payload []byte) error) (func(), error)
}

// flush tuning per cadence class. Trades and books arrive continuously and
// batch up; polled kinds trickle and go out a row at a time. maxQueue bounds
// staged rows while an insert is retrying; overflow spills to the error log.
type flushPolicy struct {
	maxRows  int
	maxQueue int
	interval time.Duration
}

var (
	highFrequency = flushPolicy{maxRows: 100, maxQueue: 1000, interval: 10 * time.Second}
	lowFrequency  = flushPolicy{maxRows: 1, maxQueue: 50, interval: time.Second}
)

func policyFor(kind models.DataType) flushPolicy {
	switch kind {
	case models.DataTypeTrade, models.DataTypeOrderBook:
		return highFrequency
	default:
		return lowFrequency
	}
}

// insertRetries bounds re-attempts of a failed batch before the rows are
// diverted to the NDJSON error log.
var insertRetrySchedule = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}

// HotWriter consumes every data-type subject from the bus and lands rows
// in the hot ClickHouse tier in batches.
type HotWriter struct {
	conn     driver.Conn
	database string
	errorLog string
	reg      *metrics.Registry

	mu      sync.Mutex
	buffers map[models.DataType]*buffer

	drains []func()
}

type buffer struct {
	rows     [][]interface{}
	payloads [][]byte
	policy   flushPolicy
}

// NewHotWriter creates a writer inserting into database over conn.
func NewHotWriter(conn driver.Conn, database, errorLog string, reg *metrics.Registry) *HotWriter {
	w := &HotWriter{
		conn:     conn,
		database: database,
		errorLog: errorLog,
		reg:      reg,
		buffers:  make(map[models.DataType]*buffer, len(Tables)),
	}
	for kind := range Tables {
		w.buffers[kind] = &buffer{policy: policyFor(kind)}
	}
	return w
}

// Start opens one durable subscription per data type and launches the
// flush loops. Blocks until ctx is cancelled, then flushes what remains.
func (w *HotWriter) Start(ctx context.Context, sub Subscriber) error {
	for kind := range Tables {
		kind := kind
		filter := publish.SubjectRoot(kind) + ".>"
		durable := "hotwriter-" + Tables[kind]
		drain, err := sub.Subscribe(filter, durable, func(subject string, headers map[string]string, payload []byte) error {
			return w.accept(ctx, kind, payload)
		})
		if err != nil {
			w.stopSubscriptions()
			return fmt.Errorf("hot writer subscribe %s: %w", filter, err)
		}
		w.drains = append(w.drains, drain)
	}

	var wg sync.WaitGroup
	for kind := range Tables {
		wg.Add(1)
		go func(kind models.DataType) {
			defer wg.Done()
			w.flushLoop(ctx, kind)
		}(kind)
	}

	<-ctx.Done()
	w.stopSubscriptions()
	wg.Wait()

	// Final flush with a fresh context; ctx is already dead.
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for kind := range Tables {
		w.flush(flushCtx, kind)
	}
	return nil
}

func (w *HotWriter) stopSubscriptions() {
	for _, drain := range w.drains {
		drain()
	}
	w.drains = nil
}

// accept decodes one payload and stages its row. Decode failures are
// permanent, so they are logged and acked rather than redelivered forever.
func (w *HotWriter) accept(ctx context.Context, kind models.DataType, payload []byte) error {
	row, err := DecodeRow(kind, payload)
	if err != nil {
		log.Error().Err(err).Str("table", Tables[kind]).Msg("Undecodable bus payload, diverting to error log")
		w.divert(Tables[kind], [][]byte{payload})
		return nil
	}

	full, spilled := w.stage(kind, row, payload)
	if len(spilled) > 0 {
		log.Error().Str("table", Tables[kind]).Int("rows", len(spilled)).Msg("Hot writer queue bound hit, diverting oldest rows")
		w.divert(Tables[kind], spilled)
	}
	if full {
		w.flush(ctx, kind)
	}
	return nil
}

// stage appends one row to the kind's buffer. It reports whether the batch
// size was reached and returns any payloads shed to honor the queue bound.
func (w *HotWriter) stage(kind models.DataType, row []interface{}, payload []byte) (full bool, spilled [][]byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf := w.buffers[kind]
	buf.rows = append(buf.rows, row)
	buf.payloads = append(buf.payloads, payload)

	if over := len(buf.rows) - buf.policy.maxQueue; over > 0 {
		spilled = append(spilled, buf.payloads[:over]...)
		buf.rows = append([][]interface{}(nil), buf.rows[over:]...)
		buf.payloads = append([][]byte(nil), buf.payloads[over:]...)
	}
	return len(buf.rows) >= buf.policy.maxRows, spilled
}

func (w *HotWriter) flushLoop(ctx context.Context, kind models.DataType) {
	ticker := time.NewTicker(w.buffers[kind].policy.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.flush(ctx, kind)
		}
	}
}

// flush takes the staged rows for kind and inserts them, retrying on
// failure and falling back to the error log when retries are exhausted.
func (w *HotWriter) flush(ctx context.Context, kind models.DataType) {
	w.mu.Lock()
	buf := w.buffers[kind]
	rows, payloads := buf.rows, buf.payloads
	buf.rows, buf.payloads = nil, nil
	w.mu.Unlock()

	if len(rows) == 0 {
		return
	}

	table := Tables[kind]
	start := time.Now()
	err := w.insert(ctx, table, rows)
	for attempt := 0; err != nil && attempt < len(insertRetrySchedule); attempt++ {
		log.Warn().Err(err).Str("table", table).Int("rows", len(rows)).Msg("Hot insert failed, retrying")
		select {
		case <-ctx.Done():
		case <-time.After(insertRetrySchedule[attempt]):
		}
		err = w.insert(ctx, table, rows)
	}

	if err != nil {
		log.Error().Err(err).Str("table", table).Int("rows", len(rows)).Msg("Hot insert retries exhausted, diverting to error log")
		w.divert(table, payloads)
		if w.reg != nil {
			w.reg.ObserveFlush(table, "error", len(rows))
		}
		return
	}

	if w.reg != nil {
		w.reg.ObserveFlush(table, "ok", len(rows))
	}
	log.Debug().
		Str("table", table).
		Int("rows", len(rows)).
		Dur("took", time.Since(start)).
		Msg("Hot batch flushed")
}

func (w *HotWriter) insert(ctx context.Context, table string, rows [][]interface{}) error {
	batch, err := w.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s.%s (%s)", w.database, table, insertColumns[table]))
	if err != nil {
		return fmt.Errorf("prepare batch %s: %w", table, err)
	}
	for _, row := range rows {
		if err := batch.Append(row...); err != nil {
			return fmt.Errorf("append row to %s: %w", table, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch %s: %w", table, err)
	}
	return nil
}

// divert appends the raw payloads to the NDJSON error log, one per line
// prefixed with the destination table, so nothing is silently lost.
func (w *HotWriter) divert(table string, payloads [][]byte) {
	if w.errorLog == "" || len(payloads) == 0 {
		return
	}
	if err := os.MkdirAll(filepath.Dir(w.errorLog), 0o755); err != nil {
		log.Error().Err(err).Str("path", w.errorLog).Msg("Cannot create error log directory")
		return
	}
	f, err := os.OpenFile(w.errorLog, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Error().Err(err).Str("path", w.errorLog).Msg("Cannot open error log")
		return
	}
	defer f.Close()

	for _, p := range payloads {
		line := fmt.Sprintf(`{"table":%q,"payload":%s}`+"\n", table, p)
		if _, err := f.WriteString(line); err != nil {
			log.Error().Err(err).Str("path", w.errorLog).Msg("Error log write failed")
			return
		}
	}
}
