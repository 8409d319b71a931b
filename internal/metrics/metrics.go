// Package metrics aggregates pipeline counters for the /stats endpoint and
// mirrors the hot-path ones into prometheus collectors for /metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry aggregates per-component counters for monitoring endpoints.
type Registry struct {
	mu         sync.RWMutex
	counters   map[string]int64
	gauges     map[string]float64
	watermarks map[string]time.Time
	lastUpdate time.Time

	promRegistry *prometheus.Registry

	messagesIn        *prometheus.CounterVec
	messagesOut       *prometheus.CounterVec
	reconnects        *prometheus.CounterVec
	resyncs           *prometheus.CounterVec
	checksumFailures  *prometheus.CounterVec
	duplicatesDropped *prometheus.CounterVec
	publishDropped    *prometheus.CounterVec
	protocolErrors    *prometheus.CounterVec
	batchFlushes      *prometheus.CounterVec
	batchRows         *prometheus.CounterVec
	replicatedRows    *prometheus.CounterVec
	watermarkGauge    *prometheus.GaugeVec
	liveSymbols       prometheus.Gauge
	degradedSymbols   prometheus.Gauge
}

// NewRegistry creates a registry with all pipeline collectors registered.
func NewRegistry() *Registry {
	pr := prometheus.NewRegistry()
	r := &Registry{
		counters:     make(map[string]int64),
		gauges:       make(map[string]float64),
		watermarks:   make(map[string]time.Time),
		promRegistry: pr,
		messagesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantfeed_messages_in_total",
			Help: "Raw venue events received, by exchange and data type",
		}, []string{"exchange", "data_type"}),
		messagesOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantfeed_messages_out_total",
			Help: "Records published to the bus, by exchange and data type",
		}, []string{"exchange", "data_type"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantfeed_ws_reconnects_total",
			Help: "WebSocket reconnect attempts, by exchange",
		}, []string{"exchange"}),
		resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantfeed_orderbook_resyncs_total",
			Help: "Order book resynchronizations, by exchange",
		}, []string{"exchange"}),
		checksumFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantfeed_orderbook_checksum_failures_total",
			Help: "Order book checksum mismatches, by exchange",
		}, []string{"exchange"}),
		duplicatesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantfeed_publisher_duplicates_dropped_total",
			Help: "Records dropped by publisher fingerprint dedup",
		}, []string{"data_type"}),
		publishDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantfeed_publisher_dropped_total",
			Help: "Records dropped after publish retries were exhausted or on queue overflow",
		}, []string{"reason"}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantfeed_protocol_errors_total",
			Help: "Unparseable venue frames, by exchange",
		}, []string{"exchange"}),
		batchFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantfeed_hotwriter_flushes_total",
			Help: "Hot writer batch flushes, by table and outcome",
		}, []string{"table", "outcome"}),
		batchRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantfeed_hotwriter_rows_total",
			Help: "Rows written to the hot store, by table",
		}, []string{"table"}),
		replicatedRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quantfeed_replicator_rows_total",
			Help: "Rows moved hot to cold, by table",
		}, []string{"table"}),
		watermarkGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quantfeed_replicator_watermark_seconds",
			Help: "Replication watermark as unix seconds, by table",
		}, []string{"table"}),
		liveSymbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quantfeed_orderbook_live_symbols",
			Help: "Symbols whose book manager is in the Live state",
		}),
		degradedSymbols: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quantfeed_orderbook_degraded_symbols",
			Help: "Symbols currently marked degraded",
		}),
	}

	pr.MustRegister(
		r.messagesIn, r.messagesOut, r.reconnects, r.resyncs,
		r.checksumFailures, r.duplicatesDropped, r.publishDropped,
		r.protocolErrors, r.batchFlushes, r.batchRows, r.replicatedRows,
		r.watermarkGauge, r.liveSymbols, r.degradedSymbols,
	)
	return r
}

// PrometheusRegistry exposes the underlying registry for promhttp.
func (r *Registry) PrometheusRegistry() *prometheus.Registry { return r.promRegistry }

// IncMessagesIn records a raw venue event.
func (r *Registry) IncMessagesIn(exchange, dataType string) {
	r.messagesIn.WithLabelValues(exchange, dataType).Inc()
	r.add("messages_in."+exchange+"."+dataType, 1)
}

// IncMessagesOut records a record handed to the bus.
func (r *Registry) IncMessagesOut(exchange, dataType string) {
	r.messagesOut.WithLabelValues(exchange, dataType).Inc()
	r.add("messages_out."+exchange+"."+dataType, 1)
}

// IncReconnect records a reconnect attempt.
func (r *Registry) IncReconnect(exchange string) {
	r.reconnects.WithLabelValues(exchange).Inc()
	r.add("reconnects."+exchange, 1)
}

// IncResync records an order book resynchronization.
func (r *Registry) IncResync(exchange string) {
	r.resyncs.WithLabelValues(exchange).Inc()
	r.add("resyncs."+exchange, 1)
}

// IncChecksumFailure records a checksum mismatch.
func (r *Registry) IncChecksumFailure(exchange string) {
	r.checksumFailures.WithLabelValues(exchange).Inc()
	r.add("checksum_failures."+exchange, 1)
}

// IncDuplicateDropped records a fingerprint-dedup drop.
func (r *Registry) IncDuplicateDropped(dataType string) {
	r.duplicatesDropped.WithLabelValues(dataType).Inc()
	r.add("duplicates_dropped."+dataType, 1)
}

// IncPublishDropped records a record lost at the publisher.
func (r *Registry) IncPublishDropped(reason string) {
	r.publishDropped.WithLabelValues(reason).Inc()
	r.add("publish_dropped."+reason, 1)
}

// IncProtocolError records an unparseable venue frame.
func (r *Registry) IncProtocolError(exchange string) {
	r.protocolErrors.WithLabelValues(exchange).Inc()
	r.add("protocol_errors."+exchange, 1)
}

// ObserveFlush records a hot-writer batch flush and its row count.
func (r *Registry) ObserveFlush(table, outcome string, rows int) {
	r.batchFlushes.WithLabelValues(table, outcome).Inc()
	if outcome == "ok" {
		r.batchRows.WithLabelValues(table).Add(float64(rows))
		r.add("hot_rows."+table, int64(rows))
	}
	r.add("hot_flushes."+table+"."+outcome, 1)
}

// ObserveReplication records a completed replication window for a table.
func (r *Registry) ObserveReplication(table string, rows int64, watermark time.Time) {
	r.replicatedRows.WithLabelValues(table).Add(float64(rows))
	r.watermarkGauge.WithLabelValues(table).Set(float64(watermark.Unix()))

	r.mu.Lock()
	r.counters["replicated_rows."+table] += rows
	r.watermarks[table] = watermark
	r.lastUpdate = time.Now()
	r.mu.Unlock()
}

// SetSymbolCounts updates the live/degraded symbol gauges.
func (r *Registry) SetSymbolCounts(live, degraded int) {
	r.liveSymbols.Set(float64(live))
	r.degradedSymbols.Set(float64(degraded))

	r.mu.Lock()
	r.gauges["live_symbols"] = float64(live)
	r.gauges["degraded_symbols"] = float64(degraded)
	r.lastUpdate = time.Now()
	r.mu.Unlock()
}

// SetGauge stores an arbitrary named gauge for /stats.
func (r *Registry) SetGauge(name string, value float64) {
	r.mu.Lock()
	r.gauges[name] = value
	r.lastUpdate = time.Now()
	r.mu.Unlock()
}

// Snapshot returns a copy of all counters, gauges and watermarks for /stats.
func (r *Registry) Snapshot() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		Counters:   make(map[string]int64, len(r.counters)),
		Gauges:     make(map[string]float64, len(r.gauges)),
		Watermarks: make(map[string]string, len(r.watermarks)),
		LastUpdate: r.lastUpdate,
	}
	for k, v := range r.counters {
		s.Counters[k] = v
	}
	for k, v := range r.gauges {
		s.Gauges[k] = v
	}
	for k, v := range r.watermarks {
		s.Watermarks[k] = v.UTC().Format(time.RFC3339)
	}
	return s
}

// Counter returns the current value of a named counter.
func (r *Registry) Counter(name string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[name]
}

// Stats is the JSON shape served by /stats.
type Stats struct {
	Counters   map[string]int64   `json:"counters"`
	Gauges     map[string]float64 `json:"gauges"`
	Watermarks map[string]string  `json:"watermarks"`
	LastUpdate time.Time          `json:"last_update"`
}

func (r *Registry) add(name string, delta int64) {
	r.mu.Lock()
	r.counters[name] += delta
	r.lastUpdate = time.Now()
	r.mu.Unlock()
}
