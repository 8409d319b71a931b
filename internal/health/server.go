// Package health serves the operational endpoints: /health liveness with
// component checks, /stats counters and book states, /metrics prometheus.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/quantfeed/quantfeed/internal/metrics"
	"github.com/quantfeed/quantfeed/internal/orderbook"
)

// Check probes one dependency; the empty string means healthy.
type Check func() string

// Server exposes the monitoring endpoints for one process.
type Server struct {
	addr   string
	reg    *metrics.Registry
	checks map[string]Check

	books      *orderbook.Registry
	queueDepth func() int

	degradedAlertAt  int
	watermarkStallAt time.Duration
}

// Options configures the optional data sources of the server.
type Options struct {
	Books      *orderbook.Registry
	QueueDepth func() int
	// DegradedAlertAt flips /health to degraded when at least this many
	// symbols are degraded. Zero disables the alert.
	DegradedAlertAt int
	// WatermarkStallAt flips /health to degraded when any replication
	// watermark is older than this. Zero disables the alert.
	WatermarkStallAt time.Duration
}

// NewServer creates a server on addr reading from reg.
func NewServer(addr string, reg *metrics.Registry, opts Options) *Server {
	return &Server{
		addr:             addr,
		reg:              reg,
		checks:           make(map[string]Check),
		books:            opts.Books,
		queueDepth:       opts.QueueDepth,
		degradedAlertAt:  opts.DegradedAlertAt,
		watermarkStallAt: opts.WatermarkStallAt,
	}
}

// AddCheck registers a named dependency probe.
func (s *Server) AddCheck(name string, check Check) {
	s.checks[name] = check
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.reg.PrometheusRegistry(), promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         s.addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.addr).Msg("Health server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "healthy", Checks: make(map[string]string)}

	// A failed dependency check is fatal; alert conditions only degrade.
	for name, check := range s.checks {
		if msg := check(); msg != "" {
			resp.Status = "unhealthy"
			resp.Checks[name] = msg
		} else {
			resp.Checks[name] = "ok"
		}
	}

	for name, msg := range s.alerts() {
		if resp.Status == "healthy" {
			resp.Status = "degraded"
		}
		resp.Checks[name] = msg
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// alerts evaluates the built-in alert conditions against current metrics.
func (s *Server) alerts() map[string]string {
	out := make(map[string]string)
	snap := s.reg.Snapshot()

	if s.degradedAlertAt > 0 {
		if degraded := int(snap.Gauges["degraded_symbols"]); degraded >= s.degradedAlertAt {
			out["degraded_symbols"] = "degraded symbol count at alert threshold"
		}
	}

	if s.watermarkStallAt > 0 {
		cutoff := time.Now().Add(-s.watermarkStallAt)
		for table, raw := range snap.Watermarks {
			mark, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				continue
			}
			if mark.Before(cutoff) {
				out["watermark_"+table] = "replication watermark stalled"
			}
		}
	}
	return out
}

type statsResponse struct {
	Stats      metrics.Stats      `json:"stats"`
	Books      []orderbook.Status `json:"books,omitempty"`
	QueueDepth *int               `json:"publish_queue_depth,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{Stats: s.reg.Snapshot()}
	if s.books != nil {
		resp.Books = s.books.Statuses()
	}
	if s.queueDepth != nil {
		depth := s.queueDepth()
		resp.QueueDepth = &depth
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Monitoring response encode failed")
	}
}
