package orderbook

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfeed/quantfeed/internal/metrics"
	"github.com/quantfeed/quantfeed/internal/symbols"
)

// Registry tracks every live manager, enforces the global symbol cap and
// evicts managers whose streams have gone quiet.
type Registry struct {
	mu       sync.Mutex
	interner *symbols.Interner
	managers map[int]*managed
	cancelFn map[int]context.CancelFunc

	maxLive  int
	inactive time.Duration
	reg      *metrics.Registry
}

type managed struct {
	manager *Manager
	started time.Time
}

// NewRegistry creates a registry capped at maxLive symbol states, evicting
// managers idle longer than inactive.
func NewRegistry(maxLive int, inactive time.Duration, reg *metrics.Registry) *Registry {
	if maxLive <= 0 {
		maxLive = 1000
	}
	if inactive <= 0 {
		inactive = time.Hour
	}
	return &Registry{
		interner: symbols.NewInterner(),
		managers: make(map[int]*managed),
		cancelFn: make(map[int]context.CancelFunc),
		maxLive:  maxLive,
		inactive: inactive,
		reg:      reg,
	}
}

// Get returns the manager for key if one is running.
func (r *Registry) Get(key symbols.Key) (*Manager, bool) {
	id := r.interner.Intern(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.managers[id]
	if !ok {
		return nil, false
	}
	return m.manager, true
}

// Add registers mgr under key and starts its worker. Returns false if the
// global symbol cap is reached.
func (r *Registry) Add(ctx context.Context, key symbols.Key, mgr *Manager) bool {
	id := r.interner.Intern(key)
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.managers[id]; exists {
		return true
	}
	if len(r.managers) >= r.maxLive {
		log.Error().
			Str("key", key.String()).
			Int("max_live", r.maxLive).
			Msg("Symbol state cap reached, refusing new book manager")
		return false
	}

	workerCtx, cancel := context.WithCancel(ctx)
	r.managers[id] = &managed{manager: mgr, started: time.Now()}
	r.cancelFn[id] = cancel
	go mgr.Run(workerCtx)
	return true
}

// Remove stops and forgets the manager for key.
func (r *Registry) Remove(key symbols.Key) {
	id := r.interner.Intern(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.cancelFn[id]; ok {
		cancel()
	}
	delete(r.managers, id)
	delete(r.cancelFn, id)
}

// Statuses returns a status snapshot of every live manager and updates the
// live/degraded gauges.
func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	mgrs := make([]*Manager, 0, len(r.managers))
	for _, m := range r.managers {
		mgrs = append(mgrs, m.manager)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(mgrs))
	live, degraded := 0, 0
	for _, m := range mgrs {
		st := m.Status()
		if st.State == StateLive {
			live++
		}
		if st.Degraded {
			degraded++
		}
		out = append(out, st)
	}
	if r.reg != nil {
		r.reg.SetSymbolCounts(live, degraded)
	}
	return out
}

// EvictIdle stops managers whose last applied update is older than the
// inactivity window. Returns the number evicted.
func (r *Registry) EvictIdle() int {
	statuses := r.Statuses()
	evicted := 0
	cutoff := time.Now().Add(-r.inactive)
	for _, st := range statuses {
		if st.LastUpdateAt.IsZero() || st.LastUpdateAt.After(cutoff) {
			continue
		}
		log.Info().
			Str("key", st.Key.String()).
			Time("last_update", st.LastUpdateAt).
			Msg("Evicting idle book manager")
		r.Remove(st.Key)
		evicted++
	}
	return evicted
}

// StopAll cancels every worker.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, cancel := range r.cancelFn {
		cancel()
		delete(r.cancelFn, id)
		delete(r.managers, id)
	}
}

// Len returns the number of live managers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.managers)
}
