package orderbook

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/quantfeed/quantfeed/internal/exchange"
	"github.com/quantfeed/quantfeed/internal/metrics"
	"github.com/quantfeed/quantfeed/internal/models"
	"github.com/quantfeed/quantfeed/internal/symbols"
)

// Family selects the synchronization protocol a venue's diff stream follows.
type Family int

const (
	// FamilyBinance joins a REST snapshot against buffered U/u diffs.
	FamilyBinance Family = iota
	// FamilyOKX chains seqId/prevSeqId from an in-stream snapshot and
	// validates a CRC over the top of the book.
	FamilyOKX
)

// State is the lifecycle state of one symbol's book.
type State string

const (
	StateInitializing State = "initializing"
	StateSyncing      State = "syncing"
	StateLive         State = "live"
	StateResyncing    State = "resyncing"
)

// Config tunes one manager. Zero values are replaced with defaults.
type Config struct {
	SnapshotInterval   time.Duration
	PublishDepth       int
	CollectDepth       int
	InboxSize          int
	ChecksumFailLimit  int
	MaxResyncsDegraded int
	ResyncBackoffCap   time.Duration
}

func (c *Config) fillDefaults() {
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = time.Second
	}
	if c.PublishDepth <= 0 {
		c.PublishDepth = 20
	}
	if c.CollectDepth < c.PublishDepth {
		c.CollectDepth = c.PublishDepth
	}
	if c.InboxSize <= 0 {
		c.InboxSize = 1000
	}
	if c.ChecksumFailLimit <= 0 {
		c.ChecksumFailLimit = 3
	}
	if c.MaxResyncsDegraded <= 0 {
		c.MaxResyncsDegraded = 5
	}
	if c.ResyncBackoffCap <= 0 {
		c.ResyncBackoffCap = 60 * time.Second
	}
}

// SnapshotFunc fetches a REST depth snapshot (Binance family).
type SnapshotFunc func(ctx context.Context) (*exchange.RawBookUpdate, error)

// ResubscribeFunc asks the supervisor to resubscribe the symbol so the
// venue pushes a fresh in-stream snapshot (OKX family).
type ResubscribeFunc func(ctx context.Context) error

// EmitFunc receives each constructed top-N snapshot.
type EmitFunc func(*models.OrderBookSnapshot)

// Status is a point-in-time view of a manager for health reporting.
type Status struct {
	Key           symbols.Key `json:"key"`
	State         State       `json:"state"`
	Degraded      bool        `json:"degraded"`
	LastAppliedID int64       `json:"last_applied_id"`
	LastUpdateAt  time.Time   `json:"last_update_at"`
	Resyncs       int64       `json:"resyncs"`
}

// Manager owns the book state for exactly one (exchange, market, symbol).
// All mutation happens on the worker goroutine running Run; the snapshot
// ticker lives in the same loop so no lock guards the book itself.
type Manager struct {
	key     symbols.Key
	family  Family
	cfg     Config
	inbox   chan *exchange.RawBookUpdate
	book    *Book
	emit    EmitFunc
	snapFn  SnapshotFunc
	resubFn ResubscribeFunc
	reg     *metrics.Registry
	logger  zerolog.Logger

	// worker-owned state
	state         State
	lastAppliedID int64
	lastEmittedID int64
	lastEventTime time.Time
	snapshotID    int64
	haveSnapshot  bool
	buffered      []*exchange.RawBookUpdate
	checksumFails int
	resyncStreak  int
	resyncBackoff time.Duration
	degraded      bool
	totalResyncs  int64

	statusCh chan chan Status
}

// NewManager creates a manager for key. For FamilyBinance snapFn is
// required; for FamilyOKX resubFn is required.
func NewManager(key symbols.Key, family Family, cfg Config, emit EmitFunc, snapFn SnapshotFunc, resubFn ResubscribeFunc, reg *metrics.Registry) *Manager {
	cfg.fillDefaults()
	return &Manager{
		key:      key,
		family:   family,
		cfg:      cfg,
		inbox:    make(chan *exchange.RawBookUpdate, cfg.InboxSize),
		book:     NewBook(cfg.CollectDepth),
		emit:     emit,
		snapFn:   snapFn,
		resubFn:  resubFn,
		reg:      reg,
		state:    StateInitializing,
		statusCh: make(chan chan Status),
		logger: log.With().
			Str("exchange", key.Exchange).
			Str("market", string(key.MarketType)).
			Str("symbol", key.Symbol).
			Logger(),
	}
}

// Inbox is the bounded FIFO the venue adapter feeds diffs into. A full
// inbox blocks the sender, exerting backpressure on the reader loop.
func (m *Manager) Inbox() chan<- *exchange.RawBookUpdate { return m.inbox }

// Status returns the manager's current state. Safe to call from any
// goroutine while Run is active.
func (m *Manager) Status() Status {
	reply := make(chan Status, 1)
	select {
	case m.statusCh <- reply:
		return <-reply
	case <-time.After(time.Second):
		// Worker not running (shutdown); report only identity.
		return Status{Key: m.key}
	}
}

// Run processes the symbol's diff queue until ctx is cancelled. On
// shutdown a final snapshot is emitted if the book is Live.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if m.state == StateLive {
				m.emitSnapshot(ctx)
			}
			return
		case reply := <-m.statusCh:
			reply <- Status{
				Key:           m.key,
				State:         m.state,
				Degraded:      m.degraded,
				LastAppliedID: m.lastAppliedID,
				LastUpdateAt:  m.lastEventTime,
				Resyncs:       m.totalResyncs,
			}
		case upd := <-m.inbox:
			m.handleUpdate(ctx, upd)
		case <-ticker.C:
			if m.state == StateLive {
				m.emitSnapshot(ctx)
			}
		}
	}
}

func (m *Manager) handleUpdate(ctx context.Context, upd *exchange.RawBookUpdate) {
	switch m.family {
	case FamilyBinance:
		m.handleBinance(ctx, upd)
	case FamilyOKX:
		m.handleOKX(ctx, upd)
	}
}

// --- Binance family: REST snapshot + buffered diff join ---

func (m *Manager) handleBinance(ctx context.Context, upd *exchange.RawBookUpdate) {
	switch m.state {
	case StateInitializing:
		m.state = StateSyncing
		m.buffered = append(m.buffered, upd)
		m.fetchSnapshot(ctx)
	case StateSyncing, StateResyncing:
		m.buffered = append(m.buffered, upd)
		if len(m.buffered) > m.cfg.InboxSize {
			// Snapshot fetch is stuck; drop the oldest buffered diff.
			m.buffered = m.buffered[1:]
		}
		if m.haveSnapshot {
			m.drainBuffered(ctx)
		}
	case StateLive:
		m.applyBinanceDiff(ctx, upd)
	}
}

func (m *Manager) fetchSnapshot(ctx context.Context) {
	snap, err := m.snapFn(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Book snapshot fetch failed")
		m.enterResync(ctx, "snapshot_fetch")
		return
	}
	if err := m.book.Load(snap.Bids, snap.Asks); err != nil {
		m.logger.Warn().Err(err).Msg("Book snapshot load failed")
		m.enterResync(ctx, "snapshot_parse")
		return
	}
	m.snapshotID = snap.LastUpdateID
	m.haveSnapshot = true
	m.lastEventTime = snap.EventTime
	m.drainBuffered(ctx)
}

func (m *Manager) drainBuffered(ctx context.Context) {
	pending := m.buffered
	m.buffered = nil
	for i, d := range pending {
		if m.state == StateResyncing && !m.haveSnapshot {
			// A failed join discarded the snapshot; re-buffer the rest.
			m.buffered = append(m.buffered, pending[i:]...)
			return
		}
		m.processAgainstSnapshot(ctx, d)
	}
}

func (m *Manager) processAgainstSnapshot(ctx context.Context, d *exchange.RawBookUpdate) {
	if d.LastUpdateID <= m.snapshotID {
		return // Stale diff predating the snapshot.
	}
	// Join point: U <= snapshot_id+1 <= u.
	if d.FirstUpdateID <= m.snapshotID+1 && m.snapshotID+1 <= d.LastUpdateID {
		if err := m.book.Apply(d.Bids, d.Asks); err != nil {
			m.logger.Warn().Err(err).Msg("Join diff apply failed")
			m.enterResync(ctx, "apply")
			return
		}
		m.lastAppliedID = d.LastUpdateID
		m.lastEventTime = d.EventTime
		m.becomeLive()
		return
	}
	// The diff is ahead of the snapshot with no overlap: join point missed.
	m.logger.Warn().
		Int64("first_update_id", d.FirstUpdateID).
		Int64("snapshot_id", m.snapshotID).
		Msg("Join point missed")
	m.enterResync(ctx, "join_miss")
}

func (m *Manager) applyBinanceDiff(ctx context.Context, d *exchange.RawBookUpdate) {
	if d.LastUpdateID <= m.lastAppliedID {
		return // Duplicate delivery during rotation overlap.
	}
	if d.FirstUpdateID != m.lastAppliedID+1 {
		m.logger.Warn().
			Int64("expected", m.lastAppliedID+1).
			Int64("got", d.FirstUpdateID).
			Msg("Sequence gap detected")
		m.enterResync(ctx, "sequence_gap")
		return
	}
	if err := m.book.Apply(d.Bids, d.Asks); err != nil {
		m.logger.Warn().Err(err).Msg("Diff apply failed")
		m.enterResync(ctx, "apply")
		return
	}
	m.lastAppliedID = d.LastUpdateID
	m.lastEventTime = d.EventTime
}

// --- OKX family: in-stream snapshot + seq chain + checksum ---

func (m *Manager) handleOKX(ctx context.Context, upd *exchange.RawBookUpdate) {
	if upd.IsSnapshot {
		if err := m.book.Load(upd.Bids, upd.Asks); err != nil {
			m.logger.Warn().Err(err).Msg("OKX snapshot load failed")
			m.enterResync(ctx, "snapshot_parse")
			return
		}
		m.lastAppliedID = upd.LastUpdateID
		m.lastEventTime = upd.EventTime
		m.checksumFails = 0
		if !m.verifyChecksum(ctx, upd) {
			return
		}
		m.becomeLive()
		return
	}

	if m.state != StateLive {
		return // Updates before the snapshot arrives are unusable.
	}

	if upd.PrevUpdateID == nil || *upd.PrevUpdateID == -1 {
		m.logger.Warn().Msg("Venue signalled depth reset")
		m.enterResync(ctx, "venue_reset")
		return
	}
	if *upd.PrevUpdateID != m.lastAppliedID {
		m.logger.Warn().
			Int64("expected_prev", m.lastAppliedID).
			Int64("got_prev", *upd.PrevUpdateID).
			Msg("Sequence chain broken")
		m.enterResync(ctx, "sequence_gap")
		return
	}
	if err := m.book.Apply(upd.Bids, upd.Asks); err != nil {
		m.logger.Warn().Err(err).Msg("Update apply failed")
		m.enterResync(ctx, "apply")
		return
	}
	m.lastAppliedID = upd.LastUpdateID
	m.lastEventTime = upd.EventTime
	m.verifyChecksum(ctx, upd)
}

// verifyChecksum compares the venue CRC against the local book. Returns
// false when the mismatch budget is exhausted and a resync was triggered.
func (m *Manager) verifyChecksum(ctx context.Context, upd *exchange.RawBookUpdate) bool {
	if upd.Checksum == nil {
		return true
	}
	if m.book.Checksum() == *upd.Checksum {
		m.checksumFails = 0
		return true
	}

	m.checksumFails++
	if m.reg != nil {
		m.reg.IncChecksumFailure(m.key.Exchange)
	}
	m.logger.Warn().
		Int("consecutive", m.checksumFails).
		Int32("venue_checksum", *upd.Checksum).
		Msg("Book checksum mismatch")

	if m.checksumFails >= m.cfg.ChecksumFailLimit {
		m.enterResync(ctx, "checksum")
		return false
	}
	return true
}

// --- shared transitions ---

func (m *Manager) becomeLive() {
	m.state = StateLive
	m.resyncStreak = 0
	m.resyncBackoff = 0
	if m.degraded {
		m.degraded = false
		m.logger.Info().Msg("Symbol recovered from degraded state")
	}
	m.logger.Info().Int64("last_update_id", m.lastAppliedID).Msg("Book live")
}

func (m *Manager) enterResync(ctx context.Context, reason string) {
	m.state = StateResyncing
	m.book.Reset()
	m.haveSnapshot = false
	m.snapshotID = 0
	m.checksumFails = 0
	m.resyncStreak++
	m.totalResyncs++
	if m.reg != nil {
		m.reg.IncResync(m.key.Exchange)
	}

	if m.resyncStreak > m.cfg.MaxResyncsDegraded && !m.degraded {
		m.degraded = true
		m.logger.Error().
			Int("consecutive_resyncs", m.resyncStreak).
			Str("reason", reason).
			Msg("Symbol marked degraded, still retrying")
	} else {
		m.logger.Warn().Str("reason", reason).Int("attempt", m.resyncStreak).Msg("Resyncing book")
	}

	m.resyncBackoff = nextResyncBackoff(m.resyncBackoff, m.cfg.ResyncBackoffCap)

	timer := time.NewTimer(m.resyncBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	switch m.family {
	case FamilyBinance:
		m.buffered = nil
		m.fetchSnapshot(ctx)
	case FamilyOKX:
		if m.resubFn != nil {
			if err := m.resubFn(ctx); err != nil {
				m.logger.Warn().Err(err).Msg("Resubscribe request failed")
			}
		}
		// The next in-stream snapshot completes the resync.
	}
}

// nextResyncBackoff doubles the previous delay, bounded by cap on both the
// first attempt and the growth path.
func nextResyncBackoff(prev, limit time.Duration) time.Duration {
	next := time.Second
	if prev > 0 {
		next = prev * 2
	}
	if limit > 0 && next > limit {
		next = limit
	}
	return next
}

func (m *Manager) emitSnapshot(ctx context.Context) {
	if m.book.Empty() {
		return
	}
	if m.book.Crossed() {
		m.logger.Warn().Msg("Crossed book at snapshot tick")
		m.enterResync(ctx, "crossed_book")
		return
	}
	if m.lastAppliedID < m.lastEmittedID {
		// Never let last_update_id regress on the wire.
		return
	}

	bids, asks := m.book.TopN(m.cfg.PublishDepth)
	snap := &models.OrderBookSnapshot{
		Exchange:     m.key.Exchange,
		MarketType:   m.key.MarketType,
		Symbol:       m.key.Symbol,
		LastUpdateID: m.lastAppliedID,
		BestBid:      bids[0].Price,
		BestAsk:      asks[0].Price,
		Bids:         bids,
		Asks:         asks,
		EventTime:    m.lastEventTime,
		CollectedAt:  time.Now().UTC(),
	}
	m.lastEmittedID = m.lastAppliedID
	m.emit(snap)
}
