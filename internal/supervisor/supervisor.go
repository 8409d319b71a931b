// Package supervisor owns the lifecycle of every venue stream: dialing,
// exponential-backoff reconnects, proactive rotation ahead of venue 24h
// cutoffs and fan-out of raw events into the book managers and the
// normalize/publish path.
package supervisor

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/quantfeed/quantfeed/internal/config"
	"github.com/quantfeed/quantfeed/internal/exchange"
	"github.com/quantfeed/quantfeed/internal/metrics"
	"github.com/quantfeed/quantfeed/internal/models"
	"github.com/quantfeed/quantfeed/internal/normalize"
	"github.com/quantfeed/quantfeed/internal/orderbook"
	"github.com/quantfeed/quantfeed/internal/publish"
	"github.com/quantfeed/quantfeed/internal/symbols"
)

// venue is one streaming connection set under supervision.
type venue struct {
	adapter exchange.Adapter
	desc    exchange.Descriptor
	family  orderbook.Family
	dedup   *rotationDedup

	mu      sync.Mutex
	current *exchange.StreamSession
}

func (v *venue) setCurrent(s *exchange.StreamSession) {
	v.mu.Lock()
	v.current = s
	v.mu.Unlock()
}

func (v *venue) session() *exchange.StreamSession {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Supervisor runs every registered venue until its context ends.
type Supervisor struct {
	cfg     config.Supervisor
	bookCfg orderbook.Config
	norm    *normalize.Normalizer
	pub     *publish.Publisher
	books   *orderbook.Registry
	reg     *metrics.Registry
	venues  []*venue
}

// New creates a supervisor wiring raw events into books and the publisher.
func New(cfg config.Supervisor, bookCfg orderbook.Config, norm *normalize.Normalizer, pub *publish.Publisher, books *orderbook.Registry, reg *metrics.Registry) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		bookCfg: bookCfg,
		norm:    norm,
		pub:     pub,
		books:   books,
		reg:     reg,
	}
}

// AddVenue registers a streaming venue. Poll-only adapters (no WS URL) are
// skipped; the poller covers them.
func (s *Supervisor) AddVenue(adapter exchange.Adapter, desc exchange.Descriptor, family orderbook.Family) {
	if desc.WSURL == "" {
		return
	}
	s.venues = append(s.venues, &venue{
		adapter: adapter,
		desc:    desc,
		family:  family,
		dedup:   newRotationDedup(s.cfg.RotationDedupSize),
	})
}

// IngestPolled is the sink for the REST poller: normalized and published
// on the same path as streamed events.
func (s *Supervisor) IngestPolled(events []exchange.RawEvent) {
	for i := range events {
		ev := &events[i]
		if s.reg != nil {
			s.reg.IncMessagesIn(ev.Exchange, string(ev.Kind))
		}
		s.normalizeAndPublish(ev)
	}
}

// Run supervises every venue plus the registry maintenance loop, blocking
// until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, v := range s.venues {
		wg.Add(1)
		go func(v *venue) {
			defer wg.Done()
			s.runVenue(ctx, v)
		}(v)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.maintenanceLoop(ctx)
	}()

	wg.Wait()
	s.books.StopAll()
}

// maintenanceLoop refreshes symbol gauges and evicts idle book managers.
func (s *Supervisor) maintenanceLoop(ctx context.Context) {
	interval := s.cfg.HealthInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.books.Statuses()
			if n := s.books.EvictIdle(); n > 0 {
				log.Info().Int("evicted", n).Msg("Idle book managers evicted")
			}
		}
	}
}

// runVenue keeps one venue connected: dial with backoff, pump events,
// rotate proactively, reconnect on loss.
func (s *Supervisor) runVenue(ctx context.Context, v *venue) {
	for ctx.Err() == nil {
		sess := s.connect(ctx, v)
		if sess == nil {
			return // ctx cancelled during backoff
		}
		v.setCurrent(sess)
		done := s.pumpAsync(ctx, v, sess)

		rotate := time.NewTimer(s.rotationAfter())
	generation:
		for {
			select {
			case <-ctx.Done():
				rotate.Stop()
				sess.Close()
				<-done
				return
			case <-done:
				rotate.Stop()
				if s.reg != nil {
					s.reg.IncReconnect(v.desc.Exchange)
				}
				log.Warn().Str("venue", v.desc.Exchange).Msg("Stream lost, reconnecting")
				break generation
			case <-rotate.C:
				next, err := v.adapter.OpenStream(ctx)
				if err != nil {
					log.Warn().Err(err).Str("venue", v.desc.Exchange).Msg("Rotation dial failed, retrying")
					rotate.Reset(time.Minute)
					continue
				}
				log.Info().
					Str("venue", v.desc.Exchange).
					Dur("overlap", s.cfg.RotationOverlap).
					Msg("Rotating stream connection")

				// Overlap: both connections feed the pipeline; the dedup
				// window suppresses the doubled deliveries. The old
				// connection stays current until the replacement has
				// survived the whole window.
				v.dedup.activate(s.cfg.RotationOverlap)
				nextDone := s.pumpAsync(ctx, v, next)

				overlap := time.NewTimer(s.cfg.RotationOverlap)
				select {
				case <-ctx.Done():
					overlap.Stop()
					rotate.Stop()
					next.Close()
					<-nextDone
					sess.Close()
					<-done
					return
				case <-nextDone:
					// Replacement died inside the window: abort the
					// rotation and keep the healthy old connection.
					overlap.Stop()
					next.Close()
					log.Warn().Str("venue", v.desc.Exchange).Msg("Rotation replacement failed, keeping current connection")
					rotate.Reset(time.Minute)
				case <-done:
					// Old connection died mid-overlap: promote the
					// replacement immediately.
					overlap.Stop()
					v.setCurrent(next)
					sess, done = next, nextDone
					rotate.Reset(s.rotationAfter())
				case <-overlap.C:
					v.setCurrent(next)
					old, oldDone := sess, done
					sess, done = next, nextDone
					go func() {
						old.Close()
						<-oldDone
					}()
					rotate.Reset(s.rotationAfter())
				}
			}
		}
	}
}

// connect dials with unlimited exponential backoff. Returns nil only when
// ctx ends.
func (s *Supervisor) connect(ctx context.Context, v *venue) *exchange.StreamSession {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = s.cfg.ReconnectInitial
	if expo.InitialInterval <= 0 {
		expo.InitialInterval = time.Second
	}
	expo.MaxInterval = s.cfg.ReconnectCap
	if expo.MaxInterval <= 0 {
		expo.MaxInterval = 300 * time.Second
	}
	expo.MaxElapsedTime = 0

	for {
		dialCtx := ctx
		var cancel context.CancelFunc
		if s.cfg.ConnectTimeout > 0 {
			dialCtx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		}
		sess, err := v.adapter.OpenStream(dialCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			log.Info().Str("venue", v.desc.Exchange).Msg("Stream connected")
			return sess
		}

		wait := expo.NextBackOff()
		log.Warn().
			Err(err).
			Str("venue", v.desc.Exchange).
			Dur("retry_in", wait).
			Msg("Stream dial failed")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// pumpAsync drains one session's event and control channels. The returned
// channel closes when the session's event stream ends.
func (s *Supervisor) pumpAsync(ctx context.Context, v *venue, sess *exchange.StreamSession) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		events, control := sess.Events, sess.Control
		for events != nil || control != nil {
			select {
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				s.ingest(ctx, v, &ev)
			case ce, ok := <-control:
				if !ok {
					control = nil
					continue
				}
				s.handleControl(v, ce)
			}
		}
	}()
	return done
}

func (s *Supervisor) handleControl(v *venue, ce exchange.ConnEvent) {
	switch ce.State {
	case exchange.ConnConnected:
		log.Info().Str("venue", v.desc.Exchange).Msg("Venue reports connected")
	case exchange.ConnDegraded:
		if s.reg != nil {
			s.reg.IncProtocolError(v.desc.Exchange)
		}
	case exchange.ConnDisconnected:
		log.Warn().Err(ce.Err).Str("venue", v.desc.Exchange).Msg("Venue reports disconnect")
	}
}

// ingest routes one raw event: book updates to their manager, everything
// else through normalize into the publisher.
func (s *Supervisor) ingest(ctx context.Context, v *venue, ev *exchange.RawEvent) {
	if s.reg != nil {
		s.reg.IncMessagesIn(v.desc.Exchange, string(ev.Kind))
	}
	if v.dedup.seen(streamKey(ev)) {
		if s.reg != nil {
			s.reg.IncDuplicateDropped(string(ev.Kind))
		}
		return
	}

	if ev.Kind == models.DataTypeOrderBook {
		s.routeBook(ctx, v, ev)
		return
	}
	s.normalizeAndPublish(ev)
}

func (s *Supervisor) normalizeAndPublish(ev *exchange.RawEvent) {
	rec, err := s.norm.Record(ev)
	if err != nil {
		log.Warn().Err(err).Str("venue", ev.Exchange).Str("data_type", string(ev.Kind)).Msg("Normalization failed")
		if s.reg != nil {
			s.reg.IncProtocolError(ev.Exchange)
		}
		return
	}
	s.pub.Enqueue(rec)
}

// routeBook delivers a book update to the symbol's manager, creating the
// manager on first sight. Delivery blocks when the inbox is full; that
// backpressure is what slows the reader loop instead of growing memory.
func (s *Supervisor) routeBook(ctx context.Context, v *venue, ev *exchange.RawEvent) {
	native := ev.Book.Symbol
	canon, market, err := symbols.Canonical(native, ev.MarketType)
	if err != nil {
		log.Warn().Err(err).Str("venue", v.desc.Exchange).Str("symbol", native).Msg("Unroutable book symbol")
		return
	}
	key := symbols.Key{Exchange: v.desc.Exchange, MarketType: market, Symbol: canon}

	mgr, ok := s.books.Get(key)
	if !ok {
		mgr = orderbook.NewManager(key, v.family, s.bookCfg,
			s.emitSnapshot,
			s.snapshotFunc(v, native),
			s.resubscribeFunc(v, native),
			s.reg)
		if !s.books.Add(ctx, key, mgr) {
			return
		}
	}

	select {
	case mgr.Inbox() <- ev.Book:
	case <-ctx.Done():
	}
}

func (s *Supervisor) emitSnapshot(snap *models.OrderBookSnapshot) {
	s.pub.Enqueue(s.norm.Snapshot(snap))
}

func (s *Supervisor) snapshotFunc(v *venue, native string) orderbook.SnapshotFunc {
	if v.family != orderbook.FamilyBinance {
		return nil
	}
	return func(ctx context.Context) (*exchange.RawBookUpdate, error) {
		return v.adapter.BookSnapshot(ctx, native)
	}
}

func (s *Supervisor) resubscribeFunc(v *venue, native string) orderbook.ResubscribeFunc {
	if v.family != orderbook.FamilyOKX {
		return nil
	}
	return func(ctx context.Context) error {
		sess := v.session()
		if sess == nil || sess.Resubscribe == nil {
			return fmt.Errorf("%s: no live session to resubscribe %s", v.desc.Exchange, native)
		}
		return sess.Resubscribe(ctx, native)
	}
}

func (s *Supervisor) rotationAfter() time.Duration {
	if s.cfg.RotationAfter <= 0 {
		return 23*time.Hour + 55*time.Minute
	}
	return s.cfg.RotationAfter
}

// streamKey is the venue-native identity of one streamed event, used only
// for overlap dedup during rotation.
func streamKey(ev *exchange.RawEvent) string {
	switch ev.Kind {
	case models.DataTypeTrade:
		return "t|" + ev.Trade.Symbol + "|" + ev.Trade.TradeID
	case models.DataTypeOrderBook:
		return "b|" + ev.Book.Symbol + "|" + strconv.FormatInt(ev.Book.LastUpdateID, 10)
	case models.DataTypeLiquidation:
		l := ev.Liquidation
		return "l|" + l.Symbol + "|" + l.Price + "|" + l.Quantity + "|" + strconv.FormatInt(l.EventTime.UnixMilli(), 10)
	default:
		return string(ev.Kind) + "|" + strconv.FormatInt(ev.ReceivedAt.UnixNano(), 10)
	}
}
