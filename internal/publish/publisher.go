// Package publish turns canonical records into batched, deduplicated,
// at-least-once bus publishes.
package publish

import (
	"context"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/quantfeed/quantfeed/internal/metrics"
	"github.com/quantfeed/quantfeed/internal/models"
)

// Bus is the slice of the message bus the publisher needs. msgID doubles
// as the server-side duplicate key within the stream's duplicate window.
type Bus interface {
	Publish(ctx context.Context, subject, msgID string, headers map[string]string, payload []byte) error
}

// Config tunes batching, queueing and dedup.
type Config struct {
	BatchSize    int
	BatchLinger  time.Duration
	QueueSize    int
	DedupTTL     time.Duration
	DedupMaxSize int
}

func (c *Config) fillDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchLinger <= 0 {
		c.BatchLinger = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 10000
	}
	if c.DedupTTL <= 0 {
		c.DedupTTL = 2 * time.Minute
	}
	if c.DedupMaxSize <= 0 {
		c.DedupMaxSize = 100000
	}
}

// retrySchedule is the bounded backoff applied to each failed publish.
var retrySchedule = []time.Duration{200 * time.Millisecond, 500 * time.Millisecond, time.Second}

type queued struct {
	subject  string
	msgID    string
	headers  map[string]string
	payload  []byte
	dataType string
	exchange string
}

// Publisher owns the dedup cache and a bounded queue. Producers never
// block: when the queue is full the oldest entry is dropped and counted.
type Publisher struct {
	bus   Bus
	cfg   Config
	dedup *DedupCache
	queue chan *queued
	reg   *metrics.Registry
}

// New creates a publisher over bus.
func New(bus Bus, cfg Config, reg *metrics.Registry) *Publisher {
	cfg.fillDefaults()
	return &Publisher{
		bus:   bus,
		cfg:   cfg,
		dedup: NewDedupCache(cfg.DedupTTL, cfg.DedupMaxSize),
		queue: make(chan *queued, cfg.QueueSize),
		reg:   reg,
	}
}

// Enqueue accepts a sealed canonical record. Duplicates within the dedup
// TTL are dropped silently and counted.
func (p *Publisher) Enqueue(rec models.Record) {
	fp := rec.Fingerprint()
	if p.dedup.Seen(fp) {
		if p.reg != nil {
			p.reg.IncDuplicateDropped(string(rec.Kind()))
		}
		return
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		log.Error().Err(err).Str("data_type", string(rec.Kind())).Msg("Record marshal failed")
		if p.reg != nil {
			p.reg.IncPublishDropped("marshal")
		}
		return
	}

	headers := Headers(rec)
	item := &queued{
		subject:  Subject(rec),
		msgID:    fp,
		headers:  headers,
		payload:  payload,
		dataType: string(rec.Kind()),
		exchange: headers["exchange"],
	}

	for {
		select {
		case p.queue <- item:
			return
		default:
		}
		// Queue full: shed the oldest entry to keep memory bounded.
		select {
		case <-p.queue:
			if p.reg != nil {
				p.reg.IncPublishDropped("queue_overflow")
			}
		default:
		}
	}
}

// Run drains the queue in batches until ctx is cancelled, then flushes
// whatever is pending.
func (p *Publisher) Run(ctx context.Context) {
	linger := time.NewTimer(p.cfg.BatchLinger)
	defer linger.Stop()

	batch := make([]*queued, 0, p.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.publishBatch(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Final drain, bounded by what is already queued.
			for {
				select {
				case item := <-p.queue:
					batch = append(batch, item)
				default:
					p.publishBatch(context.Background(), batch)
					return
				}
			}
		case item := <-p.queue:
			batch = append(batch, item)
			if len(batch) >= p.cfg.BatchSize {
				flush()
				resetTimer(linger, p.cfg.BatchLinger)
			}
		case <-linger.C:
			flush()
			linger.Reset(p.cfg.BatchLinger)
		}
	}
}

// publishBatch publishes sequentially so per-source-symbol order is kept.
func (p *Publisher) publishBatch(ctx context.Context, batch []*queued) {
	for _, item := range batch {
		if err := p.publishWithRetry(ctx, item); err != nil {
			log.Warn().
				Err(err).
				Str("subject", item.subject).
				Msg("Publish retries exhausted, dropping record")
			if p.reg != nil {
				p.reg.IncPublishDropped("retries_exhausted")
			}
			continue
		}
		if p.reg != nil {
			p.reg.IncMessagesOut(item.exchange, item.dataType)
		}
	}
}

func (p *Publisher) publishWithRetry(ctx context.Context, item *queued) error {
	err := p.bus.Publish(ctx, item.subject, item.msgID, item.headers, item.payload)
	if err == nil {
		return nil
	}
	for _, delay := range retrySchedule {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if err = p.bus.Publish(ctx, item.subject, item.msgID, item.headers, item.payload); err == nil {
			return nil
		}
	}
	return err
}

// QueueDepth reports the current queue backlog for /stats.
func (p *Publisher) QueueDepth() int { return len(p.queue) }

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
