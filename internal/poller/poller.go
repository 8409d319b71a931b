// Package poller schedules weight-budgeted REST polls across venues. Every
// endpoint runs on its own cadence; venue weight budgets serialize actual
// requests and a per-venue circuit breaker sheds load when a venue fails
// repeatedly.
package poller

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/quantfeed/quantfeed/internal/config"
	"github.com/quantfeed/quantfeed/internal/exchange"
	"github.com/quantfeed/quantfeed/internal/metrics"
	"github.com/quantfeed/quantfeed/internal/models"
)

// Sink receives the raw events of one successful poll.
type Sink func(events []exchange.RawEvent)

// Poller owns the poll loops of every registered venue.
type Poller struct {
	cfg    config.Poller
	sink   Sink
	reg    *metrics.Registry
	venues []*venuePoller
}

type venuePoller struct {
	adapter exchange.Adapter
	breaker *gobreaker.CircuitBreaker
	tasks   []exchange.EndpointSpec
}

// New creates a poller delivering successful poll results to sink.
func New(cfg config.Poller, sink Sink, reg *metrics.Registry) *Poller {
	return &Poller{cfg: cfg, sink: sink, reg: reg}
}

// AddVenue registers every poll task the adapter advertises.
func (p *Poller) AddVenue(adapter exchange.Adapter) {
	tasks := adapter.PollTasks()
	if len(tasks) == 0 {
		return
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    adapter.Name() + "-rest",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Poll circuit breaker state change")
		},
	})

	p.venues = append(p.venues, &venuePoller{adapter: adapter, breaker: breaker, tasks: tasks})
	log.Info().Str("venue", adapter.Name()).Int("tasks", len(tasks)).Msg("Registered poll tasks")
}

// Run starts one loop per task and blocks until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, vp := range p.venues {
		for _, task := range vp.tasks {
			wg.Add(1)
			go func(vp *venuePoller, task exchange.EndpointSpec) {
				defer wg.Done()
				p.taskLoop(ctx, vp, task)
			}(vp, task)
		}
	}
	wg.Wait()
}

// taskLoop polls one endpoint on its cadence. The first poll is jittered so
// venue budgets are not hit by a synchronized burst at startup.
func (p *Poller) taskLoop(ctx context.Context, vp *venuePoller, task exchange.EndpointSpec) {
	interval := p.interval(task.DataType)

	jitter := time.Duration(rand.Int63n(int64(interval)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(jitter):
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p.pollOnce(ctx, vp, task)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pollOnce runs one poll with bounded retries. Rate-limit responses are not
// retried here: the venue budget has already been penalized, so the task
// simply waits for its next tick.
func (p *Poller) pollOnce(ctx context.Context, vp *venuePoller, task exchange.EndpointSpec) {
	attempt := func() error {
		result, err := vp.breaker.Execute(func() (interface{}, error) {
			return vp.adapter.Poll(ctx, task)
		})
		if err != nil {
			return err
		}
		events := result.([]exchange.RawEvent)
		if len(events) > 0 {
			p.sink(events)
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(p.maxRetries())), ctx)

	err := backoff.Retry(func() error {
		err := attempt()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, exchange.ErrVenueRateLimit):
			return backoff.Permanent(err)
		case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(err)
		case errors.Is(err, context.Canceled):
			return backoff.Permanent(err)
		case errors.Is(err, exchange.ErrProtocolViolation):
			if p.reg != nil {
				p.reg.IncProtocolError(vp.adapter.Name())
			}
			return backoff.Permanent(err)
		default:
			return err
		}
	}, policy)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().
			Err(err).
			Str("venue", vp.adapter.Name()).
			Str("data_type", string(task.DataType)).
			Str("symbol", task.Symbol).
			Msg("Poll failed, skipping tick")
	}
}

func (p *Poller) interval(kind models.DataType) time.Duration {
	var d time.Duration
	switch kind {
	case models.DataTypeFundingRate:
		d = p.cfg.FundingInterval
	case models.DataTypeOpenInterest:
		d = p.cfg.OIInterval
	case models.DataTypeLongShortRatio:
		d = p.cfg.LSRInterval
	case models.DataTypeVolatilityIndex:
		d = p.cfg.VolIndexInterval
	}
	if d <= 0 {
		d = time.Minute
	}
	return d
}

func (p *Poller) maxRetries() int {
	if p.cfg.MaxRetries <= 0 {
		return 3
	}
	return p.cfg.MaxRetries
}
