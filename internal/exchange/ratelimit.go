package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// RateBudget is a venue-wide weight budget. REST calls acquire their weight
// before dispatch and block until tokens are available. A rate-limit
// response empties the bucket and starts adaptive backoff: 2x the advised
// retry-after when present, else 1s, doubling up to a cap.
type RateBudget struct {
	venue   string
	limiter *rate.Limiter

	mu           sync.Mutex
	backoffUntil time.Time
	nextBackoff  time.Duration
	backoffCap   time.Duration
}

// NewRateBudget creates a budget refilling weightPerMinute tokens per
// minute with the given burst.
func NewRateBudget(venue string, weightPerMinute, burst int) *RateBudget {
	if weightPerMinute <= 0 {
		weightPerMinute = 1200
	}
	if burst <= 0 {
		burst = weightPerMinute / 10
		if burst < 1 {
			burst = 1
		}
	}
	return &RateBudget{
		venue:      venue,
		limiter:    rate.NewLimiter(rate.Limit(float64(weightPerMinute)/60.0), burst),
		backoffCap: 5 * time.Minute,
	}
}

// Acquire blocks until weight tokens are available and any active backoff
// window has passed.
func (b *RateBudget) Acquire(ctx context.Context, weight int) error {
	if weight <= 0 {
		weight = 1
	}

	for {
		b.mu.Lock()
		wait := time.Until(b.backoffUntil)
		b.mu.Unlock()
		if wait <= 0 {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if weight > b.limiter.Burst() {
		weight = b.limiter.Burst()
	}
	if err := b.limiter.WaitN(ctx, weight); err != nil {
		return fmt.Errorf("acquire %d weight for %s: %w", weight, b.venue, err)
	}
	return nil
}

// Penalize reacts to a venue rate-limit response: the bucket is drained and
// subsequent calls wait out the backoff window.
func (b *RateBudget) Penalize(retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Drain whatever tokens are currently available.
	b.limiter.AllowN(time.Now(), b.limiter.Burst())

	backoff := b.nextBackoff
	if retryAfter > 0 {
		backoff = 2 * retryAfter
	} else if backoff == 0 {
		backoff = time.Second
	}
	if backoff > b.backoffCap {
		backoff = b.backoffCap
	}

	b.backoffUntil = time.Now().Add(backoff)
	b.nextBackoff = backoff * 2
	if b.nextBackoff > b.backoffCap {
		b.nextBackoff = b.backoffCap
	}

	log.Warn().
		Str("venue", b.venue).
		Dur("backoff", backoff).
		Msg("Venue rate limit hit, bucket drained")
}

// Reset clears the adaptive backoff after a successful call.
func (b *RateBudget) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if time.Now().After(b.backoffUntil) {
		b.nextBackoff = 0
	}
}

// Throttled reports whether a backoff window is currently active and how
// long it has left.
func (b *RateBudget) Throttled() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	wait := time.Until(b.backoffUntil)
	return wait > 0, wait
}
