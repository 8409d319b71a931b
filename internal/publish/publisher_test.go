package publish

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/quantfeed/internal/metrics"
	"github.com/quantfeed/quantfeed/internal/models"
)

type fakeBus struct {
	mu       sync.Mutex
	failures int
	msgs     []fakeMsg
}

type fakeMsg struct {
	subject string
	msgID   string
	headers map[string]string
}

func (b *fakeBus) Publish(ctx context.Context, subject, msgID string, headers map[string]string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
		return errors.New("bus unavailable")
	}
	b.msgs = append(b.msgs, fakeMsg{subject: subject, msgID: msgID, headers: headers})
	return nil
}

func (b *fakeBus) published() []fakeMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]fakeMsg, len(b.msgs))
	copy(out, b.msgs)
	return out
}

func sampleTrade(id string) *models.Trade {
	t := &models.Trade{
		Exchange:    "binance",
		MarketType:  models.MarketSpot,
		Symbol:      "BTC-USDT",
		TradeID:     id,
		Price:       "65000.10",
		Quantity:    "0.5",
		Side:        models.SideBuy,
		EventTime:   time.Now().UTC(),
		CollectedAt: time.Now().UTC(),
	}
	t.SealTimestamps()
	return t
}

// The same trade emitted twice within the dedup window reaches the bus
// exactly once and increments duplicates_dropped by one.
func TestPublisherDedup(t *testing.T) {
	bus := &fakeBus{}
	reg := metrics.NewRegistry()
	p := New(bus, Config{BatchSize: 10, BatchLinger: 20 * time.Millisecond}, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	tr := sampleTrade("t-1")
	p.Enqueue(tr)
	p.Enqueue(sampleTrade("t-1")) // identical fingerprint

	require.Eventually(t, func() bool { return len(bus.published()) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, bus.published(), 1)
	assert.EqualValues(t, 1, reg.Counter("duplicates_dropped.trade"))
}

func TestPublisherRetriesThenSucceeds(t *testing.T) {
	bus := &fakeBus{failures: 2}
	p := New(bus, Config{BatchSize: 1, BatchLinger: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Enqueue(sampleTrade("t-2"))
	require.Eventually(t, func() bool { return len(bus.published()) == 1 }, 5*time.Second, 20*time.Millisecond)
}

func TestPublisherDropsAfterExhaustedRetries(t *testing.T) {
	bus := &fakeBus{failures: 10} // more than 1 attempt + 3 retries
	reg := metrics.NewRegistry()
	p := New(bus, Config{BatchSize: 1, BatchLinger: 10 * time.Millisecond}, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Enqueue(sampleTrade("t-3"))
	require.Eventually(t, func() bool {
		return reg.Counter("publish_dropped.retries_exhausted") == 1
	}, 10*time.Second, 50*time.Millisecond)
	assert.Empty(t, bus.published())
}

func TestPublisherQueueOverflowDropsOldest(t *testing.T) {
	bus := &fakeBus{}
	reg := metrics.NewRegistry()
	p := New(bus, Config{BatchSize: 100, BatchLinger: time.Hour, QueueSize: 2}, reg)
	// Run is intentionally not started: the queue fills.

	p.Enqueue(sampleTrade("a"))
	p.Enqueue(sampleTrade("b"))
	p.Enqueue(sampleTrade("c"))

	assert.Equal(t, 2, p.QueueDepth())
	assert.EqualValues(t, 1, reg.Counter("publish_dropped.queue_overflow"))
}

func TestSubjectTemplates(t *testing.T) {
	tr := sampleTrade("x")
	assert.Equal(t, "trade-data.binance.spot.BTC-USDT", Subject(tr))

	snap := &models.OrderBookSnapshot{Exchange: "okx", MarketType: models.MarketPerpetual, Symbol: "ETH-USDT"}
	assert.Equal(t, "orderbook-data.okx.perpetual.ETH-USDT", Subject(snap))

	lsr := &models.LongShortRatio{
		Variant: models.LSRTopPosition, Exchange: "binance",
		MarketType: models.MarketPerpetual, Symbol: "BTC-USDT",
	}
	assert.Equal(t, "lsr-data.binance.perpetual.top_position.BTC-USDT", Subject(lsr))

	vol := &models.VolatilityIndex{Exchange: "deribit", Currency: "BTC"}
	assert.Equal(t, "volatility-index-data.deribit.perpetual.BTC", Subject(vol))

	fr := &models.FundingRate{Exchange: "okx", MarketType: models.MarketPerpetual, Symbol: "BTC-USDT"}
	assert.Equal(t, "funding-rate-data.okx.perpetual.BTC-USDT", Subject(fr))
}

func TestHeadersCarryEnvelopeFields(t *testing.T) {
	h := Headers(sampleTrade("x"))
	assert.Equal(t, "binance", h["exchange"])
	assert.Equal(t, "spot", h["market_type"])
	assert.Equal(t, "trade", h["data_type"])
	assert.Equal(t, "BTC-USDT", h["symbol"])
	assert.Equal(t, models.SchemaVersion, h["schema_version"])
}

func TestDedupCacheTTLAndBound(t *testing.T) {
	c := NewDedupCache(50*time.Millisecond, 3)

	assert.False(t, c.Seen("a"))
	assert.True(t, c.Seen("a"))

	// Capacity bound evicts the oldest entry.
	assert.False(t, c.Seen("b"))
	assert.False(t, c.Seen("c"))
	assert.False(t, c.Seen("d")) // evicts "a"
	assert.False(t, c.Seen("a"))

	// TTL expiry forgets everything.
	time.Sleep(60 * time.Millisecond)
	assert.False(t, c.Seen("d"))
	assert.Equal(t, 1, c.Len())
}
