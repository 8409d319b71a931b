package supervisor

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/quantfeed/internal/config"
	"github.com/quantfeed/quantfeed/internal/exchange"
	"github.com/quantfeed/quantfeed/internal/metrics"
	"github.com/quantfeed/quantfeed/internal/models"
	"github.com/quantfeed/quantfeed/internal/normalize"
	"github.com/quantfeed/quantfeed/internal/orderbook"
	"github.com/quantfeed/quantfeed/internal/publish"
)

type nullBus struct{}

func (nullBus) Publish(ctx context.Context, subject, msgID string, headers map[string]string, payload []byte) error {
	return nil
}

// scriptedSession is one fake stream connection the test controls directly.
type scriptedSession struct {
	sess   *exchange.StreamSession
	events chan exchange.RawEvent
	closed atomic.Bool
}

func newScriptedSession() *scriptedSession {
	s := &scriptedSession{
		events: make(chan exchange.RawEvent, 16),
	}
	control := make(chan exchange.ConnEvent, 4)
	var once sync.Once
	s.sess = &exchange.StreamSession{
		Events:  s.events,
		Control: control,
		Close: func() {
			once.Do(func() {
				s.closed.Store(true)
				close(s.events)
				close(control)
			})
		},
	}
	return s
}

// scriptedAdapter hands out pre-built sessions in order.
type scriptedAdapter struct {
	mu       sync.Mutex
	sessions []*scriptedSession
}

func (a *scriptedAdapter) Name() string { return "binance" }

func (a *scriptedAdapter) OpenStream(ctx context.Context) (*exchange.StreamSession, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sessions) == 0 {
		return nil, errors.New("no session scripted")
	}
	s := a.sessions[0]
	a.sessions = a.sessions[1:]
	return s.sess, nil
}

func (a *scriptedAdapter) remaining() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sessions)
}

func (a *scriptedAdapter) BookSnapshot(ctx context.Context, symbol string) (*exchange.RawBookUpdate, error) {
	return nil, errors.New("not scripted")
}

func (a *scriptedAdapter) Poll(ctx context.Context, spec exchange.EndpointSpec) ([]exchange.RawEvent, error) {
	return nil, nil
}

func (a *scriptedAdapter) PollTasks() []exchange.EndpointSpec { return nil }

func rotationTestSupervisor(t *testing.T, adapter *scriptedAdapter, cfg config.Supervisor) (*Supervisor, *metrics.Registry) {
	t.Helper()
	reg := metrics.NewRegistry()
	books := orderbook.NewRegistry(8, time.Hour, reg)
	pub := publish.New(nullBus{}, publish.Config{QueueSize: 64}, reg)
	sup := New(cfg, orderbook.Config{}, normalize.New(), pub, books, reg)
	sup.AddVenue(adapter, exchange.Descriptor{
		Exchange:   "binance",
		MarketType: models.MarketSpot,
		WSURL:      "wss://stream.test",
		Symbols:    []string{"BTCUSDT"},
	}, orderbook.FamilyBinance)
	return sup, reg
}

func tradeEvent(id int) exchange.RawEvent {
	return exchange.RawEvent{
		Exchange:   "binance",
		MarketType: models.MarketSpot,
		Kind:       models.DataTypeTrade,
		ReceivedAt: time.Now().UTC(),
		Trade: &exchange.RawTrade{
			Symbol:    "BTCUSDT",
			TradeID:   strconv.Itoa(id),
			Price:     "65000.1",
			Quantity:  "0.5",
			Side:      models.SideBuy,
			EventTime: time.Now().UTC(),
		},
	}
}

// A replacement connection that dies inside the overlap window must not
// displace the still-healthy current connection.
func TestRotationAbortKeepsOldConnection(t *testing.T) {
	first := newScriptedSession()
	replacement := newScriptedSession()
	replacement.sess.Close() // dead on arrival

	adapter := &scriptedAdapter{sessions: []*scriptedSession{first, replacement}}
	sup, reg := rotationTestSupervisor(t, adapter, config.Supervisor{
		ReconnectInitial:  10 * time.Millisecond,
		ReconnectCap:      20 * time.Millisecond,
		HealthInterval:    time.Hour,
		RotationAfter:     30 * time.Millisecond,
		RotationOverlap:   200 * time.Millisecond,
		RotationDedupSize: 16,
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sup.Run(ctx)
	}()

	require.Eventually(t, func() bool { return adapter.remaining() == 0 },
		2*time.Second, 5*time.Millisecond, "rotation never dialed the replacement")

	// The old connection still carries traffic after the aborted rotation.
	require.Eventually(t, func() bool {
		first.events <- tradeEvent(1)
		return reg.Counter("messages_in.binance.trade") >= 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, first.closed.Load(), "healthy connection was closed during aborted rotation")
	assert.EqualValues(t, 0, reg.Counter("reconnects.binance"),
		"aborted rotation must not count as a reconnect")

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.True(t, first.closed.Load())
}

// A replacement that stays healthy through the overlap takes over and the
// old connection is closed.
func TestRotationSwitchesAfterHealthyOverlap(t *testing.T) {
	first := newScriptedSession()
	replacement := newScriptedSession()

	adapter := &scriptedAdapter{sessions: []*scriptedSession{first, replacement}}
	sup, reg := rotationTestSupervisor(t, adapter, config.Supervisor{
		ReconnectInitial:  10 * time.Millisecond,
		ReconnectCap:      20 * time.Millisecond,
		HealthInterval:    time.Hour,
		RotationAfter:     30 * time.Millisecond,
		RotationOverlap:   40 * time.Millisecond,
		RotationDedupSize: 16,
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		sup.Run(ctx)
	}()

	require.Eventually(t, func() bool { return first.closed.Load() },
		2*time.Second, 5*time.Millisecond, "old connection not closed after overlap")
	assert.False(t, replacement.closed.Load())

	require.Eventually(t, func() bool {
		replacement.events <- tradeEvent(2)
		return reg.Counter("messages_in.binance.trade") >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 0, reg.Counter("reconnects.binance"))

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.True(t, replacement.closed.Load())
}
