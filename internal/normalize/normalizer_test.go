package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/quantfeed/internal/exchange"
	"github.com/quantfeed/quantfeed/internal/models"
)

func TestNormalizeTrade(t *testing.T) {
	n := New()
	eventTime := time.Date(2026, 8, 24, 12, 0, 0, 123456789, time.UTC)
	received := eventTime.Add(50 * time.Millisecond)

	rec, err := n.Record(&exchange.RawEvent{
		Exchange:   "binance",
		MarketType: models.MarketSpot,
		Kind:       models.DataTypeTrade,
		ReceivedAt: received,
		Trade: &exchange.RawTrade{
			Symbol:    "BTCUSDT",
			TradeID:   "12345",
			Price:     "65000.10",
			Quantity:  "0.50000000",
			Side:      models.SideBuy,
			EventTime: eventTime,
		},
	})
	require.NoError(t, err)

	tr, ok := rec.(*models.Trade)
	require.True(t, ok)
	assert.Equal(t, "BTC-USDT", tr.Symbol)
	assert.Equal(t, "65000.10", tr.Price, "decimal strings pass through untouched")
	// Millisecond truncation, UTC, sealed wire format.
	assert.Equal(t, "2026-08-24T12:00:00.123Z", tr.Timestamp)
	assert.Equal(t, "2026-08-24T12:00:00.173Z", tr.CollectedAtMS)
}

// A venue that omits event time gets the collection time instead.
func TestNormalizeEventTimeFallback(t *testing.T) {
	n := New()
	received := time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC)

	rec, err := n.Record(&exchange.RawEvent{
		Exchange:   "okx",
		MarketType: models.MarketPerpetual,
		Kind:       models.DataTypeOpenInterest,
		ReceivedAt: received,
		OpenInterest: &exchange.RawOpenInterest{
			Symbol:    "BTC-USDT-SWAP",
			Contracts: "1000",
		},
	})
	require.NoError(t, err)

	oi := rec.(*models.OpenInterest)
	assert.Equal(t, "BTC-USDT", oi.Symbol)
	assert.Equal(t, models.MarketPerpetual, oi.MarketType)
	assert.Equal(t, oi.CollectedAtMS, oi.Timestamp)
}

func TestNormalizeVolIndexSkipsSymbolMapping(t *testing.T) {
	n := New()
	rec, err := n.Record(&exchange.RawEvent{
		Exchange:   "deribit",
		Kind:       models.DataTypeVolatilityIndex,
		ReceivedAt: time.Now(),
		VolIndex: &exchange.RawVolIndex{
			Currency:   "BTC",
			Value:      "52.31",
			Resolution: "60",
			EventTime:  time.Now(),
		},
	})
	require.NoError(t, err)
	v := rec.(*models.VolatilityIndex)
	assert.Equal(t, "BTC", v.Currency)
	assert.Equal(t, "52.31", v.Value)
}

func TestNormalizeLSRVariant(t *testing.T) {
	n := New()
	rec, err := n.Record(&exchange.RawEvent{
		Exchange:   "binance",
		MarketType: models.MarketPerpetual,
		Kind:       models.DataTypeLongShortRatio,
		ReceivedAt: time.Now(),
		LSR: &exchange.RawLongShortRatio{
			Symbol:    "BTCUSDT",
			Variant:   models.LSRTopPosition,
			Ratio:     "1.85",
			Period:    "5m",
			EventTime: time.Now(),
		},
	})
	require.NoError(t, err)
	r := rec.(*models.LongShortRatio)
	assert.Equal(t, models.LSRTopPosition, r.Variant)
	assert.Equal(t, "5m", r.Period)
}

func TestNormalizeRejectsUnknownSymbol(t *testing.T) {
	n := New()
	_, err := n.Record(&exchange.RawEvent{
		Exchange:   "binance",
		MarketType: models.MarketSpot,
		Kind:       models.DataTypeTrade,
		ReceivedAt: time.Now(),
		Trade:      &exchange.RawTrade{Symbol: "GIBBERISH"},
	})
	assert.Error(t, err)
}

// Normalizing the output of a normalization is a no-op on the fields that
// matter downstream.
func TestNormalizeIdempotent(t *testing.T) {
	n := New()
	first, err := n.Record(&exchange.RawEvent{
		Exchange:   "okx",
		MarketType: models.MarketPerpetual,
		Kind:       models.DataTypeTrade,
		ReceivedAt: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		Trade: &exchange.RawTrade{
			Symbol:    "BTC-USDT-SWAP",
			TradeID:   "77",
			Price:     "64000",
			Quantity:  "1",
			Side:      models.SideSell,
			EventTime: time.Date(2026, 8, 24, 11, 59, 59, 0, time.UTC),
		},
	})
	require.NoError(t, err)
	tr := first.(*models.Trade)

	again, err := n.Record(&exchange.RawEvent{
		Exchange:   tr.Exchange,
		MarketType: tr.MarketType,
		Kind:       models.DataTypeTrade,
		ReceivedAt: tr.CollectedAt,
		Trade: &exchange.RawTrade{
			Symbol:    tr.Symbol,
			TradeID:   tr.TradeID,
			Price:     tr.Price,
			Quantity:  tr.Quantity,
			Side:      tr.Side,
			EventTime: tr.EventTime,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, tr, again.(*models.Trade))
}

func TestSnapshotSealing(t *testing.T) {
	n := New()
	snap := &models.OrderBookSnapshot{
		Exchange:     "okx",
		MarketType:   models.MarketPerpetual,
		Symbol:       "BTC-USDT",
		LastUpdateID: 42,
		EventTime:    time.Date(2026, 8, 24, 12, 0, 0, 500_000_000, time.UTC),
		CollectedAt:  time.Date(2026, 8, 24, 12, 0, 1, 0, time.UTC),
	}
	out := n.Snapshot(snap)
	assert.Equal(t, "2026-08-24T12:00:00.500Z", out.Timestamp)
	assert.Equal(t, "2026-08-24T12:00:01.000Z", out.CollectedAtMS)
}
