package binance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/quantfeed/internal/exchange"
	"github.com/quantfeed/quantfeed/internal/models"
)

func spotAdapter() *Adapter {
	return New(exchange.Descriptor{
		Exchange:   "binance",
		MarketType: models.MarketSpot,
		WSURL:      "wss://stream.binance.com:9443",
		RESTURL:    "https://api.binance.com",
		Symbols:    []string{"BTCUSDT"},
		DataTypes:  []models.DataType{models.DataTypeTrade, models.DataTypeOrderBook},
	})
}

func futuresAdapter() *Adapter {
	return New(exchange.Descriptor{
		Exchange:   "binance",
		MarketType: models.MarketPerpetual,
		WSURL:      "wss://fstream.binance.com",
		RESTURL:    "https://fapi.binance.com",
		Symbols:    []string{"BTCUSDT"},
		DataTypes: []models.DataType{
			models.DataTypeTrade, models.DataTypeOrderBook, models.DataTypeLiquidation,
			models.DataTypeFundingRate, models.DataTypeOpenInterest, models.DataTypeLongShortRatio,
		},
	})
}

func TestStreamNames(t *testing.T) {
	assert.ElementsMatch(t,
		[]string{"btcusdt@trade", "btcusdt@depth@100ms"},
		spotAdapter().streamNames())

	assert.Contains(t, futuresAdapter().streamNames(), "btcusdt@forceOrder")
}

func TestParseTradeFrame(t *testing.T) {
	frame := []byte(`{"stream":"btcusdt@trade","data":{
		"e":"trade","E":1756036800123,"s":"BTCUSDT","t":12345,
		"p":"65000.10","q":"0.50000000","T":1756036800120,"m":true}}`)

	ev, err := spotAdapter().parseFrame(frame)
	require.NoError(t, err)
	require.NotNil(t, ev)
	require.NotNil(t, ev.Trade)

	assert.Equal(t, models.DataTypeTrade, ev.Kind)
	assert.Equal(t, "BTCUSDT", ev.Trade.Symbol)
	assert.Equal(t, "12345", ev.Trade.TradeID)
	assert.Equal(t, models.SideSell, ev.Trade.Side, "buyer-is-maker means the taker sold")
	assert.Equal(t, int64(1756036800120), ev.Trade.EventTime.UnixMilli())
}

func TestParseDepthFrame(t *testing.T) {
	frame := []byte(`{"stream":"btcusdt@depth@100ms","data":{
		"e":"depthUpdate","E":1756036800200,"s":"BTCUSDT","U":100,"u":105,
		"b":[["64999.90","1.5"],["64999.80","0"]],
		"a":[["65000.10","2.0"]]}}`)

	ev, err := spotAdapter().parseFrame(frame)
	require.NoError(t, err)
	require.NotNil(t, ev.Book)

	assert.Equal(t, int64(100), ev.Book.FirstUpdateID)
	assert.Equal(t, int64(105), ev.Book.LastUpdateID)
	assert.False(t, ev.Book.IsSnapshot)
	require.Len(t, ev.Book.Bids, 2)
	assert.Equal(t, models.PriceLevel{Price: "64999.80", Quantity: "0"}, ev.Book.Bids[1],
		"zero-quantity removals pass through to the manager")
}

func TestParseForceOrderFrame(t *testing.T) {
	frame := []byte(`{"stream":"btcusdt@forceOrder","data":{
		"e":"forceOrder","E":1756036800300,"o":{
		"s":"BTCUSDT","S":"SELL","q":"0.014","p":"64800.00","ap":"64810.50",
		"X":"FILLED","T":1756036800299}}}`)

	ev, err := futuresAdapter().parseFrame(frame)
	require.NoError(t, err)
	require.NotNil(t, ev.Liquidation)

	assert.Equal(t, models.SideSell, ev.Liquidation.Side)
	assert.Equal(t, "64810.50", ev.Liquidation.Price, "average fill price preferred over order price")
	assert.Equal(t, "0.014", ev.Liquidation.Quantity)
}

func TestParseIgnoresAcksAndUnknownStreams(t *testing.T) {
	ev, err := spotAdapter().parseFrame([]byte(`{"result":null,"id":1}`))
	require.NoError(t, err)
	assert.Nil(t, ev)

	ev, err = spotAdapter().parseFrame([]byte(`{"stream":"btcusdt@kline_1m","data":{"e":"kline"}}`))
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := spotAdapter().parseFrame([]byte(`not json`))
	assert.ErrorIs(t, err, exchange.ErrProtocolViolation)
}

func TestPollTasksFuturesOnly(t *testing.T) {
	assert.Empty(t, spotAdapter().PollTasks())

	tasks := futuresAdapter().PollTasks()
	var kinds []models.DataType
	variants := map[models.LSRVariant]bool{}
	for _, task := range tasks {
		kinds = append(kinds, task.DataType)
		if task.DataType == models.DataTypeLongShortRatio {
			variants[task.Variant] = true
		}
	}
	assert.Contains(t, kinds, models.DataTypeFundingRate)
	assert.Contains(t, kinds, models.DataTypeOpenInterest)
	assert.True(t, variants[models.LSRTopPosition])
	assert.True(t, variants[models.LSRAllAccount], "both ratio variants are polled")
}
