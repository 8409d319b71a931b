package okx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/quantfeed/internal/exchange"
	"github.com/quantfeed/quantfeed/internal/models"
)

func swapAdapter() *Adapter {
	return New(exchange.Descriptor{
		Exchange:   "okx",
		MarketType: models.MarketPerpetual,
		WSURL:      "wss://ws.okx.com:8443/ws/v5/public",
		RESTURL:    "https://www.okx.com",
		Symbols:    []string{"BTC-USDT-SWAP"},
		DataTypes: []models.DataType{
			models.DataTypeTrade, models.DataTypeOrderBook, models.DataTypeLiquidation,
			models.DataTypeFundingRate, models.DataTypeOpenInterest, models.DataTypeLongShortRatio,
		},
	})
}

func TestSubscribeArgs(t *testing.T) {
	args := swapAdapter().subscribeArgs()
	assert.Contains(t, args, channelArg{Channel: "trades", InstID: "BTC-USDT-SWAP"})
	assert.Contains(t, args, channelArg{Channel: "books", InstID: "BTC-USDT-SWAP"})
	assert.Contains(t, args, channelArg{Channel: "liquidation-orders", InstType: "SWAP"},
		"liquidations subscribe per instrument type, not per symbol")
}

func TestParseBooksSnapshotAndUpdate(t *testing.T) {
	snapshot := []byte(`{"arg":{"channel":"books","instId":"BTC-USDT-SWAP"},
		"action":"snapshot","data":[{
		"asks":[["65000.1","2","0","4"]],
		"bids":[["64999.9","1.5","0","2"]],
		"ts":"1756036800000","seqId":100,"prevSeqId":-1,"checksum":-855196043}]}`)

	evs, err := swapAdapter().parseFrame(snapshot)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	book := evs[0].Book
	require.NotNil(t, book)

	assert.True(t, book.IsSnapshot)
	assert.Equal(t, "BTC-USDT-SWAP", book.Symbol)
	assert.Equal(t, int64(100), book.LastUpdateID)
	require.NotNil(t, book.PrevUpdateID)
	assert.Equal(t, int64(-1), *book.PrevUpdateID)
	require.NotNil(t, book.Checksum)
	assert.Equal(t, int32(-855196043), *book.Checksum)
	require.Len(t, book.Bids, 1)
	assert.Equal(t, models.PriceLevel{Price: "64999.9", Quantity: "1.5"}, book.Bids[0])

	update := []byte(`{"arg":{"channel":"books","instId":"BTC-USDT-SWAP"},
		"action":"update","data":[{
		"asks":[],"bids":[["64999.9","0","0","0"]],
		"ts":"1756036800100","seqId":101,"prevSeqId":100,"checksum":12345}]}`)

	evs, err = swapAdapter().parseFrame(update)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.False(t, evs[0].Book.IsSnapshot)
	assert.Equal(t, int64(100), *evs[0].Book.PrevUpdateID)
}

func TestParseTrades(t *testing.T) {
	frame := []byte(`{"arg":{"channel":"trades","instId":"BTC-USDT-SWAP"},
		"data":[{"instId":"BTC-USDT-SWAP","tradeId":"987","px":"65000.1",
		"sz":"3","side":"buy","ts":"1756036800123"}]}`)

	evs, err := swapAdapter().parseFrame(frame)
	require.NoError(t, err)
	require.Len(t, evs, 1)

	tr := evs[0].Trade
	require.NotNil(t, tr)
	assert.Equal(t, "987", tr.TradeID)
	assert.Equal(t, models.SideBuy, tr.Side)
	assert.Equal(t, int64(1756036800123), tr.EventTime.UnixMilli())
}

func TestParseLiquidationsFiltersUnconfiguredSymbols(t *testing.T) {
	frame := []byte(`{"arg":{"channel":"liquidation-orders","instType":"SWAP"},
		"data":[
		{"instId":"DOGE-USDT-SWAP","details":[{"side":"sell","bkPx":"0.1","sz":"5000","ts":"1756036800000"}]},
		{"instId":"BTC-USDT-SWAP","details":[{"side":"buy","bkPx":"65100","sz":"0.02","ts":"1756036800000"}]}]}`)

	evs, err := swapAdapter().parseFrame(frame)
	require.NoError(t, err)
	require.Len(t, evs, 1, "liquidations for unconfigured instruments are dropped")
	assert.Equal(t, "BTC-USDT-SWAP", evs[0].Liquidation.Symbol)
	assert.Equal(t, models.SideBuy, evs[0].Liquidation.Side)
	assert.Equal(t, "65100", evs[0].Liquidation.Price)
}

func TestParseAcksAndErrors(t *testing.T) {
	evs, err := swapAdapter().parseFrame([]byte(`{"event":"subscribe","arg":{"channel":"books","instId":"BTC-USDT-SWAP"}}`))
	require.NoError(t, err)
	assert.Nil(t, evs)

	_, err = swapAdapter().parseFrame([]byte(`{"event":"error","code":"60012","msg":"Invalid request"}`))
	assert.ErrorIs(t, err, exchange.ErrProtocolViolation)
}

func TestPollTasksSwapOnly(t *testing.T) {
	spot := New(exchange.Descriptor{
		Exchange:   "okx",
		MarketType: models.MarketSpot,
		Symbols:    []string{"BTC-USDT"},
		DataTypes:  []models.DataType{models.DataTypeFundingRate},
	})
	assert.Empty(t, spot.PollTasks())

	tasks := swapAdapter().PollTasks()
	var lsr *exchange.EndpointSpec
	for i := range tasks {
		if tasks[i].DataType == models.DataTypeLongShortRatio {
			lsr = &tasks[i]
		}
	}
	require.NotNil(t, lsr)
	assert.Equal(t, "BTC", lsr.Currency, "ratio endpoint is currency scoped")
	assert.Equal(t, "BTC-USDT-SWAP", lsr.Symbol)
}

func TestBaseCurrency(t *testing.T) {
	assert.Equal(t, "BTC", baseCurrency("BTC-USDT-SWAP"))
	assert.Equal(t, "ETH", baseCurrency("ETH-USDT"))
	assert.Equal(t, "SOL", baseCurrency("SOL"))
}
