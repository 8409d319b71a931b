package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/quantfeed/internal/models"
)

func TestDecodeTradeRow(t *testing.T) {
	payload := []byte(`{
		"exchange":"binance","market_type":"spot","symbol":"BTC-USDT",
		"trade_id":"12345","price":"65000.10","quantity":"0.5","side":"buy",
		"is_maker":false,
		"timestamp":"2026-08-24T12:00:00.123Z","collected_at":"2026-08-24T12:00:00.173Z"}`)

	row, err := DecodeRow(models.DataTypeTrade, payload)
	require.NoError(t, err)
	require.Len(t, row, 10)

	assert.Equal(t, "binance", row[0])
	assert.Equal(t, "spot", row[1])
	assert.Equal(t, "BTC-USDT", row[2])
	assert.Equal(t, "12345", row[3])
	assert.Equal(t, "65000.10", row[4])
	assert.Equal(t, time.Date(2026, 8, 24, 12, 0, 0, 123_000_000, time.UTC), row[8])
}

func TestDecodeOrderBookRowReencodesLevels(t *testing.T) {
	payload := []byte(`{
		"exchange":"okx","market_type":"perpetual","symbol":"BTC-USDT",
		"last_update_id":42,"best_bid":"64999.9","best_ask":"65000.1",
		"bids":[{"price":"64999.9","quantity":"1.5"}],
		"asks":[{"price":"65000.1","quantity":"2"}],
		"timestamp":"2026-08-24T12:00:00.000Z","collected_at":"2026-08-24T12:00:01.000Z"}`)

	row, err := DecodeRow(models.DataTypeOrderBook, payload)
	require.NoError(t, err)
	require.Len(t, row, 10)

	assert.Equal(t, int64(42), row[3])
	assert.JSONEq(t, `[{"price":"64999.9","quantity":"1.5"}]`, row[6].(string))
	assert.JSONEq(t, `[{"price":"65000.1","quantity":"2"}]`, row[7].(string))
}

func TestDecodeFundingRowOptionalNextTime(t *testing.T) {
	withNext := []byte(`{
		"exchange":"binance","market_type":"perpetual","symbol":"BTC-USDT",
		"rate":"0.0001","funding_time":"2026-08-24T16:00:00.000Z",
		"next_funding_time":"2026-08-25T00:00:00.000Z",
		"timestamp":"2026-08-24T12:00:00.000Z","collected_at":"2026-08-24T12:00:00.100Z"}`)

	row, err := DecodeRow(models.DataTypeFundingRate, withNext)
	require.NoError(t, err)
	require.NotNil(t, row[5])

	withoutNext := []byte(`{
		"exchange":"okx","market_type":"perpetual","symbol":"BTC-USDT",
		"rate":"0.0001","funding_time":"2026-08-24T16:00:00.000Z",
		"timestamp":"2026-08-24T12:00:00.000Z","collected_at":"2026-08-24T12:00:00.100Z"}`)

	row, err = DecodeRow(models.DataTypeFundingRate, withoutNext)
	require.NoError(t, err)
	assert.Nil(t, row[5])
}

func TestDecodeRowRejectsGarbage(t *testing.T) {
	_, err := DecodeRow(models.DataTypeTrade, []byte(`{"timestamp":"not-a-time"}`))
	assert.Error(t, err)

	_, err = DecodeRow(models.DataType("bogus"), []byte(`{}`))
	assert.Error(t, err)
}

// Every table has a column list, and every data type has a table.
func TestTableWiringComplete(t *testing.T) {
	for kind, table := range Tables {
		assert.Contains(t, insertColumns, table, string(kind))
	}
	assert.Len(t, TableNames(), len(Tables))
}
