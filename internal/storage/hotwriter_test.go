package storage

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/quantfeed/internal/models"
)

func TestFlushPolicyByKind(t *testing.T) {
	for _, kind := range []models.DataType{models.DataTypeTrade, models.DataTypeOrderBook} {
		p := policyFor(kind)
		assert.Equal(t, 100, p.maxRows, string(kind))
		assert.Equal(t, 1000, p.maxQueue, string(kind))
	}
	for _, kind := range []models.DataType{
		models.DataTypeFundingRate, models.DataTypeOpenInterest,
		models.DataTypeLiquidation, models.DataTypeLongShortRatio,
		models.DataTypeVolatilityIndex,
	} {
		p := policyFor(kind)
		assert.Equal(t, 1, p.maxRows, string(kind))
		assert.Equal(t, 50, p.maxQueue, string(kind))
	}
}

func TestStageFlushesAtBatchSize(t *testing.T) {
	w := NewHotWriter(nil, "market_hot", "", nil)

	for i := 0; i < 99; i++ {
		full, spilled := w.stage(models.DataTypeTrade, []interface{}{i}, []byte(`{}`))
		assert.False(t, full, "batch signaled before 100 rows")
		assert.Empty(t, spilled)
	}
	full, spilled := w.stage(models.DataTypeTrade, []interface{}{99}, []byte(`{}`))
	assert.True(t, full)
	assert.Empty(t, spilled)
}

func TestStagePolledKindsFlushPerRow(t *testing.T) {
	w := NewHotWriter(nil, "market_hot", "", nil)
	full, _ := w.stage(models.DataTypeFundingRate, []interface{}{0}, []byte(`{}`))
	assert.True(t, full, "polled kinds batch one row at a time")
}

// When inserts stall the queue bound sheds the oldest staged rows instead
// of growing without limit.
func TestStageShedsOldestBeyondQueueBound(t *testing.T) {
	w := NewHotWriter(nil, "market_hot", "", nil)

	var spilled [][]byte
	for i := 0; i < 52; i++ {
		_, s := w.stage(models.DataTypeOpenInterest, []interface{}{i}, []byte(fmt.Sprintf(`{"i":%d}`, i)))
		spilled = append(spilled, s...)
	}

	require.Len(t, spilled, 2)
	assert.JSONEq(t, `{"i":0}`, string(spilled[0]))
	assert.JSONEq(t, `{"i":1}`, string(spilled[1]))

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Len(t, w.buffers[models.DataTypeOpenInterest].rows, 50)
}
