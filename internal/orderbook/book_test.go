package orderbook

import (
	"hash/crc32"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/quantfeed/internal/models"
)

func levels(pairs ...string) []models.PriceLevel {
	out := make([]models.PriceLevel, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, models.PriceLevel{Price: pairs[i], Quantity: pairs[i+1]})
	}
	return out
}

func TestBookLoadAndOrdering(t *testing.T) {
	b := NewBook(50)
	err := b.Load(
		levels("100.5", "1", "101.0", "2", "99.9", "3"),
		levels("102.0", "1", "101.5", "2", "103.0", "3"),
	)
	require.NoError(t, err)

	bids, asks := b.TopN(10)
	require.Len(t, bids, 3)
	require.Len(t, asks, 3)

	// Bids strictly descending, asks strictly ascending.
	assert.Equal(t, "101.0", bids[0].Price)
	assert.Equal(t, "100.5", bids[1].Price)
	assert.Equal(t, "99.9", bids[2].Price)
	assert.Equal(t, "101.5", asks[0].Price)
	assert.Equal(t, "102.0", asks[1].Price)
	assert.Equal(t, "103.0", asks[2].Price)
	assert.False(t, b.Crossed())
}

func TestBookZeroQuantityRemovesLevel(t *testing.T) {
	b := NewBook(50)
	require.NoError(t, b.Load(levels("100", "1", "99", "2"), levels("101", "1")))

	require.NoError(t, b.Apply(levels("100", "0"), nil))
	bids, _ := b.TopN(10)
	require.Len(t, bids, 1)
	assert.Equal(t, "99", bids[0].Price)

	// Removing an absent level is a no-op.
	require.NoError(t, b.Apply(levels("98", "0"), nil))
	bids, _ = b.TopN(10)
	assert.Len(t, bids, 1)
}

func TestBookUpdateExistingLevel(t *testing.T) {
	b := NewBook(50)
	require.NoError(t, b.Load(levels("100", "1"), levels("101", "1")))
	require.NoError(t, b.Apply(levels("100", "7.5"), nil))

	bids, _ := b.TopN(1)
	assert.Equal(t, "7.5", bids[0].Quantity)
}

func TestBookDepthCap(t *testing.T) {
	b := NewBook(2)
	require.NoError(t, b.Load(
		levels("100", "1", "99", "1", "98", "1", "97", "1"),
		levels("101", "1", "102", "1", "103", "1"),
	))
	nb, na := b.Depth()
	assert.Equal(t, 2, nb)
	assert.Equal(t, 2, na)

	bids, _ := b.TopN(10)
	assert.Equal(t, "100", bids[0].Price)
	assert.Equal(t, "99", bids[1].Price)
}

func TestBookCrossedDetection(t *testing.T) {
	b := NewBook(10)
	require.NoError(t, b.Load(levels("101", "1"), levels("100", "1")))
	assert.True(t, b.Crossed())

	require.NoError(t, b.Load(levels("100", "1"), levels("100", "1")))
	assert.True(t, b.Crossed(), "equal best bid and ask is crossed")
}

func TestBookRejectsBadDecimal(t *testing.T) {
	b := NewBook(10)
	err := b.Apply(levels("not-a-number", "1"), nil)
	assert.Error(t, err)
}

func TestChecksumInterleaving(t *testing.T) {
	b := NewBook(50)
	require.NoError(t, b.Load(
		levels("3366.1", "7", "3366", "6"),
		levels("3366.8", "9", "3368", "8"),
	))

	// OKX composes bid:size:ask:size per level, colon-joined, CRC32 as
	// signed int32.
	payload := "3366.1:7:3366.8:9:3366:6:3368:8"
	want := int32(crc32.ChecksumIEEE([]byte(payload)))
	assert.Equal(t, want, b.Checksum())
}

func TestChecksumUnevenSides(t *testing.T) {
	b := NewBook(50)
	require.NoError(t, b.Load(
		levels("3366.1", "7"),
		levels("3366.8", "9", "3368", "8", "3372", "1"),
	))

	payload := "3366.1:7:3366.8:9:3368:8:3372:1"
	want := int32(crc32.ChecksumIEEE([]byte(payload)))
	assert.Equal(t, want, b.Checksum())
}

func TestChecksumTop25Only(t *testing.T) {
	b := NewBook(100)
	var bids, asks []models.PriceLevel
	for i := 0; i < 40; i++ {
		bids = append(bids, models.PriceLevel{Price: strconv.Itoa(1000 - i), Quantity: "1"})
		asks = append(asks, models.PriceLevel{Price: strconv.Itoa(2000 + i), Quantity: "1"})
	}
	require.NoError(t, b.Load(bids, asks))

	trimmed := NewBook(100)
	require.NoError(t, trimmed.Load(bids[:25], asks[:25]))
	assert.Equal(t, trimmed.Checksum(), b.Checksum())
}
