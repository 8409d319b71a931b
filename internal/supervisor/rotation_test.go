package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRotationDedupOnlyInsideWindow(t *testing.T) {
	d := newRotationDedup(10)

	// No window active: everything passes, nothing is recorded.
	assert.False(t, d.seen("trade-1"))
	assert.False(t, d.seen("trade-1"))

	d.activate(time.Minute)
	assert.False(t, d.seen("trade-1"), "first delivery inside window passes")
	assert.True(t, d.seen("trade-1"), "second delivery inside window is a duplicate")
	assert.False(t, d.seen("trade-2"))
}

func TestRotationDedupWindowExpires(t *testing.T) {
	d := newRotationDedup(10)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	d.activate(5 * time.Minute)
	assert.False(t, d.seen("x"))
	assert.True(t, d.seen("x"))

	now = now.Add(6 * time.Minute)
	assert.False(t, d.seen("x"), "expired window stops deduplicating")
}

func TestRotationDedupBounded(t *testing.T) {
	d := newRotationDedup(2)
	d.activate(time.Minute)

	assert.False(t, d.seen("a"))
	assert.False(t, d.seen("b"))
	assert.False(t, d.seen("c")) // evicts "a"
	assert.False(t, d.seen("a"), "evicted key is forgotten")
	assert.True(t, d.seen("c"))
}

// A fresh activation clears leftovers from the previous rotation.
func TestRotationDedupResetsOnActivate(t *testing.T) {
	d := newRotationDedup(10)
	d.activate(time.Minute)
	assert.False(t, d.seen("a"))

	d.activate(time.Minute)
	assert.False(t, d.seen("a"))
}
