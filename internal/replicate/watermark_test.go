package replicate

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatermarkRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marks.json")

	s, err := OpenWatermarks(path)
	require.NoError(t, err)

	fallback := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, fallback, s.Get("trades", fallback))

	mark := time.Date(2026, 8, 20, 6, 0, 0, 0, time.UTC)
	require.NoError(t, s.Advance("trades", mark))

	// A fresh store reads the persisted value back.
	reopened, err := OpenWatermarks(path)
	require.NoError(t, err)
	assert.Equal(t, mark, reopened.Get("trades", fallback))
}

func TestWatermarkNeverRegresses(t *testing.T) {
	s, err := OpenWatermarks(filepath.Join(t.TempDir(), "marks.json"))
	require.NoError(t, err)

	newer := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)
	older := newer.Add(-time.Hour)
	require.NoError(t, s.Advance("trades", newer))
	require.NoError(t, s.Advance("trades", older))

	assert.Equal(t, newer, s.Get("trades", time.Time{}))
}

func TestWatermarkTablesIndependent(t *testing.T) {
	s, err := OpenWatermarks(filepath.Join(t.TempDir(), "marks.json"))
	require.NoError(t, err)

	a := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	b := a.Add(6 * time.Hour)
	require.NoError(t, s.Advance("trades", a))
	require.NoError(t, s.Advance("orderbooks", b))

	all := s.All()
	assert.Equal(t, a, all["trades"])
	assert.Equal(t, b, all["orderbooks"])
}

func TestWindows(t *testing.T) {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(60 * time.Hour)

	got := windows(start, end, 24*time.Hour)
	require.Len(t, got, 3)
	assert.Equal(t, start, got[0].from)
	assert.Equal(t, start.Add(24*time.Hour), got[0].to)
	assert.Equal(t, got[0].to, got[1].from, "windows are contiguous")
	assert.Equal(t, end, got[2].to, "last window is clipped to the safe end")
}

func TestWindowsEmptyWhenCaughtUp(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	assert.Empty(t, windows(now, now, 24*time.Hour))
	assert.Empty(t, windows(now.Add(time.Hour), now, 24*time.Hour))
}
