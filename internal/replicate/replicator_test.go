package replicate

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/quantfeed/internal/config"
)

// stubConn fakes the cold connection: inserts are recorded, counts are
// canned, and failAfter bounds how many statements succeed.
type stubConn struct {
	driver.Conn

	mu        sync.Mutex
	execs     []string
	failAfter int
	rows      uint64
}

func (c *stubConn) Exec(ctx context.Context, query string, args ...interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAfter >= 0 && len(c.execs) >= c.failAfter {
		return errors.New("connection refused")
	}
	c.execs = append(c.execs, query)
	return nil
}

func (c *stubConn) QueryRow(ctx context.Context, query string, args ...interface{}) driver.Row {
	return stubRow{rows: c.rows}
}

func (c *stubConn) executed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.execs...)
}

type stubRow struct{ rows uint64 }

func (r stubRow) Err() error { return nil }
func (r stubRow) Scan(dest ...interface{}) error {
	if p, ok := dest[0].(*uint64); ok {
		*p = r.rows
	}
	return nil
}
func (r stubRow) ScanStruct(dest interface{}) error { return nil }

func testReplicator(t *testing.T, cold *stubConn, tables []string) (*Replicator, *WatermarkStore, time.Time) {
	t.Helper()
	marks, err := OpenWatermarks(filepath.Join(t.TempDir(), "marks.json"))
	require.NoError(t, err)

	cfg := config.Replicator{
		ColdDatabase:  "market_cold",
		BatchWindow:   24 * time.Hour,
		SafetyMargin:  time.Hour,
		ColdRetention: 48 * time.Hour,
	}
	hotCfg := config.Storage{HotAddr: "hot.internal:9000", HotDatabase: "market_hot"}
	r := New(cfg, hotCfg, cold, nil, marks, tables, nil)
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	return r, marks, now
}

func TestRunOnceAdvancesWatermarkToSafeEnd(t *testing.T) {
	cold := &stubConn{failAfter: -1, rows: 42}
	r, marks, now := testReplicator(t, cold, []string{"trades"})

	r.RunOnce(context.Background())

	// 47 h of backlog split into a full window plus a clipped tail.
	execs := cold.executed()
	require.Len(t, execs, 2)
	assert.Contains(t, execs[0], "INSERT INTO market_cold.trades")
	assert.Contains(t, execs[0], "remote('hot.internal:9000', 'market_hot', 'trades'")

	safeEnd := now.Add(-time.Hour)
	assert.Equal(t, safeEnd, marks.Get("trades", time.Time{}))
}

func TestRunOnceIsIdempotentWhenCaughtUp(t *testing.T) {
	cold := &stubConn{failAfter: -1, rows: 7}
	r, marks, now := testReplicator(t, cold, []string{"trades"})

	r.RunOnce(context.Background())
	before := marks.Get("trades", time.Time{})
	execsBefore := len(cold.executed())

	r.RunOnce(context.Background())
	assert.Equal(t, before, marks.Get("trades", time.Time{}))
	assert.Equal(t, execsBefore, len(cold.executed()), "caught-up run issued statements")
	assert.Equal(t, now.Add(-time.Hour), before)
}

// A window that fails to copy leaves the watermark at the last completed
// window, never past it.
func TestFailedWindowLeavesWatermark(t *testing.T) {
	cold := &stubConn{failAfter: 1, rows: 3}
	r, marks, now := testReplicator(t, cold, []string{"trades"})

	r.RunOnce(context.Background())

	firstWindowEnd := now.Add(-48 * time.Hour).Add(24 * time.Hour)
	assert.Equal(t, firstWindowEnd, marks.Get("trades", time.Time{}))

	// The next run resumes from the watermark, not from scratch.
	cold.mu.Lock()
	cold.failAfter = -1
	cold.mu.Unlock()
	r.RunOnce(context.Background())
	assert.Equal(t, now.Add(-time.Hour), marks.Get("trades", time.Time{}))
}

func TestRunOnceCoversEveryTable(t *testing.T) {
	cold := &stubConn{failAfter: -1}
	r, marks, _ := testReplicator(t, cold, []string{"trades", "orderbooks"})

	r.RunOnce(context.Background())

	all := marks.All()
	assert.Contains(t, all, "trades")
	assert.Contains(t, all, "orderbooks")

	var perTable []string
	for _, q := range cold.executed() {
		if strings.Contains(q, "orderbooks") {
			perTable = append(perTable, q)
		}
	}
	assert.Len(t, perTable, 2)
}
