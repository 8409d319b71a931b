package health

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfeed/quantfeed/internal/metrics"
)

func getHealth(t *testing.T, s *Server) (int, healthResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec.Code, resp
}

func TestHealthHealthy(t *testing.T) {
	s := NewServer(":0", metrics.NewRegistry(), Options{})
	s.AddCheck("bus", func() string { return "" })

	code, resp := getHealth(t, s)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "ok", resp.Checks["bus"])
}

func TestHealthUnhealthyOnFailedCheck(t *testing.T) {
	s := NewServer(":0", metrics.NewRegistry(), Options{})
	s.AddCheck("bus", func() string { return "bus connection down" })

	code, resp := getHealth(t, s)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, "bus connection down", resp.Checks["bus"])
}

func TestHealthDegradedOnSymbolAlert(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.SetSymbolCounts(10, 5)
	s := NewServer(":0", reg, Options{DegradedAlertAt: 5})

	code, resp := getHealth(t, s)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", resp.Status)
	assert.Contains(t, resp.Checks, "degraded_symbols")
}

func TestHealthDegradedOnStalledWatermark(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.ObserveReplication("trades", 10, time.Now().Add(-3*time.Hour))
	s := NewServer(":0", reg, Options{WatermarkStallAt: time.Hour})

	code, resp := getHealth(t, s)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", resp.Status)
	assert.Contains(t, resp.Checks, "watermark_trades")
}

// A fatal dependency failure outranks a degradation alert.
func TestHealthUnhealthyOutranksDegraded(t *testing.T) {
	reg := metrics.NewRegistry()
	reg.SetSymbolCounts(0, 9)
	s := NewServer(":0", reg, Options{DegradedAlertAt: 5})
	s.AddCheck("bus", func() string { return "bus connection down" })

	_, resp := getHealth(t, s)
	assert.Equal(t, "unhealthy", resp.Status)
}
