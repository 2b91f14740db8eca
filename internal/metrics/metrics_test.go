package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAccumulate(t *testing.T) {
	m := New()

	m.RecordScan("ok", 3)
	m.RecordScan("not_covered", 0)
	m.RecordTransition("OPEN", "order_filled")
	m.RecordOrder("buy_to_open", "filled")
	m.RecordJob("price_poll", 120*time.Millisecond)

	got, err := m.Gather()
	require.NoError(t, err)
	assert.Equal(t, 2.0, got["oscout_scans_total"])
	assert.Equal(t, 3.0, got["oscout_opportunities_total"])
	assert.Equal(t, 1.0, got["oscout_trade_transitions_total"])
	assert.Equal(t, 1.0, got["oscout_broker_orders_total"])
	assert.Equal(t, 1.0, got["oscout_job_runs_total"])
	assert.Equal(t, 1.0, got["oscout_job_duration_seconds"], "one observation")
}

func TestGaugeFuncReadsAtScrape(t *testing.T) {
	m := New()
	open := 2.0
	m.RegisterGauge("oscout_open_trades", "Open paper trades", func() float64 { return open })

	got, err := m.Gather()
	require.NoError(t, err)
	assert.Equal(t, 2.0, got["oscout_open_trades"])

	open = 5
	got, err = m.Gather()
	require.NoError(t, err)
	assert.Equal(t, 5.0, got["oscout_open_trades"])
}

func TestHandlerServesTextFormat(t *testing.T) {
	m := New()
	m.RecordScan("ok", 1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `oscout_scans_total{verdict="ok"} 1`), body)
}

func TestIndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.RecordScan("ok", 1)

	got, err := b.Gather()
	require.NoError(t, err)
	assert.Zero(t, got["oscout_scans_total"])
}
