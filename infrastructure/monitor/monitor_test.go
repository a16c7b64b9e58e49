package monitor

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorRecordsOrderEvents(t *testing.T) {
	m := New(DefaultConfig())

	m.RecordOrderEvent("PENDING")
	m.RecordOrderEvent("PENDING")
	m.RecordOrderEvent("EXECUTED")
	m.RecordMatch(0.5)
	m.RecordMatch(1.5)
	m.UpdatePoolSize(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.orderEvents.WithLabelValues("PENDING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.orderEvents.WithLabelValues("EXECUTED")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.matches))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.matchedVolume))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.poolSize))
}

func TestMonitorSessionAndOutbox(t *testing.T) {
	m := New(DefaultConfig())

	m.UpdateSessionState(3)
	m.RecordSessionConnect()
	m.RecordSessionDisconnect()
	m.RecordKeepaliveMissed()
	m.UpdateOutboxDepth(7)
	m.RecordOutboxDropped(2)
	m.RecordMessageOut("trade_response")

	assert.Equal(t, 3.0, testutil.ToFloat64(m.sessionState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionConnects))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.outboxDepth))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.outboxDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesOut.WithLabelValues("trade_response")))
}

func TestNilMonitorIsNoop(t *testing.T) {
	var m *Monitor
	m.RecordOrderEvent("PENDING")
	m.RecordMatch(1)
	m.RecordVenueRequest("send", 0.1)
	m.RecordVenueError("send", "10019")
	m.UpdateSessionState(1)
	m.UpdateOutboxDepth(1)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New(DefaultConfig())
	m.RecordVenueRequest("send", 0.01)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "bridge_orders_venue_requests_total"))
}
