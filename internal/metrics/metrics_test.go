package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Inbound("contact")
		m.Send("text", nil)
		m.Handoff("errors")
		m.Completed("summary")
		m.ConnectionState("connected")
		m.ReconnectAttempt()
		m.ConnectionFatal()
		m.Sessions(3)
	})
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()

	m.Inbound("contact")
	m.Inbound("contact")
	m.Send("image", errors.New("boom"))
	m.Handoff("timeout")
	m.ReconnectAttempt()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.inbound.WithLabelValues("contact")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sends.WithLabelValues("image", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.handoffs.WithLabelValues("timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnects))
}

func TestConnectionStateIsExclusive(t *testing.T) {
	m := New()

	m.ConnectionState("connecting")
	m.ConnectionState("connected")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.connState.WithLabelValues("connected")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.connState.WithLabelValues("connecting")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Sessions(4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "salesbot_sessions 4")
}
