package monitor

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndGauges(t *testing.T) {
	m := New(DefaultConfig())

	m.RecordOrderPlaced("market")
	m.RecordOrderPlaced("limit")
	m.RecordOrderFilled("market", 10*time.Millisecond)
	m.RecordOrderCanceled()
	m.RecordPositionClosed("stop_loss", -12.5)
	m.UpdateAccount("acc-1", 10001, 250)
	m.RecordQuote("simulated")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ordersPlaced.WithLabelValues("market")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ordersCanceled))
	assert.Equal(t, 12.5, testutil.ToFloat64(m.realizedPnL))
	assert.Equal(t, 10001.0, testutil.ToFloat64(m.accountEquity.WithLabelValues("acc-1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.quotesServed.WithLabelValues("simulated")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New(DefaultConfig())
	m.RecordMarginCall()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "venue_engine_margin_calls_total 1"))
}

func TestIndependentRegistries(t *testing.T) {
	a := New(DefaultConfig())
	b := New(DefaultConfig())
	a.RecordOrderCanceled()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ordersCanceled))
}

func TestSubscriptionGaugesAreSeparate(t *testing.T) {
	m := New(DefaultConfig())
	m.UpdateSubscriptions(3)
	m.UpdateUpstreamSymbols(1)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.subscriptions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.upstreamSymbols))
}
