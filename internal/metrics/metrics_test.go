package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCountersAndGauges(t *testing.T) {
	t.Parallel()

	m := New()
	m.SetContexts(3)
	m.RowsAppended(2)
	m.RowsAppended(5)
	m.Signal("data available", nil)
	m.Signal("data available", errors.New("queue full"))
	m.Request("get", nil)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.contexts))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.rowsAppended))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.signals.WithLabelValues("data available", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.signals.WithLabelValues("data available", OutcomeError)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("get", OutcomeOK)))
}

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetContexts(1)
		m.RowsAppended(1)
		m.Signal("new dir", nil)
		m.Request("cd", nil)
		m.SetBrokerLinks(1)
	})
	assert.Nil(t, m.Registry())
}

func TestHandlerExposesRegistry(t *testing.T) {
	t.Parallel()

	m := New()
	m.RowsAppended(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "datavault_rows_appended_total 1")
}
