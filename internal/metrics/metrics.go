package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "datavault"

const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics owns a private registry so several vaults (tests, embedded
// servers) never collide on the default one. A nil *Metrics records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	contexts     prometheus.Gauge
	sessions     prometheus.Gauge
	rowsAppended prometheus.Counter
	signals      *prometheus.CounterVec
	requests     *prometheus.CounterVec
	brokerLinks  prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		contexts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "contexts",
			Help:      "Client contexts currently open.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_loaded",
			Help:      "Sessions materialized in memory.",
		}),
		rowsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_appended_total",
			Help:      "Rows appended to datasets.",
		}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Signals delivered to subscribers by kind and outcome.",
		}, []string{"kind", "outcome"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "RPC requests by method and outcome.",
		}, []string{"method", "outcome"}),
		brokerLinks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_links_connected",
			Help:      "Upstream broker links currently connected.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.contexts,
		m.sessions,
		m.rowsAppended,
		m.signals,
		m.requests,
		m.brokerLinks,
	)

	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SetContexts(n int) {
	if m == nil {
		return
	}
	m.contexts.Set(float64(n))
}

func (m *Metrics) SetSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *Metrics) RowsAppended(n int) {
	if m == nil {
		return
	}
	m.rowsAppended.Add(float64(n))
}

func (m *Metrics) Signal(kind string, err error) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(kind, outcome(err)).Inc()
}

func (m *Metrics) Request(method string, err error) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome(err)).Inc()
}

func (m *Metrics) SetBrokerLinks(n int) {
	if m == nil {
		return
	}
	m.brokerLinks.Set(float64(n))
}

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}
