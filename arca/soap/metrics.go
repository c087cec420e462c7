package soap

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors of the SOAP clients. A nil *Metrics records nothing.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	authentications *prometheus.CounterVec
	invoices        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arca_soap_requests_total",
				Help: "Total number of SOAP calls to ARCA services",
			},
			[]string{"service", "operation", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "arca_soap_request_duration_seconds",
				Help:    "SOAP call duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service", "operation"},
		),
		authentications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arca_wsaa_authentications_total",
				Help: "WSAA login attempts by result",
			},
			[]string{"result"},
		),
		invoices: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "arca_invoices_total",
				Help: "CAE requests by outcome",
			},
			[]string{"outcome"},
		),
	}

	reg.MustRegister(m.requestsTotal, m.requestDuration, m.authentications, m.invoices)
	return m
}

func (m *Metrics) observeCall(service, operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(service, operation, outcome).Inc()
	m.requestDuration.WithLabelValues(service, operation).Observe(d.Seconds())
}

func (m *Metrics) ObserveAuthentication(result string) {
	if m == nil {
		return
	}
	m.authentications.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveInvoice(outcome string) {
	if m == nil {
		return
	}
	m.invoices.WithLabelValues(outcome).Inc()
}
