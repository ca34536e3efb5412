package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the pipeline's own Prometheus instruments.
type Metrics struct {
	// Events counts processed envelopes by outcome.
	Events *prometheus.CounterVec
}

// NewMetrics creates the instruments and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "availo_events_total",
			Help: "Webhook and MQTT events by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(m.Events)
	}
	return m
}

func (m *Metrics) observe(o Outcome) {
	m.Events.WithLabelValues(string(o)).Inc()
}
