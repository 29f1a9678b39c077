package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PipelineMetrics are the Prometheus counters exposed by worker processes.
type PipelineMetrics struct {
	MessagesConsumed *prometheus.CounterVec
	MessagesFailed   *prometheus.CounterVec
}

// NewPipelineMetrics registers the pipeline counters on the registry.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	factory := promauto.With(reg)

	return &PipelineMetrics{
		MessagesConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shelfline_messages_consumed_total",
			Help: "Messages handled successfully, by message type.",
		}, []string{"type"}),
		MessagesFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shelfline_messages_failed_total",
			Help: "Messages whose handler returned an error, by message type.",
		}, []string{"type"}),
	}
}

// Instrument wraps a message handler result into the counters.
func (m *PipelineMetrics) Instrument(messageType string, err error) {
	if err != nil {
		m.MessagesFailed.WithLabelValues(messageType).Inc()

		return
	}

	m.MessagesConsumed.WithLabelValues(messageType).Inc()
}
