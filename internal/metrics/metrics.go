package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the registry served by the application and the metrics the
// consumer updates directly.
type Metrics struct {
	Registry *prometheus.Registry
	Pipeline *PipelineCollector

	// ConsumedEvents counts events the consumer accepted, by provider.
	ConsumedEvents *prometheus.CounterVec
	// JournalRecords counts records appended to the journal.
	JournalRecords prometheus.Counter
	// JournalErrors counts failed journal appends.
	JournalErrors prometheus.Counter
}

// New creates a dedicated registry with the pipeline collector and the Go
// runtime collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	pipeline := NewPipelineCollector()
	reg.MustRegister(pipeline)

	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Pipeline: pipeline,
		ConsumedEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "etw_consumer_events_consumed_total",
				Help: "Total number of events accepted by the consumer, by provider.",
			},
			[]string{"provider"},
		),
		JournalRecords: factory.NewCounter(prometheus.CounterOpts{
			Name: "etw_consumer_journal_records_total",
			Help: "Total number of event records appended to the journal.",
		}),
		JournalErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "etw_consumer_journal_errors_total",
			Help: "Total number of event records that could not be journaled.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
