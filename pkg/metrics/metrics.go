package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the Prometheus instruments of the bot. Each instance owns
// its registry.
type Metrics struct {
	registry *prometheus.Registry

	Messages          *prometheus.CounterVec
	StepErrors        *prometheus.CounterVec
	StepDuration      prometheus.Histogram
	PollsCreated      prometheus.Counter
	PollsDeleted      prometheus.Counter
	ResponsesRecorded prometheus.Counter
	ActiveChats       prometheus.Gauge
}

func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Inbound messages by conversation state.",
		}, []string{"state"}),
		StepErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_errors_total",
			Help:      "Failed conversation steps by error kind.",
		}, []string{"kind"}),
		StepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Time spent handling one inbound message.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		PollsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_created_total",
			Help:      "Polls saved by the authoring flow.",
		}),
		PollsDeleted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_deleted_total",
			Help:      "Polls removed with all dependent rows.",
		}),
		ResponsesRecorded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_recorded_total",
			Help:      "Answers stored by the taking flow.",
		}),
		ActiveChats: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_chats",
			Help:      "Open websocket chat connections.",
		}),
	}
}

func (m *Metrics) ObserveStep(d time.Duration) {
	m.StepDuration.Observe(d.Seconds())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
