package runtime

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcomes recorded per handled message.
const (
	OutcomeAcked        = "acked"
	OutcomeRedelivered  = "redelivered"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeRequeued     = "requeued"
)

const publisherService = "rabbitmq"

// Metrics holds the pipeline's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	publisherCalls    *prometheus.CounterVec
	publisherDuration *prometheus.HistogramVec
	messages          *prometheus.CounterVec
	handlerDuration   *prometheus.HistogramVec
	workersConsuming  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on registerer
// (prometheus.DefaultRegisterer when nil). Collectors already registered by
// an earlier call are reused.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		publisherCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Subsystem: "publisher",
			Name:      "calls_total",
			Help:      "Publish calls by queue and outcome status.",
		}, []string{"service", "queue", "status"}),
		publisherDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pipeline",
			Subsystem: "publisher",
			Name:      "call_duration_seconds",
			Help:      "Publish call latency, including any inline reconnect.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "queue"}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pipeline",
			Subsystem: "worker",
			Name:      "messages_total",
			Help:      "Messages settled by workers, by queue and outcome.",
		}, []string{"queue", "outcome"}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pipeline",
			Subsystem: "worker",
			Name:      "handler_duration_seconds",
			Help:      "Time spent in event handlers.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"queue"}),
		workersConsuming: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pipeline",
			Subsystem: "worker",
			Name:      "consuming",
			Help:      "Workers currently attached to the broker and consuming.",
		}),
	}

	var err error
	m.publisherCalls = register(registerer, m.publisherCalls, &err)
	m.publisherDuration = register(registerer, m.publisherDuration, &err)
	m.messages = register(registerer, m.messages, &err)
	m.handlerDuration = register(registerer, m.handlerDuration, &err)
	m.workersConsuming = register(registerer, m.workersConsuming, &err)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](registerer prometheus.Registerer, c C, errp *error) C {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing
			}
		}
		*errp = errors.Join(*errp, err)
	}
	return c
}

// ObservePublish records one publisher wrapper call.
func (m *Metrics) ObservePublish(queue string, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	status := "200"
	if !ok {
		status = "500"
	}
	m.publisherCalls.WithLabelValues(publisherService, queue, status).Inc()
	m.publisherDuration.WithLabelValues(publisherService, queue).Observe(elapsed.Seconds())
}

// ObserveHandler records the handler latency for queue.
func (m *Metrics) ObserveHandler(queue string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.handlerDuration.WithLabelValues(queue).Observe(elapsed.Seconds())
}

// RecordOutcome counts a settled message.
func (m *Metrics) RecordOutcome(queue, outcome string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(queue, outcome).Inc()
}

func (m *Metrics) workerConsuming(delta float64) {
	if m == nil {
		return
	}
	m.workersConsuming.Add(delta)
}
