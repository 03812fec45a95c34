package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Reasons a message ends up on the dead_letters queue.
const (
	DeadLetterReasonDecode    = "decode"
	DeadLetterReasonExhausted = "exhausted"
)

// DLQMetrics tracks dead letters per origin queue, both as Prometheus
// collectors and as an in-memory view served on /stats. A nil *DLQMetrics
// records nothing.
type DLQMetrics struct {
	mu      sync.RWMutex
	origins map[string]*dlqOrigin
	now     func() time.Time

	messagesTotal   *prometheus.CounterVec
	messagesCurrent *prometheus.GaugeVec
	replayed        *prometheus.CounterVec
	purged          *prometheus.CounterVec
	age             *prometheus.HistogramVec
	retries         *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// DLQQueueMetrics is the dead-letter view of one origin queue.
type DLQQueueMetrics struct {
	MessagesReceived uint64            `json:"messages_received"`
	MessagesCurrent  uint64            `json:"messages_current"`
	MessagesReplayed uint64            `json:"messages_replayed"`
	MessagesPurged   uint64            `json:"messages_purged"`
	ByReason         map[string]uint64 `json:"by_reason,omitempty"`
	OldestMessageAt  time.Time         `json:"oldest_message_at,omitempty"`
	NewestMessageAt  time.Time         `json:"newest_message_at,omitempty"`
	AvgRetryCount    float64           `json:"avg_retry_count"`
	LastUpdatedAt    time.Time         `json:"last_updated_at"`
}

// DLQMetricsSnapshot aggregates every origin queue. TotalMessages counts
// dead letters believed to be waiting, not everything ever received.
type DLQMetricsSnapshot struct {
	TotalMessages uint64                      `json:"total_messages"`
	TotalReplayed uint64                      `json:"total_replayed"`
	TotalPurged   uint64                      `json:"total_purged"`
	QueueMetrics  map[string]*DLQQueueMetrics `json:"queue_metrics"`
	CollectedAt   time.Time                   `json:"collected_at"`
}

type dlqOrigin struct {
	received   uint64
	current    uint64
	replayed   uint64
	purged     uint64
	retrySum   uint64
	byReason   map[string]uint64
	firstSeen  time.Time
	lastSeen   time.Time
	lastUpdate time.Time
}

func (o *dlqOrigin) view() *DLQQueueMetrics {
	v := &DLQQueueMetrics{
		MessagesReceived: o.received,
		MessagesCurrent:  o.current,
		MessagesReplayed: o.replayed,
		MessagesPurged:   o.purged,
		OldestMessageAt:  o.firstSeen,
		NewestMessageAt:  o.lastSeen,
		LastUpdatedAt:    o.lastUpdate,
	}
	if o.received > 0 {
		v.AvgRetryCount = float64(o.retrySum) / float64(o.received)
	}
	if len(o.byReason) > 0 {
		v.ByReason = make(map[string]uint64, len(o.byReason))
		for reason, n := range o.byReason {
			v.ByReason[reason] = n
		}
	}
	return v
}

func dlqOpts(name, help string) prometheus.Opts {
	return prometheus.Opts{Namespace: "pipeline", Subsystem: "dlq", Name: name, Help: help}
}

func dlqHistogram(name, help string, buckets []float64) *prometheus.HistogramVec {
	o := dlqOpts(name, help)
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: o.Namespace,
		Subsystem: o.Subsystem,
		Name:      o.Name,
		Help:      o.Help,
		Buckets:   buckets,
	}, []string{"queue"})
}

// NewDLQMetrics builds the collectors. Nothing is exported until Register.
func NewDLQMetrics(registerer prometheus.Registerer) *DLQMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &DLQMetrics{
		origins:    make(map[string]*dlqOrigin),
		now:        time.Now,
		registerer: registerer,
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts(
			dlqOpts("messages_total", "Messages moved to dead_letters, by origin queue and reason."),
		), []string{"queue", "reason"}),
		messagesCurrent: prometheus.NewGaugeVec(prometheus.GaugeOpts(
			dlqOpts("messages_current", "Dead letters believed to be waiting, by origin queue."),
		), []string{"queue"}),
		replayed: prometheus.NewCounterVec(prometheus.CounterOpts(
			dlqOpts("replayed_total", "Dead letters returned to their origin queue."),
		), []string{"queue"}),
		purged: prometheus.NewCounterVec(prometheus.CounterOpts(
			dlqOpts("purged_total", "Dead letters discarded by an operator."),
		), []string{"queue"}),
		age: dlqHistogram("message_age_seconds",
			"Time between publish and dead-lettering.",
			[]float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600}),
		retries: dlqHistogram("retry_count",
			"Redeliveries a message went through before it was dead-lettered.",
			[]float64{0, 1, 2, 3, 5, 10}),
	}
}

func (m *DLQMetrics) vecs() []interface {
	prometheus.Collector
	Reset()
} {
	return []interface {
		prometheus.Collector
		Reset()
	}{m.messagesTotal, m.messagesCurrent, m.replayed, m.purged, m.age, m.retries}
}

// Register exports the collectors. Repeated calls, and collectors already
// registered by an earlier instance, are not errors.
func (m *DLQMetrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}
	for _, c := range m.vecs() {
		var already prometheus.AlreadyRegisteredError
		if err := m.registerer.Register(c); err != nil && !errors.As(err, &already) {
			return err
		}
	}
	m.registered = true
	return nil
}

// origin returns the entry for queue, creating it. Callers hold mu.
func (m *DLQMetrics) origin(queue string) *dlqOrigin {
	o, ok := m.origins[queue]
	if !ok {
		o = &dlqOrigin{byReason: make(map[string]uint64)}
		m.origins[queue] = o
	}
	return o
}

// update runs fn on the entry for queue and republishes its current gauge.
func (m *DLQMetrics) update(queue string, fn func(o *dlqOrigin, now time.Time)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o := m.origin(queue)
	now := m.now()
	fn(o, now)
	o.lastUpdate = now
	m.messagesCurrent.WithLabelValues(queue).Set(float64(o.current))
}

// RecordMessageToDLQ records a message from queue being dead-lettered after
// retryCount redeliveries. reason is one of the DeadLetterReason constants.
func (m *DLQMetrics) RecordMessageToDLQ(queue, reason string, retryCount int, messageAge time.Duration) {
	if m == nil {
		return
	}
	if retryCount < 0 {
		retryCount = 0
	}
	m.update(queue, func(o *dlqOrigin, now time.Time) {
		o.received++
		o.current++
		o.retrySum += uint64(retryCount)
		o.byReason[reason]++
		if o.firstSeen.IsZero() {
			o.firstSeen = now
		}
		o.lastSeen = now
	})

	m.messagesTotal.WithLabelValues(queue, reason).Inc()
	m.age.WithLabelValues(queue).Observe(messageAge.Seconds())
	m.retries.WithLabelValues(queue).Observe(float64(retryCount))
}

// RecordMessageReplayed records a dead letter returned to queue.
func (m *DLQMetrics) RecordMessageReplayed(queue string) {
	if m == nil {
		return
	}
	m.update(queue, func(o *dlqOrigin, _ time.Time) {
		o.replayed++
		o.current = saturatingSub(o.current, 1)
	})
	m.replayed.WithLabelValues(queue).Inc()
}

// RecordMessagesPurged records count dead letters of queue discarded by an operator.
func (m *DLQMetrics) RecordMessagesPurged(queue string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.update(queue, func(o *dlqOrigin, _ time.Time) {
		o.purged += uint64(count)
		o.current = saturatingSub(o.current, uint64(count))
	})
	m.purged.WithLabelValues(queue).Add(float64(count))
}

// SetCurrentCount overrides the waiting count of one origin queue.
func (m *DLQMetrics) SetCurrentCount(queue string, count uint64) {
	if m == nil {
		return
	}
	m.update(queue, func(o *dlqOrigin, _ time.Time) { o.current = count })
}

// SyncCurrentCounts replaces every waiting count with what a full scan of
// dead_letters found. Known origins missing from counts drop to zero.
func (m *DLQMetrics) SyncCurrentCounts(counts map[string]uint64) {
	if m == nil {
		return
	}
	m.mu.RLock()
	known := make([]string, 0, len(m.origins))
	for queue := range m.origins {
		if _, ok := counts[queue]; !ok {
			known = append(known, queue)
		}
	}
	m.mu.RUnlock()

	for _, queue := range known {
		m.SetCurrentCount(queue, 0)
	}
	for queue, n := range counts {
		m.SetCurrentCount(queue, n)
	}
}

// GetSnapshot returns a copy of every origin queue's view plus the totals.
func (m *DLQMetrics) GetSnapshot() DLQMetricsSnapshot {
	snapshot := DLQMetricsSnapshot{QueueMetrics: make(map[string]*DLQQueueMetrics)}
	if m == nil {
		snapshot.CollectedAt = time.Now()
		return snapshot
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot.CollectedAt = m.now()
	for queue, o := range m.origins {
		snapshot.QueueMetrics[queue] = o.view()
		snapshot.TotalMessages += o.current
		snapshot.TotalReplayed += o.replayed
		snapshot.TotalPurged += o.purged
	}
	return snapshot
}

// GetQueueMetrics returns a copy of one origin queue's view, or nil if the
// queue has never produced a dead letter.
func (m *DLQMetrics) GetQueueMetrics(queue string) *DLQQueueMetrics {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.origins[queue]
	if !ok {
		return nil
	}
	return o.view()
}

// Reset forgets every origin queue and clears the collectors.
func (m *DLQMetrics) Reset() {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.origins = make(map[string]*dlqOrigin)
	for _, v := range m.vecs() {
		v.Reset()
	}
}

func saturatingSub(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}
