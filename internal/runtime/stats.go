package runtime

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/darams4863/escape-room-with-ai/internal/runtime/events"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/jsoncodec"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// ErrorCategory buckets handler failures for the stats view.
type ErrorCategory string

const (
	ErrorCategoryNone     ErrorCategory = "none"
	ErrorCategoryDecode   ErrorCategory = "decode"
	ErrorCategoryTimeout  ErrorCategory = "timeout"
	ErrorCategoryHandler  ErrorCategory = "handler"
	ErrorCategoryCanceled ErrorCategory = "canceled"
)

// ClassifyError maps a handler error onto an ErrorCategory.
func ClassifyError(err error) ErrorCategory {
	switch {
	case err == nil:
		return ErrorCategoryNone
	case events.IsDecodeError(err):
		return ErrorCategoryDecode
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorCategoryTimeout
	case errors.Is(err, context.Canceled):
		return ErrorCategoryCanceled
	default:
		return ErrorCategoryHandler
	}
}

// StatsRegistry keeps in-process handler statistics per queue, shared by
// every worker of a pool.
type StatsRegistry struct {
	mu     sync.RWMutex
	queues map[string]*QueueStats
	now    func() time.Time
}

func NewStatsRegistry() *StatsRegistry {
	return &StatsRegistry{queues: make(map[string]*QueueStats), now: time.Now}
}

// For returns the stats of queue, creating them on first use.
func (r *StatsRegistry) For(queue string) *QueueStats {
	r.mu.RLock()
	stats, ok := r.queues[queue]
	r.mu.RUnlock()
	if ok {
		return stats
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if stats, ok = r.queues[queue]; !ok {
		stats = &QueueStats{
			snap:       QueueStatsSnapshot{Queue: queue},
			latency:    newLatencyWindow(latencySampleSize),
			throughput: &throughputWindow{horizon: throughputWindowSize},
			now:        r.now,
		}
		r.queues[queue] = stats
	}
	return stats
}

// Snapshot copies the stats of every queue seen so far.
func (r *StatsRegistry) Snapshot() map[string]QueueStatsSnapshot {
	r.mu.RLock()
	all := make([]*QueueStats, 0, len(r.queues))
	for _, stats := range r.queues {
		all = append(all, stats)
	}
	r.mu.RUnlock()

	out := make(map[string]QueueStatsSnapshot, len(all))
	for _, stats := range all {
		snap := stats.Snapshot()
		out[snap.Queue] = snap
	}
	return out
}

// QueueStatsSnapshot is the /stats view of one queue.
type QueueStatsSnapshot struct {
	Queue               string            `json:"queue"`
	MessagesProcessed   uint64            `json:"messages_processed"`
	MessagesFailed      uint64            `json:"messages_failed"`
	TotalProcessingTime int64             `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time         `json:"last_processed_at"`
	Latency             LatencyMetrics    `json:"latency"`
	Throughput          ThroughputMetrics `json:"throughput"`
	Errors              ErrorBreakdown    `json:"errors"`
	InFlight            uint64            `json:"in_flight"`
	MaxInFlight         uint64            `json:"max_in_flight"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

// ErrorBreakdown counts failures per ErrorCategory and keeps the latest one.
type ErrorBreakdown struct {
	Decode      uint64    `json:"decode"`
	Timeout     uint64    `json:"timeout"`
	Handler     uint64    `json:"handler"`
	Canceled    uint64    `json:"canceled"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
}

// Record counts err under its category. A nil err is ignored.
func (e *ErrorBreakdown) Record(err error, at time.Time) {
	counter := map[ErrorCategory]*uint64{
		ErrorCategoryDecode:   &e.Decode,
		ErrorCategoryTimeout:  &e.Timeout,
		ErrorCategoryCanceled: &e.Canceled,
		ErrorCategoryHandler:  &e.Handler,
	}[ClassifyError(err)]
	if counter == nil {
		return
	}
	*counter++
	e.LastError = err.Error()
	e.LastErrorAt = at
}

// QueueStats aggregates handler outcomes for one queue. The running totals
// live directly in a snapshot that Snapshot copies out.
type QueueStats struct {
	mu         sync.Mutex
	snap       QueueStatsSnapshot
	totalTime  time.Duration
	latency    *latencyWindow
	throughput *throughputWindow
	now        func() time.Time
}

func (q *QueueStats) onMessageStart() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.snap.InFlight++
	q.snap.MaxInFlight = max(q.snap.MaxInFlight, q.snap.InFlight)
}

func (q *QueueStats) onMessageFinish(duration time.Duration, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	s := &q.snap
	if s.InFlight > 0 {
		s.InFlight--
	}
	s.MessagesProcessed++
	if err != nil {
		s.MessagesFailed++
		s.Errors.Record(err, now)
	}
	s.LastProcessedAt = now

	q.totalTime += duration
	s.TotalProcessingTime = int64(q.totalTime)

	q.latency.add(duration)
	s.Latency = q.latency.metrics()
	s.Latency.AverageNs = int64(q.totalTime) / int64(s.MessagesProcessed)

	s.Throughput = q.throughput.observe(now)
	s.Throughput.TotalMessages = s.MessagesProcessed
}

// Snapshot copies the current values.
func (q *QueueStats) Snapshot() QueueStatsSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.snap
}

func (q *QueueStats) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(q.Snapshot())
}

// latencyWindow is a ring of the most recent handler durations.
type latencyWindow struct {
	ring  []time.Duration
	head  int
	count int
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{ring: make([]time.Duration, size)}
}

func (w *latencyWindow) add(d time.Duration) {
	w.ring[w.head] = d
	w.head = (w.head + 1) % len(w.ring)
	w.count = min(w.count+1, len(w.ring))
}

func (w *latencyWindow) metrics() LatencyMetrics {
	if w.count == 0 {
		return LatencyMetrics{}
	}
	last := w.ring[(w.head-1+len(w.ring))%len(w.ring)]

	// Until the ring wraps the live samples are its prefix; afterwards all of it.
	sorted := make([]int64, w.count)
	for i, d := range w.ring[:w.count] {
		sorted[i] = int64(d)
	}
	slices.Sort(sorted)

	return LatencyMetrics{
		P50Ns:      percentile(sorted, 0.50),
		P95Ns:      percentile(sorted, 0.95),
		P99Ns:      percentile(sorted, 0.99),
		LastNs:     int64(last),
		SampleSize: w.count,
	}
}

// percentile interpolates linearly between the two closest ranks of sorted.
func percentile(sorted []int64, q float64) int64 {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[n-1]
	}
	pos := q * float64(n-1)
	i := int(pos)
	if i+1 >= n {
		return sorted[n-1]
	}
	return sorted[i] + int64(float64(sorted[i+1]-sorted[i])*(pos-float64(i)))
}

// throughputWindow keeps completion times inside a sliding horizon.
type throughputWindow struct {
	horizon time.Duration
	times   []time.Time
}

func (w *throughputWindow) observe(now time.Time) ThroughputMetrics {
	w.times = append(w.times, now)
	cutoff := now.Add(-w.horizon)
	if expired := sort.Search(len(w.times), func(i int) bool { return !w.times[i].Before(cutoff) }); expired > 0 {
		w.times = slices.Delete(w.times, 0, expired)
	}

	span := max(now.Sub(w.times[0]), time.Nanosecond)
	return ThroughputMetrics{
		CurrentRPS:       float64(len(w.times)) / span.Seconds(),
		WindowSeconds:    span.Seconds(),
		MessagesInWindow: uint64(len(w.times)),
	}
}
