// Package metadata carries delivery headers between AMQP, watermill
// messages and the pipeline's handlers.
package metadata

import (
	"maps"
	"strconv"
	"time"
)

// Header keys the pipeline reads and writes.
const (
	KeyCorrelationID   = "correlation_id"
	KeyQueue           = "queue"
	KeyWorkerID        = "worker_id"
	KeyMessageID       = "message_id"
	KeyRedeliveryCount = "x-redelivery-count"
	KeyOriginalQueue   = "x-original-queue"
	KeyError           = "x-error"
	KeyFailedAt        = "x-failed-at"

	// Set by the tracing middleware for the handler call in progress.
	KeyTraceID = "trace_id"
	KeySpanID  = "span_id"
)

// localKeys are set by a worker for its own handlers and never leave it.
var localKeys = []string{KeyQueue, KeyWorkerID, KeyMessageID, KeyTraceID, KeySpanID}

// deadLetterKeys describe a failure and are dropped when a message is revived.
var deadLetterKeys = []string{KeyOriginalQueue, KeyError, KeyFailedAt, KeyRedeliveryCount}

// Metadata holds the string headers of one event. Methods never modify the
// receiver; anything that changes headers returns a copy.
type Metadata map[string]string

// New builds Metadata from alternating key/value pairs. A trailing key
// without a value is ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// Clone returns a copy that never aliases m. The copy of a nil map is empty,
// not nil.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return Metadata{}
	}
	return maps.Clone(m)
}

// With returns a copy with key set to value.
func (m Metadata) With(key, value string) Metadata {
	out := m.Clone()
	out[key] = value
	return out
}

// Without returns a copy lacking keys.
func (m Metadata) Without(keys ...string) Metadata {
	out := m.Clone()
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// Outgoing strips the worker-local keys before a message is published again.
func (m Metadata) Outgoing() Metadata { return m.Without(localKeys...) }

// Revived strips the failure annotations and the redelivery counter so a
// replayed dead letter starts over with a fresh retry budget.
func (m Metadata) Revived() Metadata { return m.Without(deadLetterKeys...) }

// RedeliveryCount parses x-redelivery-count. Missing or garbled values count as zero.
func (m Metadata) RedeliveryCount() int {
	n, err := strconv.Atoi(m[KeyRedeliveryCount])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// WithRedeliveryCount returns a copy carrying the given redelivery count.
func (m Metadata) WithRedeliveryCount(n int) Metadata {
	return m.With(KeyRedeliveryCount, strconv.Itoa(n))
}

// DeadLetter annotates a copy with the queue the message failed on, the
// error and the failure time.
func (m Metadata) DeadLetter(originalQueue string, cause error, at time.Time) Metadata {
	out := m.With(KeyOriginalQueue, originalQueue)
	out[KeyFailedAt] = at.UTC().Format(time.RFC3339Nano)
	if cause != nil {
		out[KeyError] = cause.Error()
	}
	return out
}

// OriginalQueue is the queue a dead letter failed on, or "".
func (m Metadata) OriginalQueue() string { return m[KeyOriginalQueue] }

// FailedAt parses x-failed-at. ok is false when the header is missing or
// not RFC 3339.
func (m Metadata) FailedAt() (time.Time, bool) {
	raw, ok := m[KeyFailedAt]
	if !ok {
		return time.Time{}, false
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return at, true
}
