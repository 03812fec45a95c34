package runtime

import (
	"context"
	"slices"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/darams4863/escape-room-with-ai/internal/runtime/logging"
	metadatapkg "github.com/darams4863/escape-room-with-ai/internal/runtime/metadata"
)

// JobContext describes one handler invocation. Duration is zero in
// OnJobStart, Category is ErrorCategoryNone unless the handler failed.
type JobContext struct {
	Context         context.Context
	WorkerID        string
	Queue           string
	MessageUUID     string
	CorrelationID   string
	RedeliveryCount int
	Metadata        message.Metadata
	StartedAt       time.Time
	Duration        time.Duration
	Category        ErrorCategory
}

// LogFields returns the fields hooks attach to log lines about the job.
func (j JobContext) LogFields() loggingpkg.LogFields {
	fields := loggingpkg.LogFields{
		"worker_id":        j.WorkerID,
		"queue":            j.Queue,
		"message_uuid":     j.MessageUUID,
		"redelivery_count": j.RedeliveryCount,
	}
	if j.CorrelationID != "" {
		fields["correlation_id"] = j.CorrelationID
	}
	if traceID := j.Metadata.Get(metadatapkg.KeyTraceID); traceID != "" {
		fields["trace_id"] = traceID
	}
	if j.Duration > 0 {
		fields["duration_ms"] = j.Duration.Milliseconds()
	}
	if j.Category != ErrorCategoryNone && j.Category != "" {
		fields["category"] = string(j.Category)
	}
	return fields
}

// JobHooks are callbacks around each handler call. Any of them may be nil.
// Exactly one of OnJobDone and OnJobError follows every OnJobStart.
type JobHooks struct {
	OnJobStart func(job JobContext)
	OnJobDone  func(job JobContext)
	OnJobError func(job JobContext, err error)
}

// Merge returns hooks that run h first and then other.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: thenJob(h.OnJobStart, other.OnJobStart),
		OnJobDone:  thenJob(h.OnJobDone, other.OnJobDone),
		OnJobError: thenJobErr(h.OnJobError, other.OnJobError),
	}
}

func thenJob(first, second func(JobContext)) func(JobContext) {
	switch {
	case first == nil:
		return second
	case second == nil:
		return first
	}
	return func(job JobContext) {
		first(job)
		second(job)
	}
}

func thenJobErr(first, second func(JobContext, error)) func(JobContext, error) {
	switch {
	case first == nil:
		return second
	case second == nil:
		return first
	}
	return func(job JobContext, err error) {
		first(job, err)
		second(job, err)
	}
}

func newJobContext(msg *message.Message) JobContext {
	md := metadatapkg.FromWatermill(msg.Metadata)
	return JobContext{
		Context:         msg.Context(),
		WorkerID:        md[metadatapkg.KeyWorkerID],
		Queue:           md[metadatapkg.KeyQueue],
		MessageUUID:     msg.UUID,
		CorrelationID:   md[metadatapkg.KeyCorrelationID],
		RedeliveryCount: md.RedeliveryCount(),
		Metadata:        msg.Metadata,
		StartedAt:       time.Now(),
		Category:        ErrorCategoryNone,
	}
}

// JobHooksMiddleware runs hooks around the wrapped handler.
func JobHooksMiddleware(hooks JobHooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			job := newJobContext(msg)
			if hooks.OnJobStart != nil {
				hooks.OnJobStart(job)
			}

			produced, err := h(msg)
			job.Duration = time.Since(job.StartedAt)

			if err == nil {
				if hooks.OnJobDone != nil {
					hooks.OnJobDone(job)
				}
				return produced, nil
			}

			job.Category = ClassifyError(err)
			if hooks.OnJobError != nil {
				hooks.OnJobError(job, err)
			}
			return produced, err
		}
	}
}

// LoggingHooks logs successes at debug and failures at info. The worker
// decides afterwards whether a failure is retried or dead-lettered, and
// logs that decision at error.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	return JobHooks{
		OnJobDone: func(job JobContext) {
			logger.Debug("Event handled", job.LogFields())
		},
		OnJobError: func(job JobContext, err error) {
			fields := job.LogFields()
			fields["error"] = err.Error()
			logger.Info("Event handler failed", fields)
		},
	}
}

// MetricsHooks feeds handler latency, successful or not, into m.
func MetricsHooks(m *Metrics) JobHooks {
	return JobHooks{
		OnJobDone: func(job JobContext) {
			m.ObserveHandler(job.Queue, job.Duration)
		},
		OnJobError: func(job JobContext, _ error) {
			m.ObserveHandler(job.Queue, job.Duration)
		},
	}
}

// StatsHooks keeps the per-queue stats registry served on /stats current.
func StatsHooks(stats *StatsRegistry) JobHooks {
	return JobHooks{
		OnJobStart: func(job JobContext) { stats.For(job.Queue).onMessageStart() },
		OnJobDone:  func(job JobContext) { stats.For(job.Queue).onMessageFinish(job.Duration, nil) },
		OnJobError: func(job JobContext, err error) { stats.For(job.Queue).onMessageFinish(job.Duration, err) },
	}
}

// AlertingHooks calls alert for failed handlers. With categories given, only
// failures in one of them alert, e.g. ErrorCategoryDecode for malformed
// payloads that will never succeed.
func AlertingHooks(alert func(job JobContext, err error), categories ...ErrorCategory) JobHooks {
	if alert == nil {
		return JobHooks{}
	}
	return JobHooks{
		OnJobError: func(job JobContext, err error) {
			if len(categories) == 0 || slices.Contains(categories, job.Category) {
				alert(job, err)
			}
		},
	}
}
