package runtime

import (
	"unicode/utf8"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	idspkg "github.com/darams4863/escape-room-with-ai/internal/runtime/ids"
	loggingpkg "github.com/darams4863/escape-room-with-ai/internal/runtime/logging"
	metadatapkg "github.com/darams4863/escape-room-with-ai/internal/runtime/metadata"
)

const (
	tracerName = "github.com/darams4863/escape-room-with-ai/pipeline"

	// maxLoggedPayload bounds the body echoed at debug level; conversation
	// syncs carry whole chat histories.
	maxLoggedPayload = 512
)

// DefaultMiddlewares returns the chain every worker wraps its handlers in,
// outermost first. The recoverer is innermost so a panicking handler still
// reaches OnJobError as an ordinary error.
func DefaultMiddlewares(logger loggingpkg.ServiceLogger, hooks JobHooks) []message.HandlerMiddleware {
	return []message.HandlerMiddleware{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(logger),
		TracerMiddleware(),
		JobHooksMiddleware(hooks),
		RecovererMiddleware(),
	}
}

// Chain wraps h so that middlewares[0] runs first. Nil entries are skipped.
func Chain(h message.HandlerFunc, middlewares ...message.HandlerMiddleware) message.HandlerFunc {
	for i := len(middlewares) - 1; i >= 0; i-- {
		if mw := middlewares[i]; mw != nil {
			h = mw(h)
		}
	}
	return h
}

// CorrelationIDMiddleware assigns a ULID correlation id to messages that
// arrive without one, so every log line of an invocation can be joined.
func CorrelationIDMiddleware() message.HandlerMiddleware {
	return func(next message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			if msg.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
				msg.Metadata.Set(metadatapkg.KeyCorrelationID, idspkg.CreateULID())
			}
			return next(msg)
		}
	}
}

// LogMessagesMiddleware echoes each delivery at debug level. It returns nil,
// which Chain skips, when there is no logger.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	if logger == nil {
		return nil
	}
	return func(next message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing message", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"payload":      truncatePayload(msg.Payload, maxLoggedPayload),
				"metadata":     msg.Metadata,
			})
			return next(msg)
		}
	}
}

// truncatePayload cuts body to at most limit bytes without splitting a rune.
func truncatePayload(body []byte, limit int) string {
	if len(body) <= limit {
		return string(body)
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return string(body[:cut]) + "…"
}

// TracerMiddleware runs the handler inside a consumer span named after the
// queue and stamps the span's trace and span ids onto the message when a
// trace is active. Handler errors mark the span failed.
func TracerMiddleware() message.HandlerMiddleware {
	tracer := otel.Tracer(tracerName)
	return func(next message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			queue := msg.Metadata.Get(metadatapkg.KeyQueue)
			md := metadatapkg.FromWatermill(msg.Metadata)
			ctx, span := tracer.Start(msg.Context(), queue+" process",
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("messaging.system", "rabbitmq"),
					attribute.String("messaging.operation", "process"),
					attribute.String("messaging.destination.name", queue),
					attribute.String("messaging.message.id", msg.UUID),
					attribute.String("messaging.message.conversation_id", md[metadatapkg.KeyCorrelationID]),
					attribute.Int("pipeline.redelivery_count", md.RedeliveryCount()),
				),
			)
			defer span.End()
			msg.SetContext(ctx)
			if sc := span.SpanContext(); sc.IsValid() {
				msg.Metadata.Set(metadatapkg.KeyTraceID, sc.TraceID().String())
				msg.Metadata.Set(metadatapkg.KeySpanID, sc.SpanID().String())
			}

			produced, err := next(msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, string(ClassifyError(err)))
			}
			return produced, err
		}
	}
}

// RecovererMiddleware turns a handler panic into an error carrying the
// stack, which the redelivery policy then settles like any failure.
func RecovererMiddleware() message.HandlerMiddleware {
	return middleware.Recoverer
}
