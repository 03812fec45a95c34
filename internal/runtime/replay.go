package runtime

import (
	"context"
	"fmt"
	"slices"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/darams4863/escape-room-with-ai/internal/runtime/broker"
	errspkg "github.com/darams4863/escape-room-with-ai/internal/runtime/errors"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/events"
	idspkg "github.com/darams4863/escape-room-with-ai/internal/runtime/ids"
	loggingpkg "github.com/darams4863/escape-room-with-ai/internal/runtime/logging"
	metadatapkg "github.com/darams4863/escape-room-with-ai/internal/runtime/metadata"
)

// DeadLetter describes one message parked on the dead-letter queue.
type DeadLetter struct {
	MessageID       string    `json:"message_id"`
	OriginalQueue   string    `json:"original_queue"`
	Error           string    `json:"error,omitempty"`
	FailedAt        string    `json:"failed_at,omitempty"`
	RedeliveryCount int       `json:"redelivery_count"`
	PublishedAt     time.Time `json:"published_at,omitempty"`
	Body            string    `json:"body"`
}

// ReplayResult summarizes a Replay call.
type ReplayResult struct {
	Replayed int            `json:"replayed"`
	Skipped  int            `json:"skipped"`
	ByQueue  map[string]int `json:"by_queue"`
}

// DeadLetterReplayer inspects and drains the dead-letter queue over its own
// short-lived connection.
type DeadLetterReplayer struct {
	manager *broker.Manager
	logger  loggingpkg.ServiceLogger
	metrics *DLQMetrics
}

// NewDeadLetterReplayer builds a replayer. metrics may be nil.
func NewDeadLetterReplayer(manager *broker.Manager, logger loggingpkg.ServiceLogger, metrics *DLQMetrics) (*DeadLetterReplayer, error) {
	if manager == nil {
		return nil, errspkg.ErrManagerRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	return &DeadLetterReplayer{
		manager: manager,
		logger:  loggingpkg.Component(logger, "dead-letters"),
		metrics: metrics,
	}, nil
}

// withChannel runs fn on a dedicated connection. Deliveries fn leaves
// unsettled return to the queue when the connection closes.
func (r *DeadLetterReplayer) withChannel(fn func(ch broker.Channel) error) error {
	id := "dead-letters-" + idspkg.CreateULID()
	wc, err := r.manager.CreateWorkerConnection(id)
	if err != nil {
		return err
	}
	defer r.manager.CloseWorkerConnection(id)
	return fn(wc.Channel)
}

// Replay moves up to limit dead letters back to the queue they failed on,
// with the redelivery counter reset. Messages without a known origin stay
// on the dead-letter queue and are counted as skipped.
func (r *DeadLetterReplayer) Replay(ctx context.Context, limit int) (ReplayResult, error) {
	result := ReplayResult{ByQueue: map[string]int{}}
	err := r.withChannel(func(ch broker.Channel) error {
		var held []amqp.Delivery
		defer func() { requeueAll(held) }()

		for i := 0; limit <= 0 || i < limit; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			d, ok, err := ch.Get(events.QueueDeadLetters, false)
			if err != nil {
				return fmt.Errorf("get dead letter: %w", err)
			}
			if !ok {
				return nil
			}

			md := metadatapkg.FromAMQP(d.Headers)
			origin := md.OriginalQueue()
			if origin == "" || !slices.Contains(events.Topology, origin) || origin == events.QueueDeadLetters {
				r.logger.Error("Dead letter kept", errspkg.ErrMissingOriginalQueue, loggingpkg.LogFields{"message_id": d.MessageId, "origin": origin})
				result.Skipped++
				held = append(held, d)
				continue
			}

			if err := ch.PublishWithContext(ctx, "", origin, false, false, republishing(d, md.Revived())); err != nil {
				held = append(held, d)
				return fmt.Errorf("replay to %s: %w", origin, err)
			}
			if err := d.Ack(false); err != nil {
				return fmt.Errorf("ack dead letter: %w", err)
			}
			result.Replayed++
			result.ByQueue[origin]++
			r.metrics.RecordMessageReplayed(origin)
		}
		return nil
	})
	if err == nil {
		r.logger.Info("Dead letters replayed", loggingpkg.LogFields{"replayed": result.Replayed, "skipped": result.Skipped})
	}
	return result, err
}

// Peek lists up to limit dead letters without consuming them.
func (r *DeadLetterReplayer) Peek(ctx context.Context, limit int) ([]DeadLetter, error) {
	var out []DeadLetter
	drained := false
	err := r.withChannel(func(ch broker.Channel) error {
		var held []amqp.Delivery
		defer func() { requeueAll(held) }()

		for i := 0; limit <= 0 || i < limit; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			d, ok, err := ch.Get(events.QueueDeadLetters, false)
			if err != nil {
				return fmt.Errorf("get dead letter: %w", err)
			}
			if !ok {
				drained = true
				return nil
			}
			held = append(held, d)
			out = append(out, describeDeadLetter(d))
		}
		return nil
	})
	if err == nil && drained {
		// Everything waiting was seen, so the gauges can be corrected.
		counts := make(map[string]uint64)
		for _, dl := range out {
			counts[originOrUnknown(dl.OriginalQueue)]++
		}
		r.metrics.SyncCurrentCounts(counts)
	}
	return out, err
}

func originOrUnknown(queue string) string {
	if queue == "" {
		return "unknown"
	}
	return queue
}

// Purge discards up to limit dead letters and returns how many were removed.
func (r *DeadLetterReplayer) Purge(ctx context.Context, limit int) (int, error) {
	purged := 0
	err := r.withChannel(func(ch broker.Channel) error {
		for i := 0; limit <= 0 || i < limit; i++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			d, ok, err := ch.Get(events.QueueDeadLetters, false)
			if err != nil {
				return fmt.Errorf("get dead letter: %w", err)
			}
			if !ok {
				return nil
			}
			if err := d.Ack(false); err != nil {
				return fmt.Errorf("ack dead letter: %w", err)
			}
			purged++
			r.metrics.RecordMessagesPurged(originOrUnknown(metadatapkg.FromAMQP(d.Headers).OriginalQueue()), 1)
		}
		return nil
	})
	if purged > 0 {
		r.logger.Info("Dead letters purged", loggingpkg.LogFields{"purged": purged})
	}
	return purged, err
}

func describeDeadLetter(d amqp.Delivery) DeadLetter {
	md := metadatapkg.FromAMQP(d.Headers)
	return DeadLetter{
		MessageID:       d.MessageId,
		OriginalQueue:   md.OriginalQueue(),
		Error:           md[metadatapkg.KeyError],
		FailedAt:        md[metadatapkg.KeyFailedAt],
		RedeliveryCount: md.RedeliveryCount(),
		PublishedAt:     publishedAt(d),
		Body:            string(d.Body),
	}
}

// publishedAt prefers the AMQP timestamp and falls back to the time encoded
// in a ULID message id. Zero when neither is available.
func publishedAt(d amqp.Delivery) time.Time {
	if !d.Timestamp.IsZero() {
		return d.Timestamp
	}
	if t, err := idspkg.ULIDTime(d.MessageId); err == nil {
		return t
	}
	return time.Time{}
}

func republishing(d amqp.Delivery, headers metadatapkg.Metadata) amqp.Publishing {
	contentType := d.ContentType
	if contentType == "" {
		contentType = ContentTypeJSON
	}
	return amqp.Publishing{
		Headers:       metadatapkg.ToAMQP(headers),
		ContentType:   contentType,
		DeliveryMode:  amqp.Persistent,
		MessageId:     d.MessageId,
		CorrelationId: d.CorrelationId,
		Timestamp:     d.Timestamp,
		Body:          d.Body,
	}
}

// requeueAll returns held deliveries in their original order.
func requeueAll(held []amqp.Delivery) {
	for i := len(held) - 1; i >= 0; i-- {
		_ = held[i].Nack(false, true)
	}
}
