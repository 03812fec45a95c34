package runtime

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/darams4863/escape-room-with-ai/internal/runtime/broker"
	errspkg "github.com/darams4863/escape-room-with-ai/internal/runtime/errors"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/events"
	idspkg "github.com/darams4863/escape-room-with-ai/internal/runtime/ids"
	loggingpkg "github.com/darams4863/escape-room-with-ai/internal/runtime/logging"
)

// ContentTypeJSON is set on every published event.
const ContentTypeJSON = "application/json"

// PublisherOptions configures a Publisher.
type PublisherOptions struct {
	// ConnectMaxRetries bounds the inline reconnect attempted when the
	// manager is disconnected.
	ConnectMaxRetries int
	// BreakerFailures consecutive failed inline connects open the breaker.
	BreakerFailures uint32
	// BreakerTimeout is how long the breaker stays open before probing again.
	BreakerTimeout time.Duration
	Metrics        *Metrics
	Now            func() time.Time
}

// Publisher is the producer-facing entry point. Every method reports
// success as a bool and never fails the caller: false means "skip, log,
// continue".
type Publisher struct {
	manager *broker.Manager
	logger  loggingpkg.ServiceLogger
	breaker *gobreaker.CircuitBreaker[bool]
	retries int
	metrics *Metrics
	now     func() time.Time
}

// NewPublisher builds a Publisher over manager.
func NewPublisher(manager *broker.Manager, logger loggingpkg.ServiceLogger, opts PublisherOptions) (*Publisher, error) {
	if manager == nil {
		return nil, errspkg.ErrManagerRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if opts.ConnectMaxRetries < 1 {
		opts.ConnectMaxRetries = 1
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 3
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	logger = loggingpkg.Component(logger, "publisher")
	failures := opts.BreakerFailures
	breaker := gobreaker.NewCircuitBreaker[bool](gobreaker.Settings{
		Name:        "broker-connect",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("Connect breaker state changed", loggingpkg.LogFields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})

	return &Publisher{
		manager: manager,
		logger:  logger,
		breaker: breaker,
		retries: opts.ConnectMaxRetries,
		metrics: opts.Metrics,
		now:     opts.Now,
	}, nil
}

// Publish sends env to queue as a persistent JSON message. When the manager
// is disconnected it attempts one inline Connect first.
func (p *Publisher) Publish(ctx context.Context, env events.Envelope, queue string) bool {
	fields := loggingpkg.LogFields{"queue": queue, "action": env.Action, "user_id": env.UserID}

	if !p.ensureConnected(ctx) {
		p.logger.Info("Broker unavailable, event skipped", fields)
		return false
	}

	now := p.now()
	env.Stamp(now)
	body, err := events.Encode(env)
	if err != nil {
		p.logger.Error("Event encoding failed", err, fields)
		return false
	}

	msg := amqp.Publishing{
		ContentType:  ContentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    idspkg.CreateULID(),
		Timestamp:    now,
		Body:         body,
	}
	if err := p.manager.Publish(ctx, queue, msg); err != nil {
		p.logger.Error("Event publish failed", err, fields)
		return false
	}

	p.logger.Debug("Event published", fields)
	return true
}

func (p *Publisher) ensureConnected(ctx context.Context) bool {
	if p.manager.IsConnected() {
		return true
	}
	ok, err := p.breaker.Execute(func() (bool, error) {
		if p.manager.Connect(ctx, p.retries) {
			return true, nil
		}
		return false, errspkg.ErrNotConnected
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		p.logger.Debug("Connect breaker open, skipping reconnect", nil)
	}
	return err == nil && ok
}

// BreakerState reports the inline-connect breaker state.
func (p *Publisher) BreakerState() gobreaker.State {
	return p.breaker.State()
}

// PublishUserAction publishes env to user_actions.
func (p *Publisher) PublishUserAction(ctx context.Context, env events.Envelope) bool {
	return p.publishObserved(ctx, env, events.QueueUserActions)
}

// PublishBusinessInsight publishes env to business_insights.
func (p *Publisher) PublishBusinessInsight(ctx context.Context, env events.Envelope) bool {
	return p.publishObserved(ctx, env, events.QueueBusinessInsights)
}

// PublishDBSync publishes env to db_sync.
func (p *Publisher) PublishDBSync(ctx context.Context, env events.Envelope) bool {
	return p.publishObserved(ctx, env, events.QueueDBSync)
}

func (p *Publisher) publishObserved(ctx context.Context, env events.Envelope, queue string) bool {
	start := time.Now()
	ok := p.Publish(ctx, env, queue)
	p.metrics.ObservePublish(queue, ok, time.Since(start))
	return ok
}
