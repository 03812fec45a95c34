package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/thejerf/suture/v4"

	"github.com/darams4863/escape-room-with-ai/internal/runtime/broker"
	errspkg "github.com/darams4863/escape-room-with-ai/internal/runtime/errors"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/events"
	handlerpkg "github.com/darams4863/escape-room-with-ai/internal/runtime/handlers"
	idspkg "github.com/darams4863/escape-room-with-ai/internal/runtime/ids"
	loggingpkg "github.com/darams4863/escape-room-with-ai/internal/runtime/logging"
	metadatapkg "github.com/darams4863/escape-room-with-ai/internal/runtime/metadata"
)

const (
	DefaultPrefetch          = 50
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = 5 * time.Second

	maxReconnectDelay = 2 * time.Minute
	settleTimeout     = 5 * time.Second
)

// WorkerState is a point in the worker lifecycle.
type WorkerState int32

const (
	StateCreated WorkerState = iota
	StateConnecting
	StateConsuming
	StateReconnecting
	StateStopped
)

func (s WorkerState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateConsuming:
		return "consuming"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	// Prefetch bounds unacknowledged deliveries across all of the worker's queues.
	Prefetch          int
	ReconnectAttempts int
	// ReconnectDelay is the first pause after a lost connection. It doubles
	// per attempt up to two minutes.
	ReconnectDelay time.Duration
	// MaxRedeliveries is how often a failed message is republished before it
	// is dead-lettered. Negative values requeue failures indefinitely.
	MaxRedeliveries int
	// HandlerTimeout bounds each handler call. Zero means no limit.
	HandlerTimeout time.Duration
	// Middlewares replaces DefaultMiddlewares when non-nil.
	Middlewares []message.HandlerMiddleware
	Hooks       JobHooks
	Metrics     *Metrics
	DLQMetrics  *DLQMetrics
	Stats       *StatsRegistry
	Now         func() time.Time
}

func (o WorkerOptions) withDefaults() WorkerOptions {
	if o.Prefetch <= 0 {
		o.Prefetch = DefaultPrefetch
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = DefaultReconnectAttempts
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = DefaultReconnectDelay
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Worker consumes the pipeline queues over its own broker connection. One
// goroutine handles every delivery, so a worker processes one message at a
// time and keeps per-queue order.
type Worker struct {
	id      string
	manager *broker.Manager
	logger  loggingpkg.ServiceLogger
	opts    WorkerOptions
	queues  []string
	routes  map[string]message.HandlerFunc

	mu    sync.Mutex
	state WorkerState
	conn  *broker.WorkerConn
	tags  []string

	stopOnce sync.Once
	stopCh   chan struct{}
}

type inbound struct {
	queue    string
	delivery amqp.Delivery
}

// NewWorker builds a worker dispatching each queue in routes to its handler.
func NewWorker(id string, manager *broker.Manager, routes map[string]handlerpkg.Handler, logger loggingpkg.ServiceLogger, opts WorkerOptions) (*Worker, error) {
	if id == "" {
		return nil, errspkg.ErrWorkerIDRequired
	}
	if manager == nil {
		return nil, errspkg.ErrManagerRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if len(routes) == 0 {
		return nil, errspkg.ErrHandlerRequired
	}

	opts = opts.withDefaults()
	logger = logger.With(loggingpkg.LogFields{"worker_id": id})

	hooks := LoggingHooks(logger).Merge(MetricsHooks(opts.Metrics))
	if opts.Stats != nil {
		hooks = hooks.Merge(StatsHooks(opts.Stats))
	}
	hooks = hooks.Merge(opts.Hooks)

	middlewares := opts.Middlewares
	if middlewares == nil {
		middlewares = DefaultMiddlewares(logger, hooks)
	}

	w := &Worker{
		id:      id,
		manager: manager,
		logger:  logger,
		opts:    opts,
		queues:  orderQueues(routes),
		routes:  make(map[string]message.HandlerFunc, len(routes)),
		stopCh:  make(chan struct{}),
	}
	for queue, handler := range routes {
		fn, err := handlerpkg.BuildHandler(queue, handler, logger)
		if err != nil {
			return nil, fmt.Errorf("queue %s: %w", queue, err)
		}
		w.routes[queue] = Chain(fn, middlewares...)
	}
	return w, nil
}

// orderQueues lists the consumed queues first, in topology order.
func orderQueues(routes map[string]handlerpkg.Handler) []string {
	queues := make([]string, 0, len(routes))
	seen := make(map[string]bool, len(routes))
	for _, q := range events.ConsumedQueues {
		if _, ok := routes[q]; ok {
			queues = append(queues, q)
			seen[q] = true
		}
	}
	var rest []string
	for q := range routes {
		if !seen[q] {
			rest = append(rest, q)
		}
	}
	sort.Strings(rest)
	return append(queues, rest...)
}

func (w *Worker) ID() string { return w.id }

func (w *Worker) String() string { return "worker " + w.id }

// State returns the current lifecycle state.
func (w *Worker) State() WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Worker) setState(next WorkerState) {
	w.mu.Lock()
	prev := w.state
	w.state = next
	w.mu.Unlock()

	if prev == next {
		return
	}
	if next == StateConsuming {
		w.opts.Metrics.workerConsuming(1)
	} else if prev == StateConsuming {
		w.opts.Metrics.workerConsuming(-1)
	}
}

// Serve runs the worker until ctx ends, Stop is called or reconnecting
// fails ReconnectAttempts times in a row. It implements suture.Service.
func (w *Worker) Serve(ctx context.Context) error {
	select {
	case <-w.stopCh:
		return suture.ErrDoNotRestart
	default:
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	w.setState(StateConnecting)
	pause := newReconnectBackOff(w.opts.ReconnectDelay)
	failures := 0
	for {
		established, err := w.session(ctx)
		w.release()
		if ctx.Err() != nil {
			return w.exit(parent)
		}
		if established {
			failures = 0
			pause.Reset()
		}

		failures++
		if failures > w.opts.ReconnectAttempts {
			w.setState(StateStopped)
			w.logger.Error("Worker gave up reconnecting", err, loggingpkg.LogFields{"attempts": w.opts.ReconnectAttempts})
			return fmt.Errorf("worker %s: %w: %v", w.id, errspkg.ErrReconnectExhausted, err)
		}

		delay := pause.NextBackOff()
		w.setState(StateReconnecting)
		w.logger.Error("Worker lost its broker connection", err, loggingpkg.LogFields{
			"attempt": failures,
			"delay":   delay.String(),
		})
		if sleepContext(ctx, delay) != nil {
			return w.exit(parent)
		}
	}
}

// newReconnectBackOff doubles from initial, without jitter, up to maxReconnectDelay.
func newReconnectBackOff(initial time.Duration) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval: initial,
		Multiplier:      2,
		MaxInterval:     max(initial, maxReconnectDelay),
	}
	b.Reset()
	return b
}

func (w *Worker) exit(parent context.Context) error {
	w.shutdown()
	if err := parent.Err(); err != nil {
		return err
	}
	return suture.ErrDoNotRestart
}

// session attaches to the broker and dispatches deliveries until the
// connection breaks or ctx ends. established reports whether consuming started.
func (w *Worker) session(ctx context.Context) (established bool, err error) {
	wc, err := w.manager.CreateWorkerConnection(w.id)
	if err != nil {
		return false, err
	}
	select {
	case <-w.stopCh:
		w.manager.CloseWorkerConnection(w.id)
		return false, errspkg.ErrWorkerStopped
	default:
	}
	w.mu.Lock()
	w.conn = wc
	w.mu.Unlock()

	connClosed := wc.Conn.NotifyClose(make(chan *amqp.Error, 1))
	chanClosed := wc.Channel.NotifyClose(make(chan *amqp.Error, 1))

	// global=true shares the window across this channel's consumers.
	if err := wc.Channel.Qos(w.opts.Prefetch, 0, true); err != nil {
		return false, fmt.Errorf("set prefetch: %w", err)
	}

	merged := make(chan inbound)
	lost := make(chan struct{})
	var lostOnce sync.Once
	done := make(chan struct{})
	defer close(done)

	for _, queue := range w.queues {
		tag := w.id + "-" + queue
		deliveries, err := wc.Channel.Consume(queue, tag, false, false, false, false, nil)
		if err != nil {
			return false, fmt.Errorf("consume %s: %w", queue, err)
		}
		w.mu.Lock()
		w.tags = append(w.tags, tag)
		w.mu.Unlock()

		go func(queue string, deliveries <-chan amqp.Delivery) {
			for d := range deliveries {
				select {
				case merged <- inbound{queue: queue, delivery: d}:
				case <-done:
					return
				}
			}
			lostOnce.Do(func() { close(lost) })
		}(queue, deliveries)
	}

	w.setState(StateConsuming)
	w.logger.Info("Worker consuming", loggingpkg.LogFields{"queues": w.queues, "prefetch": w.opts.Prefetch})

	for {
		if ctx.Err() != nil {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return true, nil
		case cause := <-connClosed:
			return true, closeError("connection", cause)
		case cause := <-chanClosed:
			return true, closeError("channel", cause)
		case <-lost:
			return true, errspkg.ErrDeliveriesClosed
		case in := <-merged:
			w.process(ctx, in.queue, in.delivery)
		}
	}
}

func closeError(what string, cause *amqp.Error) error {
	if cause == nil {
		return fmt.Errorf("broker %s closed", what)
	}
	return fmt.Errorf("broker %s closed: %w", what, cause)
}

func (w *Worker) process(ctx context.Context, queue string, d amqp.Delivery) {
	msg := w.toMessage(queue, d)

	hctx, cancel := ctx, context.CancelFunc(func() {})
	if w.opts.HandlerTimeout > 0 {
		hctx, cancel = context.WithTimeout(ctx, w.opts.HandlerTimeout)
	}
	msg.SetContext(hctx)

	handler, ok := w.routes[queue]
	var err error
	if ok {
		_, err = handler(msg)
	} else {
		err = fmt.Errorf("%w: %s", errspkg.ErrUnknownQueue, queue)
	}
	cancel()

	w.settle(ctx, queue, d, metadatapkg.FromWatermill(msg.Metadata), err)
}

func (w *Worker) toMessage(queue string, d amqp.Delivery) *message.Message {
	id := d.MessageId
	if id == "" {
		id = idspkg.CreateULID()
	}
	md := metadatapkg.FromAMQP(d.Headers)
	if md[metadatapkg.KeyCorrelationID] == "" && d.CorrelationId != "" {
		md[metadatapkg.KeyCorrelationID] = d.CorrelationId
	}
	md[metadatapkg.KeyQueue] = queue
	md[metadatapkg.KeyWorkerID] = w.id
	md[metadatapkg.KeyMessageID] = id

	msg := message.NewMessage(id, d.Body)
	msg.Metadata = metadatapkg.ToWatermill(md)
	return msg
}

// settle acknowledges d according to the handler outcome. A message is only
// acked once its successor (redelivery or dead letter) is on the broker.
func (w *Worker) settle(ctx context.Context, queue string, d amqp.Delivery, md metadatapkg.Metadata, err error) {
	switch {
	case err == nil:
		w.ack(queue, d, OutcomeAcked)
	case ctx.Err() != nil:
		w.requeue(queue, d, err)
	case events.IsDecodeError(err):
		w.deadLetter(queue, d, md, err, DeadLetterReasonDecode)
	case w.opts.MaxRedeliveries < 0:
		w.requeue(queue, d, err)
	case md.RedeliveryCount() >= w.opts.MaxRedeliveries:
		w.deadLetter(queue, d, md, err, DeadLetterReasonExhausted)
	default:
		w.redeliver(queue, d, md, err)
	}
}

func (w *Worker) redeliver(queue string, d amqp.Delivery, md metadatapkg.Metadata, cause error) {
	count := md.RedeliveryCount() + 1
	if err := w.republish(queue, d, md.Outgoing().WithRedeliveryCount(count)); err != nil {
		w.logger.Error("Redelivery publish failed", err, loggingpkg.LogFields{"queue": queue})
		w.requeue(queue, d, cause)
		return
	}
	w.ack(queue, d, OutcomeRedelivered)
}

func (w *Worker) deadLetter(queue string, d amqp.Delivery, md metadatapkg.Metadata, cause error, reason string) {
	now := w.opts.Now()
	headers := md.Outgoing().WithRedeliveryCount(md.RedeliveryCount()).DeadLetter(queue, cause, now)
	if err := w.republish(events.QueueDeadLetters, d, headers); err != nil {
		w.logger.Error("Dead-letter publish failed", err, loggingpkg.LogFields{"queue": queue})
		w.requeue(queue, d, cause)
		return
	}

	var age time.Duration
	if published := publishedAt(d); !published.IsZero() {
		age = now.Sub(published)
	}
	w.opts.DLQMetrics.RecordMessageToDLQ(queue, reason, md.RedeliveryCount(), age)
	w.logger.Info("Message dead-lettered", loggingpkg.LogFields{
		"queue":            queue,
		"reason":           reason,
		"error":            cause.Error(),
		"redelivery_count": md.RedeliveryCount(),
	})
	w.ack(queue, d, OutcomeDeadLettered)
}

func (w *Worker) republish(queue string, d amqp.Delivery, headers metadatapkg.Metadata) error {
	w.mu.Lock()
	wc := w.conn
	w.mu.Unlock()
	if wc == nil {
		return errspkg.ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	return wc.Channel.PublishWithContext(ctx, "", queue, false, false, republishing(d, headers))
}

func (w *Worker) ack(queue string, d amqp.Delivery, outcome string) {
	if err := d.Ack(false); err != nil {
		w.logger.Error("Ack failed, broker will redeliver", err, loggingpkg.LogFields{"queue": queue})
		return
	}
	w.opts.Metrics.RecordOutcome(queue, outcome)
}

func (w *Worker) requeue(queue string, d amqp.Delivery, cause error) {
	if err := d.Nack(false, true); err != nil {
		w.logger.Error("Nack failed, broker will redeliver", err, loggingpkg.LogFields{"queue": queue})
		return
	}
	w.logger.Debug("Message requeued", loggingpkg.LogFields{"queue": queue, "error": cause.Error()})
	w.opts.Metrics.RecordOutcome(queue, OutcomeRequeued)
}

// release cancels the consumers and hands the connection back to the manager.
func (w *Worker) release() {
	w.mu.Lock()
	wc, tags := w.conn, w.tags
	w.conn, w.tags = nil, nil
	w.mu.Unlock()
	if wc == nil {
		return
	}

	if !wc.Channel.IsClosed() {
		for _, tag := range tags {
			_ = wc.Channel.Cancel(tag, false)
		}
	}
	w.manager.CloseWorkerConnection(w.id)
}

func (w *Worker) shutdown() {
	w.release()
	w.setState(StateStopped)
}

// Stop cancels the worker's consumers, closes its connection and ends Serve.
// It is safe to call more than once and before Serve.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.logger.Info("Worker stopping", nil)
	})
	w.shutdown()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
