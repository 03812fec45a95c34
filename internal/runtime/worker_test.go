package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thejerf/suture/v4"

	"github.com/darams4863/escape-room-with-ai/internal/runtime/broker"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/broker/brokertest"
	errspkg "github.com/darams4863/escape-room-with-ai/internal/runtime/errors"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/events"
	handlerpkg "github.com/darams4863/escape-room-with-ai/internal/runtime/handlers"
	loggingpkg "github.com/darams4863/escape-room-with-ai/internal/runtime/logging"
	metadatapkg "github.com/darams4863/escape-room-with-ai/internal/runtime/metadata"
)

type recordedCall struct {
	queue      string
	messageID  string
	redelivery int
	env        events.Envelope
}

type callRecorder struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (r *callRecorder) handler(fn func(n int) error) handlerpkg.Handler {
	return func(_ context.Context, mc handlerpkg.MessageContext) error {
		r.mu.Lock()
		r.calls = append(r.calls, recordedCall{
			queue:      mc.Queue,
			messageID:  mc.Get(metadatapkg.KeyMessageID),
			redelivery: mc.RedeliveryCount(),
			env:        mc.Envelope,
		})
		n := len(r.calls)
		r.mu.Unlock()
		if fn == nil {
			return nil
		}
		return fn(n)
	}
}

func (r *callRecorder) Calls() []recordedCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedCall(nil), r.calls...)
}

func (r *callRecorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func enqueueEvent(t *testing.T, b *brokertest.Broker, queue, id string, env events.Envelope) {
	t.Helper()
	body, err := events.Encode(env)
	require.NoError(t, err)
	b.Enqueue(queue, amqp.Publishing{
		ContentType:  ContentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    publishTime,
		Body:         body,
	})
}

func testWorkerOptions(opts WorkerOptions) WorkerOptions {
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 5 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return publishTime.Add(time.Minute) }
	}
	return opts
}

func newTestWorker(t *testing.T, id string, m *broker.Manager, routes map[string]handlerpkg.Handler, opts WorkerOptions) *Worker {
	t.Helper()
	w, err := NewWorker(id, m, routes, loggingpkg.NewDiscardServiceLogger(), testWorkerOptions(opts))
	require.NoError(t, err)
	return w
}

// runWorker serves w in the background and waits until it consumes.
func runWorker(t *testing.T, w *Worker) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		done <- w.Serve(ctx)
		close(finished)
	}()
	t.Cleanup(func() {
		cancel()
		w.Stop()
		select {
		case <-finished:
		case <-time.After(2 * time.Second):
			t.Error("worker did not stop")
		}
	})
	eventually(t, func() bool { return w.State() == StateConsuming }, "worker never started consuming")
	return done
}

func allQueues(h handlerpkg.Handler) map[string]handlerpkg.Handler {
	return map[string]handlerpkg.Handler{
		events.QueueUserActions:      h,
		events.QueueBusinessInsights: h,
		events.QueueDBSync:           h,
	}
}

func TestNewWorkerValidates(t *testing.T) {
	m := newTestManager(t, brokertest.New())
	logger := loggingpkg.NewDiscardServiceLogger()
	routes := allQueues(func(context.Context, handlerpkg.MessageContext) error { return nil })

	_, err := NewWorker("", m, routes, logger, WorkerOptions{})
	assert.ErrorIs(t, err, errspkg.ErrWorkerIDRequired)
	_, err = NewWorker("w", nil, routes, logger, WorkerOptions{})
	assert.ErrorIs(t, err, errspkg.ErrManagerRequired)
	_, err = NewWorker("w", m, routes, nil, WorkerOptions{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)
	_, err = NewWorker("w", m, nil, logger, WorkerOptions{})
	assert.ErrorIs(t, err, errspkg.ErrHandlerRequired)
	_, err = NewWorker("w", m, map[string]handlerpkg.Handler{events.QueueDBSync: nil}, logger, WorkerOptions{})
	assert.ErrorIs(t, err, errspkg.ErrHandlerRequired)

	w, err := NewWorker("w", m, routes, logger, WorkerOptions{})
	require.NoError(t, err)
	assert.Equal(t, events.ConsumedQueues, w.queues)
	assert.Equal(t, DefaultPrefetch, w.opts.Prefetch)
	assert.Equal(t, StateCreated, w.State())
	assert.Equal(t, "worker w", w.String())
}

func TestWorkerStateString(t *testing.T) {
	assert.Equal(t, "consuming", StateConsuming.String())
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "state(9)", WorkerState(9).String())
}

func TestWorkerProcessesEachQueue(t *testing.T) {
	b := brokertest.New()
	m := newTestManager(t, b)
	rec := &callRecorder{}
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	w := newTestWorker(t, "worker-1", m, allQueues(rec.handler(nil)), WorkerOptions{Metrics: metrics})
	runWorker(t, w)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.workersConsuming))
	enqueueEvent(t, b, events.QueueUserActions, "a", testEnvelope(t, "chat_message", nil))
	enqueueEvent(t, b, events.QueueBusinessInsights, "b", testEnvelope(t, events.ActionBusinessInsight, nil))
	enqueueEvent(t, b, events.QueueDBSync, "c", testEnvelope(t, events.ActionPreferenceSync, nil))

	eventually(t, func() bool {
		return rec.Len() == 3 && testutil.ToFloat64(metrics.messages.WithLabelValues(events.QueueDBSync, OutcomeAcked)) == 1
	})

	seen := map[string]string{}
	for _, c := range rec.Calls() {
		seen[c.queue] = c.messageID
		assert.Equal(t, int64(42), c.env.UserID)
	}
	assert.Equal(t, map[string]string{
		events.QueueUserActions:      "a",
		events.QueueBusinessInsights: "b",
		events.QueueDBSync:           "c",
	}, seen)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.messages.WithLabelValues(events.QueueDBSync, OutcomeAcked)))

	w.Stop()
	assert.Equal(t, StateStopped, w.State())
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.workersConsuming))
	assert.Equal(t, 0, b.OpenConnections())
	assert.Equal(t, 0, m.WorkerCount())
}

func TestWorkerKeepsQueueOrder(t *testing.T) {
	b := brokertest.New()
	rec := &callRecorder{}
	w := newTestWorker(t, "worker-1", newTestManager(t, b), allQueues(rec.handler(nil)), WorkerOptions{})

	ids := []string{"m1", "m2", "m3", "m4", "m5"}
	for _, id := range ids {
		enqueueEvent(t, b, events.QueueDBSync, id, testEnvelope(t, events.ActionConversationSync, nil))
	}
	runWorker(t, w)

	eventually(t, func() bool { return rec.Len() == len(ids) })
	var got []string
	for _, c := range rec.Calls() {
		got = append(got, c.messageID)
	}
	assert.Equal(t, ids, got)
}

func TestWorkerPrefetchBoundsUnacked(t *testing.T) {
	b := brokertest.New()
	release := make(chan struct{})
	rec := &callRecorder{}
	handler := rec.handler(func(int) error {
		<-release
		return nil
	})
	w := newTestWorker(t, "worker-1", newTestManager(t, b), allQueues(handler), WorkerOptions{Prefetch: 2})

	for i := 0; i < 10; i++ {
		enqueueEvent(t, b, events.QueueUserActions, "", testEnvelope(t, "chat_message", nil))
	}
	runWorker(t, w)

	eventually(t, func() bool { return rec.Len() == 1 && b.Unacked() == 2 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, b.Unacked(), "prefetch window exceeded")
	assert.Equal(t, 8, b.Len(events.QueueUserActions))

	close(release)
	eventually(t, func() bool { return rec.Len() == 10 && b.Unacked() == 0 })
}

func TestWorkerRedeliversWithCounter(t *testing.T) {
	b := brokertest.New()
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	rec := &callRecorder{}
	handler := rec.handler(func(n int) error {
		if n < 3 {
			return errors.New("database unavailable")
		}
		return nil
	})
	w := newTestWorker(t, "worker-1", newTestManager(t, b), allQueues(handler), WorkerOptions{MaxRedeliveries: 3, Metrics: metrics})
	runWorker(t, w)

	enqueueEvent(t, b, events.QueueUserActions, "m1", testEnvelope(t, "chat_message", nil))
	eventually(t, func() bool {
		return testutil.ToFloat64(metrics.messages.WithLabelValues(events.QueueUserActions, OutcomeAcked)) == 1
	})
	assert.Equal(t, 3, rec.Len())
	assert.Equal(t, 0, b.Len(events.QueueUserActions))

	calls := rec.Calls()
	for i, c := range calls {
		assert.Equal(t, "m1", c.messageID)
		assert.Equal(t, i, c.redelivery)
	}
	assert.Equal(t, 0, b.Len(events.QueueDeadLetters))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.messages.WithLabelValues(events.QueueUserActions, OutcomeRedelivered)))
}

func TestWorkerDeadLettersAfterMaxRedeliveries(t *testing.T) {
	b := brokertest.New()
	dlq, _ := newTestDLQMetrics(t)
	rec := &callRecorder{}
	handler := rec.handler(func(int) error { return errors.New("constraint violation") })
	w := newTestWorker(t, "worker-1", newTestManager(t, b), allQueues(handler), WorkerOptions{MaxRedeliveries: 1, DLQMetrics: dlq})
	runWorker(t, w)

	enqueueEvent(t, b, events.QueueDBSync, "m1", testEnvelope(t, events.ActionPreferenceSync, nil))
	eventually(t, func() bool { return b.Len(events.QueueDeadLetters) == 1 })
	eventually(t, func() bool { return b.Unacked() == 0 })

	assert.Equal(t, 2, rec.Len())
	dead := b.Messages(events.QueueDeadLetters)[0]
	headers := metadatapkg.FromAMQP(dead.Headers)
	assert.Equal(t, events.QueueDBSync, headers[metadatapkg.KeyOriginalQueue])
	assert.Contains(t, headers[metadatapkg.KeyError], "constraint violation")
	assert.Equal(t, "1", headers[metadatapkg.KeyRedeliveryCount])
	assert.NotEmpty(t, headers[metadatapkg.KeyFailedAt])
	assert.Empty(t, headers[metadatapkg.KeyWorkerID])
	assert.Equal(t, "m1", dead.MessageId)
	assert.Equal(t, amqp.Persistent, dead.DeliveryMode)
	assert.Equal(t, 0, b.Len(events.QueueDBSync))

	qm := dlq.GetQueueMetrics(events.QueueDBSync)
	require.NotNil(t, qm)
	assert.Equal(t, uint64(1), qm.MessagesReceived)
}

func TestWorkerDeadLettersDecodeErrorsWithoutRetry(t *testing.T) {
	b := brokertest.New()
	rec := &callRecorder{}
	w := newTestWorker(t, "worker-1", newTestManager(t, b), allQueues(rec.handler(nil)), WorkerOptions{MaxRedeliveries: 5})
	runWorker(t, w)

	b.Enqueue(events.QueueUserActions, amqp.Publishing{MessageId: "bad", Body: []byte("{not json")})
	b.Enqueue(events.QueueUserActions, amqp.Publishing{MessageId: "utf", Body: []byte("{\"action\":\"\xff\"}")})

	eventually(t, func() bool { return b.Len(events.QueueDeadLetters) == 2 })
	assert.Equal(t, 0, rec.Len(), "handler must not see undecodable events")
	for _, d := range b.Messages(events.QueueDeadLetters) {
		headers := metadatapkg.FromAMQP(d.Headers)
		assert.Equal(t, events.QueueUserActions, headers[metadatapkg.KeyOriginalQueue])
		assert.Equal(t, "0", headers[metadatapkg.KeyRedeliveryCount])
		assert.Equal(t, ContentTypeJSON, d.ContentType)
	}
}

func TestWorkerLegacyModeRequeues(t *testing.T) {
	b := brokertest.New()
	rec := &callRecorder{}
	handler := rec.handler(func(n int) error {
		if n == 1 {
			return errors.New("transient")
		}
		return nil
	})
	w := newTestWorker(t, "worker-1", newTestManager(t, b), allQueues(handler), WorkerOptions{MaxRedeliveries: -1})
	runWorker(t, w)

	enqueueEvent(t, b, events.QueueUserActions, "m1", testEnvelope(t, "chat_message", nil))
	eventually(t, func() bool { return rec.Len() == 2 && b.Unacked() == 0 })

	for _, c := range rec.Calls() {
		assert.Equal(t, 0, c.redelivery, "legacy requeue does not count")
	}
	assert.Equal(t, 0, b.Len(events.QueueDeadLetters))
}

func TestWorkerRequeuesWhenRepublishFails(t *testing.T) {
	b := brokertest.New()
	b.FailPublishes(errors.New("channel blocked"))
	rec := &callRecorder{}
	handler := rec.handler(func(n int) error {
		switch n {
		case 1:
			return errors.New("first failure")
		case 2:
			b.FailPublishes(nil)
			return errors.New("second failure")
		default:
			return nil
		}
	})
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	w := newTestWorker(t, "worker-1", newTestManager(t, b), allQueues(handler), WorkerOptions{MaxRedeliveries: 5, Metrics: metrics})
	runWorker(t, w)

	enqueueEvent(t, b, events.QueueUserActions, "m1", testEnvelope(t, "chat_message", nil))
	eventually(t, func() bool { return rec.Len() == 3 && b.Unacked() == 0 })

	calls := rec.Calls()
	assert.Equal(t, 0, calls[1].redelivery, "requeued message keeps its counter")
	assert.Equal(t, 1, calls[2].redelivery)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.messages.WithLabelValues(events.QueueUserActions, OutcomeRequeued)))
	assert.Equal(t, 0, b.Len(events.QueueUserActions))
}

func TestWorkerHandlerTimeout(t *testing.T) {
	b := brokertest.New()
	handler := func(ctx context.Context, _ handlerpkg.MessageContext) error {
		<-ctx.Done()
		return ctx.Err()
	}
	w := newTestWorker(t, "worker-1", newTestManager(t, b), allQueues(handler), WorkerOptions{
		HandlerTimeout:  10 * time.Millisecond,
		MaxRedeliveries: 0,
	})
	runWorker(t, w)

	enqueueEvent(t, b, events.QueueDBSync, "slow", testEnvelope(t, events.ActionConversationSync, nil))
	eventually(t, func() bool { return b.Len(events.QueueDeadLetters) == 1 })
	headers := metadatapkg.FromAMQP(b.Messages(events.QueueDeadLetters)[0].Headers)
	assert.Contains(t, headers[metadatapkg.KeyError], "deadline exceeded")
}

func TestWorkerRecoversPanics(t *testing.T) {
	b := brokertest.New()
	handler := func(context.Context, handlerpkg.MessageContext) error { panic("nil map") }
	w := newTestWorker(t, "worker-1", newTestManager(t, b), allQueues(handler), WorkerOptions{MaxRedeliveries: 0})
	runWorker(t, w)

	enqueueEvent(t, b, events.QueueUserActions, "p", testEnvelope(t, "chat_message", nil))
	eventually(t, func() bool { return b.Len(events.QueueDeadLetters) == 1 })
	assert.Equal(t, StateConsuming, w.State())
}

func TestWorkerReconnectsAndRedeliversInFlight(t *testing.T) {
	b := brokertest.New()
	m := newTestManager(t, b)
	block := make(chan struct{})
	var first atomic.Bool
	rec := &callRecorder{}
	handler := rec.handler(func(int) error {
		if first.CompareAndSwap(false, true) {
			<-block
		}
		return nil
	})
	w := newTestWorker(t, "worker-1", m, allQueues(handler), WorkerOptions{})
	runWorker(t, w)

	enqueueEvent(t, b, events.QueueUserActions, "in-flight", testEnvelope(t, "chat_message", nil))
	eventually(t, func() bool { return rec.Len() == 1 })

	b.Kill()
	close(block)

	eventually(t, func() bool { return rec.Len() == 2 }, "in-flight message must be redelivered")
	eventually(t, func() bool { return w.State() == StateConsuming })
	calls := rec.Calls()
	assert.Equal(t, "in-flight", calls[1].messageID)

	enqueueEvent(t, b, events.QueueDBSync, "after", testEnvelope(t, events.ActionConversationSync, nil))
	eventually(t, func() bool { return rec.Len() == 3 && b.Unacked() == 0 })
	assert.Equal(t, 1, m.WorkerCount())
	assert.Equal(t, 1, b.OpenConnections())
}

func TestWorkerGivesUpAfterReconnectAttempts(t *testing.T) {
	b := brokertest.New()
	w := newTestWorker(t, "worker-1", newTestManager(t, b), allQueues(func(context.Context, handlerpkg.MessageContext) error { return nil }), WorkerOptions{
		ReconnectAttempts: 2,
		ReconnectDelay:    time.Millisecond,
	})
	done := runWorker(t, w)

	attempts := b.DialAttempts()
	b.SetDown(true)
	b.Kill()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, errspkg.ErrReconnectExhausted)
	case <-time.After(2 * time.Second):
		t.Fatal("worker kept reconnecting")
	}
	assert.Equal(t, StateStopped, w.State())
	assert.Equal(t, attempts+2, b.DialAttempts())
}

func TestReconnectBackOffDoublesUpToCap(t *testing.T) {
	pause := newReconnectBackOff(30 * time.Second)
	var got []time.Duration
	for range 5 {
		got = append(got, pause.NextBackOff())
	}
	assert.Equal(t, []time.Duration{
		30 * time.Second, time.Minute, 2 * time.Minute, 2 * time.Minute, 2 * time.Minute,
	}, got)

	pause.Reset()
	assert.Equal(t, 30*time.Second, pause.NextBackOff(), "a working session restarts the schedule")
	assert.Equal(t, 5*time.Minute, newReconnectBackOff(5*time.Minute).NextBackOff(), "a larger first delay raises the cap")
}

func TestWorkerStop(t *testing.T) {
	b := brokertest.New()
	m := newTestManager(t, b)
	w := newTestWorker(t, "worker-1", m, allQueues(func(context.Context, handlerpkg.MessageContext) error { return nil }), WorkerOptions{})

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx) }()
	eventually(t, func() bool { return w.State() == StateConsuming })

	w.Stop()
	w.Stop()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, suture.ErrDoNotRestart)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
	assert.Equal(t, StateStopped, w.State())
	assert.Equal(t, 0, m.WorkerCount())
	assert.ErrorIs(t, w.Serve(ctx), suture.ErrDoNotRestart, "a stopped worker stays stopped")
}

func TestWorkerStopBeforeServe(t *testing.T) {
	w := newTestWorker(t, "worker-1", newTestManager(t, brokertest.New()), allQueues(func(context.Context, handlerpkg.MessageContext) error { return nil }), WorkerOptions{})
	w.Stop()
	assert.Equal(t, StateStopped, w.State())
	assert.ErrorIs(t, w.Serve(context.Background()), suture.ErrDoNotRestart)
}

func TestWorkerServeReturnsOnContextCancel(t *testing.T) {
	b := brokertest.New()
	w := newTestWorker(t, "worker-1", newTestManager(t, b), allQueues(func(context.Context, handlerpkg.MessageContext) error { return nil }), WorkerOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx) }()
	eventually(t, func() bool { return w.State() == StateConsuming })

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve ignored cancellation")
	}
	assert.Equal(t, StateStopped, w.State())
	assert.Equal(t, 0, b.OpenConnections())
}

func TestWorkersAreIsolated(t *testing.T) {
	b := brokertest.New()
	m := newTestManager(t, b)
	var mu sync.Mutex
	byWorker := map[string]int{}
	handler := func(_ context.Context, mc handlerpkg.MessageContext) error {
		mu.Lock()
		byWorker[mc.Get(metadatapkg.KeyWorkerID)]++
		mu.Unlock()
		return nil
	}
	w1 := newTestWorker(t, "worker-1", m, allQueues(handler), WorkerOptions{Prefetch: 1})
	w2 := newTestWorker(t, "worker-2", m, allQueues(handler), WorkerOptions{Prefetch: 1})
	runWorker(t, w1)
	runWorker(t, w2)

	assert.Equal(t, 2, b.OpenConnections(), "each worker owns a connection")
	assert.Equal(t, 2, m.WorkerCount())

	w1.Stop()
	assert.Equal(t, StateConsuming, w2.State())
	for i := 0; i < 5; i++ {
		enqueueEvent(t, b, events.QueueUserActions, "", testEnvelope(t, "chat_message", nil))
	}
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return byWorker["worker-2"] == 5
	})

	report := m.Health()
	_, ok := report.Workers["worker-2"]
	assert.True(t, ok)
	_, ok = report.Workers["worker-1"]
	assert.False(t, ok)
}
