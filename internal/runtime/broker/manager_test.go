package broker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darams4863/escape-room-with-ai/internal/runtime/broker"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/broker/brokertest"
	perrors "github.com/darams4863/escape-room-with-ai/internal/runtime/errors"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/events"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/logging"
)

type backoffRecorder struct {
	mu      sync.Mutex
	waits   []time.Duration
	attempt []int
}

func (r *backoffRecorder) Backoff(attempt int) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempt = append(r.attempt, attempt)
	r.waits = append(r.waits, broker.ExponentialBackoff(attempt))
	return time.Millisecond
}

func newManager(t *testing.T, b *brokertest.Broker, rec *backoffRecorder) *broker.Manager {
	t.Helper()
	opts := broker.Options{URL: "amqp://test", Dialer: b.Dial}
	if rec != nil {
		opts.Backoff = rec.Backoff
	} else {
		opts.Backoff = func(int) time.Duration { return time.Millisecond }
	}
	m, err := broker.NewManager(opts, logging.NewDiscardServiceLogger())
	require.NoError(t, err)
	t.Cleanup(m.DisconnectAll)
	return m
}

func TestNewManagerRequiresLogger(t *testing.T) {
	_, err := broker.NewManager(broker.Options{}, nil)
	assert.ErrorIs(t, err, perrors.ErrLoggerRequired)
}

func TestConnectDeclaresTopology(t *testing.T) {
	b := brokertest.New()
	m := newManager(t, b, nil)

	require.True(t, m.Connect(context.Background(), 3))
	assert.True(t, m.IsConnected())
	for _, q := range events.Topology {
		assert.True(t, b.Declared(q), "queue %s should be declared durable", q)
	}
	assert.Equal(t, 1, b.DialAttempts())
}

func TestConnectGivesUpAfterMaxRetries(t *testing.T) {
	b := brokertest.New()
	b.SetDown(true)
	rec := &backoffRecorder{}
	m := newManager(t, b, rec)

	assert.False(t, m.Connect(context.Background(), 3))
	assert.False(t, m.IsConnected())
	assert.Equal(t, 3, b.DialAttempts())
	assert.Equal(t, []int{1, 2, 3}, rec.attempt, "every failed attempt is followed by a pause")
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, rec.waits)
}

func TestConnectRecoversWithinBudget(t *testing.T) {
	b := brokertest.New()
	b.FailNextDials(2)
	m := newManager(t, b, nil)

	assert.True(t, m.Connect(context.Background(), 3))
	assert.Equal(t, 3, b.DialAttempts())
}

func TestConnectHonoursContext(t *testing.T) {
	b := brokertest.New()
	b.SetDown(true)
	m, err := broker.NewManager(broker.Options{Dialer: b.Dial}, logging.NewDiscardServiceLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	assert.False(t, m.Connect(ctx, 5))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, b.DialAttempts())
}

func TestExponentialBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, broker.ExponentialBackoff(1))
	assert.Equal(t, 4*time.Second, broker.ExponentialBackoff(2))
	assert.Equal(t, 8*time.Second, broker.ExponentialBackoff(3))
}

func TestPublishRequiresConnection(t *testing.T) {
	b := brokertest.New()
	m := newManager(t, b, nil)

	err := m.Publish(context.Background(), events.QueueDBSync, amqp.Publishing{Body: []byte("{}")})
	assert.ErrorIs(t, err, perrors.ErrNotConnected)

	err = m.Publish(context.Background(), "", amqp.Publishing{})
	assert.ErrorIs(t, err, perrors.ErrQueueRequired)
}

func TestPublishDeliversToQueue(t *testing.T) {
	b := brokertest.New()
	m := newManager(t, b, nil)
	require.True(t, m.Connect(context.Background(), 1))

	err := m.Publish(context.Background(), events.QueueUserActions, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		Body:         []byte(`{"user_id":1}`),
	})
	require.NoError(t, err)

	msgs := b.Messages(events.QueueUserActions)
	require.Len(t, msgs, 1)
	assert.Equal(t, amqp.Persistent, msgs[0].DeliveryMode)
}

func TestPublishFailureMarksDisconnected(t *testing.T) {
	b := brokertest.New()
	m := newManager(t, b, nil)
	require.True(t, m.Connect(context.Background(), 1))

	b.FailPublishes(errors.New("channel exception"))
	err := m.Publish(context.Background(), events.QueueDBSync, amqp.Publishing{})
	require.Error(t, err)
	assert.False(t, m.IsConnected())

	b.FailPublishes(nil)
	require.True(t, m.Connect(context.Background(), 1))
	assert.NoError(t, m.Publish(context.Background(), events.QueueDBSync, amqp.Publishing{}))
}

func TestBrokerRestartIsObserved(t *testing.T) {
	b := brokertest.New()
	m := newManager(t, b, nil)
	require.True(t, m.Connect(context.Background(), 1))

	b.Kill()

	assert.Eventually(t, func() bool { return !m.IsConnected() }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, m.Publish(context.Background(), events.QueueDBSync, amqp.Publishing{}), perrors.ErrNotConnected)
}

func TestWorkerConnectionsAreIsolated(t *testing.T) {
	b := brokertest.New()
	m := newManager(t, b, nil)
	require.True(t, m.Connect(context.Background(), 1))

	w1, err := m.CreateWorkerConnection("w1")
	require.NoError(t, err)
	w2, err := m.CreateWorkerConnection("w2")
	require.NoError(t, err)

	assert.NotSame(t, w1.Conn, w2.Conn)
	assert.Equal(t, 3, b.OpenConnections(), "admin plus one per worker")

	_, err = m.CreateWorkerConnection("w1")
	assert.ErrorIs(t, err, perrors.ErrWorkerExists)

	m.CloseWorkerConnection("w1")
	assert.True(t, w1.Conn.IsClosed())
	assert.False(t, w2.Conn.IsClosed())
	assert.True(t, m.IsConnected())

	_, err = w2.Channel.QueueDeclare(events.QueueDBSync, true, false, false, false, nil)
	assert.NoError(t, err, "surviving worker channel stays usable")

	health := m.Health()
	assert.Len(t, health.Workers, 1)
	assert.True(t, health.Workers["w2"].Connected)
}

func TestCloseWorkerConnectionToleratesBrokenSocket(t *testing.T) {
	b := brokertest.New()
	m := newManager(t, b, nil)

	_, err := m.CreateWorkerConnection("w1")
	require.NoError(t, err)
	b.Kill()

	m.CloseWorkerConnection("w1")
	m.CloseWorkerConnection("w1")
	assert.Equal(t, 0, m.WorkerCount())
}

func TestDisconnectAll(t *testing.T) {
	b := brokertest.New()
	m := newManager(t, b, nil)
	require.True(t, m.Connect(context.Background(), 1))
	_, err := m.CreateWorkerConnection("w1")
	require.NoError(t, err)

	m.DisconnectAll()

	assert.False(t, m.IsConnected())
	assert.Equal(t, 0, m.WorkerCount())
	assert.Equal(t, 0, b.OpenConnections())

	m.DisconnectAll()
}

func TestHealthReportsUptime(t *testing.T) {
	b := brokertest.New()
	m := newManager(t, b, nil)

	_, err := m.CreateWorkerConnection("w1")
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	report := m.Health()
	assert.False(t, report.Connected)
	require.Contains(t, report.Workers, "w1")
	assert.True(t, report.Workers["w1"].Connected)
	assert.GreaterOrEqual(t, report.Workers["w1"].Uptime, 20*time.Millisecond)
	assert.InDelta(t, report.Workers["w1"].Uptime.Seconds(), report.Workers["w1"].UptimeSeconds, 1e-9)
}

func TestCreateWorkerConnectionFailsWhenBrokerDown(t *testing.T) {
	b := brokertest.New()
	b.SetDown(true)
	m := newManager(t, b, nil)

	_, err := m.CreateWorkerConnection("w1")
	assert.ErrorIs(t, err, brokertest.ErrBrokerDown)
	assert.Equal(t, 0, m.WorkerCount())

	_, err = m.CreateWorkerConnection("")
	assert.ErrorIs(t, err, perrors.ErrWorkerIDRequired)
}
