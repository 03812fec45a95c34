// Package broker owns RabbitMQ connectivity: the process-wide admin
// connection used by publishers, one isolated connection per worker, the
// fixed queue topology and the worker registry behind health reports.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	perrors "github.com/darams4863/escape-room-with-ai/internal/runtime/errors"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/events"
	"github.com/darams4863/escape-room-with-ai/internal/runtime/logging"
)

// Options configures a Manager.
type Options struct {
	URL       string
	Heartbeat time.Duration
	// Queues overrides the declared topology. Defaults to events.Topology.
	Queues []string
	// Dialer defaults to DialAMQP.
	Dialer Dialer
	// Backoff returns the pause after the given failed attempt (1-based).
	// Defaults to 2^attempt seconds.
	Backoff func(attempt int) time.Duration
}

// ExponentialBackoff waits 2^attempt seconds after the attempt-th failure.
func ExponentialBackoff(attempt int) time.Duration {
	return time.Duration(1<<attempt) * time.Second
}

// WorkerConn is an isolated connection handed to exactly one worker.
type WorkerConn struct {
	ID        string
	Conn      Connection
	Channel   Channel
	CreatedAt time.Time
}

// Manager supervises broker connectivity. It never reconnects on its own:
// callers that observe a broken connection call Connect again.
type Manager struct {
	opts   Options
	logger logging.ServiceLogger
	now    func() time.Time

	connectMu sync.Mutex

	mu        sync.Mutex
	conn      Connection
	ch        Channel
	connected bool

	workersMu sync.RWMutex
	workers   map[string]*WorkerConn
}

// NewManager builds a Manager. No connection is opened until Connect.
func NewManager(opts Options, logger logging.ServiceLogger) (*Manager, error) {
	if logger == nil {
		return nil, perrors.ErrLoggerRequired
	}
	if opts.Dialer == nil {
		opts.Dialer = DialAMQP
	}
	if opts.Backoff == nil {
		opts.Backoff = ExponentialBackoff
	}
	if len(opts.Queues) == 0 {
		opts.Queues = events.Topology
	}
	return &Manager{
		opts:    opts,
		logger:  logging.Component(logger, "broker"),
		now:     time.Now,
		workers: make(map[string]*WorkerConn),
	}, nil
}

// Connect opens the admin connection, retrying up to maxRetries times. Every
// failed attempt, the last included, is followed by a Backoff(attempt) pause,
// so three failures take 2s, 4s and 8s. It returns false once the budget is
// spent or ctx ends,
// leaving the manager disconnected so messaging degrades instead of failing.
func (m *Manager) Connect(ctx context.Context, maxRetries int) bool {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	if maxRetries < 1 {
		maxRetries = 1
	}
	for attempt := 1; attempt <= maxRetries; attempt++ {
		err := m.connectOnce()
		if err == nil {
			m.logger.Info("Broker connected", logging.LogFields{"attempt": attempt, "max_retries": maxRetries})
			return true
		}
		m.logger.Error("Broker connect attempt failed", err, logging.LogFields{"attempt": attempt, "max_retries": maxRetries})
		if err := sleepContext(ctx, m.opts.Backoff(attempt)); err != nil {
			m.logger.Info("Broker connect cancelled", logging.LogFields{"attempt": attempt})
			return false
		}
	}
	m.logger.Error("Broker connect gave up", perrors.ErrNotConnected, logging.LogFields{"max_retries": maxRetries})
	return false
}

func (m *Manager) connectOnce() error {
	m.mu.Lock()
	stale := m.conn
	m.conn, m.ch, m.connected = nil, nil, false
	m.mu.Unlock()
	if stale != nil && !stale.IsClosed() {
		_ = stale.Close()
	}

	conn, ch, err := m.open()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.conn, m.ch, m.connected = conn, ch, true
	m.mu.Unlock()

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go m.watchAdmin(conn, closed)
	return nil
}

func (m *Manager) watchAdmin(conn Connection, closed <-chan *amqp.Error) {
	amqpErr, ok := <-closed
	m.mu.Lock()
	if m.conn == conn {
		m.connected = false
	}
	m.mu.Unlock()
	if ok && amqpErr != nil {
		m.logger.Error("Broker admin connection lost", amqpErr, nil)
	}
}

// open dials a fresh connection, opens a channel and declares the topology.
func (m *Manager) open() (Connection, Channel, error) {
	cfg := amqp.Config{Heartbeat: m.opts.Heartbeat, Properties: amqp.NewConnectionProperties()}
	conn, err := m.opts.Dialer(m.opts.URL, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	if err := m.declare(ch); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, err
	}
	return conn, ch, nil
}

// declare is idempotent: redeclaring an existing durable queue is a no-op.
func (m *Manager) declare(ch Channel) error {
	for _, queue := range m.opts.Queues {
		if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare queue %s: %w", queue, err)
		}
	}
	return nil
}

// IsConnected reports whether the admin connection is usable.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectedLocked()
}

func (m *Manager) connectedLocked() bool {
	if !m.connected || m.conn == nil || m.ch == nil {
		return false
	}
	return !m.conn.IsClosed() && !m.ch.IsClosed()
}

// Publish sends msg to queue through the admin channel. amqp channels are
// not safe for concurrent use, so publishes are serialized. Any failure
// marks the manager disconnected.
func (m *Manager) Publish(ctx context.Context, queue string, msg amqp.Publishing) error {
	if queue == "" {
		return perrors.ErrQueueRequired
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connectedLocked() {
		m.connected = false
		return perrors.ErrNotConnected
	}
	if err := m.ch.PublishWithContext(ctx, "", queue, false, false, msg); err != nil {
		m.connected = false
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// CreateWorkerConnection opens a dedicated connection for workerID and
// registers it. The admin socket is never shared with workers.
func (m *Manager) CreateWorkerConnection(workerID string) (*WorkerConn, error) {
	if workerID == "" {
		return nil, perrors.ErrWorkerIDRequired
	}
	m.workersMu.RLock()
	_, exists := m.workers[workerID]
	m.workersMu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", perrors.ErrWorkerExists, workerID)
	}

	conn, ch, err := m.open()
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", workerID, err)
	}
	wc := &WorkerConn{ID: workerID, Conn: conn, Channel: ch, CreatedAt: m.now()}

	m.workersMu.Lock()
	if _, raced := m.workers[workerID]; raced {
		m.workersMu.Unlock()
		closeQuietly(ch, conn)
		return nil, fmt.Errorf("%w: %s", perrors.ErrWorkerExists, workerID)
	}
	m.workers[workerID] = wc
	m.workersMu.Unlock()

	m.logger.Info("Worker connection created", logging.LogFields{"worker_id": workerID})
	return wc, nil
}

// CloseWorkerConnection tears down and unregisters workerID. Close errors
// are logged; the registry entry is always removed.
func (m *Manager) CloseWorkerConnection(workerID string) {
	m.workersMu.Lock()
	wc, ok := m.workers[workerID]
	delete(m.workers, workerID)
	m.workersMu.Unlock()
	if !ok {
		return
	}
	m.closeWorker(wc)
}

func (m *Manager) closeWorker(wc *WorkerConn) {
	if wc.Channel != nil && !wc.Channel.IsClosed() {
		if err := wc.Channel.Close(); err != nil {
			m.logger.Debug("Worker channel close failed", logging.LogFields{"worker_id": wc.ID, "error": err.Error()})
		}
	}
	if wc.Conn != nil && !wc.Conn.IsClosed() {
		if err := wc.Conn.Close(); err != nil {
			m.logger.Debug("Worker connection close failed", logging.LogFields{"worker_id": wc.ID, "error": err.Error()})
		}
	}
	m.logger.Info("Worker connection closed", logging.LogFields{"worker_id": wc.ID})
}

// Disconnect closes the admin connection. The manager always ends up
// disconnected, whatever the close calls return.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	conn, ch := m.conn, m.ch
	m.conn, m.ch, m.connected = nil, nil, false
	m.mu.Unlock()

	if ch != nil && !ch.IsClosed() {
		if err := ch.Close(); err != nil {
			m.logger.Debug("Admin channel close failed", logging.LogFields{"error": err.Error()})
		}
	}
	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			m.logger.Debug("Admin connection close failed", logging.LogFields{"error": err.Error()})
		}
	}
	m.logger.Info("Broker disconnected", nil)
}

// DisconnectAll closes every worker connection and the admin connection.
func (m *Manager) DisconnectAll() {
	m.workersMu.Lock()
	workers := m.workers
	m.workers = make(map[string]*WorkerConn)
	m.workersMu.Unlock()

	for _, wc := range workers {
		m.closeWorker(wc)
	}
	m.Disconnect()
}

func closeQuietly(ch Channel, conn Connection) {
	if ch != nil {
		_ = ch.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
