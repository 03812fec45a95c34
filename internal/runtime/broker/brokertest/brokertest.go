// Package brokertest provides an in-memory RabbitMQ stand-in implementing the
// broker.Connection and broker.Channel interfaces. It models durable queues,
// per-channel prefetch, manual acknowledgement and connection loss closely
// enough to exercise the manager, publisher and workers without a server.
package brokertest

import (
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/darams4863/escape-room-with-ai/internal/runtime/broker"
)

// ErrBrokerDown is returned by Dial while the broker is marked down.
var ErrBrokerDown = errors.New("brokertest: connection refused")

// Broker is a process-local message broker.
type Broker struct {
	mu       sync.Mutex
	queues   map[string]*queue
	conns    map[*Conn]struct{}
	channels map[*Chan]struct{}

	down         bool
	failDials    int
	failPublish  error
	dialAttempts int
	dialTimes    []time.Time
	nextConnID   int
}

type queue struct {
	messages []amqp.Delivery
	durable  bool
}

// New returns an empty broker that accepts connections.
func New() *Broker {
	return &Broker{
		queues:   make(map[string]*queue),
		conns:    make(map[*Conn]struct{}),
		channels: make(map[*Chan]struct{}),
	}
}

// Dial implements broker.Dialer.
func (b *Broker) Dial(_ string, _ amqp.Config) (broker.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dialAttempts++
	b.dialTimes = append(b.dialTimes, time.Now())
	if b.down {
		return nil, ErrBrokerDown
	}
	if b.failDials > 0 {
		b.failDials--
		return nil, ErrBrokerDown
	}
	b.nextConnID++
	c := &Conn{broker: b, id: b.nextConnID}
	b.conns[c] = struct{}{}
	return c, nil
}

// SetDown makes every subsequent Dial fail until called with false.
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	b.down = down
	b.mu.Unlock()
}

// FailNextDials makes the next n dials fail.
func (b *Broker) FailNextDials(n int) {
	b.mu.Lock()
	b.failDials = n
	b.mu.Unlock()
}

// FailPublishes makes every publish return err until called with nil.
func (b *Broker) FailPublishes(err error) {
	b.mu.Lock()
	b.failPublish = err
	b.mu.Unlock()
}

// DialAttempts reports how many times Dial was called.
func (b *Broker) DialAttempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dialAttempts
}

// DialTimes returns the wall-clock time of every Dial call.
func (b *Broker) DialTimes() []time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]time.Time(nil), b.dialTimes...)
}

// OpenConnections counts connections that have not been closed.
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Declared reports whether name was declared as a durable queue.
func (b *Broker) Declared(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	return ok && q.durable
}

// Len returns the number of ready (undelivered) messages in name.
func (b *Broker) Len(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.messages)
	}
	return 0
}

// Messages returns a copy of the ready messages in name.
func (b *Broker) Messages(name string) []amqp.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	return append([]amqp.Delivery(nil), q.messages...)
}

// Unacked sums unacknowledged deliveries across every open channel.
func (b *Broker) Unacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	total := 0
	for ch := range b.channels {
		total += len(ch.unacked)
	}
	return total
}

// Enqueue places a raw message on name as if a producer had published it.
func (b *Broker) Enqueue(name string, msg amqp.Publishing) {
	b.mu.Lock()
	b.queueLocked(name).messages = append(b.queueLocked(name).messages, toDelivery(name, msg))
	b.mu.Unlock()
	b.wakeAll()
}

// Kill drops every open connection with a CONNECTION_FORCED error, as a
// broker restart would. Unacknowledged messages return to their queues.
func (b *Broker) Kill() {
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true})
	}
}

func (b *Broker) queueLocked(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{}
		b.queues[name] = q
	}
	return q
}

func (b *Broker) wakeAll() {
	b.mu.Lock()
	chans := make([]*Chan, 0, len(b.channels))
	for ch := range b.channels {
		chans = append(chans, ch)
	}
	b.mu.Unlock()
	for _, ch := range chans {
		ch.wake()
	}
}

func toDelivery(queue string, msg amqp.Publishing) amqp.Delivery {
	return amqp.Delivery{
		Headers:         cloneTable(msg.Headers),
		ContentType:     msg.ContentType,
		ContentEncoding: msg.ContentEncoding,
		DeliveryMode:    msg.DeliveryMode,
		Priority:        msg.Priority,
		CorrelationId:   msg.CorrelationId,
		ReplyTo:         msg.ReplyTo,
		Expiration:      msg.Expiration,
		MessageId:       msg.MessageId,
		Timestamp:       msg.Timestamp,
		Type:            msg.Type,
		UserId:          msg.UserId,
		AppId:           msg.AppId,
		RoutingKey:      queue,
		Body:            append([]byte(nil), msg.Body...),
	}
}

func cloneTable(t amqp.Table) amqp.Table {
	if t == nil {
		return nil
	}
	out := make(amqp.Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Conn is a fake broker connection.
type Conn struct {
	broker *Broker
	id     int

	mu       sync.Mutex
	closed   bool
	channels []*Chan
	notify   []chan *amqp.Error
}

// ID distinguishes connections in isolation tests.
func (c *Conn) ID() int { return c.id }

func (c *Conn) Channel() (broker.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Chan{
		broker:    c.broker,
		conn:      c,
		unacked:   make(map[uint64]unacked),
		consumers: make(map[string]*consumer),
		wakeCh:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	c.channels = append(c.channels, ch)
	c.broker.mu.Lock()
	c.broker.channels[ch] = struct{}{}
	c.broker.mu.Unlock()
	return ch, nil
}

func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Close() error {
	if c.IsClosed() {
		return amqp.ErrClosed
	}
	c.shutdown(nil)
	return nil
}

func (c *Conn) shutdown(cause *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	channels := c.channels
	notify := c.notify
	c.channels, c.notify = nil, nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(cause)
	}

	c.broker.mu.Lock()
	delete(c.broker.conns, c)
	c.broker.mu.Unlock()

	for _, n := range notify {
		if cause != nil {
			select {
			case n <- cause:
			default:
			}
		}
		close(n)
	}
}
