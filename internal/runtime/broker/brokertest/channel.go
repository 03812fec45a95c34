package brokertest

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type unacked struct {
	queue    string
	delivery amqp.Delivery
}

type consumer struct {
	tag   string
	queue string
	out   chan amqp.Delivery

	sendMu    sync.Mutex
	cancelled chan struct{}
}

// Chan is a fake AMQP channel. Prefetch is enforced across every consumer on
// the channel, matching a global Qos.
type Chan struct {
	broker *Broker
	conn   *Conn

	// guarded by broker.mu
	unacked   map[uint64]unacked
	consumers map[string]*consumer
	order     []string
	next      int
	prefetch  int
	tag       uint64
	maxUnack  int

	closeMu sync.Mutex
	closed  bool
	notify  []chan *amqp.Error

	wakeCh   chan struct{}
	done     chan struct{}
	pumpOnce sync.Once
	pumpWG   sync.WaitGroup
}

// MaxUnacked reports the highest number of unacknowledged deliveries this
// channel ever held at once.
func (ch *Chan) MaxUnacked() int {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.maxUnack
}

func (ch *Chan) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	if ch.IsClosed() {
		return amqp.Queue{}, amqp.ErrClosed
	}
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	q := ch.broker.queueLocked(name)
	if durable {
		q.durable = true
	}
	return amqp.Queue{Name: name, Messages: len(q.messages)}, nil
}

func (ch *Chan) Qos(prefetchCount, _ int, _ bool) error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	ch.broker.mu.Lock()
	ch.prefetch = prefetchCount
	ch.broker.mu.Unlock()
	return nil
}

func (ch *Chan) Consume(queue, consumerTag string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if ch.IsClosed() {
		return nil, amqp.ErrClosed
	}
	if autoAck {
		return nil, fmt.Errorf("brokertest: autoAck consumers are not supported")
	}
	ch.broker.mu.Lock()
	if consumerTag == "" {
		consumerTag = fmt.Sprintf("ctag-%d-%d", ch.conn.id, len(ch.order)+1)
	}
	if _, exists := ch.consumers[consumerTag]; exists {
		ch.broker.mu.Unlock()
		return nil, fmt.Errorf("brokertest: consumer tag %q already in use", consumerTag)
	}
	c := &consumer{tag: consumerTag, queue: queue, out: make(chan amqp.Delivery), cancelled: make(chan struct{})}
	ch.consumers[consumerTag] = c
	ch.order = append(ch.order, consumerTag)
	ch.broker.mu.Unlock()

	ch.pumpOnce.Do(func() {
		ch.pumpWG.Add(1)
		go ch.pump()
	})
	ch.wake()
	return c.out, nil
}

func (ch *Chan) PublishWithContext(ctx context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	ch.broker.mu.Lock()
	if err := ch.broker.failPublish; err != nil {
		ch.broker.mu.Unlock()
		return err
	}
	q := ch.broker.queueLocked(key)
	q.messages = append(q.messages, toDelivery(key, msg))
	ch.broker.mu.Unlock()
	ch.broker.wakeAll()
	return nil
}

func (ch *Chan) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	if ch.IsClosed() {
		return amqp.Delivery{}, false, amqp.ErrClosed
	}
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	q := ch.broker.queueLocked(queue)
	if len(q.messages) == 0 {
		return amqp.Delivery{}, false, nil
	}
	d := q.messages[0]
	q.messages = q.messages[1:]
	d.MessageCount = uint32(len(q.messages))
	if autoAck {
		return d, true, nil
	}
	return ch.trackLocked(queue, d), true, nil
}

func (ch *Chan) Cancel(consumerTag string, _ bool) error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	ch.broker.mu.Lock()
	c, ok := ch.consumers[consumerTag]
	if ok {
		delete(ch.consumers, consumerTag)
		for i, tag := range ch.order {
			if tag == consumerTag {
				ch.order = append(ch.order[:i], ch.order[i+1:]...)
				break
			}
		}
	}
	ch.broker.mu.Unlock()
	if !ok {
		return fmt.Errorf("brokertest: unknown consumer %q", consumerTag)
	}
	// Unblock a pending hand-over, then close once the pump has let go.
	close(c.cancelled)
	c.sendMu.Lock()
	close(c.out)
	c.sendMu.Unlock()
	ch.wake()
	return nil
}

func (ch *Chan) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.closeMu.Lock()
	defer ch.closeMu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

func (ch *Chan) IsClosed() bool {
	ch.closeMu.Lock()
	defer ch.closeMu.Unlock()
	return ch.closed
}

func (ch *Chan) Close() error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	ch.shutdown(nil)
	return nil
}

// Ack implements amqp.Acknowledger.
func (ch *Chan) Ack(tag uint64, _ bool) error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	ch.broker.mu.Lock()
	_, ok := ch.unacked[tag]
	delete(ch.unacked, tag)
	ch.broker.mu.Unlock()
	if !ok {
		return fmt.Errorf("brokertest: unknown delivery tag %d", tag)
	}
	ch.wake()
	return nil
}

// Nack implements amqp.Acknowledger.
func (ch *Chan) Nack(tag uint64, _ bool, requeue bool) error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}
	ch.broker.mu.Lock()
	u, ok := ch.unacked[tag]
	delete(ch.unacked, tag)
	if ok && requeue {
		ch.requeueLocked(u)
	}
	ch.broker.mu.Unlock()
	if !ok {
		return fmt.Errorf("brokertest: unknown delivery tag %d", tag)
	}
	ch.broker.wakeAll()
	return nil
}

// Reject implements amqp.Acknowledger.
func (ch *Chan) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *Chan) requeueLocked(u unacked) {
	q := ch.broker.queueLocked(u.queue)
	d := u.delivery
	d.Redelivered = true
	d.Acknowledger = nil
	d.DeliveryTag = 0
	d.ConsumerTag = ""
	q.messages = append([]amqp.Delivery{d}, q.messages...)
}

func (ch *Chan) trackLocked(queue string, d amqp.Delivery) amqp.Delivery {
	ch.tag++
	d.DeliveryTag = ch.tag
	d.Acknowledger = ch
	ch.unacked[d.DeliveryTag] = unacked{queue: queue, delivery: d}
	if n := len(ch.unacked); n > ch.maxUnack {
		ch.maxUnack = n
	}
	return d
}

func (ch *Chan) wake() {
	select {
	case ch.wakeCh <- struct{}{}:
	default:
	}
}

// nextDelivery picks the next deliverable message round-robin across
// consumers, honouring the prefetch window.
func (ch *Chan) nextDelivery() (amqp.Delivery, *consumer, bool) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()

	if ch.prefetch > 0 && len(ch.unacked) >= ch.prefetch {
		return amqp.Delivery{}, nil, false
	}
	for i := 0; i < len(ch.order); i++ {
		idx := (ch.next + i) % len(ch.order)
		c := ch.consumers[ch.order[idx]]
		q := ch.broker.queueLocked(c.queue)
		if len(q.messages) == 0 {
			continue
		}
		d := q.messages[0]
		q.messages = q.messages[1:]
		d.ConsumerTag = c.tag
		d = ch.trackLocked(c.queue, d)
		ch.next = (idx + 1) % len(ch.order)
		return d, c, true
	}
	return amqp.Delivery{}, nil, false
}

func (ch *Chan) pump() {
	defer ch.pumpWG.Done()
	for {
		d, c, ok := ch.nextDelivery()
		if ok {
			if !ch.handOver(c, d) {
				return
			}
			continue
		}
		select {
		case <-ch.wakeCh:
		case <-ch.done:
			return
		}
	}
}

// handOver blocks until the consumer takes d, the consumer is cancelled
// (d is requeued) or the channel closes. It returns false on close.
func (ch *Chan) handOver(c *consumer, d amqp.Delivery) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	select {
	case <-c.cancelled:
		ch.broker.mu.Lock()
		if u, ok := ch.unacked[d.DeliveryTag]; ok {
			delete(ch.unacked, d.DeliveryTag)
			ch.requeueLocked(u)
		}
		ch.broker.mu.Unlock()
		return true
	default:
	}
	select {
	case c.out <- d:
		return true
	case <-c.cancelled:
		ch.broker.mu.Lock()
		if u, ok := ch.unacked[d.DeliveryTag]; ok {
			delete(ch.unacked, d.DeliveryTag)
			ch.requeueLocked(u)
		}
		ch.broker.mu.Unlock()
		return true
	case <-ch.done:
		return false
	}
}

func (ch *Chan) shutdown(cause *amqp.Error) {
	ch.closeMu.Lock()
	if ch.closed {
		ch.closeMu.Unlock()
		return
	}
	ch.closed = true
	notify := ch.notify
	ch.notify = nil
	ch.closeMu.Unlock()

	close(ch.done)
	ch.pumpWG.Wait()

	ch.broker.mu.Lock()
	for _, u := range ch.unacked {
		ch.requeueLocked(u)
	}
	ch.unacked = make(map[uint64]unacked)
	consumers := ch.consumers
	ch.consumers = make(map[string]*consumer)
	ch.order = nil
	delete(ch.broker.channels, ch)
	ch.broker.mu.Unlock()

	for _, c := range consumers {
		close(c.out)
	}
	for _, n := range notify {
		if cause != nil {
			select {
			case n <- cause:
			default:
			}
		}
		close(n)
	}
	ch.broker.wakeAll()
}
