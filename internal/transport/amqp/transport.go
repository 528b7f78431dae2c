// Package amqp implements the Transport backed by a topic exchange on a
// real AMQP 0-9-1 broker. Unlike the embedded and nats transports, a
// single AMQP connection's publish and consume sides are driven from
// separate channels, so this Transport is meant to be used with the
// engine's two-worker configuration (see engine_dualworker.go): one
// worker owns Publish/Subscribe/Unsubscribe (the publisher channel), the
// other owns Receive/Wait (the subscriber channel).
package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relaypost/postoffice"
)

const exchangeName = "postoffice.topic"

// Config describes how to reach the broker.
type Config struct {
	URL      string
	Identity string
}

// Transport wraps a single AMQP connection split into a publisher
// channel and a subscriber channel, as the two-worker engine expects.
type Transport struct {
	cfg Config

	mu        sync.Mutex
	conn      *amqp.Connection
	pubCh     *amqp.Channel
	subCh     *amqp.Channel
	queueName string
	subs      map[string]struct{}

	recvCh chan postoffice.Message
	wake   chan struct{}

	errMu sync.Mutex
	errs  []error
}

// New creates a Transport that will dial cfg.URL on Connect.
func New(cfg Config) *Transport {
	return &Transport{
		cfg:    cfg,
		subs:   make(map[string]struct{}),
		recvCh: make(chan postoffice.Message, 1024),
		wake:   make(chan struct{}, 1),
	}
}

func (t *Transport) SetIdentity(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg.Identity = id
	return nil
}

// Connect dials the broker, opens the publisher and subscriber channels,
// declares the topic exchange, and declares an exclusive queue with no
// bindings; the engine replays the full subscription set via Subscribe
// after every successful Connect.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	conn, err := amqp.DialConfig(t.cfg.URL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return fmt.Errorf("amqp: dial: %w", err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp: publisher channel: %w", err)
	}
	subCh, err := conn.Channel()
	if err != nil {
		pubCh.Close()
		conn.Close()
		return fmt.Errorf("amqp: subscriber channel: %w", err)
	}

	if err := pubCh.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("amqp: exchange declare: %w", err)
	}

	q, err := subCh.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return fmt.Errorf("amqp: queue declare: %w", err)
	}

	deliveries, err := subCh.Consume(q.Name, t.cfg.Identity, true, true, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp: consume: %w", err)
	}

	t.conn = conn
	t.pubCh = pubCh
	t.subCh = subCh
	t.queueName = q.Name

	go t.forwardDeliveries(deliveries)
	go t.watchClose(conn)

	return nil
}

// forwardDeliveries drains the AMQP client's own delivery channel into
// recvCh and wakes the worker, so Receive/Wait behave the same way as the
// embedded and nats transports from the engine's point of view.
func (t *Transport) forwardDeliveries(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		t.recvCh <- postoffice.Message{Topic: d.RoutingKey, Payload: d.Body}
		t.signalWake()
	}
}

func (t *Transport) watchClose(conn *amqp.Connection) {
	err := <-conn.NotifyClose(make(chan *amqp.Error, 1))
	if err != nil {
		t.recordErr(fmt.Errorf("amqp: connection closed: %w", err))
	}
	t.signalWake()
}

func (t *Transport) Publish(msg postoffice.Message) error {
	t.mu.Lock()
	ch := t.pubCh
	t.mu.Unlock()
	if ch == nil {
		return errors.New("amqp: not connected")
	}
	return ch.PublishWithContext(context.Background(), exchangeName, msg.Topic, false, false, amqp.Publishing{
		Body: msg.Payload,
	})
}

func (t *Transport) Subscribe(topic string) error {
	t.mu.Lock()
	ch, queue := t.subCh, t.queueName
	t.mu.Unlock()
	if ch == nil {
		return errors.New("amqp: not connected")
	}
	if err := ch.QueueBind(queue, topic, exchangeName, false, nil); err != nil {
		return fmt.Errorf("amqp: bind %s: %w", topic, err)
	}
	t.mu.Lock()
	t.subs[topic] = struct{}{}
	t.mu.Unlock()
	return nil
}

func (t *Transport) Unsubscribe(topic string) error {
	t.mu.Lock()
	ch, queue := t.subCh, t.queueName
	t.mu.Unlock()
	if ch == nil {
		return errors.New("amqp: not connected")
	}
	if err := ch.QueueUnbind(queue, topic, exchangeName, nil); err != nil {
		return fmt.Errorf("amqp: unbind %s: %w", topic, err)
	}
	t.mu.Lock()
	delete(t.subs, topic)
	t.mu.Unlock()
	return nil
}

func (t *Transport) Receive() (postoffice.Message, bool) {
	select {
	case m := <-t.recvCh:
		return m, true
	default:
		return postoffice.Message{}, false
	}
}

// Wait blocks on either a delivery becoming available or an explicit
// Wake. amqp091-go delivers to a Go channel already, so there is no
// routing-key self-message trick needed the way the original AMQP wrapper
// used one to interrupt a blocking consume.
func (t *Transport) Wait(maxWait time.Duration) bool {
	if maxWait <= 0 {
		select {
		case <-t.wake:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(maxWait)
	defer timer.Stop()
	select {
	case <-t.wake:
		return true
	case <-timer.C:
		return false
	}
}

func (t *Transport) Wake() {
	t.signalWake()
}

func (t *Transport) signalWake() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

func (t *Transport) ClientAddress() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ""
	}
	return t.conn.LocalAddr().String()
}

func (t *Transport) Version() string { return "postoffice-amqp/1" }

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	if t.subCh != nil {
		if err := t.subCh.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t.pubCh != nil {
		if err := t.pubCh.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t.conn != nil {
		if err := t.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *Transport) Capabilities() postoffice.Capabilities {
	return postoffice.Capabilities{SupportsFragmentation: false, DualWorker: true}
}

func (t *Transport) recordErr(err error) {
	t.errMu.Lock()
	t.errs = append(t.errs, err)
	t.errMu.Unlock()
}

func (t *Transport) Errors() []error {
	t.errMu.Lock()
	defer t.errMu.Unlock()
	errs := t.errs
	t.errs = nil
	return errs
}
