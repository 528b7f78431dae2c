// Package nats implements the Transport backed by a NATS connection.
// NATS subjects stand in for the "Spread-style group service" design note
// in SPEC_FULL.md: a flat namespace of named channels, at-least-one-
// listener fan-out, no durability.
package nats

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/relaypost/postoffice"
)

// Config describes how to reach the NATS server, grounded on the
// go-server/pkg/nats client's Config fields.
type Config struct {
	URL             string
	Identity        string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	PingInterval    time.Duration
	MaxPingsOut     int
}

// DefaultConfig mirrors the teacher client's defaults.
func DefaultConfig(url, identity string) Config {
	return Config{
		URL:             url,
		Identity:        identity,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		ReconnectJitter: 500 * time.Millisecond,
		PingInterval:    20 * time.Second,
		MaxPingsOut:     3,
	}
}

// Transport wraps a single NATS connection and a set of active
// subscriptions.
type Transport struct {
	cfg Config

	mu   sync.Mutex
	conn *nats.Conn
	subs map[string]*nats.Subscription

	recvCh chan postoffice.Message
	wake   chan struct{}

	errMu sync.Mutex
	errs  []error
}

// New creates a Transport that will dial cfg.URL on Connect.
func New(cfg Config) *Transport {
	return &Transport{
		cfg:    cfg,
		subs:   make(map[string]*nats.Subscription),
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

func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	opts := []nats.Option{
		nats.Name(t.cfg.Identity),
		nats.MaxReconnects(t.cfg.MaxReconnects),
		nats.ReconnectWait(t.cfg.ReconnectWait),
		nats.ReconnectJitter(t.cfg.ReconnectJitter, t.cfg.ReconnectJitter),
		nats.MaxPingsOutstanding(t.cfg.MaxPingsOut),
		nats.PingInterval(t.cfg.PingInterval),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				t.recordErr(err)
			}
			t.signalWake()
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			t.recordErr(err)
		}),
	}

	conn, err := nats.Connect(t.cfg.URL, opts...)
	if err != nil {
		return err
	}
	t.conn = conn
	return nil
}

func (t *Transport) Publish(msg postoffice.Message) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.New("nats: not connected")
	}
	return conn.Publish(msg.Topic, msg.Payload)
}

func (t *Transport) Subscribe(topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return errors.New("nats: not connected")
	}
	if _, exists := t.subs[topic]; exists {
		return nil
	}
	sub, err := t.conn.Subscribe(topic, func(msg *nats.Msg) {
		t.recvCh <- postoffice.Message{Topic: msg.Subject, Payload: msg.Data}
		t.signalWake()
	})
	if err != nil {
		return err
	}
	t.subs[topic] = sub
	return nil
}

func (t *Transport) Unsubscribe(topic string) error {
	t.mu.Lock()
	sub, exists := t.subs[topic]
	delete(t.subs, topic)
	t.mu.Unlock()
	if !exists {
		return nil
	}
	return sub.Unsubscribe()
}

func (t *Transport) Receive() (postoffice.Message, bool) {
	select {
	case m := <-t.recvCh:
		return m, true
	default:
		return postoffice.Message{}, false
	}
}

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
	return t.conn.ConnectedAddr()
}

func (t *Transport) Version() string { return "postoffice-nats/1" }

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, sub := range t.subs {
		_ = sub.Unsubscribe()
	}
	if t.conn != nil {
		t.conn.Close()
	}
	return nil
}

func (t *Transport) Capabilities() postoffice.Capabilities {
	return postoffice.Capabilities{SupportsFragmentation: false}
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
