// Package embedded implements the Transport that talks to the in-process
// broker (internal/broker) over a plain TCP connection using the
// multipart frame envelope in internal/wire.
package embedded

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/relaypost/postoffice"
	"github.com/relaypost/postoffice/internal/wire"
)

const (
	verbRegister          = "Register"
	verbHeartbeat         = "Heartbeat"
	verbSubscribe         = "Subscribe"
	verbUnsubscribe       = "Unsubscribe"
	verbPublish           = "Publish"
	verbUnregisteredError = "UnregisteredError"
)

const (
	heartbeatInterval     = time.Second
	reregisterGracePeriod = 2 * time.Second
	dialTimeout           = 10 * time.Second
)

// Transport dials an embedded broker and exchanges frames with it.
type Transport struct {
	addr           string
	identity       string
	version        string

	mu                  sync.Mutex
	conn                net.Conn
	reader              *bufio.Reader
	lastRegisterAttempt time.Time

	wake chan struct{}

	recvCh chan postoffice.Message

	errMu sync.Mutex
	errs  []error
}

// New creates a Transport that will dial addr on Connect.
func New(addr string) *Transport {
	return &Transport{
		addr:    addr,
		version: "postoffice-embedded/1",
		wake:    make(chan struct{}, 1),
		recvCh:  make(chan postoffice.Message, 1024),
	}
}

func (t *Transport) SetIdentity(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return errors.New("embedded: SetIdentity must be called before Connect")
	}
	t.identity = id
	return nil
}

func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("embedded: dial %s: %w", t.addr, err)
	}
	t.conn = conn
	t.reader = bufio.NewReader(conn)
	t.lastRegisterAttempt = time.Now()

	if err := wire.WriteFrame(conn, []byte(verbRegister), []byte(t.identity)); err != nil {
		conn.Close()
		return err
	}
	reply, err := wire.ReadFrame(t.reader)
	if err != nil {
		conn.Close()
		return err
	}
	if len(reply) > 0 && string(reply[0]) == verbUnregisteredError {
		conn.Close()
		return errors.New("embedded: broker rejected registration")
	}

	go t.readLoop(conn, t.reader)
	// ctx only bounds the dial and registration handshake (callers cancel
	// it as soon as Connect returns), so the heartbeat runs on its own
	// context and stops when a write to conn fails, e.g. after Close.
	go t.heartbeatLoop(context.Background(), conn)

	return nil
}

// readLoop pulls frames off the wire continuously and feeds Publish
// deliveries into recvCh; anything else is either a Register
// acknowledgement (ignored post-connect) or an UnregisteredError, which
// triggers the bounded re-register-and-resubscribe recovery.
func (t *Transport) readLoop(conn net.Conn, reader *bufio.Reader) {
	for {
		parts, err := wire.ReadFrame(reader)
		if err != nil {
			t.recordErr(fmt.Errorf("embedded: read: %w", err))
			return
		}
		if len(parts) == 0 {
			continue
		}
		switch string(parts[0]) {
		case verbPublish:
			if len(parts) >= 3 {
				t.recvCh <- postoffice.Message{Topic: string(parts[1]), Payload: parts[2]}
				t.signalWake()
			}
		case verbUnregisteredError:
			t.recordErr(errors.New("embedded: server reports client unregistered"))
			t.maybeReregister(conn)
		}
	}
}

// maybeReregister re-sends a Register frame on the same connection after
// an UnregisteredError, throttled to at most once per
// reregisterGracePeriod so a broker stuck repeatedly rejecting the client
// doesn't get hammered with Register attempts.
func (t *Transport) maybeReregister(conn net.Conn) {
	t.mu.Lock()
	if time.Since(t.lastRegisterAttempt) < reregisterGracePeriod {
		t.mu.Unlock()
		return
	}
	t.lastRegisterAttempt = time.Now()
	identity := t.identity
	t.mu.Unlock()

	if err := wire.WriteFrame(conn, []byte(verbRegister), []byte(identity)); err != nil {
		t.recordErr(fmt.Errorf("embedded: re-register: %w", err))
	}
}

func (t *Transport) heartbeatLoop(ctx context.Context, conn net.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := wire.WriteFrame(conn, []byte(verbHeartbeat)); err != nil {
				t.recordErr(fmt.Errorf("embedded: heartbeat: %w", err))
				return
			}
		}
	}
}

func (t *Transport) Publish(msg postoffice.Message) error {
	return t.writeFrame(verbPublish, msg.Topic, msg.Payload)
}

func (t *Transport) writeFrame(verb, topic string, payload []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return errors.New("embedded: not connected")
	}
	if payload != nil {
		return wire.WriteFrame(conn, []byte(verb), []byte(topic), payload)
	}
	return wire.WriteFrame(conn, []byte(verb), []byte(topic))
}

func (t *Transport) Subscribe(topic string) error {
	return t.writeFrame(verbSubscribe, topic, nil)
}

func (t *Transport) Unsubscribe(topic string) error {
	return t.writeFrame(verbUnsubscribe, topic, nil)
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
	return t.conn.LocalAddr().String()
}

func (t *Transport) Version() string { return t.version }

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
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
