// Package broker implements the in-process message broker that backs the
// "embedded" Transport: a single dispatch goroutine accepts Register,
// Heartbeat, Subscribe, Unsubscribe and Publish frames from connected
// clients, fans published messages out to matching subscribers, and
// evicts clients that stop heartbeating.
package broker

import (
	"bufio"
	"context"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/relaypost/postoffice/internal/wire"
)

// Default timing, matching the embedded transport's client-side heartbeat
// period and the spec's liveness eviction rule. New uses these unless
// overridden with NewWithTimeouts (tests use the latter to run the sweep
// loop on a much shorter cycle).
const (
	HeartbeatInterval  = time.Second
	InactivityTimeout  = 10 * time.Second
	defaultSweepInterval = time.Second
	defaultAcceptBurst = 32
)

const (
	verbRegister          = "Register"
	verbHeartbeat         = "Heartbeat"
	verbSubscribe         = "Subscribe"
	verbUnsubscribe       = "Unsubscribe"
	verbPublish           = "Publish"
	verbUnregisteredError = "UnregisteredError"
)

// registeredClient is the broker's per-connection bookkeeping. It is only
// ever touched from the dispatch goroutine.
type registeredClient struct {
	connID        uint64
	logicalName   string
	ordinal       int
	subscriptions map[string]struct{}
	lastHeartbeat time.Time
	send          chan<- [][]byte
}

// fullIdentifier returns the client's self-reported name, with "#N"
// appended for any ordinal beyond the first.
func (c *registeredClient) fullIdentifier() string {
	if c.ordinal <= 1 {
		return c.logicalName
	}
	return c.logicalName + "#" + itoa(c.ordinal)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// event is funneled from per-connection reader goroutines (and the
// listener's accept loop, and the sweep ticker) to the single dispatch
// goroutine, which is the only goroutine that touches the client registry.
type event struct {
	kind      eventKind
	connID    uint64
	parts     [][]byte
	send      chan<- [][]byte
	closeConn func() error
}

type eventKind int

const (
	eventConnected eventKind = iota
	eventFrame
	eventDisconnected
	eventSweep
)

// Broker is the embedded transport's server half.
type Broker struct {
	logger        zerolog.Logger
	listenerMu    sync.Mutex
	listener      net.Listener
	acceptLimiter *rate.Limiter
	events        chan event
	nextConnID    uint64

	clients map[uint64]*registeredClient
	// byName indexes clients by logical name so the smallest unused
	// ordinal can be allocated.
	byName map[string]map[int]*registeredClient
	// pendingSenders holds outbox channels for connections that have
	// sent no Register frame yet, so an UnregisteredError reply can
	// still reach them. Touched only from dispatchLoop.
	pendingSenders map[uint64]chan<- [][]byte
	// connClosers lets the dispatch goroutine close a connection's
	// underlying net.Conn directly, e.g. when evicting a stale client,
	// without needing a reference back from registeredClient.
	connClosers map[uint64]func() error

	inactivityTimeout time.Duration
	sweepInterval     time.Duration

	stats Stats
}

// Stats holds counters surfaced through internal/monitoring's Prometheus
// gauges for the broker. Fields are updated with atomic adds from
// acceptLoop and dispatchLoop, so read them only through Broker.Snapshot.
type Stats struct {
	ConnectionsAccepted int64
	ClientsEvicted      int64
	MessagesPublished   int64
}

// Snapshot returns a point-in-time copy of the broker's counters, safe to
// call from any goroutine (e.g. a metrics-mirroring loop).
func (b *Broker) Snapshot() Stats {
	return Stats{
		ConnectionsAccepted: atomic.LoadInt64(&b.stats.ConnectionsAccepted),
		ClientsEvicted:      atomic.LoadInt64(&b.stats.ClientsEvicted),
		MessagesPublished:   atomic.LoadInt64(&b.stats.MessagesPublished),
	}
}

// New creates a Broker that listens once Run is called, evicting clients
// after the default InactivityTimeout, swept every defaultSweepInterval.
func New(logger zerolog.Logger, acceptRatePerSec float64) *Broker {
	return NewWithTimeouts(logger, acceptRatePerSec, InactivityTimeout, defaultSweepInterval)
}

// NewWithTimeouts creates a Broker with a caller-supplied inactivity
// timeout and sweep cadence, so tests can exercise liveness eviction
// without waiting on the production 10s timeout.
func NewWithTimeouts(logger zerolog.Logger, acceptRatePerSec float64, inactivityTimeout, sweepInterval time.Duration) *Broker {
	return &Broker{
		logger:            logger.With().Str("component", "broker").Logger(),
		acceptLimiter:     rate.NewLimiter(rate.Limit(acceptRatePerSec), defaultAcceptBurst),
		events:            make(chan event, 256),
		clients:           make(map[uint64]*registeredClient),
		byName:            make(map[string]map[int]*registeredClient),
		pendingSenders:    make(map[uint64]chan<- [][]byte),
		connClosers:       make(map[uint64]func() error),
		inactivityTimeout: inactivityTimeout,
		sweepInterval:     sweepInterval,
	}
}

// Run listens on addr and serves connections until ctx is cancelled. It
// blocks until ctx is cancelled; Close alone stops new accepts but does
// not make Run return. addr may use port 0 to bind an
// ephemeral port; call Addr afterward to learn what was actually bound.
func (b *Broker) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	b.listenerMu.Lock()
	b.listener = ln
	b.listenerMu.Unlock()
	b.logger.Info().Str("addr", ln.Addr().String()).Msg("broker listening")

	go b.acceptLoop(ctx)
	go b.sweepLoop(ctx)

	b.dispatchLoop(ctx)
	return nil
}

// Addr returns the address the broker is currently listening on, or nil
// if Run has not yet bound a listener.
func (b *Broker) Addr() net.Addr {
	b.listenerMu.Lock()
	defer b.listenerMu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Close stops accepting new connections.
func (b *Broker) Close() error {
	b.listenerMu.Lock()
	ln := b.listener
	b.listenerMu.Unlock()
	if ln != nil {
		return ln.Close()
	}
	return nil
}

func (b *Broker) acceptLoop(ctx context.Context) {
	b.listenerMu.Lock()
	ln := b.listener
	b.listenerMu.Unlock()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			b.logger.Warn().Err(err).Msg("accept failed")
			return
		}
		if err := b.acceptLimiter.Wait(ctx); err != nil {
			conn.Close()
			return
		}
		atomic.AddInt64(&b.stats.ConnectionsAccepted, 1)
		connID := b.nextConnID
		b.nextConnID++
		go b.serveConn(ctx, connID, conn)
	}
}

func (b *Broker) serveConn(ctx context.Context, connID uint64, conn net.Conn) {
	defer conn.Close()

	outbox := make(chan [][]byte, 64)
	b.events <- event{kind: eventConnected, connID: connID, send: outbox, closeConn: conn.Close}
	defer func() { b.events <- event{kind: eventDisconnected, connID: connID} }()

	go func() {
		for parts := range outbox {
			if err := wire.WriteFrame(conn, parts...); err != nil {
				return
			}
		}
	}()

	reader := bufio.NewReader(conn)
	for {
		parts, err := wire.ReadFrame(reader)
		if err != nil {
			return
		}
		select {
		case b.events <- event{kind: eventFrame, connID: connID, parts: parts}:
		case <-ctx.Done():
			return
		}
	}
}

func (b *Broker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case b.events <- event{kind: eventSweep}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// dispatchLoop is the single goroutine that owns all mutable broker
// state, so the registry needs no locking.
func (b *Broker) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.events:
			switch ev.kind {
			case eventConnected:
				b.clients[ev.connID] = nil // placeholder until Register
				b.connSenders(ev.connID, ev.send)
				b.connClosers[ev.connID] = ev.closeConn
			case eventFrame:
				b.handleFrame(ev.connID, ev.parts)
			case eventDisconnected:
				b.removeClient(ev.connID)
			case eventSweep:
				b.evictStale()
			}
		}
	}
}

// connSenders tracks the outbox channel for a connection that has not yet
// registered, so UnregisteredError replies can still be sent.
func (b *Broker) connSenders(connID uint64, send chan<- [][]byte) {
	b.pendingSenders[connID] = send
}

func (b *Broker) senderFor(connID uint64) (chan<- [][]byte, bool) {
	if c, ok := b.clients[connID]; ok && c != nil {
		return c.send, true
	}
	if s, ok := b.pendingSenders[connID]; ok {
		return s, true
	}
	return nil, false
}

func (b *Broker) handleFrame(connID uint64, parts [][]byte) {
	if len(parts) == 0 {
		return
	}
	verb := string(parts[0])
	client := b.clients[connID]

	if client == nil && verb != verbRegister {
		if send, ok := b.senderFor(connID); ok {
			send <- [][]byte{[]byte(verbUnregisteredError)}
		}
		return
	}

	switch verb {
	case verbRegister:
		b.handleRegister(connID, parts)
	case verbHeartbeat:
		if client != nil {
			client.lastHeartbeat = time.Now()
		}
	case verbSubscribe:
		if client != nil && len(parts) >= 2 {
			client.subscriptions[string(parts[1])] = struct{}{}
		}
	case verbUnsubscribe:
		if client != nil && len(parts) >= 2 {
			delete(client.subscriptions, string(parts[1]))
		}
	case verbPublish:
		if len(parts) >= 3 {
			b.fanOut(string(parts[1]), parts[2])
		}
	}
}

func (b *Broker) handleRegister(connID uint64, parts [][]byte) {
	if len(parts) < 2 {
		return
	}
	name := string(parts[1])
	send, ok := b.senderFor(connID)
	if !ok {
		return
	}

	if existing := b.clients[connID]; existing != nil {
		send <- [][]byte{[]byte(verbRegister), []byte(existing.fullIdentifier())}
		return
	}

	ordinal := b.smallestUnusedOrdinal(name)
	client := &registeredClient{
		connID:        connID,
		logicalName:   name,
		ordinal:       ordinal,
		subscriptions: make(map[string]struct{}),
		lastHeartbeat: time.Now(),
		send:          send,
	}
	b.clients[connID] = client
	delete(b.pendingSenders, connID)

	if b.byName[name] == nil {
		b.byName[name] = make(map[int]*registeredClient)
	}
	b.byName[name][ordinal] = client

	send <- [][]byte{[]byte(verbRegister), []byte(client.fullIdentifier())}
	b.logger.Info().Str("name", name).Int("ordinal", ordinal).Msg("client registered")
}

// smallestUnusedOrdinal returns the smallest ordinal >= 1 not currently
// held by any registered client under name.
func (b *Broker) smallestUnusedOrdinal(name string) int {
	used := b.byName[name]
	if len(used) == 0 {
		return 1
	}
	ordinals := make([]int, 0, len(used))
	for o := range used {
		ordinals = append(ordinals, o)
	}
	sort.Ints(ordinals)
	next := 1
	for _, o := range ordinals {
		if o != next {
			break
		}
		next++
	}
	return next
}

func (b *Broker) fanOut(topic string, payload []byte) {
	for _, client := range b.clients {
		if client == nil {
			continue
		}
		if _, subscribed := client.subscriptions[topic]; !subscribed {
			continue
		}
		select {
		case client.send <- [][]byte{[]byte(verbPublish), []byte(topic), payload}:
			atomic.AddInt64(&b.stats.MessagesPublished, 1)
		default:
			b.logger.Warn().Str("name", client.logicalName).Msg("client outbox full, dropping publish")
		}
	}
}

func (b *Broker) removeClient(connID uint64) {
	delete(b.pendingSenders, connID)
	delete(b.connClosers, connID)
	client := b.clients[connID]
	if client == nil {
		delete(b.clients, connID)
		return
	}
	if byName := b.byName[client.logicalName]; byName != nil {
		delete(byName, client.ordinal)
		if len(byName) == 0 {
			delete(b.byName, client.logicalName)
		}
	}
	delete(b.clients, connID)
}

func (b *Broker) evictStale() {
	cutoff := time.Now().Add(-b.inactivityTimeout)
	for connID, client := range b.clients {
		if client == nil || client.lastHeartbeat.After(cutoff) {
			continue
		}
		b.logger.Info().Str("name", client.logicalName).Int("ordinal", client.ordinal).Msg("evicting inactive client")
		close(client.send)
		if closeConn, ok := b.connClosers[connID]; ok && closeConn != nil {
			if err := closeConn(); err != nil {
				b.logger.Debug().Err(err).Str("name", client.logicalName).Msg("error closing evicted client connection")
			}
		}
		b.removeClient(connID)
		atomic.AddInt64(&b.stats.ClientsEvicted, 1)
	}
}
