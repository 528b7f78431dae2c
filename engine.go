package postoffice

import (
	"context"
	"os"
	"os/user"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaypost/postoffice/internal/errorjournal"
	"github.com/relaypost/postoffice/internal/queue"
	"github.com/relaypost/postoffice/internal/throughput"
)

// statusTopic is the topic the engine self-publishes its health on.
const statusTopic = "__claim_MsgStatus"

const (
	sendMaxPerPass = 100
	recvMaxPerPass = 100

	statusIdleInterval = time.Second
	statusBusyInterval = 5 * time.Second

	hostnameRefreshInterval = 60 * time.Second
	reconnectBackoff        = time.Second
	idleWaitTimeout         = time.Second
)

type controlKind int

const (
	controlPublish controlKind = iota
	controlSubscribe
	controlUnsubscribe
)

// controlRecord is what flows through the send queue: either a message to
// publish, or a subscription change. Funneling both through one queue
// preserves the call order an application made them in.
type controlRecord struct {
	kind  controlKind
	msg   Message
	topic string
}

// Size implements queue.Item.
func (c controlRecord) Size() int {
	if c.kind == controlPublish {
		return c.msg.Size()
	}
	return len(c.topic)
}

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateReady
)

// BufferedPostOffice is the engine: it owns a Transport, two
// BoundedQueues, two ThroughputMeters, an ErrorJournal, and the worker
// goroutine(s) that shuttle items between them.
type BufferedPostOffice struct {
	cfg        Config
	identifier string
	transport  Transport
	logger     zerolog.Logger

	sendQ     *queue.BoundedQueue
	recvQ     *queue.BoundedQueue
	sendMeter *throughput.Meter
	recvMeter *throughput.Meter
	journal   *errorjournal.Journal

	mu            sync.Mutex
	clientAddress string
	subscribed    map[string]struct{}

	startedAt time.Time

	hostnameMu      sync.Mutex
	hostname        string
	hostnameAt      time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup

	state            int32 // connState, accessed atomically (shared by both dual-worker goroutines)
	errMu            sync.Mutex
	lastErrorEpisode string
}

func (e *BufferedPostOffice) getState() connState {
	return connState(atomic.LoadInt32(&e.state))
}

func (e *BufferedPostOffice) setState(s connState) {
	atomic.StoreInt32(&e.state, int32(s))
}

func newEngine(cfg Config, identifier string, transport Transport, logger zerolog.Logger) *BufferedPostOffice {
	return &BufferedPostOffice{
		cfg:        cfg,
		identifier: identifier,
		transport:  transport,
		logger:     logger.With().Str("component", "postoffice").Str("client", identifier).Logger(),
		sendQ:      queue.New(cfg.SendBufferMaxItems, cfg.sendBufferMaxBytes()),
		recvQ:      queue.New(cfg.ReceiveBufferMaxItems, cfg.receiveBufferMaxBytes()),
		sendMeter:  throughput.New(throughput.DefaultWindow),
		recvMeter:  throughput.New(throughput.DefaultWindow),
		journal:    errorjournal.New(64),
		subscribed: make(map[string]struct{}),
		startedAt:  time.Now(),
		stopCh:     make(chan struct{}),
		state:      int32(stateReady),
	}
}

// start launches the engine's worker goroutine(s). Transports reporting
// Capabilities().DualWorker (AMQP, whose publisher and subscriber
// sessions are logically separate) get the two-worker split in
// engine_dualworker.go; everything else gets the single-worker loop.
func (e *BufferedPostOffice) start() {
	if e.transport.Capabilities().DualWorker {
		e.startDualWorker()
		return
	}
	e.wg.Add(1)
	go e.runSingleWorker()
}

func (e *BufferedPostOffice) Subscribe(topic string) {
	e.mu.Lock()
	e.subscribed[topic] = struct{}{}
	e.mu.Unlock()
	if !e.sendQ.Push(controlRecord{kind: controlSubscribe, topic: topic}) {
		e.journal.Set("subscribe dropped: send buffer full")
		return
	}
	e.transport.Wake()
}

func (e *BufferedPostOffice) Unsubscribe(topic string) {
	e.mu.Lock()
	delete(e.subscribed, topic)
	e.mu.Unlock()
	if !e.sendQ.Push(controlRecord{kind: controlUnsubscribe, topic: topic}) {
		e.journal.Set("unsubscribe dropped: send buffer full")
		return
	}
	e.transport.Wake()
}

func (e *BufferedPostOffice) Publish(msg Message) bool {
	if !ValidTopic(msg.Topic) {
		e.journal.Set("publish rejected: topic contains a tab character")
		return false
	}
	if !e.sendQ.Push(controlRecord{kind: controlPublish, msg: msg}) {
		e.journal.Set("publish dropped: send buffer full")
		return false
	}
	e.transport.Wake()
	return true
}

func (e *BufferedPostOffice) Receive(maxWait time.Duration) (Message, bool) {
	item, ok := e.recvQ.Pop(maxWait)
	if !ok {
		return Message{}, false
	}
	return item.(Message), true
}

func (e *BufferedPostOffice) Error() string {
	return e.journal.Get()
}

func (e *BufferedPostOffice) ClientAddress() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.clientAddress
}

func (e *BufferedPostOffice) Version() string {
	return e.transport.Version()
}

func (e *BufferedPostOffice) Close() error {
	close(e.stopCh)
	e.transport.Wake()
	e.sendQ.Halt()
	e.recvQ.Halt()
	e.wg.Wait()
	return e.transport.Close()
}

// runSingleWorker is the four-phase loop described in SPEC_FULL.md §4.5,
// grounded on claim::BufferedPostOffice::operator().
func (e *BufferedPostOffice) runSingleWorker() {
	defer e.wg.Done()

	var pendingSend *controlRecord
	var pendingRecv *Message
	var lastStatusAt time.Time

	for {
		select {
		case <-e.stopCh:
			return
		default:
		}

		if e.getState() != stateReady {
			e.reconnect()
			continue
		}

		activity := false

		// Phase 1: send.
		for i := 0; i < sendMaxPerPass; i++ {
			var rec controlRecord
			if pendingSend != nil {
				rec = *pendingSend
				pendingSend = nil
			} else {
				item, ok := e.sendQ.Pop(0)
				if !ok {
					break
				}
				rec = item.(controlRecord)
			}
			if err := e.dispatchControl(rec); err != nil {
				pendingSend = &rec
				e.noteTransportFailure(err)
				break
			}
			activity = true
		}

		// Phase 2: status.
		now := time.Now()
		idle := !activity
		due := (idle && now.Sub(lastStatusAt) >= statusIdleInterval) || now.Sub(lastStatusAt) >= statusBusyInterval
		if due {
			e.publishStatus()
			lastStatusAt = now
		}

		// Phase 3: receive.
		for i := 0; i < recvMaxPerPass; i++ {
			var msg Message
			if pendingRecv != nil {
				msg = *pendingRecv
				pendingRecv = nil
			} else {
				m, ok := e.transport.Receive()
				if !ok {
					break
				}
				e.recvMeter.Add(m.Size())
				msg = m
			}
			if !e.recvQ.Push(msg) {
				e.journal.Set("receive buffer full, retrying")
				pendingRecv = &msg
				break
			}
			activity = true
		}

		// Phase 4: drain.
		e.refreshClientAddress()
		for _, err := range e.transport.Errors() {
			e.noteTransportFailure(err)
		}
		if !activity {
			e.transport.Wait(idleWaitTimeout)
		}
	}
}

func (e *BufferedPostOffice) dispatchControl(rec controlRecord) error {
	var err error
	switch rec.kind {
	case controlPublish:
		err = e.transport.Publish(rec.msg)
		if err == nil {
			e.sendMeter.Add(rec.msg.Size())
		}
	case controlSubscribe:
		err = e.transport.Subscribe(rec.topic)
	case controlUnsubscribe:
		err = e.transport.Unsubscribe(rec.topic)
	}
	return err
}

// noteTransportFailure records the first occurrence of a contiguous
// failure episode, transitions to Disconnected, and leaves a "now ok"
// marker for the caller to see once recovery succeeds.
func (e *BufferedPostOffice) noteTransportFailure(err error) {
	msg := err.Error()
	e.errMu.Lock()
	isNewEpisode := e.lastErrorEpisode != msg
	if isNewEpisode {
		e.lastErrorEpisode = msg
	}
	e.errMu.Unlock()
	if isNewEpisode {
		e.journal.Set(msg)
	}
	e.setState(stateDisconnected)
}

// reconnect drives the Disconnected -> Connecting -> Ready state machine,
// replaying the full subscription set on success since the server side is
// considered volatile.
func (e *BufferedPostOffice) reconnect() {
	e.setState(stateConnecting)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := e.transport.Connect(ctx)
	cancel()
	if err != nil {
		e.noteTransportFailure(err)
		time.Sleep(reconnectBackoff)
		return
	}

	e.mu.Lock()
	topics := make([]string, 0, len(e.subscribed))
	for t := range e.subscribed {
		topics = append(topics, t)
	}
	e.mu.Unlock()
	for _, t := range topics {
		if err := e.transport.Subscribe(t); err != nil {
			e.noteTransportFailure(err)
			time.Sleep(reconnectBackoff)
			return
		}
	}

	e.errMu.Lock()
	hadEpisode := e.lastErrorEpisode != ""
	e.lastErrorEpisode = ""
	e.errMu.Unlock()
	if hadEpisode {
		e.journal.Set("transport now ok")
	}
	e.setState(stateReady)
}

func (e *BufferedPostOffice) refreshClientAddress() {
	addr := e.transport.ClientAddress()
	e.mu.Lock()
	e.clientAddress = addr
	e.mu.Unlock()
}

// publishStatus builds and sends the engine's self-health telemetry
// directly through the transport, bypassing the send queue.
func (e *BufferedPostOffice) publishStatus() {
	recvItems, recvBytes := e.recvQ.Size()
	sendItems, sendBytes := e.sendQ.Size()
	recvIPS, recvBPS := e.recvMeter.Rate()
	sendIPS, sendBPS := e.sendMeter.Rate()

	now := time.Now().UTC()
	wd, _ := os.Getwd()

	attrs := map[string]string{
		"client_address":       e.ClientAddress(),
		"hostname":             e.cachedHostname(),
		"username":             currentUsername(),
		"postoffice_version":   e.transport.Version(),
		"recv_buf_item_count":  itoa(recvItems),
		"recv_buf_byte_count":  itoa(recvBytes),
		"send_buf_item_count":  itoa(sendItems),
		"send_buf_byte_count":  itoa(sendBytes),
		"recv_items_per_sec":   ftoa(recvIPS),
		"recv_bytes_per_sec":   ftoa(recvBPS),
		"sent_items_per_sec":   ftoa(sendIPS),
		"sent_bytes_per_sec":   ftoa(sendBPS),
		"time_current_utc":     now.Format(time.RFC3339),
		"time_started_utc":     e.startedAt.UTC().Format(time.RFC3339),
		"working_dir":          wd,
	}

	am := AttributeMessage{Topic: statusTopic, Attributes: attrs}
	if err := e.transport.Publish(am.Encode()); err != nil {
		e.noteTransportFailure(err)
	}
}

func (e *BufferedPostOffice) cachedHostname() string {
	e.hostnameMu.Lock()
	defer e.hostnameMu.Unlock()
	if time.Since(e.hostnameAt) < hostnameRefreshInterval && e.hostname != "" {
		return e.hostname
	}
	h, err := os.Hostname()
	if err != nil {
		h = "unknown"
	}
	e.hostname = h
	e.hostnameAt = time.Now()
	return h
}

func currentUsername() string {
	u, err := user.Current()
	if err != nil {
		return "unknown"
	}
	return u.Username
}
