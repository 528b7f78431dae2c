package postoffice

import (
	"context"
	"time"
)

// Capabilities describes optional behavior a Transport implementation may
// or may not provide. No transport in this module fragments oversized
// messages, so SupportsFragmentation is always false today, but the field
// is kept so a future transport can report otherwise without an interface
// change.
type Capabilities struct {
	SupportsFragmentation bool

	// DualWorker reports whether this transport's publisher and
	// subscriber sessions are logically separate (as with AMQP's two
	// channels) and so need the engine's two-worker configuration
	// (see engine_dualworker.go) rather than the single-worker loop.
	DualWorker bool
}

// Transport is the abstraction a BufferedPostOffice drives to talk to an
// underlying pub/sub carrier: the in-process broker, an AMQP exchange, or
// a NATS subject space. Publish, Subscribe, Unsubscribe, Receive and Wait
// are only ever called from the worker goroutine that owns this
// Transport's connection (or, in the two-worker configuration, from the
// specific half of the pair that owns that session); Wake and
// ClientAddress are safe to call from any goroutine.
type Transport interface {
	// Connect establishes the underlying connection. It may be called
	// again after a failure to attempt a reconnect.
	Connect(ctx context.Context) error

	Publish(msg Message) error
	Subscribe(topic string) error
	Unsubscribe(topic string) error

	// Receive returns the next available message without blocking. ok is
	// false when nothing is currently available.
	Receive() (msg Message, ok bool)

	// Wait blocks until Wake is called, an internal event occurs, or
	// maxWait elapses, whichever comes first. It returns true if it
	// believes there may be work to do.
	Wait(maxWait time.Duration) bool

	// Wake interrupts a blocked Wait call. Safe to call from any
	// goroutine, any number of times, including before Wait is ever
	// called.
	Wake()

	// SetIdentity configures the transport's self-reported client
	// identity. Only valid before Connect; see postoffice.go for why
	// this is not re-exposed on the public PostOffice interface.
	SetIdentity(id string) error

	ClientAddress() string
	Version() string

	Close() error

	Capabilities() Capabilities

	// Errors drains transport-level errors accumulated since the last
	// call, for folding into the engine's ErrorJournal.
	Errors() []error
}
