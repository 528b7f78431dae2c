// Package postoffice implements a topic-based publish/subscribe client
// library: applications obtain a PostOffice handle, subscribe to topics,
// publish messages, and receive messages matching their subscriptions,
// while a background worker shields them from the underlying Transport's
// blocking I/O.
package postoffice

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config is the buffer-sizing and connection surface applications tune
// per post office instance.
type Config struct {
	ServerHost     string  `env:"POSTOFFICE_SERVER_HOST"`
	ServerPort     int     `env:"POSTOFFICE_SERVER_PORT" envDefault:"4808"`
	ServerUsername string  `env:"POSTOFFICE_SERVER_USERNAME"`
	ServerPassword string  `env:"POSTOFFICE_SERVER_PASSWORD"`
	ServerVHost    string  `env:"POSTOFFICE_SERVER_VHOST"`
	Buffered       bool    `env:"POSTOFFICE_BUFFERED" envDefault:"true"`

	ReceiveBufferMaxItems     int     `env:"POSTOFFICE_RECV_MAX_ITEMS" envDefault:"262144"`
	ReceiveBufferMaxMegabytes float64 `env:"POSTOFFICE_RECV_MAX_MB" envDefault:"256"`
	SendBufferMaxItems        int     `env:"POSTOFFICE_SEND_MAX_ITEMS" envDefault:"262144"`
	SendBufferMaxMegabytes    float64 `env:"POSTOFFICE_SEND_MAX_MB" envDefault:"256"`
}

// Validate checks the config for obviously broken values, the same way
// the teacher's Config.Validate does before a server starts serving.
func (c Config) Validate() error {
	if c.ReceiveBufferMaxItems < 1 {
		return fmt.Errorf("postoffice: ReceiveBufferMaxItems must be > 0, got %d", c.ReceiveBufferMaxItems)
	}
	if c.SendBufferMaxItems < 1 {
		return fmt.Errorf("postoffice: SendBufferMaxItems must be > 0, got %d", c.SendBufferMaxItems)
	}
	if c.ReceiveBufferMaxMegabytes <= 0 {
		return fmt.Errorf("postoffice: ReceiveBufferMaxMegabytes must be > 0, got %.2f", c.ReceiveBufferMaxMegabytes)
	}
	if c.SendBufferMaxMegabytes <= 0 {
		return fmt.Errorf("postoffice: SendBufferMaxMegabytes must be > 0, got %.2f", c.SendBufferMaxMegabytes)
	}
	return nil
}

func (c Config) receiveBufferMaxBytes() int {
	return int(c.ReceiveBufferMaxMegabytes * 1024 * 1024)
}

func (c Config) sendBufferMaxBytes() int {
	return int(c.SendBufferMaxMegabytes * 1024 * 1024)
}

// LoadConfig builds a Config from the process environment. If envFile is
// non-empty, it is loaded into the environment first (overlaying, not
// overriding, any variable already set); a missing envFile is not an
// error, matching the common pattern of an optional local .env.
func LoadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("postoffice: load env file: %w", err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("postoffice: parse env config: %w", err)
	}
	return cfg, nil
}

// PostOffice is the application-facing handle. Subscribe, Unsubscribe and
// Publish never block beyond a brief internal mutex acquisition; Receive
// is the one operation with a caller-controlled timeout.
//
// SetClientIdentifier is deliberately not part of this interface: the
// client identifier is supplied once, at Create, matching the intent that
// this was a deprecated, should-have-been-construction-time operation in
// the original design (see DESIGN.md's Open Question decisions).
type PostOffice interface {
	Subscribe(topic string)
	Unsubscribe(topic string)
	Publish(msg Message) bool
	Receive(maxWait time.Duration) (Message, bool)
	Error() string
	ClientAddress() string
	Version() string
	Close() error
}

// Create builds a PostOffice around transport, using clientIdentifier as
// the transport's self-reported identity. It connects synchronously
// before returning, so a construction failure surfaces immediately rather
// than leaving the caller with a handle that silently never connects.
func Create(cfg Config, clientIdentifier string, transport Transport, logger zerolog.Logger) (PostOffice, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, fmt.Errorf("postoffice: transport must not be nil")
	}
	if clientIdentifier == "" {
		return nil, fmt.Errorf("postoffice: clientIdentifier must not be empty")
	}

	if err := transport.SetIdentity(clientIdentifier); err != nil {
		return nil, fmt.Errorf("postoffice: set identity: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := transport.Connect(ctx); err != nil {
		return nil, fmt.Errorf("postoffice: initial connect: %w", err)
	}

	engine := newEngine(cfg, clientIdentifier, transport, logger)
	engine.start()
	return engine, nil
}
