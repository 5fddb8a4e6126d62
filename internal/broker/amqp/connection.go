package amqp

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"telemetry-pipeline/config"
	"telemetry-pipeline/internal/logger"
)

// Connection owns exactly one transport connection to the broker and
// hands out channels on demand. It is opened lazily on first use and
// must not be shared between two session loops.
type Connection struct {
	cfg    *config.BrokerConfig
	logger *logger.Logger
	dial   dialFunc

	mu        sync.Mutex
	conn      transportConn
	connected atomic.Bool
}

// NewConnection creates an unopened connection wrapper. The transport is
// dialed on the first Channel call.
func NewConnection(cfg *config.BrokerConfig, log *logger.Logger) *Connection {
	c := &Connection{
		cfg:    cfg,
		logger: log,
	}
	c.dial = c.dialBroker
	return c
}

// newConnectionWithDialer creates a connection wrapper with an injected
// dialer (for testing).
func newConnectionWithDialer(cfg *config.BrokerConfig, log *logger.Logger, dial dialFunc) *Connection {
	return &Connection{
		cfg:    cfg,
		logger: log,
		dial:   dial,
	}
}

func (c *Connection) dialBroker() (transportConn, error) {
	// The heartbeat is deliberately long so reconnect decisions stay with
	// the application instead of the broker.
	conn, err := amqp.DialConfig(c.cfg.URL(), amqp.Config{
		Heartbeat: time.Duration(c.cfg.HeartbeatSeconds) * time.Second,
		Properties: amqp.Table{
			"product": "telemetry-pipeline",
		},
	})
	if err != nil {
		return nil, err
	}
	return liveConn{conn}, nil
}

// Channel returns a fresh channel, dialing the transport first if needed.
func (c *Connection) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || c.conn.IsClosed() {
		c.connected.Store(false)
		conn, err := c.dial()
		if err != nil {
			return nil, fmt.Errorf("failed to connect to broker: %w", err)
		}
		c.conn = conn
		c.connected.Store(true)
		c.logger.Info("connected to broker",
			"host", c.cfg.Host,
			"port", c.cfg.Port)
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return ch, nil
}

// IsConnected returns current connection status
func (c *Connection) IsConnected() bool {
	return c.connected.Load()
}

// NotifyClose registers for transport-level close notification. Returns
// nil if the transport has not been dialed yet.
func (c *Connection) NotifyClose() chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// Close shuts the transport down. Safe to call on an unopened connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected.Store(false)
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if err != nil {
		return fmt.Errorf("failed to close connection: %w", err)
	}
	return nil
}

// declareTopology asserts the exchange, queues and bindings a consumer
// owns. Declarations are idempotent; only the owning consumer calls this.
func declareTopology(ch Channel, exchange string, queues []QueueSpec) error {
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	for _, q := range queues {
		if _, err := ch.QueueDeclare(q.Queue, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", q.Queue, err)
		}
		for _, key := range q.RoutingKeys {
			if err := ch.QueueBind(q.Queue, key, exchange, false, nil); err != nil {
				return fmt.Errorf("failed to bind queue %s to %s: %w", q.Queue, key, err)
			}
		}
	}
	return nil
}

// QueueSpec describes one queue a consumer session owns: its name, the
// routing keys it binds, and whether its deliveries carry RPC requests.
type QueueSpec struct {
	Queue       string
	RoutingKeys []string
	RPC         bool
}
