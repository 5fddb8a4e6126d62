package amqp

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"telemetry-pipeline/config"
	"telemetry-pipeline/internal/logger"
)

// mockChannel implements Channel for testing
type mockChannel struct {
	mu sync.Mutex

	declaredExchanges []string
	declaredQueues    []string
	bindings          map[string][]string
	qosPrefetch       int

	deliveries map[string]chan amqp.Delivery
	published  []publishedMsg
	acked      []uint64
	cancelled  []string

	closeChans  []chan *amqp.Error
	cancelChans []chan string
	closed      bool

	exchangeDeclareErr error
	queueDeclareErr    error
	consumeErr         error
	publishErr         error
	ackErr             error
}

type publishedMsg struct {
	exchange   string
	routingKey string
	mandatory  bool
	msg        amqp.Publishing
}

func newMockChannel() *mockChannel {
	return &mockChannel{
		bindings:   make(map[string][]string),
		deliveries: make(map[string]chan amqp.Delivery),
	}
}

func (c *mockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exchangeDeclareErr != nil {
		return c.exchangeDeclareErr
	}
	c.declaredExchanges = append(c.declaredExchanges, name)
	return nil
}

func (c *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queueDeclareErr != nil {
		return amqp.Queue{}, c.queueDeclareErr
	}
	if name == "" {
		name = "amq.gen-test-reply"
	}
	c.declaredQueues = append(c.declaredQueues, name)
	return amqp.Queue{Name: name}, nil
}

func (c *mockChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings[name] = append(c.bindings[name], key)
	return nil
}

func (c *mockChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.qosPrefetch = prefetchCount
	return nil
}

func (c *mockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.consumeErr != nil {
		return nil, c.consumeErr
	}
	ch, ok := c.deliveries[queue]
	if !ok {
		ch = make(chan amqp.Delivery, 16)
		c.deliveries[queue] = ch
	}
	return ch, nil
}

func (c *mockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, publishedMsg{
		exchange:   exchange,
		routingKey: key,
		mandatory:  mandatory,
		msg:        msg,
	})
	return nil
}

func (c *mockChannel) Ack(tag uint64, multiple bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ackErr != nil {
		return c.ackErr
	}
	c.acked = append(c.acked, tag)
	return nil
}

func (c *mockChannel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, consumer)
	return nil
}

func (c *mockChannel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeChans = append(c.closeChans, ch)
	return ch
}

func (c *mockChannel) NotifyCancel(ch chan string) chan string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelChans = append(c.cancelChans, ch)
	return ch
}

func (c *mockChannel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *mockChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, ch := range c.deliveries {
		close(ch)
	}
	return nil
}

// deliver pushes a delivery into a queue's stream.
func (c *mockChannel) deliver(queue string, d amqp.Delivery) {
	c.mu.Lock()
	ch, ok := c.deliveries[queue]
	if !ok {
		ch = make(chan amqp.Delivery, 16)
		c.deliveries[queue] = ch
	}
	c.mu.Unlock()
	ch <- d
}

// fireClose simulates a broker-initiated channel close.
func (c *mockChannel) fireClose(err *amqp.Error) {
	c.mu.Lock()
	chans := append([]chan *amqp.Error{}, c.closeChans...)
	c.mu.Unlock()
	for _, ch := range chans {
		ch <- err
	}
	c.Close()
}

func (c *mockChannel) ackedTags() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint64{}, c.acked...)
}

func (c *mockChannel) publishedMsgs() []publishedMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publishedMsg{}, c.published...)
}

// mockConn implements transportConn for testing
type mockConn struct {
	mu       sync.Mutex
	channels []*mockChannel
	closed   bool

	channelErr error
	nextChan   *mockChannel
}

func newMockConn() *mockConn {
	return &mockConn{}
}

func (c *mockConn) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channelErr != nil {
		return nil, c.channelErr
	}
	ch := c.nextChan
	if ch == nil {
		ch = newMockChannel()
	}
	c.nextChan = nil
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *mockConn) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	return ch
}

func (c *mockConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *mockConn) lastChannel() *mockChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.channels) == 0 {
		return nil
	}
	return c.channels[len(c.channels)-1]
}

// newTestConnection wires a Connection to a mock transport.
func newTestConnection(conn *mockConn) *Connection {
	cfg := &config.BrokerConfig{Host: "localhost", Port: 5672, HeartbeatSeconds: 3600}
	return newConnectionWithDialer(cfg, newTestLogger(), func() (transportConn, error) {
		return conn, nil
	})
}

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(&config.LogConfig{Level: "error"}, "test")
	return log
}

// stubHandler implements broker.Handler for testing
type stubHandler struct {
	mu       sync.Mutex
	messages [][]byte
	rpcs     [][]byte
	msgErr   error
	reply    []byte
}

func (h *stubHandler) HandleMessage(ctx context.Context, body []byte, corrID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, body)
	return h.msgErr
}

func (h *stubHandler) HandleRPC(ctx context.Context, corrID string, body []byte) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rpcs = append(h.rpcs, body)
	if h.reply != nil {
		return h.reply
	}
	return []byte("ok")
}

func (h *stubHandler) Close() error { return nil }

func (h *stubHandler) messageCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}
