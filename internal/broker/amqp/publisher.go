package amqp

import (
	"context"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"telemetry-pipeline/internal/broker"
	"telemetry-pipeline/internal/logger"
)

// opQueueSize bounds the number of pending publishes. A full queue drops
// the publish rather than back-pressuring the caller.
const opQueueSize = 256

// PublisherSession is a long-lived publishing channel running on its own
// goroutine. Publish is safe to call from any goroutine and never blocks:
// requests are serialized onto the session's loop, which performs the
// actual basic-publish.
type PublisherSession struct {
	conn     *Connection
	logger   *logger.Logger
	exchange string
	appID    string

	ops     chan publishOp
	closing atomic.Bool
	quit    chan struct{}
	done    chan struct{}
}

type publishOp struct {
	routingKey  string
	body        []byte
	contentType string
}

// NewPublisherSession creates a publisher for one exchange. Start must be
// called before Publish.
func NewPublisherSession(conn *Connection, exchange, appID string, log *logger.Logger) *PublisherSession {
	return &PublisherSession{
		conn:     conn,
		logger:   log,
		exchange: exchange,
		appID:    appID,
		ops:      make(chan publishOp, opQueueSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the session's publish loop.
func (p *PublisherSession) Start() {
	go p.run()
}

// Publish enqueues a publish request. It returns ErrPublishDropped when
// the session is shutting down or its queue is full; callers on business
// paths surface that to their caller, the log pipeline swallows it.
func (p *PublisherSession) Publish(routingKey string, body []byte, contentType string) error {
	if p.closing.Load() {
		return broker.ErrSessionClosed
	}

	op := publishOp{
		routingKey:  routingKey,
		body:        body,
		contentType: contentType,
	}

	select {
	case p.ops <- op:
		return nil
	default:
		return broker.ErrPublishDropped
	}
}

// Close stops the loop after draining pending requests, then closes the
// owned connection.
func (p *PublisherSession) Close() error {
	if p.closing.Swap(true) {
		return nil
	}
	close(p.quit)
	<-p.done
	return p.conn.Close()
}

func (p *PublisherSession) run() {
	defer close(p.done)

	var ch Channel
	var chanClose chan *amqp.Error

	ensure := func() bool {
		if ch != nil && !ch.IsClosed() {
			return true
		}
		var err error
		ch, err = p.conn.Channel()
		if err != nil {
			ch = nil
			return false
		}
		chanClose = ch.NotifyClose(make(chan *amqp.Error, 1))
		return true
	}

	// Periodic tick keeps the channel freshness check alive even when no
	// publishes arrive.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case op := <-p.ops:
			p.doPublish(ensure, &ch, op)

		case err := <-chanClose:
			if err != nil {
				p.logger.Error("publish channel closed", "error", err)
			}
			ch = nil
			chanClose = nil

		case <-ticker.C:
			ensure()

		case <-p.quit:
			// Process remaining requests once, then shut the channel.
			for {
				select {
				case op := <-p.ops:
					p.doPublish(ensure, &ch, op)
				default:
					if ch != nil {
						ch.Close()
					}
					return
				}
			}
		}
	}
}

func (p *PublisherSession) doPublish(ensure func() bool, ch *Channel, op publishOp) {
	if !ensure() {
		// Channel is down: drop rather than hold up the producer.
		p.logger.Error("dropping publish, channel not open",
			"exchange", p.exchange,
			"routingKey", op.routingKey)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := (*ch).PublishWithContext(ctx, p.exchange, op.routingKey, true, false, amqp.Publishing{
		ContentType:  op.contentType,
		DeliveryMode: amqp.Persistent,
		AppId:        p.appID,
		Timestamp:    time.Now(),
		Body:         op.body,
	})
	if err != nil {
		p.logger.Error("failed to publish",
			"error", err,
			"exchange", p.exchange,
			"routingKey", op.routingKey)
	}
}
