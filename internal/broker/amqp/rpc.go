package amqp

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"telemetry-pipeline/internal/broker"
	"telemetry-pipeline/internal/logger"
	"telemetry-pipeline/internal/metrics"
)

// RPCSession is a request/reply channel over the messages exchange. It
// owns an exclusive, auto-named reply queue and matches responses by
// correlation id. At most one request is in flight per session; callers
// needing parallelism create more sessions.
type RPCSession struct {
	conn    *Connection
	logger  *logger.Logger
	metrics *metrics.Metrics
	timeout time.Duration

	ch         Channel
	replyQueue string
	deliveries <-chan amqp.Delivery

	// mu serializes requests so replies cannot be matched against a
	// stale in-flight correlation id.
	mu sync.Mutex
}

// NewRPCSession opens the reply queue and registers its auto-ack consumer.
// A nil metrics service disables instrumentation.
func NewRPCSession(conn *Connection, timeout time.Duration, log *logger.Logger, m *metrics.Metrics) (*RPCSession, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open rpc channel: %w", err)
	}

	// Exclusive and auto-named: the broker deletes it with the session.
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare reply queue: %w", err)
	}

	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume reply queue: %w", err)
	}

	return &RPCSession{
		conn:       conn,
		logger:     log,
		metrics:    m,
		timeout:    timeout,
		ch:         ch,
		replyQueue: q.Name,
		deliveries: deliveries,
	}, nil
}

// Request publishes body to the given routing key and waits for the
// correlated reply. A nil reply with nil error means the request timed
// out; the side effect may still occur later.
func (r *RPCSession) Request(ctx context.Context, routingKey string, body []byte, correlationID string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ch.IsClosed() {
		return nil, broker.ErrNotConnected
	}

	start := time.Now()
	err := r.ch.PublishWithContext(ctx, broker.ExchangeMessages, routingKey, true, false, amqp.Publishing{
		ContentType:   broker.ContentTypeJSON,
		CorrelationId: correlationID,
		ReplyTo:       r.replyQueue,
		DeliveryMode:  amqp.Persistent,
		Body:          body,
	})
	if err != nil {
		r.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncRPCTotal("error")
		})
		return nil, fmt.Errorf("failed to publish rpc request: %w", err)
	}

	deadline := time.NewTimer(r.timeout)
	defer deadline.Stop()

	for {
		select {
		case d, ok := <-r.deliveries:
			if !ok {
				r.safeMetricsUpdate(func(m *metrics.Metrics) {
					m.IncRPCTotal("error")
				})
				return nil, broker.ErrSessionClosed
			}
			if d.CorrelationId != correlationID {
				// Late reply from an earlier timed-out request.
				r.logger.Debug("discarding uncorrelated reply",
					"correlationId", d.CorrelationId)
				continue
			}
			r.safeMetricsUpdate(func(m *metrics.Metrics) {
				m.IncRPCTotal("ok")
				m.ObserveRPCDuration(time.Since(start).Seconds())
			})
			return d.Body, nil

		case <-deadline.C:
			r.logger.Warn("rpc request timed out",
				"routingKey", routingKey,
				"correlationId", correlationID,
				"timeout", r.timeout)
			r.safeMetricsUpdate(func(m *metrics.Metrics) {
				m.IncRPCTotal("timeout")
			})
			return nil, nil

		case <-ctx.Done():
			r.safeMetricsUpdate(func(m *metrics.Metrics) {
				m.IncRPCTotal("error")
			})
			return nil, ctx.Err()
		}
	}
}

func (r *RPCSession) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if r.metrics != nil {
		fn(r.metrics)
	}
}

// Close tears down the reply channel. The session is unusable afterwards.
func (r *RPCSession) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ch.Close(); err != nil {
		return fmt.Errorf("failed to close rpc channel: %w", err)
	}
	return nil
}
