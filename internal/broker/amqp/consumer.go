package amqp

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"telemetry-pipeline/internal/broker"
	"telemetry-pipeline/internal/logger"
	"telemetry-pipeline/internal/metrics"
)

// ConsumerSession drives a channel through the broker dialogue to a
// consuming state and delivers each inbound message to its handler.
// A single session may own several queues on one exchange; deliveries
// are routed to HandleMessage or HandleRPC by queue identity.
type ConsumerSession struct {
	conn     *Connection
	logger   *logger.Logger
	metrics  *metrics.Metrics
	handler  broker.Handler
	exchange string
	queues   []QueueSpec
	prefetch int

	// reconnectMax caps the backoff delay in seconds.
	reconnectMax int

	// attempt counts failed sessions since the last one that reached
	// the consuming state. Explicitly zero at construction.
	attempt int

	stats broker.SessionStats

	// mu guards state and the LastReconnect timestamp.
	mu      sync.RWMutex
	state   broker.SessionState
	closing atomic.Bool
	quit    chan struct{}
	done    chan struct{}
}

// ConsumerConfig bundles the tunables of a consumer session.
type ConsumerConfig struct {
	Exchange      string
	Queues        []QueueSpec
	PrefetchCount int
	ReconnectMax  int
}

// NewConsumerSession creates a session in the closed state. Run starts it.
func NewConsumerSession(conn *Connection, cfg ConsumerConfig, handler broker.Handler, log *logger.Logger, m *metrics.Metrics) *ConsumerSession {
	if cfg.PrefetchCount <= 0 {
		cfg.PrefetchCount = 1
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30
	}
	return &ConsumerSession{
		conn:         conn,
		logger:       log,
		metrics:      m,
		handler:      handler,
		exchange:     cfg.Exchange,
		queues:       cfg.Queues,
		prefetch:     cfg.PrefetchCount,
		reconnectMax: cfg.ReconnectMax,
		attempt:      0,
		state:        broker.StateClosed,
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// State returns the session's current lifecycle state.
func (s *ConsumerSession) State() broker.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *ConsumerSession) setState(st broker.SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Stats returns a snapshot of the session's delivery totals. Safe to call
// from any goroutine while the session runs.
func (s *ConsumerSession) Stats() broker.SessionStats {
	s.mu.RLock()
	last := s.stats.LastReconnect
	s.mu.RUnlock()
	return broker.SessionStats{
		MessagesReceived: atomic.LoadUint64(&s.stats.MessagesReceived),
		MessagesAcked:    atomic.LoadUint64(&s.stats.MessagesAcked),
		Errors:           atomic.LoadUint64(&s.stats.Errors),
		Reconnects:       atomic.LoadUint64(&s.stats.Reconnects),
		LastReconnect:    last,
	}
}

// Run blocks, driving connect / consume / reconnect cycles until the
// context is cancelled or Stop is called.
func (s *ConsumerSession) Run(ctx context.Context) error {
	defer close(s.done)
	defer s.setState(broker.StateClosed)

	for {
		if s.closing.Load() || ctx.Err() != nil {
			return nil
		}

		wasConsuming := s.runSession(ctx)

		if s.closing.Load() || ctx.Err() != nil {
			return nil
		}

		var delay int
		s.attempt, delay = nextBackoff(s.attempt, wasConsuming, s.reconnectMax)

		s.setState(broker.StateReconnectWait)
		atomic.AddUint64(&s.stats.Reconnects, 1)
		s.mu.Lock()
		s.stats.LastReconnect = time.Now()
		s.mu.Unlock()
		s.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncBrokerReconnects()
		})
		s.logger.Info("waiting before reconnect",
			"delaySeconds", delay,
			"attempt", s.attempt)

		select {
		case <-time.After(time.Duration(delay) * time.Second):
		case <-s.quit:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// Stop requests a cooperative shutdown and waits for the run loop to exit.
// It works on its own; cancelling the run context first is not required.
func (s *ConsumerSession) Stop() {
	if !s.closing.Swap(true) {
		close(s.quit)
	}
	<-s.done
}

// nextBackoff advances the reconnect counter. The counter grows only when
// the previous session died before reaching the consuming state; one good
// session resets it. The returned delay in seconds is capped at max.
func nextBackoff(attempt int, wasConsuming bool, max int) (newAttempt, delay int) {
	if wasConsuming {
		return 0, 0
	}
	if attempt < max {
		attempt++
	}
	return attempt, attempt
}

type routedDelivery struct {
	queue string
	rpc   bool
	d     amqp.Delivery
}

// runSession performs one full connect-to-consume cycle. It returns true
// if the session reached the consuming state before dying.
func (s *ConsumerSession) runSession(ctx context.Context) bool {
	s.setState(broker.StateOpening)

	connClose := s.conn.NotifyClose()

	s.setState(broker.StateChanOpening)
	ch, err := s.conn.Channel()
	if err != nil {
		s.logger.Error("failed to open channel", "error", err)
		s.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.SetBrokerConnectionStatus(false)
		})
		return false
	}
	defer ch.Close()

	if connClose == nil {
		connClose = s.conn.NotifyClose()
	}
	chanClose := ch.NotifyClose(make(chan *amqp.Error, 1))
	cancelled := ch.NotifyCancel(make(chan string, 1))

	s.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetBrokerConnectionStatus(true)
	})

	s.setState(broker.StateExDeclaring)
	s.setState(broker.StateQDeclaring)
	s.setState(broker.StateBinding)
	if err := declareTopology(ch, s.exchange, s.queues); err != nil {
		s.logger.Error("failed to declare topology", "error", err)
		return false
	}

	s.setState(broker.StateQosSetting)
	if err := ch.Qos(s.prefetch, 0, false); err != nil {
		s.logger.Error("failed to set qos", "error", err)
		return false
	}

	// Fan all owned queues into one delivery stream; routing is by
	// queue identity, not routing key.
	merged := make(chan routedDelivery)
	var wg sync.WaitGroup
	for _, q := range s.queues {
		deliveries, err := ch.Consume(q.Queue, q.Queue, false, false, false, false, nil)
		if err != nil {
			s.logger.Error("failed to start consuming",
				"queue", q.Queue,
				"error", err)
			return false
		}
		wg.Add(1)
		go func(q QueueSpec, deliveries <-chan amqp.Delivery) {
			defer wg.Done()
			for d := range deliveries {
				merged <- routedDelivery{queue: q.Queue, rpc: q.RPC, d: d}
			}
		}(q, deliveries)
	}
	go func() {
		wg.Wait()
		close(merged)
	}()

	s.setState(broker.StateConsuming)
	s.logger.Info("consuming",
		"exchange", s.exchange,
		"queues", len(s.queues),
		"prefetch", s.prefetch)

	for {
		select {
		case rd, ok := <-merged:
			if !ok {
				// All delivery streams closed underneath us.
				return true
			}
			s.dispatch(ctx, ch, rd)

		case err := <-chanClose:
			if err != nil {
				s.logger.Error("channel closed", "error", err)
			}
			drain(merged)
			return true

		case err := <-connClose:
			if err != nil {
				s.logger.Error("connection closed", "error", err)
			}
			drain(merged)
			return true

		case tag := <-cancelled:
			// Broker-initiated consumer cancellation; close the channel
			// and let the run loop reconnect.
			s.logger.Error("consumer cancelled by broker", "consumerTag", tag)
			drain(merged)
			return true

		case <-s.quit:
			s.shutdownChannel(ch)
			drain(merged)
			return true

		case <-ctx.Done():
			s.shutdownChannel(ch)
			drain(merged)
			return true
		}

		if s.closing.Load() {
			s.shutdownChannel(ch)
			drain(merged)
			return true
		}
	}
}

// dispatch applies the per-delivery protocol: hand the body to the
// handler, acknowledge on a terminal outcome, leave unacknowledged when
// the handler reports a retryable failure.
func (s *ConsumerSession) dispatch(ctx context.Context, ch Channel, rd routedDelivery) {
	atomic.AddUint64(&s.stats.MessagesReceived, 1)
	s.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncMessagesTotal("received")
	})

	if rd.rpc {
		s.dispatchRPC(ctx, ch, rd.d)
		return
	}

	if err := s.handler.HandleMessage(ctx, rd.d.Body, rd.d.CorrelationId); err != nil {
		// Retryable failure: no ack, the broker will redeliver.
		atomic.AddUint64(&s.stats.Errors, 1)
		s.safeMetricsUpdate(func(m *metrics.Metrics) {
			m.IncMessagesTotal("error")
		})
		s.logger.Error("message handling failed, leaving unacknowledged",
			"error", err,
			"deliveryTag", rd.d.DeliveryTag,
			"correlationId", rd.d.CorrelationId)
		return
	}

	s.ack(ch, rd.d.DeliveryTag)
}

// dispatchRPC produces a reply, publishes it to the request's reply queue
// with the same correlation id, then acknowledges the request.
func (s *ConsumerSession) dispatchRPC(ctx context.Context, ch Channel, d amqp.Delivery) {
	reply := s.handler.HandleRPC(ctx, d.CorrelationId, d.Body)

	if d.ReplyTo != "" {
		err := ch.PublishWithContext(ctx, "", d.ReplyTo, false, false, amqp.Publishing{
			ContentType:   broker.ContentTypeText,
			CorrelationId: d.CorrelationId,
			DeliveryMode:  amqp.Persistent,
			Body:          reply,
		})
		if err != nil {
			atomic.AddUint64(&s.stats.Errors, 1)
			s.logger.Error("failed to publish rpc reply",
				"error", err,
				"replyTo", d.ReplyTo,
				"correlationId", d.CorrelationId)
		}
	}

	s.ack(ch, d.DeliveryTag)
}

func (s *ConsumerSession) ack(ch Channel, tag uint64) {
	if err := ch.Ack(tag, false); err != nil {
		atomic.AddUint64(&s.stats.Errors, 1)
		s.logger.Error("failed to acknowledge delivery",
			"error", err,
			"deliveryTag", tag)
		return
	}
	atomic.AddUint64(&s.stats.MessagesAcked, 1)
	s.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncMessagesTotal("acked")
	})
}

// shutdownChannel cancels the consumers so the broker stops sending,
// then closes the channel. Part of cooperative stop.
func (s *ConsumerSession) shutdownChannel(ch Channel) {
	for _, q := range s.queues {
		if err := ch.Cancel(q.Queue, false); err != nil {
			s.logger.Debug("failed to cancel consumer", "queue", q.Queue, "error", err)
		}
	}
	if err := ch.Close(); err != nil {
		s.logger.Debug("failed to close channel", "error", err)
	}
}

// drain discards buffered deliveries so forwarding goroutines can exit
// once their source channels close.
func drain(merged chan routedDelivery) {
	go func() {
		for range merged {
		}
	}()
}

func (s *ConsumerSession) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if s.metrics != nil {
		fn(s.metrics)
	}
}
