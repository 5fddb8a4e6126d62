// Package broker defines the shared wire contract of the pipeline: the
// exchange/queue topology, routing keys, message properties, and the
// handler interface consumer sessions deliver into.
package broker

import (
	"context"
	"errors"
	"time"
)

// Exchange and queue names. Both exchanges are durable topic exchanges;
// all three queues are durable and declared by their owning consumer.
const (
	ExchangeMessages = "messages"
	ExchangeLogs     = "logs"

	QueueMessages = "messages"
	QueueRPC      = "rpc"
	QueueLogs     = "logs"
)

// Content types carried in publish properties.
const (
	ContentTypeJSON  = "application/json"
	ContentTypeText  = "text/plain"
	ContentTypeBytes = "text/bytes"
)

// MessagesKey returns the routing key for telemetry bound for a handler.
func MessagesKey(handlerID string) string { return "messages." + handlerID }

// RPCKey returns the routing key for cache-control requests to a handler.
func RPCKey(handlerID string) string { return "rpc." + handlerID }

// LogsKey returns the routing key for log records from an origin.
func LogsKey(originID string) string { return "logs." + originID }

// SessionState represents the current state of a consumer session's
// broker dialogue.
type SessionState string

const (
	// StateClosed indicates no connection is open
	StateClosed SessionState = "closed"
	// StateOpening indicates the transport connection is being dialed
	StateOpening SessionState = "opening"
	// StateChanOpening indicates a channel is being opened
	StateChanOpening SessionState = "chan_opening"
	// StateExDeclaring indicates the exchange is being declared
	StateExDeclaring SessionState = "exchange_declaring"
	// StateQDeclaring indicates queues are being declared
	StateQDeclaring SessionState = "queue_declaring"
	// StateBinding indicates queue bindings are being asserted
	StateBinding SessionState = "binding"
	// StateQosSetting indicates prefetch is being applied
	StateQosSetting SessionState = "qos_setting"
	// StateConsuming indicates deliveries are flowing
	StateConsuming SessionState = "consuming"
	// StateReconnectWait indicates the session is backing off before redialing
	StateReconnectWait SessionState = "reconnect_wait"
)

// Handler consumes deliveries from a session. HandleMessage is invoked for
// every delivery on the messages queue; a nil return acknowledges the
// delivery, a non-nil return leaves it unacknowledged for redelivery.
// HandleRPC is invoked for deliveries on the rpc queue and must return the
// reply body to publish back to the requester.
type Handler interface {
	HandleMessage(ctx context.Context, body []byte, corrID string) error
	HandleRPC(ctx context.Context, corrID string, body []byte) []byte
	Close() error
}

// Publisher is the thread-safe publish surface exposed to business code
// and to the log pipeline.
type Publisher interface {
	Publish(routingKey string, body []byte, contentType string) error
	Close() error
}

// SessionStats tracks per-session delivery totals. Counter fields are
// updated with atomics.
type SessionStats struct {
	MessagesReceived uint64
	MessagesAcked    uint64
	Errors           uint64
	Reconnects       uint64
	LastReconnect    time.Time
}

var (
	// ErrNotConnected is returned when an operation requires an open channel
	ErrNotConnected = errors.New("not connected to broker")
	// ErrSessionClosed is returned after a session has been stopped
	ErrSessionClosed = errors.New("session closed")
	// ErrPublishDropped is returned when a publish was discarded because the
	// publishing channel was down or its queue was full
	ErrPublishDropped = errors.New("publish dropped")
)
