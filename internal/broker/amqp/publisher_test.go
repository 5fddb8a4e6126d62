package amqp

import (
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-pipeline/internal/broker"
)

func TestPublisherPublishesWithPersistentDelivery(t *testing.T) {
	mc := newMockConn()
	conn := newTestConnection(mc)
	pub := NewPublisherSession(conn, broker.ExchangeMessages, "receiver1", newTestLogger())
	pub.Start()
	defer pub.Close()

	err := pub.Publish(broker.MessagesKey("handler1"), []byte(`{"t":25}`), broker.ContentTypeJSON)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ch := mc.lastChannel()
		return ch != nil && len(ch.publishedMsgs()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	msgs := mc.lastChannel().publishedMsgs()
	assert.Equal(t, broker.ExchangeMessages, msgs[0].exchange)
	assert.Equal(t, broker.MessagesKey("handler1"), msgs[0].routingKey)
	assert.True(t, msgs[0].mandatory)
	assert.Equal(t, amqp.Persistent, msgs[0].msg.DeliveryMode)
	assert.Equal(t, "receiver1", msgs[0].msg.AppId)
	assert.Equal(t, broker.ContentTypeJSON, msgs[0].msg.ContentType)
}

func TestPublisherNeverBlocksCaller(t *testing.T) {
	mc := newMockConn()
	conn := newTestConnection(mc)
	pub := NewPublisherSession(conn, broker.ExchangeLogs, "receiver1", newTestLogger())
	// Not started: the queue fills and further publishes must drop, not block.

	var dropped int
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < opQueueSize*2; i++ {
			if err := pub.Publish("logs.receiver1", []byte("x"), broker.ContentTypeJSON); err != nil {
				dropped++
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked the caller")
	}
	assert.Greater(t, dropped, 0)
}

func TestPublisherRejectsAfterClose(t *testing.T) {
	mc := newMockConn()
	conn := newTestConnection(mc)
	pub := NewPublisherSession(conn, broker.ExchangeLogs, "receiver1", newTestLogger())
	pub.Start()

	require.NoError(t, pub.Close())

	err := pub.Publish("logs.receiver1", []byte("x"), broker.ContentTypeJSON)
	assert.ErrorIs(t, err, broker.ErrSessionClosed)
}

func TestPublisherDrainsPendingOnClose(t *testing.T) {
	mc := newMockConn()
	conn := newTestConnection(mc)
	pub := NewPublisherSession(conn, broker.ExchangeMessages, "receiver1", newTestLogger())
	pub.Start()

	for i := 0; i < 10; i++ {
		require.NoError(t, pub.Publish("messages.handler1", []byte("x"), broker.ContentTypeJSON))
	}
	require.NoError(t, pub.Close())

	total := 0
	for _, ch := range mc.channels {
		total += len(ch.publishedMsgs())
	}
	assert.Equal(t, 10, total)
}
