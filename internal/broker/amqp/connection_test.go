package amqp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"telemetry-pipeline/config"
)

func TestConnectionDialsLazily(t *testing.T) {
	dials := 0
	mc := newMockConn()
	cfg := &config.BrokerConfig{Host: "localhost", Port: 5672}
	conn := newConnectionWithDialer(cfg, newTestLogger(), func() (transportConn, error) {
		dials++
		return mc, nil
	})

	assert.False(t, conn.IsConnected())
	assert.Equal(t, 0, dials)

	ch, err := conn.Channel()
	require.NoError(t, err)
	require.NotNil(t, ch)
	assert.True(t, conn.IsConnected())
	assert.Equal(t, 1, dials)

	// A second channel reuses the transport.
	_, err = conn.Channel()
	require.NoError(t, err)
	assert.Equal(t, 1, dials)
}

func TestConnectionRedialsAfterTransportClose(t *testing.T) {
	dials := 0
	cfg := &config.BrokerConfig{Host: "localhost", Port: 5672}
	conns := []*mockConn{newMockConn(), newMockConn()}
	conn := newConnectionWithDialer(cfg, newTestLogger(), func() (transportConn, error) {
		c := conns[dials]
		dials++
		return c, nil
	})

	_, err := conn.Channel()
	require.NoError(t, err)

	conns[0].Close()

	_, err = conn.Channel()
	require.NoError(t, err)
	assert.Equal(t, 2, dials)
}

func TestConnectionSurfacesDialError(t *testing.T) {
	cfg := &config.BrokerConfig{Host: "localhost", Port: 5672}
	conn := newConnectionWithDialer(cfg, newTestLogger(), func() (transportConn, error) {
		return nil, errors.New("connection refused")
	})

	_, err := conn.Channel()
	assert.Error(t, err)
	assert.False(t, conn.IsConnected())
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	mc := newMockConn()
	conn := newTestConnection(mc)

	_, err := conn.Channel()
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	assert.False(t, conn.IsConnected())
	require.NoError(t, conn.Close())
}

func TestDeclareTopology(t *testing.T) {
	ch := newMockChannel()
	queues := []QueueSpec{
		{Queue: "messages", RoutingKeys: []string{"messages.handler1"}},
		{Queue: "rpc", RoutingKeys: []string{"rpc.handler1"}, RPC: true},
	}

	require.NoError(t, declareTopology(ch, "messages", queues))
	assert.Equal(t, []string{"messages"}, ch.declaredExchanges)
	assert.ElementsMatch(t, []string{"messages", "rpc"}, ch.declaredQueues)

	ch.exchangeDeclareErr = errors.New("access refused")
	assert.Error(t, declareTopology(ch, "messages", queues))
}
