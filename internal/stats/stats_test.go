package stats

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector()
	assert.False(t, c.StartTime.IsZero())
	assert.Equal(t, uint64(0), c.MessagesReceived)
}

func TestUpdateAndGetStats(t *testing.T) {
	c := NewCollector()
	c.Update(100, 95, 3, 2)

	stats := c.GetStats()
	assert.Equal(t, uint64(100), stats["messages_received"])
	assert.Equal(t, uint64(95), stats["messages_acked"])
	assert.Equal(t, uint64(3), stats["errors"])
	assert.Equal(t, uint64(2), stats["reconnects"])
	assert.NotEmpty(t, stats["uptime"])
}

func TestGetStatsJSON(t *testing.T) {
	c := NewCollector()
	c.Update(7, 7, 0, 0)

	js, err := c.GetStatsJSON()
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(js, &decoded))
	assert.Equal(t, 7.0, decoded["messages_received"])
}

func TestCalculateRate(t *testing.T) {
	c := NewCollector()
	c.Update(1000, 1000, 0, 0)
	assert.Greater(t, c.CalculateRate(), 0.0)
}
