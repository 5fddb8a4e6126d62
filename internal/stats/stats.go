package stats

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// Collector tracks process-wide pipeline totals.
type Collector struct {
	StartTime        time.Time
	MessagesReceived uint64
	MessagesAcked    uint64
	Errors           uint64
	Reconnects       uint64
	LastUpdate       time.Time
}

// NewCollector creates a new stats collector
func NewCollector() *Collector {
	return &Collector{
		StartTime:  time.Now(),
		LastUpdate: time.Now(),
	}
}

// Update records the latest totals.
func (s *Collector) Update(received, acked, errors, reconnects uint64) {
	atomic.StoreUint64(&s.MessagesReceived, received)
	atomic.StoreUint64(&s.MessagesAcked, acked)
	atomic.StoreUint64(&s.Errors, errors)
	atomic.StoreUint64(&s.Reconnects, reconnects)
	s.LastUpdate = time.Now()
}

// GetStats returns current statistics
func (s *Collector) GetStats() map[string]interface{} {
	uptime := time.Since(s.StartTime)
	return map[string]interface{}{
		"uptime":            uptime.String(),
		"messages_received": atomic.LoadUint64(&s.MessagesReceived),
		"messages_acked":    atomic.LoadUint64(&s.MessagesAcked),
		"errors":            atomic.LoadUint64(&s.Errors),
		"reconnects":        atomic.LoadUint64(&s.Reconnects),
		"last_update":       s.LastUpdate,
	}
}

// GetStatsJSON returns stats as JSON
func (s *Collector) GetStatsJSON() ([]byte, error) {
	return json.Marshal(s.GetStats())
}

// CalculateRate returns messages received per second since start.
func (s *Collector) CalculateRate() float64 {
	uptime := time.Since(s.StartTime).Seconds()
	if uptime <= 0 {
		return 0
	}
	return float64(atomic.LoadUint64(&s.MessagesReceived)) / uptime
}
