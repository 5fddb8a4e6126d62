package device

import (
	"context"
	"sync"

	"telemetry-pipeline/internal/logger"
	"telemetry-pipeline/internal/metrics"
)

// Cache is the in-memory set of active device ids, the authoritative
// admission filter for inbound telemetry. A miss consults the store
// before rejecting and lazily inserts confirmed ids.
type Cache struct {
	store   Store
	logger  *logger.Logger
	metrics *metrics.Metrics

	mu  sync.RWMutex
	ids map[int64]struct{}
}

// NewCache creates an empty cache over the given store. Load seeds it.
func NewCache(store Store, log *logger.Logger, m *metrics.Metrics) *Cache {
	return &Cache{
		store:   store,
		logger:  log,
		metrics: m,
		ids:     make(map[int64]struct{}),
	}
}

// Load populates the cache from the device table.
func (c *Cache) Load(ctx context.Context) error {
	ids, err := c.store.ListDeviceIDs(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.ids = make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		c.ids[id] = struct{}{}
	}
	size := len(c.ids)
	c.mu.Unlock()

	c.updateSizeMetric()
	c.logger.Info("device cache loaded", "devices", size)
	return nil
}

// Admit reports whether a device may deliver messages. A cache hit is
// authoritative; on a miss the store is consulted once and a confirmed id
// is added to the set.
func (c *Cache) Admit(ctx context.Context, id int64) bool {
	c.mu.RLock()
	_, ok := c.ids[id]
	c.mu.RUnlock()
	if ok {
		return true
	}

	exists, err := c.store.DeviceExists(ctx, id)
	if err != nil {
		c.logger.Error("device lookup failed", "error", err, "deviceId", id)
		return false
	}
	if !exists {
		return false
	}

	c.Add(id)
	return true
}

// Add inserts a device id. Invoked by RPC and by Admit on a confirmed miss.
func (c *Cache) Add(id int64) {
	c.mu.Lock()
	c.ids[id] = struct{}{}
	c.mu.Unlock()
	c.updateSizeMetric()
}

// Remove deletes a device id; subsequent Admit calls consult the store.
func (c *Cache) Remove(id int64) {
	c.mu.Lock()
	delete(c.ids, id)
	c.mu.Unlock()
	c.updateSizeMetric()
}

// Size returns the number of cached device ids.
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}

func (c *Cache) updateSizeMetric() {
	if c.metrics != nil {
		c.metrics.SetCacheSize(float64(c.Size()))
	}
}
