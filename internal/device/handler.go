package device

import (
	"context"
	"encoding/json"

	"telemetry-pipeline/internal/logger"
	"telemetry-pipeline/internal/metrics"
)

// MessageHandler is the handler-service implementation of broker.Handler:
// it admits inbound telemetry through the device cache, persists accepted
// messages, and serves the cache-control RPC.
type MessageHandler struct {
	cache   *Cache
	store   Store
	logger  *logger.Logger
	metrics *metrics.Metrics
}

// rpcRequest is the cache-control request body.
type rpcRequest struct {
	Method   string `json:"method"`
	DeviceID int64  `json:"device_id"`
}

// rpcOK is the reply body for every RPC, success or not; callers are
// never left blocked on a malformed request.
var rpcOK = []byte("ok")

func NewMessageHandler(cache *Cache, store Store, log *logger.Logger, m *metrics.Metrics) *MessageHandler {
	return &MessageHandler{
		cache:   cache,
		store:   store,
		logger:  log,
		metrics: m,
	}
}

// HandleMessage applies the end-to-end persistence protocol. A nil return
// means the delivery reached a terminal outcome (persisted, or dropped by
// policy) and must be acknowledged; a non-nil return means the store
// failed and the delivery must stay unacknowledged for redelivery.
func (h *MessageHandler) HandleMessage(ctx context.Context, body []byte, corrID string) error {
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		// Poison message: never retried.
		h.logger.Error("malformed message body",
			"error", err,
			"correlationId", corrID)
		h.countOutcome("invalid")
		return nil
	}

	raw, ok := fields["device_id"]
	if !ok {
		h.logger.Error("message missing device_id", "correlationId", corrID)
		h.countOutcome("invalid")
		return nil
	}

	var deviceID int64
	if err := json.Unmarshal(raw, &deviceID); err != nil {
		h.logger.Error("message device_id is not an integer",
			"error", err,
			"correlationId", corrID)
		h.countOutcome("invalid")
		return nil
	}

	if !h.cache.Admit(ctx, deviceID) {
		h.logger.Warn("Device ID not found, dropping message",
			"deviceId", deviceID,
			"correlationId", corrID)
		h.countOutcome("rejected")
		return nil
	}

	// The stored payload is the inbound document minus device_id; all
	// other fields pass through verbatim.
	delete(fields, "device_id")
	payload, err := json.Marshal(fields)
	if err != nil {
		h.logger.Error("failed to re-encode payload",
			"error", err,
			"deviceId", deviceID)
		h.countOutcome("invalid")
		return nil
	}

	if err := h.store.SaveMessage(ctx, deviceID, payload); err != nil {
		h.countOutcome("error")
		return err
	}

	h.logger.Debug("message persisted",
		"deviceId", deviceID,
		"correlationId", corrID)
	h.countOutcome("persisted")
	return nil
}

// HandleRPC serves cache add/remove requests. The reply is always "ok",
// even for requests that could not be applied; the failed side effect is
// only logged.
func (h *MessageHandler) HandleRPC(ctx context.Context, corrID string, body []byte) []byte {
	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.logger.Error("malformed rpc request",
			"error", err,
			"correlationId", corrID)
		return rpcOK
	}

	switch req.Method {
	case "add":
		h.cache.Add(req.DeviceID)
		h.logger.Info("device added to cache",
			"deviceId", req.DeviceID,
			"correlationId", corrID)
	case "remove":
		h.cache.Remove(req.DeviceID)
		h.logger.Info("device removed from cache",
			"deviceId", req.DeviceID,
			"correlationId", corrID)
	default:
		h.logger.Error("unknown rpc method",
			"method", req.Method,
			"correlationId", corrID)
	}

	return rpcOK
}

// Close releases the store.
func (h *MessageHandler) Close() error {
	h.store.Close()
	return nil
}

func (h *MessageHandler) countOutcome(result string) {
	if h.metrics != nil {
		h.metrics.IncMessagesTotal(result)
	}
}
