// Package ingress implements the receiver's HTTP edge: token-validated
// telemetry intake publishing onto the messages exchange.
package ingress

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"telemetry-pipeline/internal/broker"
	"telemetry-pipeline/internal/logger"
	"telemetry-pipeline/internal/metrics"
)

// Server accepts device telemetry over HTTP and forwards it to the broker.
type Server struct {
	publisher  broker.Publisher
	routingKey string
	auth       *TokenValidator
	logger     *logger.Logger
	metrics    *metrics.Metrics
	router     chi.Router
}

func NewServer(pub broker.Publisher, handlerID, jwtSecret string, log *logger.Logger, m *metrics.Metrics) *Server {
	s := &Server{
		publisher:  pub,
		routingKey: broker.MessagesKey(handlerID),
		auth:       NewTokenValidator(jwtSecret),
		logger:     log,
		metrics:    m,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/", s.handleIngest)
	s.router = r

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	deviceID, status := s.auth.Validate(r)
	if status != http.StatusOK {
		s.respond(w, status, map[string]string{"error": http.StatusText(status)})
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil || len(body) == 0 {
		s.respond(w, http.StatusUnprocessableEntity, map[string]string{"error": "body required"})
		return
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		s.respond(w, http.StatusUnprocessableEntity, map[string]string{"error": "body must be a JSON object"})
		return
	}

	// The token, not the payload, decides which device this telemetry
	// belongs to.
	requestID := uuid.NewString()
	fields["device_id"] = json.RawMessage(strconv.FormatInt(deviceID, 10))
	fields["request_id"] = json.RawMessage(strconv.Quote(requestID))

	envelope, err := json.Marshal(fields)
	if err != nil {
		s.logger.Error("failed to encode envelope", "error", err, "requestId", requestID)
		s.respond(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	if err := s.publisher.Publish(s.routingKey, envelope, broker.ContentTypeJSON); err != nil {
		s.logger.Error("failed to publish telemetry",
			"error", err,
			"deviceId", deviceID,
			"requestId", requestID)
		s.respond(w, http.StatusServiceUnavailable, map[string]string{"error": "temporarily unavailable"})
		return
	}

	s.logger.Debug("telemetry accepted",
		"deviceId", deviceID,
		"requestId", requestID)
	s.respond(w, http.StatusAccepted, map[string]string{"request_id": requestID})
}

func (s *Server) respond(w http.ResponseWriter, status int, body map[string]string) {
	if s.metrics != nil {
		s.metrics.IncIngressRequests(strconv.Itoa(status))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
