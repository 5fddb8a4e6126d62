// Package metrics exposes prometheus instrumentation for the pipeline.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's prometheus collectors.
type Metrics struct {
	brokerConnected  prometheus.Gauge
	brokerReconnects prometheus.Counter
	messagesTotal    *prometheus.CounterVec
	rpcTotal         *prometheus.CounterVec
	rpcDuration      prometheus.Histogram
	cacheSize        prometheus.Gauge
	ingressTotal     *prometheus.CounterVec
}

// NewMetrics creates and registers the pipeline metrics. A nil registry
// gets a private one, which keeps tests independent.
func NewMetrics(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		brokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_broker_connected",
			Help: "Whether the broker connection is currently up (1) or down (0)",
		}),
		brokerReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_broker_reconnects_total",
			Help: "Number of reconnect cycles entered by consumer sessions",
		}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_messages_total",
			Help: "Message deliveries by outcome",
		}, []string{"result"}),
		rpcTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_rpc_total",
			Help: "RPC requests by outcome",
		}, []string{"result"}),
		rpcDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_rpc_duration_seconds",
			Help:    "RPC round-trip duration",
			Buckets: prometheus.DefBuckets,
		}),
		cacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_device_cache_size",
			Help: "Number of device ids in the active-device cache",
		}),
		ingressTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_ingress_requests_total",
			Help: "HTTP ingress requests by status code",
		}, []string{"code"}),
	}

	collectors := []prometheus.Collector{
		m.brokerConnected,
		m.brokerReconnects,
		m.messagesTotal,
		m.rpcTotal,
		m.rpcDuration,
		m.cacheSize,
		m.ingressTotal,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// SetBrokerConnectionStatus records whether the broker link is up.
func (m *Metrics) SetBrokerConnectionStatus(connected bool) {
	if connected {
		m.brokerConnected.Set(1)
	} else {
		m.brokerConnected.Set(0)
	}
}

// IncBrokerReconnects counts a reconnect cycle.
func (m *Metrics) IncBrokerReconnects() {
	m.brokerReconnects.Inc()
}

// IncMessagesTotal counts a delivery outcome: received, acked, persisted,
// rejected, invalid, error.
func (m *Metrics) IncMessagesTotal(result string) {
	m.messagesTotal.WithLabelValues(result).Inc()
}

// IncRPCTotal counts an RPC outcome: ok, timeout, error.
func (m *Metrics) IncRPCTotal(result string) {
	m.rpcTotal.WithLabelValues(result).Inc()
}

// ObserveRPCDuration records an RPC round trip in seconds.
func (m *Metrics) ObserveRPCDuration(seconds float64) {
	m.rpcDuration.Observe(seconds)
}

// SetCacheSize records the active-device cache cardinality.
func (m *Metrics) SetCacheSize(n float64) {
	m.cacheSize.Set(n)
}

// IncIngressRequests counts an ingress response by status code.
func (m *Metrics) IncIngressRequests(code string) {
	m.ingressTotal.WithLabelValues(code).Inc()
}
