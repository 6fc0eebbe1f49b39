// Package metrics provides Prometheus observability for edgeflow connectors:
// data point throughput by quality, connection status, active subscription
// counts, keep-alive failures and browse/read latency.
//
// Each connector creates its own Collector which labels the shared metric
// vectors with the connector name:
//
//	collector := metrics.NewCollector("plant-east")
//	collector.RecordDataPoints(len(batch), "good")
//	collector.SetStatus("connected")
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DataPointsReceived counts normalized data points by connector and quality.
	DataPointsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeflow_datapoints_received_total",
			Help: "Total number of normalized data points received",
		},
		[]string{"connector", "quality"},
	)

	// BatchesForwarded counts data point batches forwarded to the sink.
	BatchesForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeflow_batches_forwarded_total",
			Help: "Total number of data point batches forwarded to the sink",
		},
		[]string{"connector"},
	)

	// ConnectionStatus tracks the lifecycle state of each connector.
	// disconnected=0 connecting=1 connected=2 reconnecting=3 error=4
	ConnectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edgeflow_connection_status",
			Help: "Connector lifecycle state (disconnected=0 connecting=1 connected=2 reconnecting=3 error=4)",
		},
		[]string{"connector"},
	)

	// ActiveSubscriptions tracks the size of each connector's active item set.
	ActiveSubscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edgeflow_active_subscriptions",
			Help: "Number of active monitored items per connector",
		},
		[]string{"connector"},
	)

	// KeepAliveFailures counts keep-alive/transport degradation events.
	KeepAliveFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edgeflow_keepalive_failures_total",
			Help: "Total number of keep-alive failures observed",
		},
		[]string{"connector"},
	)

	// RequestLatency tracks browse/read service call latency.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "edgeflow_request_latency_seconds",
			Help:    "Latency of synchronous browse/read operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"connector", "operation"},
	)
)

var statusValues = map[string]float64{
	"disconnected": 0,
	"connecting":   1,
	"connected":    2,
	"reconnecting": 3,
	"error":        4,
}

// Collector labels the shared metric vectors with one connector's name.
type Collector struct {
	name      string
	startTime time.Time
}

// NewCollector creates a metrics collector for one connector instance.
func NewCollector(name string) *Collector {
	return &Collector{
		name:      name,
		startTime: time.Now(),
	}
}

// StartTime returns when the collector was created.
func (c *Collector) StartTime() time.Time {
	return c.startTime
}

// RecordDataPoints records a batch of data points grouped by quality.
func (c *Collector) RecordDataPoints(count int, quality string) {
	DataPointsReceived.WithLabelValues(c.name, quality).Add(float64(count))
}

// RecordBatch records one batch forwarded to the sink.
func (c *Collector) RecordBatch() {
	BatchesForwarded.WithLabelValues(c.name).Inc()
}

// SetStatus records the connector lifecycle state.
func (c *Collector) SetStatus(status string) {
	if v, ok := statusValues[status]; ok {
		ConnectionStatus.WithLabelValues(c.name).Set(v)
	}
}

// SetActiveSubscriptions records the active monitored item count.
func (c *Collector) SetActiveSubscriptions(n int) {
	ActiveSubscriptions.WithLabelValues(c.name).Set(float64(n))
}

// RecordKeepAliveFailure records one keep-alive failure.
func (c *Collector) RecordKeepAliveFailure() {
	KeepAliveFailures.WithLabelValues(c.name).Inc()
}

// ObserveRequest records the latency of one browse/read operation.
func (c *Collector) ObserveRequest(operation string, d time.Duration) {
	RequestLatency.WithLabelValues(c.name, operation).Observe(d.Seconds())
}
