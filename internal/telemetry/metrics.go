// Package telemetry provides Prometheus metrics and OpenTelemetry tracing
// for the SDK's RPC and tool/permission dispatch paths. Nothing here
// listens on a port; the host application supplies the Registerer (and
// scrapes/exports it however it likes).
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector this SDK registers. Client holds one
// instance and its Sessions record tool calls to it; no Engine records to
// it, so FramesReadTotal and FramesWrittenTotal stay at zero.
type Metrics struct {
	RPCRequestsTotal   *prometheus.CounterVec
	RPCRequestDuration *prometheus.HistogramVec
	PendingRequests    prometheus.Gauge
	ActiveSessions     prometheus.Gauge
	ToolCallsTotal     *prometheus.CounterVec
	ToolCallDuration   *prometheus.HistogramVec
	FramesReadTotal    prometheus.Counter
	FramesWrittenTotal prometheus.Counter
}

// NewMetrics creates and registers every collector against reg. Passing the
// same reg to two NewMetrics calls panics (Prometheus rejects duplicate
// registration), same as the teacher's NewMetrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RPCRequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentsdk",
				Name:      "rpc_requests_total",
				Help:      "Total number of outbound JSON-RPC requests sent",
			},
			[]string{"method", "status"}, // status=ok/error
		),
		RPCRequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "agentsdk",
				Name:      "rpc_request_duration_seconds",
				Help:      "Outbound JSON-RPC request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		PendingRequests: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "agentsdk",
				Name:      "pending_requests",
				Help:      "Number of outbound requests awaiting a response",
			},
		),
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "agentsdk",
				Name:      "active_sessions",
				Help:      "Number of sessions currently open on this Client",
			},
		),
		ToolCallsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agentsdk",
				Name:      "tool_calls_total",
				Help:      "Total inbound tool.call invocations dispatched to host handlers",
			},
			[]string{"tool", "result"}, // result=ok/error
		),
		ToolCallDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "agentsdk",
				Name:      "tool_call_duration_seconds",
				Help:      "Host tool handler execution duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		FramesReadTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentsdk",
				Name:      "frames_read_total",
				Help:      "Total framed messages read from the transport",
			},
		),
		FramesWrittenTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agentsdk",
				Name:      "frames_written_total",
				Help:      "Total framed messages written to the transport",
			},
		),
	}
}
