// Package metrics holds the Prometheus collectors shared by the status worker and the scheduler API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "farm"

// Metrics 进程内的全部采集器
// 每个进程创建一份并注册到自己的 Registry，测试里可以随意新建
type Metrics struct {
	registry *prometheus.Registry

	TelemetryMessages *prometheus.CounterVec
	DecodeErrors      prometheus.Counter
	StoreErrors       *prometheus.CounterVec
	StatusChanges     *prometheus.CounterVec
	SweepRuns         prometheus.Counter
	SweepDuration     prometheus.Histogram
	StreamPublishes   *prometheus.CounterVec
	ConflictChecks    *prometheus.CounterVec
	DevicesByStatus   *prometheus.GaugeVec
}

// New 创建并注册采集器
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		TelemetryMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "messages_total",
			Help:      "MQTT telemetry messages received, by topic kind.",
		}, []string{"kind"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "telemetry",
			Name:      "decode_errors_total",
			Help:      "Telemetry payloads dropped because they could not be decoded.",
		}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "liveness",
			Name:      "store_errors_total",
			Help:      "Transient persistence failures in the liveness store, by operation.",
		}, []string{"op"}),
		StatusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "liveness",
			Name:      "status_changes_total",
			Help:      "Device status transitions, by source and new status.",
		}, []string{"source", "status"}),
		SweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "liveness",
			Name:      "sweep_runs_total",
			Help:      "Offline sweeps executed.",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "liveness",
			Name:      "sweep_duration_seconds",
			Help:      "Wall time of one offline sweep.",
			Buckets:   prometheus.DefBuckets,
		}),
		StreamPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "liveness",
			Name:      "stream_publishes_total",
			Help:      "Status-change events written to Redis Streams, by result.",
		}, []string{"result"}),
		ConflictChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "schedule",
			Name:      "conflict_checks_total",
			Help:      "Exclusive-peripheral conflict checks, by verdict.",
		}, []string{"verdict"}),
		DevicesByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "liveness",
			Name:      "devices",
			Help:      "Devices tracked by the liveness store, by current status.",
		}, []string{"status"}),
	}

	m.registry.MustRegister(
		m.TelemetryMessages,
		m.DecodeErrors,
		m.StoreErrors,
		m.StatusChanges,
		m.SweepRuns,
		m.SweepDuration,
		m.StreamPublishes,
		m.ConflictChecks,
		m.DevicesByStatus,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry 返回底层 Registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler /metrics 处理器
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// 冲突检测结果标签
const (
	VerdictAccepted = "accepted"
	VerdictRejected = "rejected"
	VerdictError    = "error"
)
