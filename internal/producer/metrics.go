package producer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dashflow-ai/telemetry/internal/metrics"
)

var (
	droppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "telemetry_dropped_total",
		Help:        "Telemetry messages dropped before publish, by message type and reason",
		ConstLabels: metrics.ConstLabels(),
	}, []string{"message_type", "reason"})

	sendFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "telemetry_send_failures_total",
		Help:        "Broker send failures by pipeline stage",
		ConstLabels: metrics.ConstLabels(),
	}, []string{"stage"})

	dlqTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "telemetry_dlq_total",
		Help:        "Messages surfaced to the DLQ counter after retry exhaustion",
		ConstLabels: metrics.ConstLabels(),
	})

	stateDiffDegradedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "telemetry_state_diff_degraded_total",
		Help:        "State diffs replaced by degraded markers, by reason",
		ConstLabels: metrics.ConstLabels(),
	}, []string{"reason"})

	metricTagsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "telemetry_metric_tags_dropped_total",
		Help:        "Metric tags outside the bounded allowlist dropped before publish",
		ConstLabels: metrics.ConstLabels(),
	})

	counterEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "telemetry_sequence_counter_evictions_total",
		Help:        "Per-thread sequence counters evicted by LRU cap",
		ConstLabels: metrics.ConstLabels(),
	})

	inflightPermits = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "telemetry_inflight_permits",
		Help:        "Send permits currently held",
		ConstLabels: metrics.ConstLabels(),
	})

	maxPermits = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "telemetry_max_permits",
		Help:        "Configured maximum concurrent sends",
		ConstLabels: metrics.ConstLabels(),
	})

	pendingTasks = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "telemetry_pending_tasks",
		Help:        "Send tasks spawned and not yet completed",
		ConstLabels: metrics.ConstLabels(),
	})

	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "telemetry_queue_depth",
		Help:        "Events waiting in the ordered emit queue",
		ConstLabels: metrics.ConstLabels(),
	})
)

func init() {
	metrics.MustValidateNames(map[string]string{
		"telemetry_dropped_total":                    "counter",
		"telemetry_send_failures_total":              "counter",
		"telemetry_dlq_total":                        "counter",
		"telemetry_state_diff_degraded_total":        "counter",
		"telemetry_metric_tags_dropped_total":        "counter",
		"telemetry_sequence_counter_evictions_total": "counter",
		"telemetry_inflight_permits":                 "gauge",
		"telemetry_max_permits":                      "gauge",
		"telemetry_pending_tasks":                    "gauge",
		"telemetry_queue_depth":                      "gauge",
	})
	metrics.MustRegister(
		droppedTotal, sendFailuresTotal, dlqTotal, stateDiffDegradedTotal,
		metricTagsDroppedTotal, counterEvictions,
		inflightPermits, maxPermits, pendingTasks, queueDepth,
	)
}
