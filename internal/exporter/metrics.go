package exporter

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dashflow-ai/telemetry/internal/metrics"
)

// families holds every metric the exporter owns. Built per-instance (not
// package vars) because the histogram buckets come from config.
type families struct {
	// Self-observability.
	messagesReceived prometheus.Counter
	messagesFailed   *prometheus.CounterVec
	consumerErrors   prometheus.Counter
	wrongScope       prometheus.Counter
	missingHeader    prometheus.Counter
	gaugesUpdated    prometheus.Gauge
	lastEvent        prometheus.Gauge
	endpointDuration prometheus.Histogram
	uptime           prometheus.GaugeFunc
	consumerLag      *prometheus.GaugeVec

	// Domain families.
	promptTokens     *prometheus.HistogramVec
	completionTokens *prometheus.HistogramVec
	callCost         *prometheus.HistogramVec
	quality          *prometheus.HistogramVec
	nodeDuration     *prometheus.HistogramVec
	graphRuns        *prometheus.CounterVec
	outcomes         *prometheus.CounterVec
	sessionTurns     prometheus.Histogram
}

func newFamilies(cfg Config) *families {
	labels := metrics.ConstLabels()
	start := time.Now()

	f := &families{
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exporter_messages_received_total", Help: "Messages consumed from the telemetry topic", ConstLabels: labels,
		}),
		messagesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "exporter_messages_failed_total", Help: "Messages that failed to decode, by error type", ConstLabels: labels,
		}, []string{"error_type"}),
		consumerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exporter_kafka_consumer_errors_total", Help: "Kafka fetch errors", ConstLabels: labels,
		}),
		wrongScope: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exporter_messages_wrong_scope_total", Help: "Messages outside the exporter's configured scopes", ConstLabels: labels,
		}),
		missingHeader: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "exporter_messages_missing_header_total", Help: "Messages with incomplete headers", ConstLabels: labels,
		}),
		gaugesUpdated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exporter_gauges_last_update_timestamp_seconds", Help: "When any exporter gauge last changed", ConstLabels: labels,
		}),
		lastEvent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exporter_last_event_timestamp_seconds", Help: "When the last telemetry event arrived", ConstLabels: labels,
		}),
		endpointDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "exporter_metrics_endpoint_duration_seconds", Help: "Time to encode the /metrics response",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}, ConstLabels: labels,
		}),
		uptime: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "exporter_uptime_seconds", Help: "Seconds since exporter start", ConstLabels: labels,
		}, func() float64 { return time.Since(start).Seconds() }),
		consumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exporter_kafka_consumer_lag", Help: "Consumer lag per partition", ConstLabels: labels,
		}, []string{"partition"}),

		promptTokens: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "dashflow_llm_prompt_tokens", Help: "Prompt tokens per LLM call",
			Buckets: cfg.TokenBuckets, ConstLabels: labels,
		}, []string{"model"}),
		completionTokens: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "dashflow_llm_completion_tokens", Help: "Completion tokens per LLM call",
			Buckets: cfg.TokenBuckets, ConstLabels: labels,
		}, []string{"model"}),
		callCost: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "dashflow_llm_call_cost_usd", Help: "Cost per LLM call in USD",
			Buckets: cfg.CostBuckets, ConstLabels: labels,
		}, []string{"model"}),
		quality: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "dashflow_quality_score", Help: "Reported quality score distribution per model",
			Buckets: cfg.QualityBuckets, ConstLabels: labels,
		}, []string{"model"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "dashflow_node_duration_seconds", Help: "Graph node execution time",
			Buckets: cfg.LatencyBuckets, ConstLabels: labels,
		}, []string{"outcome"}),
		graphRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashflow_graph_runs_total", Help: "Completed graph runs by outcome", ConstLabels: labels,
		}, []string{"outcome"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dashflow_decision_outcomes_total", Help: "Observed decision outcomes by tag", ConstLabels: labels,
		}, []string{"outcome_tag"}),
		sessionTurns: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "dashflow_session_turns", Help: "LLM turns per session, recorded at session end",
			Buckets: cfg.TurnBuckets, ConstLabels: labels,
		}),
	}

	metrics.MustValidateNames(map[string]string{
		"exporter_messages_received_total":              "counter",
		"exporter_messages_failed_total":                "counter",
		"exporter_kafka_consumer_errors_total":          "counter",
		"exporter_messages_wrong_scope_total":           "counter",
		"exporter_messages_missing_header_total":        "counter",
		"exporter_gauges_last_update_timestamp_seconds": "gauge",
		"exporter_last_event_timestamp_seconds":         "gauge",
		"exporter_metrics_endpoint_duration_seconds":    "histogram",
		"exporter_uptime_seconds":                       "gauge",
		"exporter_kafka_consumer_lag":                   "gauge",
		"dashflow_llm_prompt_tokens":                    "histogram",
		"dashflow_llm_completion_tokens":                "histogram",
		"dashflow_llm_call_cost_usd":                    "histogram",
		"dashflow_quality_score":                        "histogram",
		"dashflow_node_duration_seconds":                "histogram",
		"dashflow_graph_runs_total":                     "counter",
		"dashflow_decision_outcomes_total":              "counter",
		"dashflow_session_turns":                        "histogram",
	})
	metrics.MustRegister(
		f.messagesReceived, f.messagesFailed, f.consumerErrors, f.wrongScope,
		f.missingHeader, f.gaugesUpdated, f.lastEvent, f.endpointDuration,
		f.uptime, f.consumerLag, f.promptTokens, f.completionTokens, f.callCost, f.quality,
		f.nodeDuration, f.graphRuns, f.outcomes, f.sessionTurns,
	)
	return f
}
