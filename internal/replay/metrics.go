package replay

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dashflow-ai/telemetry/internal/metrics"
)

var (
	writesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "replay_external_writes_failed_total",
		Help:        "Replay buffer external tier writes that failed",
		ConstLabels: metrics.ConstLabels(),
	})

	writesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "replay_external_writes_dropped_total",
		Help:        "Replay buffer external writes dropped because the write pool was saturated",
		ConstLabels: metrics.ConstLabels(),
	})

	trimsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "replay_index_trimmed_total",
		Help:        "Index entries removed by periodic size trimming",
		ConstLabels: metrics.ConstLabels(),
	})
)

func init() {
	metrics.MustValidateNames(map[string]string{
		"replay_external_writes_failed_total":  "counter",
		"replay_external_writes_dropped_total": "counter",
		"replay_index_trimmed_total":           "counter",
	})
	metrics.MustRegister(writesFailed, writesDropped, trimsTotal)
}
