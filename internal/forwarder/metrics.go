package forwarder

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dashflow-ai/telemetry/internal/metrics"
)

var (
	kafkaMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "websocket_kafka_messages_total",
		Help:        "Kafka records handled by the forwarder, by outcome status",
		ConstLabels: metrics.ConstLabels(),
	}, []string{"status"})

	messagesReceivedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "websocket_messages_received_total",
		Help:        "Kafka records received, including ones later rejected (decode error rate denominator)",
		ConstLabels: metrics.ConstLabels(),
	})

	batchMixedThreadTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "websocket_batch_mixed_thread_total",
		Help:        "Event batches diagnosed as mixing thread IDs",
		ConstLabels: metrics.ConstLabels(),
	})

	payloadMissingTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "websocket_payload_missing_total",
		Help:        "Kafka records with an empty payload",
		ConstLabels: metrics.ConstLabels(),
	})

	sequenceGapsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "websocket_sequence_gaps_total",
		Help:        "Distinct per-thread sequence gaps observed",
		ConstLabels: metrics.ConstLabels(),
	})

	sequenceGapMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "websocket_sequence_gap_messages_total",
		Help:        "Messages presumed missing inside observed sequence gaps",
		ConstLabels: metrics.ConstLabels(),
	})

	sequenceDuplicatesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "websocket_sequence_duplicates_total",
		Help:        "Frames whose per-thread sequence did not advance",
		ConstLabels: metrics.ConstLabels(),
	})

	connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "websocket_connections_active",
		Help:        "Currently connected WebSocket clients",
		ConstLabels: metrics.ConstLabels(),
	})

	connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "websocket_connections_total",
		Help:        "WebSocket connections accepted since start",
		ConstLabels: metrics.ConstLabels(),
	})

	connectionsRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "websocket_connections_rejected_total",
		Help:        "Connections rejected before upgrade, by reason",
		ConstLabels: metrics.ConstLabels(),
	}, []string{"reason"})

	sendTimeoutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "websocket_send_timeout_total",
		Help:        "Client sends that hit the write timeout",
		ConstLabels: metrics.ConstLabels(),
	})

	sendFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "websocket_send_failed_total",
		Help:        "Client sends that failed outright",
		ConstLabels: metrics.ConstLabels(),
	})

	droppedMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "websocket_dropped_messages_total",
		Help:        "Broadcast frames dropped because a client buffer was full",
		ConstLabels: metrics.ConstLabels(),
	})

	slowClientsDisconnectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "websocket_slow_clients_disconnected_total",
		Help:        "Clients disconnected for sustained send lag",
		ConstLabels: metrics.ConstLabels(),
	})

	replayRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "websocket_replay_requests_total",
		Help:        "Replay requests served, by mode",
		ConstLabels: metrics.ConstLabels(),
	}, []string{"mode"})

	replayedFramesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "websocket_replayed_frames_total",
		Help:        "Frames delivered from the replay buffer",
		ConstLabels: metrics.ConstLabels(),
	})

	resumeParseFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "websocket_resume_parse_failures_total",
		Help:        "Resume requests that failed to parse outright",
		ConstLabels: metrics.ConstLabels(),
	})

	cursorStaleTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "websocket_cursor_stale_total",
		Help:        "Resume requests pointing below the oldest retained offset",
		ConstLabels: metrics.ConstLabels(),
	})

	dlqPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        "websocket_dlq_published_total",
		Help:        "Frames published to the DLQ topic, by outcome",
		ConstLabels: metrics.ConstLabels(),
	}, []string{"status"})

	kafkaThrottledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name:        "websocket_kafka_throttled_total",
		Help:        "Consume-loop waits imposed by the configured message rate cap",
		ConstLabels: metrics.ConstLabels(),
	})

	consumerLag = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name:        "websocket_kafka_consumer_lag",
		Help:        "Consumer lag per partition",
		ConstLabels: metrics.ConstLabels(),
	}, []string{"partition"})

	pausedPartitions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "websocket_paused_partitions",
		Help:        "Partitions halted by the pause-on-decode-error policy",
		ConstLabels: metrics.ConstLabels(),
	})
)

func init() {
	metrics.MustValidateNames(map[string]string{
		"websocket_kafka_messages_total":             "counter",
		"websocket_messages_received_total":          "counter",
		"websocket_payload_missing_total":            "counter",
		"websocket_batch_mixed_thread_total":         "counter",
		"websocket_sequence_gaps_total":              "counter",
		"websocket_sequence_gap_messages_total":      "counter",
		"websocket_sequence_duplicates_total":        "counter",
		"websocket_connections_active":               "gauge",
		"websocket_connections_total":                "counter",
		"websocket_connections_rejected_total":       "counter",
		"websocket_send_timeout_total":               "counter",
		"websocket_send_failed_total":                "counter",
		"websocket_dropped_messages_total":           "counter",
		"websocket_slow_clients_disconnected_total":  "counter",
		"websocket_replay_requests_total":            "counter",
		"websocket_replayed_frames_total":            "counter",
		"websocket_resume_parse_failures_total":      "counter",
		"websocket_cursor_stale_total":               "counter",
		"websocket_dlq_published_total":              "counter",
		"websocket_kafka_throttled_total":            "counter",
		"websocket_kafka_consumer_lag":               "gauge",
		"websocket_paused_partitions":                "gauge",
	})
	metrics.MustRegister(
		kafkaMessagesTotal, messagesReceivedTotal, payloadMissingTotal,
		batchMixedThreadTotal,
		sequenceGapsTotal, sequenceGapMessagesTotal, sequenceDuplicatesTotal,
		connectionsActive, connectionsTotal, connectionsRejectedTotal,
		sendTimeoutTotal, sendFailedTotal, droppedMessagesTotal,
		slowClientsDisconnectedTotal, replayRequestsTotal, replayedFramesTotal,
		resumeParseFailuresTotal, cursorStaleTotal, dlqPublishedTotal,
		kafkaThrottledTotal, consumerLag, pausedPartitions,
	)
}
