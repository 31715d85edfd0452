package forwarder

import (
	"net/http"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Health status levels. Degraded requires BOTH a >1% windowed decode error
// rate AND a sample size large enough to mean something; a handful of
// errors on a quiet stream is noise, not degradation.
const (
	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"

	minSampleSizeForDegraded = 100
	degradedErrorRate        = 0.01
)

type healthResponse struct {
	Status           string            `json:"status"`
	ConnectedClients int64             `json:"connected_clients"`
	Windows          map[string]int64  `json:"windows"`
	Lifetime         map[string]int64  `json:"lifetime"`
	PayloadMissing   int64             `json:"payload_missing_total"`
	LastKafkaAge     *float64          `json:"last_kafka_message_age_seconds"`
	LastInfraErrAge  *float64          `json:"last_infrastructure_error_age_seconds"`
	MemoryRSSBytes   uint64            `json:"memory_rss_bytes,omitempty"`
	UptimeSeconds    float64           `json:"uptime_seconds"`
	PausedPartitions int               `json:"paused_partitions"`
}

// handleHealth reports windowed and lifetime counters. 200 for healthy and
// degraded, 503 only when unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	messages := s.windows.messages.Sum()
	decodeErrors := s.windows.decodeErrors.Sum()

	status := statusHealthy
	if messages >= minSampleSizeForDegraded &&
		float64(decodeErrors) > float64(messages)*degradedErrorRate {
		status = statusDegraded
	}

	pausedCount := 0
	if s.consumer != nil {
		s.consumer.pauseMu.Lock()
		pausedCount = len(s.consumer.paused)
		s.consumer.pauseMu.Unlock()
		if pausedCount > 0 {
			status = statusUnhealthy
		}
	}

	resp := healthResponse{
		Status:           status,
		ConnectedClients: s.ConnectedClients(),
		Windows: map[string]int64{
			"messages_last_120s":         messages,
			"decode_errors_last_120s":    decodeErrors,
			"dropped_messages_last_120s": s.windows.dropped.Sum(),
			"send_failed_last_120s":      s.windows.sendFailed.Sum(),
			"send_timeout_last_120s":     s.windows.sendTimeout.Sum(),
		},
		Lifetime: map[string]int64{
			"payload_missing_total": s.payloadMissing.Load(),
		},
		PayloadMissing:   s.payloadMissing.Load(),
		UptimeSeconds:    time.Since(s.startTime).Seconds(),
		PausedPartitions: pausedCount,
	}

	if last := s.lastKafkaMsg.Load(); last > 0 {
		age := time.Since(time.Unix(last, 0)).Seconds()
		resp.LastKafkaAge = &age
	}
	if last := s.lastInfraError.Load(); last > 0 {
		age := time.Since(time.Unix(last, 0)).Seconds()
		resp.LastInfraErrAge = &age
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if memInfo, err := proc.MemoryInfo(); err == nil {
			resp.MemoryRSSBytes = memInfo.RSS
		}
	}

	code := http.StatusOK
	if status == statusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}
