package codec

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dashflow-ai/telemetry/internal/metrics"
)

var legacyFrames = prometheus.NewCounter(prometheus.CounterOpts{
	Name:        "codec_legacy_frames_total",
	Help:        "Frames decoded through the pre-envelope raw JSON compatibility path",
	ConstLabels: metrics.ConstLabels(),
})

func init() {
	metrics.MustValidateNames(map[string]string{
		"codec_legacy_frames_total": "counter",
	})
	metrics.MustRegister(legacyFrames)
}
