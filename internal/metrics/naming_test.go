package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateMetricName(t *testing.T) {
	assert.NoError(t, ValidateMetricName("ws_messages_total", "counter"))
	assert.NoError(t, ValidateMetricName("ws_queue_depth", "gauge"))
	assert.NoError(t, ValidateMetricName("latency_seconds", "histogram"))

	assert.Error(t, ValidateMetricName("ws_messages", "counter"), "counter without _total")
	assert.Error(t, ValidateMetricName("ws_depth_total", "gauge"), "gauge with _total")
	assert.Error(t, ValidateMetricName("bad-name_total", "counter"), "invalid charset")
	assert.Error(t, ValidateMetricName("x_total", "timer"), "unknown type")
}

func TestMustValidateNamesPanics(t *testing.T) {
	assert.Panics(t, func() {
		MustValidateNames(map[string]string{"broken": "counter"})
	})
	assert.NotPanics(t, func() {
		MustValidateNames(map[string]string{"fine_total": "counter"})
	})
}

func TestInstanceIDStable(t *testing.T) {
	a := InstanceID()
	b := InstanceID()
	assert.Equal(t, a, b)
	assert.NotEmpty(t, a)
}
