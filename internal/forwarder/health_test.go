package forwarder

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthStatus(t *testing.T, s *Server) (string, int) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Status, rec.Code
}

func TestHealthHealthyWhenQuiet(t *testing.T) {
	s := testServer(t)
	status, code := healthStatus(t, s)
	assert.Equal(t, statusHealthy, status)
	assert.Equal(t, http.StatusOK, code)
}

func TestHealthDegradedRequiresBothRateAndSampleSize(t *testing.T) {
	s := testServer(t)

	// High error rate but tiny sample: still healthy.
	s.windows.messages.Add(10)
	s.windows.decodeErrors.Add(5)
	status, code := healthStatus(t, s)
	assert.Equal(t, statusHealthy, status)
	assert.Equal(t, http.StatusOK, code)

	// Sample size reached and rate above 1%: degraded, but still HTTP 200.
	s.windows.messages.Add(190) // total 200
	status, code = healthStatus(t, s)
	assert.Equal(t, statusDegraded, status)
	assert.Equal(t, http.StatusOK, code)
}

func TestHealthLargeSampleLowRateStaysHealthy(t *testing.T) {
	s := testServer(t)
	s.windows.messages.Add(10000)
	s.windows.decodeErrors.Add(50) // 0.5%
	status, _ := healthStatus(t, s)
	assert.Equal(t, statusHealthy, status)
}

func TestHealthReportsWindowsAndPayloadMissing(t *testing.T) {
	s := testServer(t)
	s.windows.messages.Add(42)
	s.windows.sendTimeout.Add(3)
	s.payloadMissing.Store(2)

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Equal(t, int64(42), resp.Windows["messages_last_120s"])
	assert.Equal(t, int64(3), resp.Windows["send_timeout_last_120s"])
	assert.Equal(t, int64(2), resp.PayloadMissing)
}
