// Package metrics owns the process-wide Prometheus registry, metric naming
// validation, and the lock-free sliding windows used for rate-based health
// decisions.
package metrics

import (
	"net/http"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once

	instanceID     string
	instanceIDOnce sync.Once
)

// Registry returns the process-wide custom registry. All component metrics
// register here; Handler merges it with the Go/process collectors.
func Registry() *prometheus.Registry {
	registryOnce.Do(func() {
		// Go and process collectors come in through the default gatherer at
		// serve time; registering them here too would duplicate families in
		// the merged output.
		registry = prometheus.NewRegistry()
	})
	return registry
}

// MustRegister registers collectors on the shared registry. It does not
// check names; components call MustValidateNames for that before
// registering. Panics if registration fails: a duplicate or inconsistent
// collector is a startup defect, not a runtime condition.
func MustRegister(cs ...prometheus.Collector) {
	Registry().MustRegister(cs...)
}

// Handler serves the merged registry in Prometheus text format. Duplicate
// families between the custom and default registries are deduped by the
// gatherers merge.
func Handler() http.Handler {
	gatherers := prometheus.Gatherers{Registry(), prometheus.DefaultGatherer}
	return promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}

// InstanceID identifies this process in every metric family. Taken from
// DASHFLOW_INSTANCE_ID, or a short UUID generated once at startup.
func InstanceID() string {
	instanceIDOnce.Do(func() {
		instanceID = os.Getenv("DASHFLOW_INSTANCE_ID")
		if instanceID == "" {
			instanceID = uuid.NewString()[:8]
		}
	})
	return instanceID
}

// ConstLabels returns the labels stamped on every metric family.
func ConstLabels() prometheus.Labels {
	return prometheus.Labels{"instance_id": InstanceID()}
}
