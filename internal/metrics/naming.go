package metrics

import (
	"fmt"
	"regexp"
	"strings"
)

var metricNameRe = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)

// ValidateMetricName checks the Prometheus naming rules the pipeline
// enforces at startup. Counters must end in _total; names must match the
// metric charset. Callers fail fast on error.
func ValidateMetricName(name, metricType string) error {
	if !metricNameRe.MatchString(name) {
		return fmt.Errorf("metric name %q contains invalid characters", name)
	}
	switch metricType {
	case "counter":
		if !strings.HasSuffix(name, "_total") {
			return fmt.Errorf("counter %q must end in _total", name)
		}
	case "gauge", "histogram", "summary":
		if strings.HasSuffix(name, "_total") {
			return fmt.Errorf("%s %q must not end in _total", metricType, name)
		}
	default:
		return fmt.Errorf("unknown metric type %q for %q", metricType, name)
	}
	return nil
}

// MustValidateNames runs ValidateMetricName over a name→type map and panics
// on the first violation. Used in component init paths so a misnamed metric
// never ships.
func MustValidateNames(names map[string]string) {
	for name, typ := range names {
		if err := ValidateMetricName(name, typ); err != nil {
			panic(fmt.Sprintf("metrics: %v", err))
		}
	}
}
