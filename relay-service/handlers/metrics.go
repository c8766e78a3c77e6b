package handlers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewMetricsHandler serves the default Prometheus registry, which the otel
// prometheus exporter feeds with the relay counters and histograms.
func NewMetricsHandler() http.Handler {
	return promhttp.Handler()
}
