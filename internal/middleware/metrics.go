// Package middleware provides HTTP client middleware for metrics collection.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nadmax/cireport/internal/metrics"
)

var recordHTTPRequest = metrics.RecordHTTPRequest

type metricsTransport struct {
	next http.RoundTripper
}

// MetricsTransport wraps next so every outbound request is counted and timed.
// A nil next uses http.DefaultTransport.
func MetricsTransport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}

	return &metricsTransport{next: next}
}

func (t *metricsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	duration := time.Since(start)

	status := "error"
	if err == nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	recordHTTPRequest(req.Method, normalizeEndpoint(req.URL.Path), status, duration)

	return resp, err
}

// InstrumentedClient returns a client whose transport records metrics.
func InstrumentedClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: MetricsTransport(nil),
	}
}

func normalizeEndpoint(path string) string {
	switch {
	case strings.HasSuffix(path, "/json-pushes"):
		return "/:repo/json-pushes"
	case strings.HasPrefix(path, "/metrics/job/"):
		return "/metrics/job/:job"
	case path == "":
		return "/"
	default:
		return path
	}
}
