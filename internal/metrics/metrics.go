// Package metrics provides Prometheus metrics for the reporting jobs.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

var (
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cireport_query_duration_seconds",
			Help:    "Datastore query duration in seconds",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"query"},
	)
	QueriesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cireport_queries_failed_total",
			Help: "Total number of datastore queries that failed",
		},
		[]string{"query"},
	)
	BucketsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cireport_buckets_emitted_total",
			Help: "Total number of concurrency buckets written",
		},
		[]string{"tag"},
	)
	IntervalsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cireport_intervals_dropped_total",
			Help: "Total number of task intervals excluded from counting",
		},
		[]string{"reason"},
	)
	DaysComputed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cireport_days_computed_total",
			Help: "Total number of days whose maximum concurrency was computed",
		},
	)
	DayCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cireport_day_cache_hits_total",
			Help: "Total number of days served from the result cache",
		},
	)
	MaxConcurrency = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cireport_max_concurrent_tasks",
			Help: "Maximum number of concurrent tasks observed in a month",
		},
		[]string{"month"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cireport_http_requests_total",
			Help: "Total number of outbound HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cireport_http_request_duration_seconds",
			Help:    "Outbound HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
	ReportDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cireport_report_duration_seconds",
			Help:    "Report job duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600, 7200},
		},
		[]string{"report", "status"},
	)
	ReportsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cireport_reports_failed_total",
			Help: "Total number of report jobs that failed",
		},
		[]string{"report"},
	)
	LastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cireport_last_success_timestamp_seconds",
			Help: "Unix time of the last successful report job",
		},
		[]string{"report"},
	)
)

func RecordQuery(query string, duration time.Duration, err error) {
	QueryDuration.WithLabelValues(query).Observe(duration.Seconds())
	if err != nil {
		QueriesFailed.WithLabelValues(query).Inc()
	}
}

func RecordBucket(tag string) {
	BucketsEmitted.WithLabelValues(tag).Inc()
}

func RecordIntervalsDropped(reason string, n int) {
	IntervalsDropped.WithLabelValues(reason).Add(float64(n))
}

func RecordDayComputed() {
	DaysComputed.Inc()
}

func RecordDayCacheHit() {
	DayCacheHits.Inc()
}

func UpdateMaxConcurrency(month string, value int) {
	MaxConcurrency.WithLabelValues(month).Set(float64(value))
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

func RecordReportCompleted(report string, duration time.Duration) {
	ReportDuration.WithLabelValues(report, "completed").Observe(duration.Seconds())
	LastSuccess.WithLabelValues(report).SetToCurrentTime()
}

func RecordReportFailed(report string, duration time.Duration) {
	ReportsFailed.WithLabelValues(report).Inc()
	ReportDuration.WithLabelValues(report, "failed").Observe(duration.Seconds())
}

// Push replaces the metrics stored by a Pushgateway for job and grouping with
// everything in the default registry.
func Push(ctx context.Context, url, job string, grouping map[string]string) error {
	pusher := push.New(url, job).Gatherer(prometheus.DefaultGatherer)
	for name, value := range grouping {
		pusher = pusher.Grouping(name, value)
	}

	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics to %s: %w", url, err)
	}

	return nil
}
