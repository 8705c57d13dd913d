package metrics

import (
	"strconv"
	"time"

	"github.com/denord/denord/internal/observability"
)

// REST dispatcher metrics following Prometheus conventions
const (
	RESTRequestsTotal      = "rest_requests_total"
	RESTRequestDuration    = "rest_request_duration_ms"
	RESTThrottleWait       = "rest_throttle_wait_ms"
	RESTThrottledTotal     = "rest_throttled_total"
	RESTQueueDepth         = "rest_queue_depth"
	RESTBucketsTotal       = "rest_buckets"
	statusTransportFailure = "transport_error"
)

// RecordRequest records one completed HTTP exchange. A zero status means the
// request never produced a response.
func RecordRequest(method string, status int, duration time.Duration) {
	if observability.TelemetrySystem == nil {
		return
	}

	statusLabel := statusTransportFailure
	if status > 0 {
		statusLabel = strconv.Itoa(status)
	}
	tags := map[string]string{
		"method": method,
		"status": statusLabel,
	}

	_ = observability.TelemetrySystem.Counter(RESTRequestsTotal, 1, tags)
	_ = observability.TelemetrySystem.Histogram(RESTRequestDuration, duration, tags)
}

// RecordThrottleWait records time a bucket queue spent waiting for its reset.
func RecordThrottleWait(wait time.Duration) {
	if observability.TelemetrySystem == nil {
		return
	}
	_ = observability.TelemetrySystem.Counter(RESTThrottledTotal, 1, nil)
	_ = observability.TelemetrySystem.Histogram(RESTThrottleWait, wait, nil)
}

// SetQueueDepth reports the number of requests waiting across all buckets.
func SetQueueDepth(depth int) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(RESTQueueDepth, float64(depth), nil)
	}
}

// SetBucketCount reports how many bucket queues exist.
func SetBucketCount(count int) {
	if observability.TelemetrySystem != nil {
		_ = observability.TelemetrySystem.Gauge(RESTBucketsTotal, float64(count), nil)
	}
}
