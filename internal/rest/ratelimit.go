package rest

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Rate-limit response headers.
const (
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRateLimitBucket    = "X-RateLimit-Bucket"
	HeaderRateLimitGlobal    = "X-RateLimit-Global"
	HeaderRetryAfter         = "Retry-After"
)

// RateLimit captures the server-reported rate-limit state of a bucket.
// The zero value means the bucket is unknown and therefore unconstrained.
type RateLimit struct {
	Remaining int
	ResetAt   time.Time
	Known     bool
}

// ParseRateLimit extracts bucket state from response headers. It returns
// false when the response does not carry both the remaining count and the
// reset timestamp.
func ParseRateLimit(header http.Header) (RateLimit, bool) {
	if header == nil {
		return RateLimit{}, false
	}

	remainingRaw := strings.TrimSpace(header.Get(HeaderRateLimitRemaining))
	resetRaw := strings.TrimSpace(header.Get(HeaderRateLimitReset))
	if remainingRaw == "" || resetRaw == "" {
		return RateLimit{}, false
	}

	remaining, err := strconv.Atoi(remainingRaw)
	if err != nil {
		return RateLimit{}, false
	}
	reset, err := strconv.ParseFloat(resetRaw, 64)
	if err != nil || math.IsNaN(reset) || math.IsInf(reset, 0) {
		return RateLimit{}, false
	}

	return RateLimit{
		Remaining: remaining,
		ResetAt:   time.UnixMilli(int64(reset * 1e3)).UTC(),
		Known:     true,
	}, true
}

// Delay returns how long a request must wait before it may be sent. Only an
// exhausted bucket with a reset in the future imposes a delay.
func (r RateLimit) Delay(now time.Time) time.Duration {
	if !r.Known || r.Remaining > 0 {
		return 0
	}
	if wait := r.ResetAt.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

// Exhausted reports whether the bucket has no requests left in its window.
func (r RateLimit) Exhausted(now time.Time) bool {
	return r.Delay(now) > 0
}

// retryAfter reads the Retry-After header as either delay seconds or an
// HTTP date.
func retryAfter(header http.Header, now time.Time) time.Duration {
	if header == nil {
		return 0
	}

	retry := strings.TrimSpace(header.Get(HeaderRetryAfter))
	if retry == "" {
		return 0
	}

	if seconds, err := strconv.ParseFloat(retry, 64); err == nil && seconds > 0 {
		return time.Duration(seconds * float64(time.Second))
	}
	if parsed, err := http.ParseTime(retry); err == nil {
		if wait := parsed.Sub(now); wait > 0 {
			return wait
		}
	}
	return 0
}
