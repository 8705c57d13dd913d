package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/denord/denord/internal/errors"
	"github.com/denord/denord/internal/metrics"
	"github.com/denord/denord/internal/observability"
)

const defaultTimeout = 30 * time.Second

// ClientConfig configures a Client.
type ClientConfig struct {
	// BaseURL is the API root, e.g. "https://discord.com/api/v7/".
	BaseURL   string
	Token     string
	UserAgent string

	// Timeout applies to the default HTTP client. Ignored when HTTPClient
	// is set.
	Timeout    time.Duration
	HTTPClient *http.Client

	// GlobalRateLimit caps requests per second across every bucket. Zero
	// disables it.
	GlobalRateLimit float64

	Logger observability.Logger

	// Clock and Sleep are handed to every bucket queue.
	Clock func() time.Time
	Sleep func(time.Duration)
}

// Client dispatches API calls through per-bucket queues. Requests that share
// a bucket run one at a time in submission order; requests in different
// buckets run concurrently.
type Client struct {
	baseURL   string
	token     string
	userAgent string

	http   *http.Client
	global *rate.Limiter
	logger observability.Logger
	clock  func() time.Time
	sleep  func(time.Duration)

	mu     sync.Mutex
	queues map[string]*Queue
}

// NewClient validates cfg and returns a ready client.
func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return nil, fmt.Errorf("rest: base URL is required")
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("rest: parse base URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("rest: base URL must be http or https: %q", base)
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	if cfg.GlobalRateLimit < 0 {
		return nil, fmt.Errorf("rest: global rate limit must not be negative")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	client := &Client{
		baseURL:   base,
		token:     strings.TrimSpace(cfg.Token),
		userAgent: cfg.UserAgent,
		http:      httpClient,
		logger:    observability.OrNop(cfg.Logger),
		clock:     cfg.Clock,
		sleep:     cfg.Sleep,
		queues:    make(map[string]*Queue),
	}
	if cfg.GlobalRateLimit > 0 {
		burst := int(math.Ceil(cfg.GlobalRateLimit))
		client.global = rate.NewLimiter(rate.Limit(cfg.GlobalRateLimit), burst)
	}
	return client, nil
}

// Execute routes req to its bucket queue and waits for the result. Non-2xx
// responses come back as *HTTPError. The request is never rejected
// client-side; a throttled bucket only adds latency.
//
// If ctx ends while the request is still queued, Execute returns ctx.Err()
// and the queued request later fails fast on the same context.
func (c *Client) Execute(ctx context.Context, req Request) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if apperrors.CorrelationID(ctx) == "" {
		ctx = apperrors.WithCorrelationID(ctx, apperrors.NewCorrelationID())
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}
	bucket := ResolveBucket(method, req.Path)
	queue := c.queue(bucket)

	future := Submit(queue, func() (*Response, error) {
		return c.send(ctx, queue, bucket, method, req)
	})
	metrics.SetQueueDepth(c.pending())

	select {
	case <-future.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	resp, err := future.Wait()
	if err != nil {
		apperrors.Report(ctx, c.logger, "api request failed", err)
		return nil, err
	}
	return resp, nil
}

// Do executes req and decodes the JSON response body into out, which may be
// nil.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	resp, err := c.Execute(ctx, req)
	if err != nil {
		return err
	}
	return resp.Decode(out)
}

// RateLimit returns the state recorded for the bucket, if the bucket exists.
func (c *Client) RateLimit(bucket string) (RateLimit, bool) {
	c.mu.Lock()
	queue, ok := c.queues[bucket]
	c.mu.Unlock()
	if !ok {
		return RateLimit{}, false
	}
	return queue.RateLimit(), true
}

// Buckets lists the buckets seen so far, sorted.
func (c *Client) Buckets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	buckets := make([]string, 0, len(c.queues))
	for bucket := range c.queues {
		buckets = append(buckets, bucket)
	}
	sort.Strings(buckets)
	return buckets
}

func (c *Client) queue(bucket string) *Queue {
	c.mu.Lock()
	defer c.mu.Unlock()

	if queue, ok := c.queues[bucket]; ok {
		return queue
	}

	queue := NewQueue()
	queue.Clock = c.clock
	queue.Sleep = c.sleep
	queue.OnThrottle = func(wait time.Duration) {
		c.logger.Debug("Bucket exhausted, waiting for reset",
			zap.String("bucket", bucket),
			zap.Duration("wait", wait),
		)
		metrics.RecordThrottleWait(wait)
	}
	c.queues[bucket] = queue
	metrics.SetBucketCount(len(c.queues))
	return queue
}

func (c *Client) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, queue := range c.queues {
		total += queue.Len()
	}
	return total
}

func (c *Client) now() time.Time {
	if c.clock != nil {
		return c.clock()
	}
	return time.Now().UTC()
}

// send runs inside the bucket queue.
func (c *Client) send(ctx context.Context, queue *Queue, bucket, method string, req Request) (*Response, error) {
	// The caller stopped waiting while the task was queued.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.global != nil {
		if err := c.global.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rest: global rate limit: %w", err)
		}
	}

	httpReq, err := c.newRequest(ctx, method, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		metrics.RecordRequest(method, 0, time.Since(start))
		return nil, fmt.Errorf("rest: %s %s: %w", method, req.Path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, readErr := io.ReadAll(resp.Body)
	metrics.RecordRequest(method, resp.StatusCode, time.Since(start))

	if limit, ok := ParseRateLimit(resp.Header); ok {
		queue.SetRateLimit(limit)
	}
	if readErr != nil {
		return nil, fmt.Errorf("rest: %s %s: read body: %w", method, req.Path, readErr)
	}

	c.logger.Debug("API response",
		zap.String("method", method),
		zap.String("bucket", bucket),
		zap.Int("status", resp.StatusCode),
		zap.String("correlation_id", apperrors.CorrelationID(ctx)),
	)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body, Bucket: bucket}, nil
	case http.StatusNoContent:
		return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Bucket: bucket}, nil
	}
	return nil, responseError(method, req.Path, bucket, resp, body, c.now())
}

func responseError(method, path, bucket string, resp *http.Response, body []byte, now time.Time) *HTTPError {
	httpErr := &HTTPError{
		Kind:       classifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Method:     method,
		Path:       path,
		Bucket:     bucket,
		Message:    http.StatusText(resp.StatusCode),
	}

	var parsed errorBody
	if len(bytes.TrimSpace(body)) > 0 && json.Unmarshal(body, &parsed) == nil {
		httpErr.Code = parsed.Code
		if parsed.Message != "" {
			httpErr.Message = parsed.Message
		}
		httpErr.Errors = parsed.Errors
	}
	if httpErr.Message == "" {
		httpErr.Message = kindSentinels[httpErr.Kind].Error()
	}

	if httpErr.Kind == KindThrottled {
		httpErr.RetryAfter = retryAfter(resp.Header, now)
		if httpErr.RetryAfter == 0 && parsed.RetryAfter > 0 {
			httpErr.RetryAfter = time.Duration(parsed.RetryAfter * float64(time.Second))
		}
		httpErr.Global = parsed.Global || strings.EqualFold(resp.Header.Get(HeaderRateLimitGlobal), "true")
	}
	return httpErr
}
