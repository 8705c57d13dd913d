package rest

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a failed response.
type Kind int

const (
	KindUnexpectedStatus Kind = iota
	KindClientRequestRejected
	KindUnauthorized
	KindForbidden
	KindThrottled
	KindGatewayUnavailable
	KindServerInternal
)

// Sentinel errors matched by errors.Is against an *HTTPError of the same kind.
var (
	ErrUnexpectedStatus      = errors.New("unexpected response")
	ErrClientRequestRejected = errors.New("request rejected")
	ErrUnauthorized          = errors.New("you supplied an invalid token")
	ErrForbidden             = errors.New("you don't have permission to do this")
	ErrThrottled             = errors.New("you are getting rate-limited")
	ErrGatewayUnavailable    = errors.New("gateway unavailable, wait and retry")
	ErrServerInternal        = errors.New("platform internal error")
)

var kindSentinels = map[Kind]error{
	KindUnexpectedStatus:      ErrUnexpectedStatus,
	KindClientRequestRejected: ErrClientRequestRejected,
	KindUnauthorized:          ErrUnauthorized,
	KindForbidden:             ErrForbidden,
	KindThrottled:             ErrThrottled,
	KindGatewayUnavailable:    ErrGatewayUnavailable,
	KindServerInternal:        ErrServerInternal,
}

var kindCodes = map[Kind]string{
	KindUnexpectedStatus:      "UNEXPECTED_STATUS",
	KindClientRequestRejected: "CLIENT_REQUEST_REJECTED",
	KindUnauthorized:          "UNAUTHORIZED",
	KindForbidden:             "FORBIDDEN",
	KindThrottled:             "THROTTLED",
	KindGatewayUnavailable:    "GATEWAY_UNAVAILABLE",
	KindServerInternal:        "SERVER_INTERNAL_ERROR",
}

func (k Kind) String() string {
	if code, ok := kindCodes[k]; ok {
		return code
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// HTTPError is returned for every response the dispatcher does not treat as
// a success. Callers can use errors.As to inspect it:
//
//	var httpErr *rest.HTTPError
//	if errors.As(err, &httpErr) && httpErr.Kind == rest.KindThrottled {
//	    time.Sleep(httpErr.RetryAfter)
//	}
type HTTPError struct {
	Kind       Kind
	StatusCode int
	Method     string
	Path       string
	Bucket     string

	// Code and Errors come from the platform's JSON error body when present.
	Code    int
	Message string
	Errors  json.RawMessage

	// RetryAfter and Global are set on throttled responses.
	RetryAfter time.Duration
	Global     bool
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "rest: request failed"
	}
	if e.Code != 0 {
		return fmt.Sprintf("rest: %s %s: status %d: %s (code %d)", e.Method, e.Path, e.StatusCode, e.Message, e.Code)
	}
	return fmt.Sprintf("rest: %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

// Is matches the sentinel for the error's kind.
func (e *HTTPError) Is(target error) bool {
	if e == nil {
		return false
	}
	return kindSentinels[e.Kind] == target
}

// ErrorCode returns a stable code for structured error reporting.
func (e *HTTPError) ErrorCode() string {
	if e == nil {
		return kindCodes[KindUnexpectedStatus]
	}
	return e.Kind.String()
}

// HTTPStatus returns the response status code.
func (e *HTTPError) HTTPStatus() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

// IsKind reports whether err is an *HTTPError of the given kind.
func IsKind(err error, kind Kind) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Kind == kind
	}
	return false
}

// classifyStatus maps a non-success status code onto the error taxonomy.
func classifyStatus(status int) Kind {
	switch status {
	case http.StatusBadRequest, http.StatusNotFound:
		return KindClientRequestRejected
	case http.StatusUnauthorized:
		return KindUnauthorized
	case http.StatusForbidden:
		return KindForbidden
	case http.StatusTooManyRequests:
		return KindThrottled
	case http.StatusBadGateway:
		return KindGatewayUnavailable
	case http.StatusInternalServerError,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
		http.StatusInsufficientStorage,
		http.StatusLoopDetected:
		return KindServerInternal
	default:
		return KindUnexpectedStatus
	}
}

// errorBody is the platform's JSON error shape.
type errorBody struct {
	Code       int             `json:"code"`
	Message    string          `json:"message"`
	Errors     json.RawMessage `json:"errors,omitempty"`
	RetryAfter float64         `json:"retry_after,omitempty"`
	Global     bool            `json:"global,omitempty"`
}
