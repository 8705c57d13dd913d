package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"

	"github.com/fulmenhq/gofulmen/errors"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/denord/denord/internal/metrics"
	"github.com/denord/denord/internal/observability"
)

// Error codes for failures that do not come from an API response.
const (
	CodeTransport      = "TRANSPORT_ERROR"
	CodeInternal       = "INTERNAL_ERROR"
	CodeUnknownEvent   = "UNKNOWN_GATEWAY_EVENT"
	CodeShardPanic     = "SHARD_PANIC"
	CodeCanceled       = "CANCELED"
	fallbackCorrPrefix = "fallback-"
)

// Coded is implemented by errors that carry a stable code and HTTP status,
// such as rest.HTTPError.
type Coded interface {
	error
	ErrorCode() string
	HTTPStatus() int
}

type correlationKey struct{}

// WithCorrelationID stores a correlation ID on the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the ID stored on ctx, or an empty string.
func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// NewCorrelationID generates a fresh request correlation ID.
func NewCorrelationID() string {
	return uuid.New().String()
}

// Envelope normalizes err into a gofulmen ErrorEnvelope tagged with the
// correlation ID from ctx.
func Envelope(ctx context.Context, err error) *errors.ErrorEnvelope {
	return EnsureCorrelationID(EnsureEnvelope(err), ctx)
}

// EnsureEnvelope normalizes any error into a gofulmen ErrorEnvelope.
func EnsureEnvelope(err error) *errors.ErrorEnvelope {
	if err == nil {
		env := errors.NewErrorEnvelope(CodeInternal, "unexpected nil error")
		env, _ = env.WithSeverity(errors.SeverityCritical)
		return env
	}

	var envelope *errors.ErrorEnvelope
	if stderrors.As(err, &envelope) && envelope != nil {
		return envelope
	}

	code, status := CodeInternal, 0
	var coded Coded
	switch {
	case stderrors.As(err, &coded):
		code, status = coded.ErrorCode(), coded.HTTPStatus()
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		code = CodeCanceled
	case isTransport(err):
		code = CodeTransport
	}

	env := errors.NewErrorEnvelope(code, err.Error())
	env = withContext(env, map[string]interface{}{
		"wrapped_error": err.Error(),
	})
	if status != 0 {
		env = withContext(env, map[string]interface{}{"http_status": status})
	}
	return withSeverity(env, code, status)
}

// EnsureCorrelationID attaches a correlation ID to the envelope using the context when available.
func EnsureCorrelationID(envelope *errors.ErrorEnvelope, ctx context.Context) *errors.ErrorEnvelope {
	if envelope == nil {
		return nil
	}
	if envelope.CorrelationID != "" {
		return envelope
	}

	correlationID := CorrelationID(ctx)
	if correlationID == "" {
		correlationID = fallbackCorrPrefix + errors.GenerateCorrelationID()
	}
	return envelope.WithCorrelationID(correlationID)
}

// HTTPStatus returns the status carried by err, or 0 when it never reached
// the server.
func HTTPStatus(err error) int {
	var coded Coded
	if stderrors.As(err, &coded) {
		return coded.HTTPStatus()
	}
	return 0
}

// Report logs the failure with its envelope metadata and records an error
// metric. It returns the envelope for callers that want to keep it.
func Report(ctx context.Context, logger observability.Logger, msg string, err error) *errors.ErrorEnvelope {
	envelope := Envelope(ctx, err)
	status := HTTPStatus(err)

	fields := []zap.Field{
		zap.String("error_code", envelope.Code),
		zap.String("correlation_id", envelope.CorrelationID),
		zap.Error(err),
	}
	if status != 0 {
		fields = append(fields, zap.Int("http_status", status))
	}
	if envelope.Severity != "" {
		fields = append(fields, zap.String("severity", string(envelope.Severity)))
	}

	logger = observability.OrNop(logger)
	switch envelope.Severity {
	case errors.SeverityCritical, errors.SeverityHigh:
		logger.Error(msg, fields...)
	default:
		logger.Warn(msg, fields...)
	}

	metrics.RecordError(envelope.Code, status)
	return envelope
}

func withSeverity(envelope *errors.ErrorEnvelope, code string, status int) *errors.ErrorEnvelope {
	var (
		updated *errors.ErrorEnvelope
		err     error
	)
	switch {
	case code == CodeUnknownEvent || code == CodeShardPanic:
		updated, err = envelope.WithSeverity(errors.SeverityCritical)
	case status >= http.StatusInternalServerError,
		status == http.StatusUnauthorized,
		code == CodeTransport, code == CodeInternal:
		updated, err = envelope.WithSeverity(errors.SeverityHigh)
	default:
		updated, err = envelope.WithSeverity(errors.SeverityMedium)
	}
	if err != nil {
		return envelope
	}
	return updated
}

func isTransport(err error) bool {
	var urlErr *url.Error
	if stderrors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return stderrors.As(err, &netErr)
}

func withContext(envelope *errors.ErrorEnvelope, fields map[string]interface{}) *errors.ErrorEnvelope {
	updated, err := envelope.WithContext(fields)
	if err != nil {
		return envelope
	}
	return updated
}

// exit is swapped out in tests.
var exit = os.Exit

// ExitWithCode logs err with foundry exit code metadata and terminates the
// process. Used when the gateway receives an event it cannot interpret.
func ExitWithCode(logger observability.Logger, exitCode foundry.ExitCode, msg string, err error) {
	info, ok := foundry.GetExitCodeInfo(exitCode)
	if !ok {
		fmt.Fprintf(os.Stderr, "FATAL: %s: %v (exit code: %d)\n", msg, err, exitCode)
		exit(int(exitCode))
		return
	}

	if logger == nil {
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: %s: %v\n", msg, err)
		} else {
			fmt.Fprintf(os.Stderr, "FATAL: %s\n", msg)
		}
		fmt.Fprintf(os.Stderr, "Exit Code: %d (%s) - %s\n", info.Code, info.Name, info.Description)
		exit(info.Code)
		return
	}

	fields := []zap.Field{
		zap.Int("exit_code", info.Code),
		zap.String("exit_name", info.Name),
		zap.String("exit_description", info.Description),
		zap.String("exit_category", info.Category),
	}

	var envelope *errors.ErrorEnvelope
	if stderrors.As(err, &envelope) && envelope != nil {
		fields = append(fields,
			zap.String("error_code", envelope.Code),
			zap.String("error_message", envelope.Message),
			zap.String("correlation_id", envelope.CorrelationID),
		)
		if envelope.Context != nil {
			fields = append(fields, zap.Any("error_context", envelope.Context))
		}
	}

	fields = append(fields, zap.Error(err))
	logger.Error(msg, fields...)
	exit(info.Code)
}
