package observability

import (
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"
)

// Logging profiles accepted by NewLogger.
const (
	ProfileSimple     = "SIMPLE"
	ProfileStructured = "STRUCTURED"
)

// Logger is the logging surface used by the REST and gateway packages.
// Both gofulmen loggers and *zap.Logger satisfy it.
type Logger interface {
	Debug(msg string, fields ...zap.Field)
	Info(msg string, fields ...zap.Field)
	Warn(msg string, fields ...zap.Field)
	Error(msg string, fields ...zap.Field)
}

// OrNop returns logger, or a no-op logger when logger is nil.
func OrNop(logger Logger) Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// NewLogger builds a gofulmen logger.
// SIMPLE writes human-readable console output; STRUCTURED writes JSON to
// stderr with correlation middleware, for long-running bots.
func NewLogger(serviceName, level, profile string) (*logging.Logger, error) {
	switch strings.ToUpper(strings.TrimSpace(profile)) {
	case "", ProfileSimple:
		return newSimpleLogger(serviceName, level)
	case ProfileStructured:
		return newStructuredLogger(serviceName, level)
	default:
		return nil, fmt.Errorf("unsupported logging profile %q", profile)
	}
}

func newSimpleLogger(serviceName, level string) (*logging.Logger, error) {
	logger, err := logging.NewCLI(serviceName)
	if err != nil {
		return nil, fmt.Errorf("initialize console logger: %w", err)
	}

	if lvl := parseLogLevel(level); lvl == "DEBUG" || lvl == "TRACE" {
		logger.SetLevel(logging.DEBUG)
	}
	return logger, nil
}

func newStructuredLogger(serviceName, level string) (*logging.Logger, error) {
	config := &logging.LoggerConfig{
		Profile:      logging.ProfileStructured,
		DefaultLevel: parseLogLevel(level),
		Service:      serviceName,
		Environment:  "production",
		StaticFields: map[string]any{"component": "denord"},
		Middleware: []logging.MiddlewareConfig{
			{
				Name:    "correlation",
				Enabled: true,
				Order:   100,
				Config:  make(map[string]any),
			},
		},
		Sinks: []logging.SinkConfig{
			{
				Type:   "console",
				Format: "json",
				Console: &logging.ConsoleSinkConfig{
					Stream:   "stderr",
					Colorize: false,
				},
			},
		},
		EnableCaller:     true,
		EnableStacktrace: true,
	}

	logger, err := logging.New(config)
	if err != nil {
		return nil, fmt.Errorf("initialize structured logger: %w", err)
	}
	return logger, nil
}

// parseLogLevel converts string log level to logging severity string
func parseLogLevel(levelStr string) string {
	switch strings.ToLower(strings.TrimSpace(levelStr)) {
	case "trace":
		return "TRACE"
	case "debug":
		return "DEBUG"
	case "info":
		return "INFO"
	case "warn", "warning":
		return "WARN"
	case "error":
		return "ERROR"
	default:
		return "INFO"
	}
}
