package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config represents the complete client configuration. Values come from, in
// increasing precedence: built-in defaults, an optional config file,
// DENORD_* environment variables and runtime overrides.
type Config struct {
	Token   string        `mapstructure:"token"`
	REST    RESTConfig    `mapstructure:"rest"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// RESTConfig contains HTTP API client configuration
type RESTConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	UserAgent string        `mapstructure:"user_agent"`
	Timeout   time.Duration `mapstructure:"timeout"`

	// GlobalRateLimit caps requests per second across all buckets.
	// Zero disables the global limiter.
	GlobalRateLimit float64 `mapstructure:"global_rate_limit"`
}

// GatewayConfig contains shard manager and websocket worker configuration
type GatewayConfig struct {
	URL string `mapstructure:"url"`

	// ShardCount of zero asks the REST API for the recommended count.
	ShardCount int `mapstructure:"shard_count"`
	Intents    int `mapstructure:"intents"`

	// ConnectStagger is the pause between one shard identifying and the
	// next shard being told to connect.
	ConnectStagger time.Duration `mapstructure:"connect_stagger"`

	// ConnectTimeout bounds Connect. Zero waits until every shard is up.
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`

	Compress            bool          `mapstructure:"compress"`
	LargeThreshold      int           `mapstructure:"large_threshold"`
	CommandBuffer       int           `mapstructure:"command_buffer"`
	ReconnectMinBackoff time.Duration `mapstructure:"reconnect_min_backoff"`
	ReconnectMaxBackoff time.Duration `mapstructure:"reconnect_max_backoff"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects SIMPLE console output or STRUCTURED JSON output
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`

	// Port is the dedicated metrics endpoint port. Zero picks a free port.
	Port int `mapstructure:"port"`
}

// Validate rejects values the REST client or shard manager cannot use.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}

	if err := validateURL("rest.base_url", c.REST.BaseURL, "http", "https"); err != nil {
		return err
	}
	if err := validateURL("gateway.url", c.Gateway.URL, "ws", "wss"); err != nil {
		return err
	}

	switch {
	case c.REST.Timeout < 0:
		return fmt.Errorf("rest.timeout must not be negative")
	case c.REST.GlobalRateLimit < 0:
		return fmt.Errorf("rest.global_rate_limit must not be negative")
	case c.Gateway.ShardCount < 0:
		return fmt.Errorf("gateway.shard_count must not be negative")
	case c.Gateway.Intents < 0:
		return fmt.Errorf("gateway.intents must not be negative")
	case c.Gateway.ConnectStagger < 0:
		return fmt.Errorf("gateway.connect_stagger must not be negative")
	case c.Gateway.ConnectTimeout < 0:
		return fmt.Errorf("gateway.connect_timeout must not be negative")
	case c.Gateway.LargeThreshold < 0:
		return fmt.Errorf("gateway.large_threshold must not be negative")
	case c.Gateway.CommandBuffer < 0:
		return fmt.Errorf("gateway.command_buffer must not be negative")
	case c.Gateway.ReconnectMinBackoff < 0 || c.Gateway.ReconnectMaxBackoff < 0:
		return fmt.Errorf("gateway reconnect backoff must not be negative")
	case c.Gateway.ReconnectMaxBackoff < c.Gateway.ReconnectMinBackoff:
		return fmt.Errorf("gateway.reconnect_max_backoff must be >= gateway.reconnect_min_backoff")
	case c.Metrics.Port < 0 || c.Metrics.Port > 65535:
		return fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port)
	}
	return nil
}

func validateURL(key, raw string, schemes ...string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%s is required", key)
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	for _, scheme := range schemes {
		if strings.EqualFold(parsed.Scheme, scheme) && parsed.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("%s must be an absolute %s URL: %q", key, strings.Join(schemes, "/"), raw)
}
