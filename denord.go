// Package denord is a client for the chat platform's HTTP API and sharded
// realtime gateway.
//
// A Client owns one rate-limit aware REST dispatcher and, once connected, one
// shard manager. Event handlers can be registered before Connect:
//
//	client, err := denord.Open("", map[string]any{"token": token})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.On(gateway.EventMessageCreate, func(shard int, data json.RawMessage) {
//	    // ...
//	})
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
package denord

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/denord/denord/internal/config"
	"github.com/denord/denord/internal/gateway"
	"github.com/denord/denord/internal/gateway/shard"
	"github.com/denord/denord/internal/observability"
	"github.com/denord/denord/internal/rest"
)

// ServiceName labels logs and metrics.
const ServiceName = "denord"

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("denord: client closed")

// Client ties the REST dispatcher and the gateway shard manager together.
type Client struct {
	cfg     *config.Config
	logger  observability.Logger
	rest    *rest.Client
	emitter *gateway.Emitter

	// newWorker overrides the websocket worker in tests.
	newWorker func(cfg shard.Config) func(int) gateway.Worker

	mu      sync.Mutex
	manager *gateway.Manager
	closed  bool
}

// Open loads configuration, builds the logger, starts the metrics exporter
// when enabled and returns a client. See config.Load for precedence.
func Open(configFile string, overrides ...map[string]any) (*Client, error) {
	cfg, err := config.Load(configFile, overrides...)
	if err != nil {
		return nil, err
	}

	logger, err := observability.NewLogger(ServiceName, cfg.Logging.Level, cfg.Logging.Profile)
	if err != nil {
		return nil, err
	}

	if cfg.Metrics.Enabled {
		if err := observability.InitMetrics(ServiceName, cfg.Metrics.Port); err != nil {
			return nil, err
		}
		logger.Info("Metrics exporter started", zap.Int("port", observability.GetMetricsPort()))
	}

	return New(cfg, logger)
}

// New returns a client for an already loaded configuration. A nil logger
// discards output.
func New(cfg *config.Config, logger observability.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger = observability.OrNop(logger)

	restClient, err := rest.NewClient(rest.ClientConfig{
		BaseURL:         cfg.REST.BaseURL,
		Token:           cfg.Token,
		UserAgent:       cfg.REST.UserAgent,
		Timeout:         cfg.REST.Timeout,
		GlobalRateLimit: cfg.REST.GlobalRateLimit,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		cfg:       cfg,
		logger:    logger,
		rest:      restClient,
		emitter:   gateway.NewEmitter(logger),
		newWorker: shard.Factory,
	}, nil
}

// REST returns the HTTP API dispatcher.
func (c *Client) REST() *rest.Client {
	return c.rest
}

// Emitter returns the gateway event emitter shared by every shard.
func (c *Client) Emitter() *gateway.Emitter {
	return c.emitter
}

// On subscribes handler to a dispatch event.
func (c *Client) On(name gateway.EventName, handler gateway.Handler) (unsubscribe func()) {
	return c.emitter.On(name, handler)
}

// OnRaw subscribes handler to every dispatch event.
func (c *Client) OnRaw(handler gateway.RawHandler) (unsubscribe func()) {
	return c.emitter.OnRaw(handler)
}

// Gateway returns the shard manager, or nil before Connect.
func (c *Client) Gateway() *gateway.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manager
}

// Connect starts the shard manager and blocks until every shard has
// identified. With gateway.shard_count 0 the recommended shard count and
// gateway URL are fetched from the API first.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	manager := c.manager
	c.mu.Unlock()

	if manager == nil {
		var err error
		if manager, err = c.startManager(ctx); err != nil {
			return err
		}
	}
	return manager.Connect(ctx, c.cfg.Token)
}

func (c *Client) startManager(ctx context.Context) (*gateway.Manager, error) {
	gw := c.cfg.Gateway
	shards, gatewayURL := gw.ShardCount, gw.URL

	if shards == 0 {
		bot, err := c.rest.GetGatewayBot(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch recommended shard count: %w", err)
		}
		shards = max(bot.Shards, 1)
		gatewayURL = discoveredURL(bot.URL, gw.URL)
		c.logger.Info("Using recommended shard count",
			zap.Int("shards", shards),
			zap.Int("session_starts_remaining", bot.SessionStartLimit.Remaining),
		)
	}

	stagger := gw.ConnectStagger
	if stagger == 0 {
		stagger = -1
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.manager != nil {
		return c.manager, nil
	}

	manager, err := gateway.New(gateway.Options{
		ShardCount:     shards,
		Intents:        gw.Intents,
		Stagger:        stagger,
		ConnectTimeout: gw.ConnectTimeout,
		CommandBuffer:  gw.CommandBuffer,
		Emitter:        c.emitter,
		Logger:         c.logger,
		NewWorker: c.newWorker(shard.Config{
			URL:            gatewayURL,
			Compress:       gw.Compress,
			LargeThreshold: gw.LargeThreshold,
			MinBackoff:     gw.ReconnectMinBackoff,
			MaxBackoff:     gw.ReconnectMaxBackoff,
			Logger:         c.logger,
		}),
	})
	if err != nil {
		return nil, err
	}
	c.manager = manager
	return manager, nil
}

// Close shuts the gateway down. The REST dispatcher holds no connections of
// its own and needs no shutdown.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	manager := c.manager
	c.mu.Unlock()

	if manager == nil {
		return nil
	}
	return manager.Close()
}

// discoveredURL keeps the configured query (protocol version and encoding)
// on the host returned by the API.
func discoveredURL(discovered, configured string) string {
	if discovered == "" {
		return configured
	}
	target, err := url.Parse(discovered)
	if err != nil {
		return configured
	}
	if target.RawQuery == "" {
		if base, err := url.Parse(configured); err == nil {
			target.RawQuery = base.RawQuery
		}
	}
	if target.Path == "" {
		target.Path = "/"
	}
	return target.String()
}
