// Package config loads client configuration with viper and decodes it into
// a typed Config through mapstructure.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. DENORD_TOKEN or
// DENORD_GATEWAY_SHARD_COUNT.
const EnvPrefix = "DENORD"

// Defaults
const (
	DefaultRESTBaseURL    = "https://discord.com/api/v7/"
	DefaultGatewayURL     = "wss://gateway.discord.gg/?v=6&encoding=json"
	DefaultUserAgent      = "DiscordBot (https://github.com/denord/denord, 0.1.0)"
	DefaultLogLevel       = "info"
	DefaultLoggingProfile = "SIMPLE"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("token", "")

	v.SetDefault("rest.base_url", DefaultRESTBaseURL)
	v.SetDefault("rest.user_agent", DefaultUserAgent)
	v.SetDefault("rest.timeout", "30s")
	v.SetDefault("rest.global_rate_limit", 50.0)

	v.SetDefault("gateway.url", DefaultGatewayURL)
	v.SetDefault("gateway.shard_count", 0)
	v.SetDefault("gateway.intents", 0)
	v.SetDefault("gateway.connect_stagger", "5s")
	v.SetDefault("gateway.connect_timeout", "0s")
	v.SetDefault("gateway.compress", true)
	v.SetDefault("gateway.large_threshold", 250)
	v.SetDefault("gateway.command_buffer", 16)
	v.SetDefault("gateway.reconnect_min_backoff", "1s")
	v.SetDefault("gateway.reconnect_max_backoff", "2m")

	v.SetDefault("logging.level", DefaultLogLevel)
	v.SetDefault("logging.profile", DefaultLoggingProfile)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 9090)
}

// Load builds a Config from defaults, the optional YAML/JSON/TOML file at
// configFile, DENORD_* environment variables and runtime overrides, in that
// order of increasing precedence. Overrides use nested maps keyed like the
// config file.
//
// Each call uses a fresh viper instance, so Load is safe to call repeatedly.
func Load(configFile string, runtimeOverrides ...map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := strings.TrimSpace(configFile); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	for _, overrides := range runtimeOverrides {
		for key, value := range flatten("", overrides) {
			v.Set(key, value)
		}
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// flatten turns nested override maps into dotted viper keys so overrides
// replace single leaves rather than whole sections.
func flatten(prefix string, in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for key, value := range in {
		full := strings.ToLower(key)
		if prefix != "" {
			full = prefix + "." + full
		}
		if nested, ok := value.(map[string]any); ok {
			for k, v := range flatten(full, nested) {
				out[k] = v
			}
			continue
		}
		out[full] = value
	}
	return out
}
