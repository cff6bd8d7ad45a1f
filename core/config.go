package core

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	opts "github.com/goliatone/go-options"
)

type ServerConfig struct {
	Host   string `koanf:"host" mapstructure:"host"`
	Port   int    `koanf:"port" mapstructure:"port"`
	APIKey string `koanf:"api_key" mapstructure:"api_key"`
}

type ProvidersConfig struct {
	Primary            string   `koanf:"primary" mapstructure:"primary"`
	Failover           []string `koanf:"failover" mapstructure:"failover"`
	GrokAPIURL         string   `koanf:"grok_api_url" mapstructure:"grok_api_url"`
	GrokAPIKeys        []string `koanf:"grok_api_keys" mapstructure:"grok_api_keys"`
	GrokDefaultModel   string   `koanf:"grok_default_model" mapstructure:"grok_default_model"`
	OpenAIAPIURL       string   `koanf:"openai_api_url" mapstructure:"openai_api_url"`
	OpenAIAPIKeys      []string `koanf:"openai_api_keys" mapstructure:"openai_api_keys"`
	OpenAIDefaultModel string   `koanf:"openai_default_model" mapstructure:"openai_default_model"`
}

type RateLimitConfig struct {
	RPS                   int `koanf:"rps" mapstructure:"rps"`
	MaxRetries            int `koanf:"max_retries" mapstructure:"max_retries"`
	BaseRetryDelaySeconds int `koanf:"base_retry_delay_seconds" mapstructure:"base_retry_delay_seconds"`
}

func (c RateLimitConfig) BaseRetryDelay() time.Duration {
	return time.Duration(c.BaseRetryDelaySeconds) * time.Second
}

type RedisConfig struct {
	Host                  string `koanf:"host" mapstructure:"host"`
	Port                  int    `koanf:"port" mapstructure:"port"`
	DB                    int    `koanf:"db" mapstructure:"db"`
	QueueKey              string `koanf:"queue_key" mapstructure:"queue_key"`
	ResponsePrefix        string `koanf:"response_prefix" mapstructure:"response_prefix"`
	ResponseExpirySeconds int    `koanf:"response_expiry_seconds" mapstructure:"response_expiry_seconds"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c RedisConfig) ResponseExpiry() time.Duration {
	return time.Duration(c.ResponseExpirySeconds) * time.Second
}

type FailoverConfig struct {
	Enabled             bool `koanf:"enabled" mapstructure:"enabled"`
	Threshold           int  `koanf:"threshold" mapstructure:"threshold"`
	RecoveryTimeSeconds int  `koanf:"recovery_time_seconds" mapstructure:"recovery_time_seconds"`
}

func (c FailoverConfig) RecoveryTime() time.Duration {
	return time.Duration(c.RecoveryTimeSeconds) * time.Second
}

type HealthConfig struct {
	Enabled         bool   `koanf:"enabled" mapstructure:"enabled"`
	IntervalSeconds int    `koanf:"interval_seconds" mapstructure:"interval_seconds"`
	GrokEndpoint    string `koanf:"grok_endpoint" mapstructure:"grok_endpoint"`
	OpenAIEndpoint  string `koanf:"openai_endpoint" mapstructure:"openai_endpoint"`
}

func (c HealthConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c HealthConfig) Endpoints() map[string]string {
	endpoints := map[string]string{}
	if strings.TrimSpace(c.GrokEndpoint) != "" {
		endpoints["grok"] = strings.TrimSpace(c.GrokEndpoint)
	}
	if strings.TrimSpace(c.OpenAIEndpoint) != "" {
		endpoints["openai"] = strings.TrimSpace(c.OpenAIEndpoint)
	}
	return endpoints
}

type MetricsConfig struct {
	Enabled     bool `koanf:"enabled" mapstructure:"enabled"`
	WindowHours int  `koanf:"window_hours" mapstructure:"window_hours"`
}

func (c MetricsConfig) Window() time.Duration {
	return time.Duration(c.WindowHours) * time.Hour
}

type CostsConfig struct {
	PromptPerMillion     float64 `koanf:"prompt_per_million" mapstructure:"prompt_per_million"`
	CompletionPerMillion float64 `koanf:"completion_per_million" mapstructure:"completion_per_million"`
}

type Config struct {
	Server    ServerConfig    `koanf:"server" mapstructure:"server"`
	Providers ProvidersConfig `koanf:"providers" mapstructure:"providers"`
	RateLimit RateLimitConfig `koanf:"rate_limit" mapstructure:"rate_limit"`
	Redis     RedisConfig     `koanf:"redis" mapstructure:"redis"`
	Failover  FailoverConfig  `koanf:"failover" mapstructure:"failover"`
	Health    HealthConfig    `koanf:"health" mapstructure:"health"`
	Metrics   MetricsConfig   `koanf:"metrics" mapstructure:"metrics"`
	Costs     CostsConfig     `koanf:"costs" mapstructure:"costs"`
}

func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Providers: ProvidersConfig{
			Primary:            "openai",
			Failover:           []string{"grok"},
			GrokAPIURL:         "https://api.x.ai/v1",
			GrokDefaultModel:   "grok-3-mini",
			OpenAIAPIURL:       "https://api.openai.com/v1",
			OpenAIDefaultModel: "gpt-4.1-2025-04-14",
		},
		RateLimit: RateLimitConfig{
			RPS:                   7,
			MaxRetries:            5,
			BaseRetryDelaySeconds: 1,
		},
		Redis: RedisConfig{
			Host:                  "localhost",
			Port:                  6379,
			QueueKey:              "grok_api_request_queue",
			ResponsePrefix:        "response:",
			ResponseExpirySeconds: 3600,
		},
		Failover: FailoverConfig{
			Enabled:             true,
			Threshold:           3,
			RecoveryTimeSeconds: 300,
		},
		Health: HealthConfig{
			Enabled:         true,
			IntervalSeconds: 60,
		},
		Metrics: MetricsConfig{
			Enabled:     true,
			WindowHours: 24,
		},
		Costs: CostsConfig{
			PromptPerMillion:     2.00,
			CompletionPerMillion: 10.00,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.APIKey) == "" {
		return fmt.Errorf("core: server api key is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("core: server port %d is invalid", c.Server.Port)
	}
	if strings.TrimSpace(c.Providers.Primary) == "" {
		return fmt.Errorf("core: primary provider is required")
	}
	if c.RateLimit.RPS <= 0 {
		return fmt.Errorf("core: rate limit rps must be positive")
	}
	if c.Failover.Threshold <= 0 {
		return fmt.Errorf("core: failover threshold must be positive")
	}
	if c.Metrics.WindowHours <= 0 {
		return fmt.Errorf("core: metrics window hours must be positive")
	}
	return nil
}

func (c Config) AllProviders() []string {
	all := []string{strings.TrimSpace(c.Providers.Primary)}
	seen := map[string]bool{all[0]: true}
	for _, provider := range c.Providers.Failover {
		provider = strings.TrimSpace(provider)
		if provider == "" || seen[provider] {
			continue
		}
		seen[provider] = true
		all = append(all, provider)
	}
	return all
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

// EnvConfigLoader maps the documented environment variables into the raw
// layer. Only variables actually present in the environment contribute keys,
// so explicit false/zero values survive layering.
type EnvConfigLoader struct {
	Lookup func(key string) (string, bool)
}

func NewEnvConfigLoader() *EnvConfigLoader {
	return &EnvConfigLoader{Lookup: os.LookupEnv}
}

func (l *EnvConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	lookup := os.LookupEnv
	if l != nil && l.Lookup != nil {
		lookup = l.Lookup
	}

	raw := map[string]any{}
	set := func(section string, key string, value any) {
		layer, ok := raw[section].(map[string]any)
		if !ok {
			layer = map[string]any{}
			raw[section] = layer
		}
		layer[key] = value
	}

	strVar := func(section, key, env string) {
		if value, ok := lookup(env); ok {
			set(section, key, strings.TrimSpace(value))
		}
	}
	intVar := func(section, key, env string) error {
		value, ok := lookup(env)
		if !ok {
			return nil
		}
		parsed, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return fmt.Errorf("core: %s must be an integer: %w", env, err)
		}
		set(section, key, parsed)
		return nil
	}
	floatVar := func(section, key, env string) error {
		value, ok := lookup(env)
		if !ok {
			return nil
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return fmt.Errorf("core: %s must be a number: %w", env, err)
		}
		set(section, key, parsed)
		return nil
	}
	boolVar := func(section, key, env string) {
		if value, ok := lookup(env); ok {
			set(section, key, parseBool(value))
		}
	}
	listVar := func(section, key, env string) {
		if value, ok := lookup(env); ok {
			set(section, key, splitList(value))
		}
	}

	strVar("server", "host", "HOST")
	strVar("server", "api_key", "SERVER_API_KEY")
	strVar("providers", "primary", "LLM_PROVIDER")
	strVar("providers", "grok_api_url", "GROK_API_URL")
	strVar("providers", "grok_default_model", "DEFAULT_MODEL")
	strVar("providers", "openai_api_url", "OPENAI_API_URL")
	strVar("providers", "openai_default_model", "OPENAI_DEFAULT_MODEL")
	strVar("redis", "host", "REDIS_HOST")
	strVar("redis", "queue_key", "REDIS_QUEUE_KEY")
	strVar("health", "grok_endpoint", "GROK_HEALTH_ENDPOINT")
	strVar("health", "openai_endpoint", "OPENAI_HEALTH_ENDPOINT")

	listVar("providers", "failover", "FAILOVER_PROVIDERS")
	listVar("providers", "grok_api_keys", "GROK_API_KEYS")
	listVar("providers", "openai_api_keys", "OPENAI_API_KEYS")

	boolVar("failover", "enabled", "ENABLE_FAILOVER")
	boolVar("health", "enabled", "ENABLE_HEALTH_CHECKER")
	boolVar("metrics", "enabled", "ENABLE_METRICS")

	for _, entry := range []struct {
		section string
		key     string
		env     string
	}{
		{"server", "port", "PORT"},
		{"rate_limit", "rps", "RATE_LIMIT_RPS"},
		{"rate_limit", "max_retries", "MAX_RETRIES"},
		{"rate_limit", "base_retry_delay_seconds", "BASE_RETRY_DELAY"},
		{"redis", "port", "REDIS_PORT"},
		{"redis", "db", "REDIS_DB"},
		{"redis", "response_expiry_seconds", "REDIS_RESPONSE_EXPIRY"},
		{"failover", "threshold", "FAILOVER_THRESHOLD"},
		{"failover", "recovery_time_seconds", "FAILOVER_RECOVERY_TIME"},
		{"health", "interval_seconds", "HEALTH_CHECK_INTERVAL"},
		{"metrics", "window_hours", "METRICS_WINDOW_HOURS"},
	} {
		if err := intVar(entry.section, entry.key, entry.env); err != nil {
			return nil, err
		}
	}

	if err := floatVar("costs", "prompt_per_million", "PROMPT_TOKEN_COST_PER_MILLION"); err != nil {
		return nil, err
	}
	if err := floatVar("costs", "completion_per_million", "COMPLETION_TOKEN_COST_PER_MILLION"); err != nil {
		return nil, err
	}

	return raw, nil
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

// GatewayOptionsResolver layers defaults < loaded < runtime. The loaded
// layer is emitted complete (it was already built against defaults), so an
// explicit false or zero coming from the environment is preserved.
type GatewayOptionsResolver struct{}

func (GatewayOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, true),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	setSection := func(section string, values map[string]any) {
		filtered := map[string]any{}
		for key, value := range values {
			if includeZero || !isZeroValue(value) {
				filtered[key] = value
			}
		}
		if len(filtered) > 0 {
			layer[section] = filtered
		}
	}

	setSection("server", map[string]any{
		"host":    cfg.Server.Host,
		"port":    cfg.Server.Port,
		"api_key": cfg.Server.APIKey,
	})
	setSection("providers", map[string]any{
		"primary":              cfg.Providers.Primary,
		"failover":             append([]string(nil), cfg.Providers.Failover...),
		"grok_api_url":         cfg.Providers.GrokAPIURL,
		"grok_api_keys":        append([]string(nil), cfg.Providers.GrokAPIKeys...),
		"grok_default_model":   cfg.Providers.GrokDefaultModel,
		"openai_api_url":       cfg.Providers.OpenAIAPIURL,
		"openai_api_keys":      append([]string(nil), cfg.Providers.OpenAIAPIKeys...),
		"openai_default_model": cfg.Providers.OpenAIDefaultModel,
	})
	setSection("rate_limit", map[string]any{
		"rps":                      cfg.RateLimit.RPS,
		"max_retries":              cfg.RateLimit.MaxRetries,
		"base_retry_delay_seconds": cfg.RateLimit.BaseRetryDelaySeconds,
	})
	setSection("redis", map[string]any{
		"host":                    cfg.Redis.Host,
		"port":                    cfg.Redis.Port,
		"db":                      cfg.Redis.DB,
		"queue_key":               cfg.Redis.QueueKey,
		"response_prefix":         cfg.Redis.ResponsePrefix,
		"response_expiry_seconds": cfg.Redis.ResponseExpirySeconds,
	})
	setSection("failover", map[string]any{
		"enabled":               cfg.Failover.Enabled,
		"threshold":             cfg.Failover.Threshold,
		"recovery_time_seconds": cfg.Failover.RecoveryTimeSeconds,
	})
	setSection("health", map[string]any{
		"enabled":          cfg.Health.Enabled,
		"interval_seconds": cfg.Health.IntervalSeconds,
		"grok_endpoint":    cfg.Health.GrokEndpoint,
		"openai_endpoint":  cfg.Health.OpenAIEndpoint,
	})
	setSection("metrics", map[string]any{
		"enabled":      cfg.Metrics.Enabled,
		"window_hours": cfg.Metrics.WindowHours,
	})
	setSection("costs", map[string]any{
		"prompt_per_million":     cfg.Costs.PromptPerMillion,
		"completion_per_million": cfg.Costs.CompletionPerMillion,
	})

	return layer
}

func isZeroValue(value any) bool {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed) == ""
	case int:
		return typed == 0
	case float64:
		return typed == 0
	case bool:
		return !typed
	case []string:
		return len(typed) == 0
	default:
		return value == nil
	}
}

// LoadConfig resolves the effective configuration from defaults, the
// environment, and runtime overrides, in that precedence order.
func LoadConfig(ctx context.Context, loader RawConfigLoader, runtime Config) (Config, error) {
	defaults := DefaultConfig()
	if loader == nil {
		loader = NewEnvConfigLoader()
	}
	loaded, err := NewCfgxConfigProvider(loader).Load(ctx, defaults)
	if err != nil {
		return Config{}, err
	}
	return GatewayOptionsResolver{}.Resolve(defaults, loaded, runtime)
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "t", "yes", "on":
		return true
	default:
		return false
	}
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
