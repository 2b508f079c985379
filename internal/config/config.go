package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stupiduntilnot/chatrelay/internal/chat"
	"github.com/stupiduntilnot/chatrelay/internal/control"
	"github.com/stupiduntilnot/chatrelay/internal/provider"
	"github.com/stupiduntilnot/chatrelay/internal/relay"
	"github.com/stupiduntilnot/chatrelay/internal/store"
)

// EnvPrefix prefixes every environment override, e.g. CHATRELAY_LOG_LEVEL.
const EnvPrefix = "CHATRELAY"

const DefaultSystemPrompt = "You are a helpful assistant. Answer concisely and accurately."

// Config is the gateway configuration.
type Config struct {
	Relay     RelayConfig      `mapstructure:"relay"`
	Retry     RetryConfig      `mapstructure:"retry"`
	Circuit   CircuitConfig    `mapstructure:"circuit"`
	Session   SessionConfig    `mapstructure:"session"`
	Assembler AssemblerConfig  `mapstructure:"assembler"`
	Providers []ProviderConfig `mapstructure:"providers"`
	Telegram  TelegramConfig   `mapstructure:"telegram"`
	HTTP      HTTPConfig       `mapstructure:"http"`
	Consul    ConsulConfig     `mapstructure:"consul"`
	Usage     UsageConfig      `mapstructure:"usage"`
	Journal   JournalConfig    `mapstructure:"journal"`
	Log       LogConfig        `mapstructure:"log"`
}

type RelayConfig struct {
	DefaultProvider string        `mapstructure:"default_provider"`
	FlushThreshold  int           `mapstructure:"flush_threshold"`
	MinEditInterval time.Duration `mapstructure:"min_edit_interval"`
	TypingInterval  time.Duration `mapstructure:"typing_interval"`
	StallTimeout    time.Duration `mapstructure:"stall_timeout"`
	OverallTimeout  time.Duration `mapstructure:"overall_timeout"`
	MaxConcurrent   int           `mapstructure:"max_concurrent"`
	BusyPolicy      string        `mapstructure:"busy_policy"`
	PlaceholderText string        `mapstructure:"placeholder_text"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	StartDelay  time.Duration `mapstructure:"start_delay"`
	Factor      float64       `mapstructure:"factor"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Jitter      time.Duration `mapstructure:"jitter"`
}

type CircuitConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Cooldown  time.Duration `mapstructure:"cooldown"`
}

type SessionConfig struct {
	HistoryWindow int            `mapstructure:"history_window"`
	IdleThreshold time.Duration  `mapstructure:"idle_threshold"`
	Backend       string         `mapstructure:"backend"`
	SQLitePath    string         `mapstructure:"sqlite_path"`
	Redis         RedisConfig    `mapstructure:"redis"`
	Postgres      PostgresConfig `mapstructure:"postgres"`
}

type RedisConfig struct {
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

type AssemblerConfig struct {
	SystemPrompt     string `mapstructure:"system_prompt"`
	ImagePlaceholder bool   `mapstructure:"image_placeholder"`
}

// ProviderConfig is one backend entry. APIKeyEnv names an environment
// variable read when APIKey is empty.
type ProviderConfig struct {
	Name         string        `mapstructure:"name"`
	Kind         string        `mapstructure:"kind"`
	Model        string        `mapstructure:"model"`
	BaseURL      string        `mapstructure:"base_url"`
	APIKey       string        `mapstructure:"api_key"`
	APIKeyEnv    string        `mapstructure:"api_key_env"`
	MaxTokens    int           `mapstructure:"max_tokens"`
	Temperature  float64       `mapstructure:"temperature"`
	Vision       bool          `mapstructure:"vision"`
	Alternation  bool          `mapstructure:"alternation"`
	Stateless    bool          `mapstructure:"stateless"`
	SystemPrompt string        `mapstructure:"system_prompt"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Script       string        `mapstructure:"script"`
}

type TelegramConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Token          string        `mapstructure:"token"`
	AllowedUserIDs []int64       `mapstructure:"allowed_user_ids"`
	ServerURL      string        `mapstructure:"server_url"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`
}

type HTTPConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type ConsulConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Address     string `mapstructure:"address"`
	ServiceName string `mapstructure:"service_name"`
}

type UsageConfig struct {
	Backend   string         `mapstructure:"backend"`
	QueueSize int            `mapstructure:"queue_size"`
	Workers   int            `mapstructure:"workers"`
	RocketMQ  RocketMQConfig `mapstructure:"rocketmq"`
}

type RocketMQConfig struct {
	NameServers []string `mapstructure:"name_servers"`
	Topic       string   `mapstructure:"topic"`
	Group       string   `mapstructure:"group"`
	Retries     int      `mapstructure:"retries"`
}

type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	d := relay.DefaultConfig()
	v.SetDefault("relay.default_provider", "openai")
	v.SetDefault("relay.flush_threshold", d.Flush.Threshold)
	v.SetDefault("relay.min_edit_interval", d.Flush.MinInterval)
	v.SetDefault("relay.typing_interval", d.TypingInterval)
	v.SetDefault("relay.stall_timeout", d.StallTimeout)
	v.SetDefault("relay.overall_timeout", d.OverallTimeout)
	v.SetDefault("relay.max_concurrent", d.MaxConcurrent)
	v.SetDefault("relay.busy_policy", string(d.BusyPolicy))
	v.SetDefault("relay.placeholder_text", d.Placeholder)

	r := control.DefaultRetryPolicy()
	v.SetDefault("retry.max_attempts", r.MaxAttempts)
	v.SetDefault("retry.start_delay", r.StartDelay)
	v.SetDefault("retry.factor", r.Factor)
	v.SetDefault("retry.max_delay", r.MaxDelay)
	v.SetDefault("retry.jitter", r.Jitter)

	v.SetDefault("circuit.threshold", d.CircuitThreshold)
	v.SetDefault("circuit.cooldown", d.CircuitCooldown)

	v.SetDefault("session.history_window", 10)
	v.SetDefault("session.idle_threshold", 2*time.Hour)
	v.SetDefault("session.backend", "sqlite")
	v.SetDefault("session.sqlite_path", "./data/chatrelay.db")
	v.SetDefault("session.redis.addr", "localhost:6379")
	v.SetDefault("session.redis.password", "")
	v.SetDefault("session.redis.db", 0)
	v.SetDefault("session.redis.key_prefix", "chatrelay:session:")
	v.SetDefault("session.redis.ttl", 0)
	v.SetDefault("session.postgres.dsn", "")

	v.SetDefault("assembler.system_prompt", DefaultSystemPrompt)
	v.SetDefault("assembler.image_placeholder", true)

	v.SetDefault("providers", defaultProviders())

	v.SetDefault("telegram.enabled", true)
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.allowed_user_ids", []int64{})
	v.SetDefault("telegram.server_url", "")
	v.SetDefault("telegram.poll_timeout", time.Minute)

	v.SetDefault("http.enabled", false)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.jwt_secret", "")

	v.SetDefault("consul.enabled", false)
	v.SetDefault("consul.address", "127.0.0.1:8500")
	v.SetDefault("consul.service_name", "chatrelay")

	v.SetDefault("usage.backend", "log")
	v.SetDefault("usage.queue_size", 256)
	v.SetDefault("usage.workers", 2)
	v.SetDefault("usage.rocketmq.name_servers", []string{})
	v.SetDefault("usage.rocketmq.topic", "chatrelay_usage")
	v.SetDefault("usage.rocketmq.group", "chatrelay")
	v.SetDefault("usage.rocketmq.retries", 2)

	v.SetDefault("journal.enabled", true)
	v.SetDefault("journal.path", "./data/chatrelay.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func defaultProviders() []map[string]any {
	return []map[string]any{
		{"name": "openai", "kind": "openai", "model": "chatgpt-4o-latest", "api_key_env": "OPENAI_API_KEY", "vision": true, "max_tokens": 4096, "temperature": 0.7},
		{"name": "groq", "kind": "openai", "model": "llama-3.2-90b-vision-preview", "base_url": "https://api.groq.com/openai/v1/", "api_key_env": "GROQ_API_KEY", "vision": true, "max_tokens": 4096, "temperature": 0.7},
		{"name": "claude", "kind": "anthropic", "model": "claude-3-5-sonnet-20241022", "api_key_env": "ANTHROPIC_API_KEY", "vision": true, "alternation": true, "max_tokens": 4096, "temperature": 0.7},
		{"name": "perplexity", "kind": "openai", "model": "llama-3.1-sonar-huge-128k-online", "base_url": "https://api.perplexity.ai/", "api_key_env": "PERPLEXITY_API_KEY", "alternation": true, "stateless": true, "max_tokens": 4096, "temperature": 0.7},
	}
}

// Load reads defaults, then the config file, then CHATRELAY_* environment
// variables. An empty path looks for ./config.yaml and tolerates its
// absence. The result is validated.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, chat.NewError(chat.KindConfiguration, "config.load", fmt.Errorf("read %s: %w", path, err))
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, chat.NewError(chat.KindConfiguration, "config.load", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, chat.NewError(chat.KindConfiguration, "config.load", fmt.Errorf("decode: %w", err))
	}
	cfg.resolveSecrets()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// resolveSecrets fills credentials from the environment: api_key_env for
// providers and TELEGRAM_BOT_TOKEN for the bot.
func (c *Config) resolveSecrets() {
	for i := range c.Providers {
		p := &c.Providers[i]
		if p.APIKey == "" && p.APIKeyEnv != "" {
			p.APIKey = os.Getenv(p.APIKeyEnv)
		}
	}
	if c.Telegram.Token == "" {
		c.Telegram.Token = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
}

func invalid(format string, args ...any) error {
	return chat.Errorf(chat.KindConfiguration, "config.validate", format, args...)
}

// Validate reports the first startup-fatal problem as a configuration error.
func (c Config) Validate() error {
	switch relay.BusyPolicy(c.Relay.BusyPolicy) {
	case relay.BusyQueue, relay.BusyReject:
	default:
		return invalid("relay.busy_policy must be queue or reject, got %q", c.Relay.BusyPolicy)
	}
	if c.Relay.FlushThreshold <= 0 {
		return invalid("relay.flush_threshold must be positive")
	}
	if c.Relay.MaxConcurrent <= 0 {
		return invalid("relay.max_concurrent must be positive")
	}
	if c.Relay.StallTimeout <= 0 || c.Relay.OverallTimeout <= 0 {
		return invalid("relay timeouts must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return invalid("retry.max_attempts must be at least 1")
	}
	if c.Retry.Factor < 1 {
		return invalid("retry.factor must be at least 1")
	}
	if c.Session.HistoryWindow <= 0 {
		return invalid("session.history_window must be positive")
	}

	switch c.Session.Backend {
	case "memory":
	case "sqlite":
		if c.Session.SQLitePath == "" {
			return invalid("session.sqlite_path is required for the sqlite backend")
		}
	case "redis":
		if c.Session.Redis.Addr == "" {
			return invalid("session.redis.addr is required for the redis backend")
		}
	case "postgres":
		if c.Session.Postgres.DSN == "" {
			return invalid("session.postgres.dsn is required for the postgres backend")
		}
	default:
		return invalid("unknown session.backend %q", c.Session.Backend)
	}

	if len(c.Providers) == 0 {
		return invalid("no providers configured")
	}
	found := false
	for _, p := range c.Providers {
		if p.Name == c.Relay.DefaultProvider {
			found = true
		}
		switch provider.Kind(p.Kind) {
		case provider.KindOpenAI, provider.KindAnthropic:
			if p.APIKey == "" {
				return invalid("provider %q requires an API key (api_key or api_key_env)", p.Name)
			}
		case provider.KindDummy:
		default:
			return invalid("provider %q has unknown kind %q", p.Name, p.Kind)
		}
	}
	if !found {
		return invalid("default provider %q is not configured", c.Relay.DefaultProvider)
	}

	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return invalid("telegram.token (or TELEGRAM_BOT_TOKEN) is required when telegram is enabled")
	}
	if c.HTTP.Enabled && c.HTTP.JWTSecret == "" {
		return invalid("http.jwt_secret is required when the http api is enabled")
	}
	if c.Consul.Enabled && !c.HTTP.Enabled {
		return invalid("consul registration requires the http api")
	}

	switch c.Usage.Backend {
	case "log", "none":
	case "rocketmq":
		if len(c.Usage.RocketMQ.NameServers) == 0 {
			return invalid("usage.rocketmq.name_servers is required for the rocketmq backend")
		}
	default:
		return invalid("unknown usage.backend %q", c.Usage.Backend)
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		return invalid("log.format must be json or console, got %q", c.Log.Format)
	}
	return nil
}

// Descriptors converts provider entries for the registry.
func (c Config) Descriptors() []provider.Descriptor {
	out := make([]provider.Descriptor, 0, len(c.Providers))
	for _, p := range c.Providers {
		out = append(out, provider.Descriptor{
			Name:                p.Name,
			Kind:                provider.Kind(p.Kind),
			Model:               p.Model,
			MaxTokens:           p.MaxTokens,
			Temperature:         p.Temperature,
			SupportsVision:      p.Vision,
			RequiresAlternation: p.Alternation,
			Stateless:           p.Stateless,
			SystemPrompt:        p.SystemPrompt,
			BaseURL:             p.BaseURL,
			APIKey:              p.APIKey,
			Timeout:             p.Timeout,
			Script:              p.Script,
		})
	}
	return out
}

// RelayConfig converts the relay, retry and circuit sections.
func (c Config) RelayConfig() relay.Config {
	return relay.Config{
		Flush:          relay.FlushPolicy{Threshold: c.Relay.FlushThreshold, MinInterval: c.Relay.MinEditInterval},
		TypingInterval: c.Relay.TypingInterval,
		StallTimeout:   c.Relay.StallTimeout,
		OverallTimeout: c.Relay.OverallTimeout,
		MaxConcurrent:  c.Relay.MaxConcurrent,
		BusyPolicy:     relay.BusyPolicy(c.Relay.BusyPolicy),
		Placeholder:    c.Relay.PlaceholderText,
		Retry: control.RetryPolicy{
			MaxAttempts: c.Retry.MaxAttempts,
			StartDelay:  c.Retry.StartDelay,
			Factor:      c.Retry.Factor,
			MaxDelay:    c.Retry.MaxDelay,
			Jitter:      c.Retry.Jitter,
		},
		CircuitThreshold: c.Circuit.Threshold,
		CircuitCooldown:  c.Circuit.Cooldown,
	}
}

// StoreOptions converts the session section; v validates provider names.
func (c Config) StoreOptions(v store.Validator) store.Options {
	return store.Options{
		Window:          c.Session.HistoryWindow,
		IdleThreshold:   c.Session.IdleThreshold,
		DefaultProvider: c.Relay.DefaultProvider,
		Validator:       v,
	}
}

func (c Config) RedisOptions() store.RedisOptions {
	r := c.Session.Redis
	return store.RedisOptions{Addr: r.Addr, Password: r.Password, DB: r.DB, KeyPrefix: r.KeyPrefix, TTL: r.TTL}
}
