// Package config provides configuration management for etbguard.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/einsatzlog/etbguard/internal/alerting"
	"github.com/einsatzlog/etbguard/internal/api"
	"github.com/einsatzlog/etbguard/internal/api/gateway"
	"github.com/einsatzlog/etbguard/internal/archive"
	"github.com/einsatzlog/etbguard/internal/auth"
	"github.com/einsatzlog/etbguard/internal/detection"
	"github.com/einsatzlog/etbguard/internal/notify"
	"github.com/einsatzlog/etbguard/internal/observability"
	"github.com/einsatzlog/etbguard/internal/reputation"
	"github.com/einsatzlog/etbguard/internal/security"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

// Lockout backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config holds all etbguard configuration.
type Config struct {
	Telemetry   observability.Config    `yaml:"telemetry"`
	Server      api.Config              `yaml:"server"`
	RateLimit   gateway.RateLimitConfig `yaml:"rate_limit"`
	Storage     StorageConfig           `yaml:"storage"`
	Redis       RedisConfig             `yaml:"redis"`
	Chain       ChainConfig             `yaml:"chain"`
	Auth        auth.Config             `yaml:"auth"`
	Security    security.Config         `yaml:"security"`
	Detection   detection.Config        `yaml:"detection"`
	Rules       RulesConfig             `yaml:"rules"`
	Alerting    alerting.Config         `yaml:"alerting"`
	Lockout     LockoutConfig           `yaml:"lockout"`
	Playbooks   PlaybooksConfig         `yaml:"playbooks"`
	Notify      NotifyConfig            `yaml:"notify"`
	ThreatIntel ThreatIntelConfig       `yaml:"threat_intel"`
	Archive     archive.Config          `yaml:"archive"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver   string `yaml:"driver"` // memory, postgres
	DSNEnv   string `yaml:"dsn_env"`
	MaxConns int32  `yaml:"max_conns"`
	Migrate  bool   `yaml:"migrate"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// ChainConfig configures the tamper-evident security log.
type ChainConfig struct {
	HashKeyEnv      string        `yaml:"hash_key_env"` // empty value selects plain SHA-256
	VerifyOnStartup bool          `yaml:"verify_on_startup"`
	VerifyInterval  time.Duration `yaml:"verify_interval"` // 0 disables periodic verification
}

// RulesConfig configures the Sigma rule engine.
type RulesConfig struct {
	SigmaRulesPath string        `yaml:"sigma_rules_path"`
	Watch          bool          `yaml:"watch"`
	Debounce       time.Duration `yaml:"debounce"`
}

// LockoutConfig selects where IP blocks and account locks are kept.
type LockoutConfig struct {
	Backend   string `yaml:"backend"` // memory, redis
	KeyPrefix string `yaml:"key_prefix"`
}

// PlaybooksConfig locates custom response playbooks.
type PlaybooksConfig struct {
	Dir string `yaml:"dir"`
}

// NotifyConfig holds notification channel settings.
type NotifyConfig struct {
	Log      bool                   `yaml:"log"`
	Webhooks []notify.WebhookConfig `yaml:"webhooks"`
	Redis    RedisNotifyConfig      `yaml:"redis"`
	Splunk   SplunkNotifyConfig     `yaml:"splunk"`
}

// RedisNotifyConfig enables the Redis pub/sub notifier.
type RedisNotifyConfig struct {
	Enabled            bool `yaml:"enabled"`
	notify.RedisConfig `yaml:",inline"`
}

// SplunkNotifyConfig enables the Splunk HEC forwarder.
type SplunkNotifyConfig struct {
	Enabled             bool `yaml:"enabled"`
	notify.SplunkConfig `yaml:",inline"`
}

// ThreatIntelConfig holds threat intel provider settings.
type ThreatIntelConfig struct {
	OTX                  reputation.OTXConfig  `yaml:"otx"`
	MISP                 reputation.MISPConfig `yaml:"misp"`
	CacheCleanupInterval time.Duration         `yaml:"cache_cleanup_interval"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Telemetry: observability.Config{
			ServiceName:    "etbguard",
			Environment:    "development",
			LogLevel:       "info",
			LogFormat:      "json",
			OTLPEndpoint:   "localhost:4317",
			SamplingRate:   0.1,
			MetricsEnabled: true,
		},
		Server:    api.DefaultConfig(),
		RateLimit: gateway.DefaultRateLimitConfig(),
		Storage: StorageConfig{
			Driver:   DriverMemory,
			DSNEnv:   "ETBGUARD_DATABASE_URL",
			MaxConns: 10,
			Migrate:  true,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PasswordEnv: "REDIS_PASSWORD",
			PoolSize:    10,
		},
		Chain: ChainConfig{
			HashKeyEnv:      "ETBGUARD_CHAIN_KEY",
			VerifyOnStartup: true,
			VerifyInterval:  time.Hour,
		},
		Auth:      auth.DefaultConfig(),
		Security:  security.DefaultConfig(),
		Detection: detection.DefaultConfig(),
		Rules: RulesConfig{
			SigmaRulesPath: "rules/sigma",
			Watch:          true,
		},
		Alerting: alerting.DefaultConfig(),
		Lockout: LockoutConfig{
			Backend:   BackendMemory,
			KeyPrefix: "etbguard:lockout",
		},
		Playbooks: PlaybooksConfig{
			Dir: "playbooks",
		},
		Notify: NotifyConfig{
			Log:    true,
			Redis:  RedisNotifyConfig{RedisConfig: notify.DefaultRedisConfig()},
			Splunk: SplunkNotifyConfig{SplunkConfig: notify.DefaultSplunkConfig()},
		},
		ThreatIntel: ThreatIntelConfig{
			OTX:                  reputation.DefaultOTXConfig(),
			MISP:                 reputation.DefaultMISPConfig(),
			CacheCleanupInterval: 10 * time.Minute,
		},
		Archive:         archive.DefaultConfig(),
		ShutdownTimeout: 10 * time.Second,
	}
}

// Validate checks cross-field constraints that the component constructors cannot see.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Storage.DSNEnv == "" {
			return fmt.Errorf("%w: storage.dsn_env is required for postgres", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage driver %q", ErrInvalidConfig, c.Storage.Driver)
	}

	switch c.Lockout.Backend {
	case BackendMemory:
	case BackendRedis:
		if !c.Redis.Enabled {
			return fmt.Errorf("%w: lockout backend redis requires redis.enabled", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown lockout backend %q", ErrInvalidConfig, c.Lockout.Backend)
	}

	if c.Notify.Redis.Enabled && !c.Redis.Enabled {
		return fmt.Errorf("%w: redis notifier requires redis.enabled", ErrInvalidConfig)
	}
	if c.Notify.Splunk.Enabled && c.Notify.Splunk.HECURL == "" {
		return fmt.Errorf("%w: notify.splunk.hec_url is required", ErrInvalidConfig)
	}
	for i, wh := range c.Notify.Webhooks {
		if wh.Name == "" || wh.URL == "" {
			return fmt.Errorf("%w: notify.webhooks[%d] needs name and url", ErrInvalidConfig, i)
		}
	}

	if c.ThreatIntel.MISP.Enabled && c.ThreatIntel.MISP.BaseURL == "" {
		return fmt.Errorf("%w: threat_intel.misp.base_url is required", ErrInvalidConfig)
	}
	if c.Archive.Enabled && c.Archive.Bucket == "" {
		return fmt.Errorf("%w: archive.bucket is required", ErrInvalidConfig)
	}
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr is required", ErrInvalidConfig)
	}
	return nil
}

// EnabledNotifiers returns the names of configured notification channels.
func (c *Config) EnabledNotifiers() []string {
	var names []string
	if c.Notify.Log {
		names = append(names, "log")
	}
	for _, wh := range c.Notify.Webhooks {
		names = append(names, wh.Name)
	}
	if c.Notify.Redis.Enabled {
		names = append(names, "redis")
	}
	if c.Notify.Splunk.Enabled {
		names = append(names, "splunk")
	}
	return names
}

// EnabledProviders returns a list of enabled threat intel providers.
func (c *Config) EnabledProviders() []string {
	var providers []string
	if c.ThreatIntel.OTX.Enabled {
		providers = append(providers, "otx")
	}
	if c.ThreatIntel.MISP.Enabled {
		providers = append(providers, "misp")
	}
	return providers
}

// Secret reads the value of the named environment variable.
func Secret(env string) string {
	if env == "" {
		return ""
	}
	return os.Getenv(env)
}

// RequireSecret is Secret but fails when the variable is unset or empty.
func RequireSecret(env string) (string, error) {
	v := Secret(env)
	if v == "" {
		return "", fmt.Errorf("%w: environment variable %q is not set", ErrInvalidConfig, env)
	}
	return v, nil
}
