// Package config loads resilient-fetch settings from defaults, an optional
// YAML file and FETCH_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Sternrassler/resilient-fetch/pkg/client"
	"github.com/Sternrassler/resilient-fetch/pkg/logging"
	"github.com/Sternrassler/resilient-fetch/pkg/ratelimit"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. FETCH_MAX_RETRIES or
// FETCH_REDIS_ADDR.
const EnvPrefix = "FETCH"

// Config is the complete application configuration. Client settings are
// top-level keys, the rest are grouped.
type Config struct {
	MaxConcurrency    int               `mapstructure:"max_concurrency"`
	MinRequestSpacing time.Duration     `mapstructure:"min_request_spacing"`
	RequestsPerSecond float64           `mapstructure:"requests_per_second"`
	MaxRetries        int               `mapstructure:"max_retries"`
	DoNotRetryCodes   []int             `mapstructure:"do_not_retry_codes"`
	DoNotRetryMethods []string          `mapstructure:"do_not_retry_methods"`
	RateLimitHeaders  []string          `mapstructure:"rate_limit_headers"`
	RateLimitEncoding string            `mapstructure:"rate_limit_encoding"`
	RequestTimeout    time.Duration     `mapstructure:"request_timeout"`
	BaseURL           string            `mapstructure:"base_url"`
	UserAgent         string            `mapstructure:"user_agent"`
	Headers           map[string]string `mapstructure:"headers"`

	Logging LoggingConfig `mapstructure:"logging"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Server  ServerConfig  `mapstructure:"server"`
}

// LoggingConfig contains log output settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RedisConfig contains the shared rate-limit store connection. An empty
// Addr disables the store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ServerConfig contains proxy server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment apply.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// setDefaults registers every key so that AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	def := client.DefaultConfig()

	v.SetDefault("max_concurrency", def.MaxConcurrency)
	v.SetDefault("min_request_spacing", def.MinRequestSpacing)
	v.SetDefault("requests_per_second", def.RequestsPerSecond)
	v.SetDefault("max_retries", def.MaxRetries)
	v.SetDefault("do_not_retry_codes", def.DoNotRetryCodes)
	v.SetDefault("do_not_retry_methods", def.DoNotRetryMethods)
	v.SetDefault("rate_limit_headers", def.RateLimitHeaderNames)
	v.SetDefault("rate_limit_encoding", string(def.RateLimitHeaderEncoding))
	v.SetDefault("request_timeout", def.RequestTimeout)
	v.SetDefault("base_url", "")
	v.SetDefault("user_agent", "resilient-fetch")
	v.SetDefault("headers", map[string]string{})

	v.SetDefault("logging.level", string(logging.LevelInfo))
	v.SetDefault("logging.format", string(logging.FormatJSON))

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
}

// ClientConfig converts the loaded values into a validated client.Config.
// Transport, RateLimitStore and Logger are left for the caller.
func (c Config) ClientConfig() (client.Config, error) {
	enc, err := ratelimit.ParseEncoding(c.RateLimitEncoding)
	if err != nil {
		return client.Config{}, fmt.Errorf("rate_limit_encoding: %w", err)
	}

	cc := client.Config{
		MaxConcurrency:          c.MaxConcurrency,
		MinRequestSpacing:       c.MinRequestSpacing,
		RequestsPerSecond:       c.RequestsPerSecond,
		MaxRetries:              c.MaxRetries,
		DoNotRetryCodes:         append([]int(nil), c.DoNotRetryCodes...),
		DoNotRetryMethods:       append([]string(nil), c.DoNotRetryMethods...),
		RateLimitHeaderNames:    append([]string(nil), c.RateLimitHeaders...),
		RateLimitHeaderEncoding: enc,
		RequestTimeout:          c.RequestTimeout,
		BaseURL:                 c.BaseURL,
		UserAgent:               c.UserAgent,
	}
	if len(c.Headers) > 0 {
		cc.DefaultHeaders = make(http.Header, len(c.Headers))
		for k, v := range c.Headers {
			cc.DefaultHeaders.Set(k, v)
		}
	}
	if len(cc.RateLimitHeaderNames) == 0 {
		return client.Config{}, errors.New("rate_limit_headers must not be empty")
	}

	if err := cc.Validate(); err != nil {
		return client.Config{}, err
	}
	return cc, nil
}

// LoggerConfig converts the logging section into a logging.Config.
func (c Config) LoggerConfig() (logging.Config, error) {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return logging.Config{}, err
	}
	format, err := logging.ParseFormat(c.Logging.Format)
	if err != nil {
		return logging.Config{}, err
	}

	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Format = format
	return cfg, nil
}
