// Package config loads settings from defaults, an optional TOML file and the
// environment, in that order of precedence from lowest to highest.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreBolt   = "bolt"

	DeliveryDirect = "direct"
	DeliveryQueue  = "queue"
)

type Config struct {
	Server ServerConfig `toml:"server"`
	Store  StoreConfig  `toml:"store"`
	Chat   ChatConfig   `toml:"chat"`
	Queue  QueueConfig  `toml:"queue"`
	LLM    LLMConfig    `toml:"llm"`
	Log    LogConfig    `toml:"log"`
}

type ServerConfig struct {
	Port               int    `toml:"port"`
	GinMode            string `toml:"gin_mode"`
	TLSCertFile        string `toml:"tls_cert_file"`
	TLSKeyFile         string `toml:"tls_key_file"`
	AuthSecret         string `toml:"auth_secret"`
	TokenExpirySeconds int    `toml:"token_expiry_seconds"`
	RateLimitPerMinute int    `toml:"rate_limit_per_minute"`
}

type StoreConfig struct {
	Backend            string `toml:"backend"`
	SnapshotFile       string `toml:"snapshot_file"`
	BoltPath           string `toml:"bolt_path"`
	RedisURL           string `toml:"redis_url"`
	KeyPrefix          string `toml:"key_prefix"`
	SessionTTLSeconds  int    `toml:"session_ttl_seconds"`
	MaxHistoryMessages int    `toml:"max_history_messages"`
}

type ChatConfig struct {
	DeliveryMode      string `toml:"delivery_mode"`
	ContextMessages   int    `toml:"context_messages"`
	SystemPrompt      string `toml:"system_prompt"`
	ProgressInterval  int    `toml:"progress_interval"`
	GuardLeaseSeconds int    `toml:"guard_lease_seconds"`
	ImageSearchURL    string `toml:"image_search_url"`
}

type QueueConfig struct {
	MaxRetries        int   `toml:"max_retries"`
	BaseDelayMS       int   `toml:"base_delay_ms"`
	MaxDelayMS        int   `toml:"max_delay_ms"`
	MaxLen            int64 `toml:"max_len"`
	ClaimIdleSeconds  int   `toml:"claim_idle_seconds"`
	WorkerConcurrency int   `toml:"worker_concurrency"`
}

type LLMConfig struct {
	BaseURL            string  `toml:"base_url"`
	APIKey             string  `toml:"api_key"`
	Model              string  `toml:"model"`
	TimeoutSeconds     int     `toml:"timeout_seconds"`
	IdleTimeoutSeconds int     `toml:"idle_timeout_seconds"`
	Temperature        float64 `toml:"temperature"`
	MaxTokens          int     `toml:"max_tokens"`
}

type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

func (c ServerConfig) TokenExpiry() time.Duration { return seconds(c.TokenExpirySeconds) }
func (c StoreConfig) SessionTTL() time.Duration   { return seconds(c.SessionTTLSeconds) }
func (c ChatConfig) GuardLease() time.Duration    { return seconds(c.GuardLeaseSeconds) }
func (c QueueConfig) BaseDelay() time.Duration    { return millis(c.BaseDelayMS) }
func (c QueueConfig) MaxDelay() time.Duration     { return millis(c.MaxDelayMS) }
func (c QueueConfig) ClaimIdle() time.Duration    { return seconds(c.ClaimIdleSeconds) }
func (c LLMConfig) Timeout() time.Duration        { return seconds(c.TimeoutSeconds) }
func (c LLMConfig) IdleTimeout() time.Duration    { return seconds(c.IdleTimeoutSeconds) }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }

func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:               3000,
			GinMode:            "release",
			TokenExpirySeconds: 7 * 24 * 3600,
			RateLimitPerMinute: 30,
		},
		Store: StoreConfig{
			Backend:            StoreMemory,
			BoltPath:           "vlm-chat.db",
			RedisURL:           "redis://localhost:6379/0",
			KeyPrefix:          "vlm:",
			SessionTTLSeconds:  86400,
			MaxHistoryMessages: 50,
		},
		Chat: ChatConfig{
			DeliveryMode:      DeliveryDirect,
			ContextMessages:   20,
			ProgressInterval:  50,
			GuardLeaseSeconds: 30,
		},
		Queue: QueueConfig{
			MaxRetries:        3,
			BaseDelayMS:       1000,
			MaxDelayMS:        30000,
			MaxLen:            10000,
			ClaimIdleSeconds:  60,
			WorkerConcurrency: 2,
		},
		LLM: LLMConfig{
			BaseURL:            "http://localhost:8000/v1",
			Model:              "default",
			TimeoutSeconds:     120,
			IdleTimeoutSeconds: 30,
			Temperature:        0.6,
			MaxTokens:          4096,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

type Env interface {
	Getenv(key string) string
}

type osEnv struct{}

func (osEnv) Getenv(key string) string { return os.Getenv(key) }

// LoadConfig reads the process environment. path, or CONFIG_FILE when path is
// empty, names an optional TOML file.
func LoadConfig(path string) (Config, error) {
	return Load(osEnv{}, path)
}

func LoadConfigFromEnv(env Env) (Config, error) {
	return Load(env, "")
}

func Load(env Env, path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = env.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	if err := applyEnv(env, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(env Env, cfg *Config) error {
	p := envParser{env: env}

	p.setInt("PORT", &cfg.Server.Port)
	p.setString("GIN_MODE", &cfg.Server.GinMode)
	p.setString("TLS_CERT_FILE", &cfg.Server.TLSCertFile)
	p.setString("TLS_KEY_FILE", &cfg.Server.TLSKeyFile)
	p.setString("AUTH_SECRET", &cfg.Server.AuthSecret)
	p.setInt("TOKEN_EXPIRY_SECONDS", &cfg.Server.TokenExpirySeconds)
	p.setInt("RATE_LIMIT_PER_MINUTE", &cfg.Server.RateLimitPerMinute)

	p.setString("STORE_BACKEND", &cfg.Store.Backend)
	p.setString("STORE_SNAPSHOT_FILE", &cfg.Store.SnapshotFile)
	p.setString("BOLT_PATH", &cfg.Store.BoltPath)
	p.setString("REDIS_URL", &cfg.Store.RedisURL)
	p.setString("KEY_PREFIX", &cfg.Store.KeyPrefix)
	p.setInt("SESSION_TTL_SECONDS", &cfg.Store.SessionTTLSeconds)
	p.setInt("MAX_HISTORY_MESSAGES", &cfg.Store.MaxHistoryMessages)

	p.setString("DELIVERY_MODE", &cfg.Chat.DeliveryMode)
	p.setInt("CONTEXT_MESSAGES", &cfg.Chat.ContextMessages)
	p.setString("SYSTEM_PROMPT", &cfg.Chat.SystemPrompt)
	p.setInt("PROGRESS_INTERVAL", &cfg.Chat.ProgressInterval)
	p.setInt("GUARD_LEASE_SECONDS", &cfg.Chat.GuardLeaseSeconds)
	p.setString("IMAGE_SEARCH_URL", &cfg.Chat.ImageSearchURL)

	p.setInt("QUEUE_MAX_RETRIES", &cfg.Queue.MaxRetries)
	p.setInt("QUEUE_BASE_DELAY_MS", &cfg.Queue.BaseDelayMS)
	p.setInt("QUEUE_MAX_DELAY_MS", &cfg.Queue.MaxDelayMS)
	p.setInt64("QUEUE_MAX_LEN", &cfg.Queue.MaxLen)
	p.setInt("QUEUE_CLAIM_IDLE_SECONDS", &cfg.Queue.ClaimIdleSeconds)
	p.setInt("WORKER_CONCURRENCY", &cfg.Queue.WorkerConcurrency)

	p.setString("LLM_BASE_URL", &cfg.LLM.BaseURL)
	p.setString("LLM_API_KEY", &cfg.LLM.APIKey)
	p.setString("LLM_MODEL", &cfg.LLM.Model)
	p.setInt("LLM_TIMEOUT_SECONDS", &cfg.LLM.TimeoutSeconds)
	p.setInt("LLM_IDLE_TIMEOUT_SECONDS", &cfg.LLM.IdleTimeoutSeconds)
	p.setFloat("LLM_TEMPERATURE", &cfg.LLM.Temperature)
	p.setInt("LLM_MAX_TOKENS", &cfg.LLM.MaxTokens)

	p.setString("LOG_LEVEL", &cfg.Log.Level)
	p.setString("LOG_FILE", &cfg.Log.File)
	p.setInt("LOG_MAX_SIZE_MB", &cfg.Log.MaxSizeMB)
	p.setInt("LOG_MAX_BACKUPS", &cfg.Log.MaxBackups)
	p.setInt("LOG_MAX_AGE_DAYS", &cfg.Log.MaxAgeDays)

	return errors.Join(p.errs...)
}

type envParser struct {
	env  Env
	errs []error
}

func (p *envParser) setString(key string, dst *string) {
	if raw := p.env.Getenv(key); raw != "" {
		*dst = raw
	}
}

func (p *envParser) setInt(key string, dst *int) {
	raw := strings.TrimSpace(p.env.Getenv(key))
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s", key))
		return
	}
	*dst = v
}

func (p *envParser) setInt64(key string, dst *int64) {
	raw := strings.TrimSpace(p.env.Getenv(key))
	if raw == "" {
		return
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s", key))
		return
	}
	*dst = v
}

func (p *envParser) setFloat(key string, dst *float64) {
	raw := strings.TrimSpace(p.env.Getenv(key))
	if raw == "" {
		return
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s", key))
		return
	}
	*dst = v
}

func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port <= 65535, "invalid PORT")
	check(c.Server.TokenExpirySeconds > 0, "invalid TOKEN_EXPIRY_SECONDS")
	check(c.Server.RateLimitPerMinute >= 0, "invalid RATE_LIMIT_PER_MINUTE")
	check((c.Server.TLSCertFile == "") == (c.Server.TLSKeyFile == ""), "TLS_CERT_FILE and TLS_KEY_FILE must be set together")

	switch c.Store.Backend {
	case StoreMemory:
	case StoreRedis:
		check(c.Store.RedisURL != "", "REDIS_URL is required for the redis store")
	case StoreBolt:
		check(c.Store.BoltPath != "", "BOLT_PATH is required for the bolt store")
	default:
		errs = append(errs, fmt.Errorf("invalid STORE_BACKEND %q", c.Store.Backend))
	}
	check(c.Store.SessionTTLSeconds > 0, "invalid SESSION_TTL_SECONDS")
	check(c.Store.MaxHistoryMessages > 0, "invalid MAX_HISTORY_MESSAGES")

	switch c.Chat.DeliveryMode {
	case DeliveryDirect:
	case DeliveryQueue:
		check(c.Store.Backend == StoreRedis || c.Store.Backend == StoreMemory,
			"DELIVERY_MODE=queue needs the redis store, or memory for a single process")
	default:
		errs = append(errs, fmt.Errorf("invalid DELIVERY_MODE %q", c.Chat.DeliveryMode))
	}
	check(c.Chat.ContextMessages > 0, "invalid CONTEXT_MESSAGES")
	check(c.Chat.ProgressInterval > 0, "invalid PROGRESS_INTERVAL")
	check(c.Chat.GuardLeaseSeconds > 0, "invalid GUARD_LEASE_SECONDS")

	check(c.Queue.MaxRetries > 0, "invalid QUEUE_MAX_RETRIES")
	check(c.Queue.BaseDelayMS > 0 && c.Queue.MaxDelayMS >= c.Queue.BaseDelayMS, "invalid QUEUE_BASE_DELAY_MS/QUEUE_MAX_DELAY_MS")
	check(c.Queue.MaxLen > 0, "invalid QUEUE_MAX_LEN")
	check(c.Queue.ClaimIdleSeconds > 0, "invalid QUEUE_CLAIM_IDLE_SECONDS")
	check(c.Queue.WorkerConcurrency > 0, "invalid WORKER_CONCURRENCY")

	check(c.LLM.BaseURL != "", "LLM_BASE_URL is required")
	check(c.LLM.TimeoutSeconds > 0, "invalid LLM_TIMEOUT_SECONDS")
	check(c.LLM.IdleTimeoutSeconds > 0, "invalid LLM_IDLE_TIMEOUT_SECONDS")
	check(c.LLM.Temperature >= 0 && c.LLM.Temperature <= 2, "invalid LLM_TEMPERATURE")
	check(c.LLM.MaxTokens > 0, "invalid LLM_MAX_TOKENS")

	return errors.Join(errs...)
}
