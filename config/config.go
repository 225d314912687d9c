package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string `yaml:"environment"`
	// Profile namespaces the persisted session so several accounts can share
	// one token store.
	Profile string `yaml:"profile"`

	// Backend services
	UserServiceURL    string `yaml:"user_service_url"`
	BookingServiceURL string `yaml:"booking_service_url"`
	PaymentServiceURL string `yaml:"payment_service_url"`

	// Timeout configuration
	HTTPTimeout    time.Duration `yaml:"http_timeout"`
	ReserveTimeout time.Duration `yaml:"reserve_timeout"`
	RefreshTimeout time.Duration `yaml:"refresh_timeout"`
	// ClockSkew is subtracted from a booking's expired_at before the local
	// deadline fires.
	ClockSkew time.Duration `yaml:"clock_skew"`

	// Circuit breaker
	BreakerMinRequests  int           `yaml:"breaker_min_requests"`
	BreakerFailureRatio float64       `yaml:"breaker_failure_ratio"`
	BreakerOpenTimeout  time.Duration `yaml:"breaker_open_timeout"`

	// Settlement: poll, pubnub or webhook
	SettlementSource       string        `yaml:"settlement_source"`
	SettlementPollInterval time.Duration `yaml:"settlement_poll_interval"`

	// Token persistence: file or redis
	TokenStore      string `yaml:"token_store"`
	TokenFile       string `yaml:"token_file"`
	TokenAgeKeyFile string `yaml:"token_age_key_file"`

	// Redis configuration
	RedisURL      string `yaml:"redis_url"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// PubNub configuration
	PubNubSubscribeKey  string `yaml:"pubnub_subscribe_key"`
	PubNubUUID          string `yaml:"pubnub_uuid"`
	PubNubChannelPrefix string `yaml:"pubnub_channel_prefix"`
	PubNubCipherKey     string `yaml:"pubnub_cipher_key"`

	// Webhook receiver
	WebhookAddr      string        `yaml:"webhook_addr"`
	WebhookSecret    string        `yaml:"webhook_secret"`
	WebhookReplayTTL time.Duration `yaml:"webhook_replay_ttl"`
	// WebhookRateLimit caps deliveries per source IP per minute.
	WebhookRateLimit int           `yaml:"webhook_rate_limit"`

	// Monitoring
	EnableMetrics bool   `yaml:"enable_metrics"`
	MetricsPort   string `yaml:"metrics_port"`
}

// LoadConfig reads configuration from the environment. A .env file in the
// working directory is loaded first when present; variables already set win.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Profile:     getEnv("PROFILE", "default"),

		// Services
		UserServiceURL:    getEnv("USER_SERVICE_URL", getEnv("NEXT_PUBLIC_USER_SERVICE_URL", "http://localhost:3001")),
		BookingServiceURL: getEnv("BOOKING_SERVICE_URL", getEnv("NEXT_PUBLIC_BOOKING_SERVICE_URL", "http://localhost:3002")),
		PaymentServiceURL: getEnv("PAYMENT_SERVICE_URL", getEnv("NEXT_PUBLIC_PAYMENT_SERVICE_URL", "http://localhost:3003")),

		// Timeouts
		HTTPTimeout:    getEnvAsDuration("HTTP_TIMEOUT", "10s"),
		ReserveTimeout: getEnvAsDuration("RESERVE_TIMEOUT", "30s"),
		RefreshTimeout: getEnvAsDuration("REFRESH_TIMEOUT", "10s"),
		ClockSkew:      getEnvAsDuration("CLOCK_SKEW", "5s"),

		// Circuit breaker
		BreakerMinRequests:  getEnvAsInt("BREAKER_MIN_REQUESTS", 10),
		BreakerFailureRatio: getEnvAsFloat("BREAKER_FAILURE_RATIO", 0.6),
		BreakerOpenTimeout:  getEnvAsDuration("BREAKER_OPEN_TIMEOUT", "30s"),

		// Settlement
		SettlementSource:       getEnv("SETTLEMENT_SOURCE", "poll"),
		SettlementPollInterval: getEnvAsDuration("SETTLEMENT_POLL_INTERVAL", "3s"),

		// Token store
		TokenStore:      getEnv("TOKEN_STORE", "file"),
		TokenFile:       getEnv("TOKEN_FILE", defaultTokenFile()),
		TokenAgeKeyFile: getEnv("TOKEN_AGE_KEY_FILE", ""),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// PubNub
		PubNubSubscribeKey:  getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubUUID:          getEnv("PUBNUB_UUID", "ticket-client"),
		PubNubChannelPrefix: getEnv("PUBNUB_CHANNEL_PREFIX", "payment"),
		PubNubCipherKey:     getEnv("PUBNUB_CIPHER_KEY", ""),

		// Webhook
		WebhookAddr:      getEnv("WEBHOOK_ADDR", ":8095"),
		WebhookSecret:    getEnv("WEBHOOK_SECRET", ""),
		WebhookReplayTTL: getEnvAsDuration("WEBHOOK_REPLAY_TTL", "24h"),
		WebhookRateLimit: getEnvAsInt("WEBHOOK_RATE_LIMIT", 120),

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", false),
		MetricsPort:   getEnv("METRICS_PORT", "9090"),
	}
}

// LoadFile overlays the YAML file at path onto cfg. Keys missing from the
// file keep their current values.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) Validate() error {
	for name, url := range map[string]string{
		"user_service_url":    c.UserServiceURL,
		"booking_service_url": c.BookingServiceURL,
		"payment_service_url": c.PaymentServiceURL,
	} {
		if url == "" {
			return fmt.Errorf("config: %s is required", name)
		}
	}

	switch c.SettlementSource {
	case "poll", "webhook":
	case "pubnub":
		if c.PubNubSubscribeKey == "" {
			return fmt.Errorf("config: pubnub settlement needs pubnub_subscribe_key")
		}
	default:
		return fmt.Errorf("config: unknown settlement_source %q", c.SettlementSource)
	}

	switch c.TokenStore {
	case "file", "redis":
	default:
		return fmt.Errorf("config: unknown token_store %q", c.TokenStore)
	}

	if c.ClockSkew < 0 {
		return fmt.Errorf("config: clock_skew must not be negative")
	}
	return nil
}

func defaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".ticket-client-session.json"
	}
	return dir + "/ticket-client/session.json"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}
