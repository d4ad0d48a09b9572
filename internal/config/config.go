/**
 * @description
 * Configuration management for the trust-group service. Values come from environment
 * variables, optionally from a `.env` file in the given path, via Viper.
 *
 * @dependencies
 * - github.com/spf13/viper: configuration loading and env binding.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultServerPort            = "8080"
	defaultRateLimitPrefix       = "trustgroup:pin_attempts"
	defaultEventExchange         = "trustgroup.events"
	defaultDisbursementExchange  = "trustgroup.events"
	defaultDisbursementQueue     = "trustgroup_service.disbursement_updates"
	defaultStoreTimeoutSeconds   = 5
	defaultPINMaxAttempts        = 3
	defaultPINLockoutSeconds     = 900
	defaultPINRateLimitPerMinute = 10
	defaultApprovalThreshold     = 60
	defaultVotingWindowHours     = 168
	defaultChainVerifySchedule   = "@every 15m"
	defaultExpirySchedule        = "@every 10m"
	defaultOutboxPollIntervalMs  = 1200
)

// Config holds all the configuration variables for the trust-group service.
type Config struct {
	ServerPort             string `mapstructure:"SERVER_PORT"`
	StoreDriver            string `mapstructure:"STORE_DRIVER"`
	DatabaseURL            string `mapstructure:"DATABASE_URL"`
	RedisURL               string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix   string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL            string `mapstructure:"RABBITMQ_URL"`
	EventExchange          string `mapstructure:"EVENT_EXCHANGE"`
	DisbursementExchange   string `mapstructure:"DISBURSEMENT_EVENT_EXCHANGE"`
	DisbursementEventQueue string `mapstructure:"DISBURSEMENT_EVENT_QUEUE"`
	JWKSURL                string `mapstructure:"JWKS_URL"`
	JWTAudience            string `mapstructure:"JWT_AUDIENCE"`
	JWTIssuer              string `mapstructure:"JWT_ISSUER"`
	InternalAPIKey         string `mapstructure:"INTERNAL_API_KEY"`
	CORSAllowedOrigins     string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	LogFormat              string `mapstructure:"LOG_FORMAT"`
	LogLevel               string `mapstructure:"LOG_LEVEL"`

	StoreTimeoutSeconds      int    `mapstructure:"STORE_TIMEOUT_SECONDS"`
	PINMaxAttempts           int    `mapstructure:"PIN_MAX_ATTEMPTS"`
	PINLockoutSeconds        int    `mapstructure:"PIN_LOCKOUT_SECONDS"`
	PINRateLimitPerMinute    int    `mapstructure:"PIN_RATE_LIMIT_PER_MINUTE"`
	DefaultApprovalThreshold int    `mapstructure:"DEFAULT_APPROVAL_THRESHOLD"`
	VotingWindowHours        int    `mapstructure:"VOTING_WINDOW_HOURS"`
	ChainVerifySchedule      string `mapstructure:"CHAIN_VERIFY_SCHEDULE"`
	ProposalExpirySchedule   string `mapstructure:"PROPOSAL_EXPIRY_SCHEDULE"`
	OutboxPollIntervalMs     int    `mapstructure:"OUTBOX_POLL_INTERVAL_MS"`
}

// LoadConfig reads configuration from environment variables and an optional `.env` file in
// path. Out-of-range values are logged and replaced by their defaults.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", defaultServerPort)
	viper.SetDefault("STORE_DRIVER", "postgres")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("EVENT_EXCHANGE", defaultEventExchange)
	viper.SetDefault("DISBURSEMENT_EVENT_EXCHANGE", defaultDisbursementExchange)
	viper.SetDefault("DISBURSEMENT_EVENT_QUEUE", defaultDisbursementQueue)
	viper.SetDefault("LOG_FORMAT", "json")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("STORE_TIMEOUT_SECONDS", defaultStoreTimeoutSeconds)
	viper.SetDefault("PIN_MAX_ATTEMPTS", defaultPINMaxAttempts)
	viper.SetDefault("PIN_LOCKOUT_SECONDS", defaultPINLockoutSeconds)
	viper.SetDefault("PIN_RATE_LIMIT_PER_MINUTE", defaultPINRateLimitPerMinute)
	viper.SetDefault("DEFAULT_APPROVAL_THRESHOLD", defaultApprovalThreshold)
	viper.SetDefault("VOTING_WINDOW_HOURS", defaultVotingWindowHours)
	viper.SetDefault("CHAIN_VERIFY_SCHEDULE", defaultChainVerifySchedule)
	viper.SetDefault("PROPOSAL_EXPIRY_SCHEDULE", defaultExpirySchedule)
	viper.SetDefault("OUTBOX_POLL_INTERVAL_MS", defaultOutboxPollIntervalMs)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("STORE_DRIVER")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "TRUSTGROUP_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("DISBURSEMENT_EVENT_EXCHANGE")
	_ = viper.BindEnv("DISBURSEMENT_EVENT_QUEUE")
	_ = viper.BindEnv("JWKS_URL", "JWKS_URL", "CLERK_JWKS_URL")
	_ = viper.BindEnv("JWT_AUDIENCE")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "TRUSTGROUP_INTERNAL_API_KEY")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("LOG_FORMAT")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("STORE_TIMEOUT_SECONDS")
	_ = viper.BindEnv("PIN_MAX_ATTEMPTS")
	_ = viper.BindEnv("PIN_LOCKOUT_SECONDS")
	_ = viper.BindEnv("PIN_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("DEFAULT_APPROVAL_THRESHOLD")
	_ = viper.BindEnv("VOTING_WINDOW_HOURS")
	_ = viper.BindEnv("CHAIN_VERIFY_SCHEDULE")
	_ = viper.BindEnv("PROPOSAL_EXPIRY_SCHEDULE")
	_ = viper.BindEnv("OUTBOX_POLL_INTERVAL_MS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("TRUSTGROUP_INTERNAL_API_KEY"))
	}
	config.normalize()
	return
}

func (c *Config) normalize() {
	c.ServerPort = strings.TrimSpace(c.ServerPort)
	if c.ServerPort == "" {
		c.ServerPort = defaultServerPort
	}
	c.InternalAPIKey = strings.TrimSpace(c.InternalAPIKey)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RedisRateLimitPrefix = strings.TrimSpace(c.RedisRateLimitPrefix)
	if c.RedisRateLimitPrefix == "" {
		c.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	c.EventExchange = strings.TrimSpace(c.EventExchange)
	if c.EventExchange == "" {
		c.EventExchange = defaultEventExchange
	}
	c.DisbursementExchange = strings.TrimSpace(c.DisbursementExchange)
	if c.DisbursementExchange == "" {
		c.DisbursementExchange = defaultDisbursementExchange
	}
	c.DisbursementEventQueue = strings.TrimSpace(c.DisbursementEventQueue)
	if c.DisbursementEventQueue == "" {
		c.DisbursementEventQueue = defaultDisbursementQueue
	}

	c.StoreDriver = strings.ToLower(strings.TrimSpace(c.StoreDriver))
	switch c.StoreDriver {
	case "postgres", "memory":
	default:
		log.Printf("level=warn component=config msg=\"unknown store driver; using postgres\" store_driver=%q", c.StoreDriver)
		c.StoreDriver = "postgres"
	}

	c.StoreTimeoutSeconds = positiveOrDefault("STORE_TIMEOUT_SECONDS", c.StoreTimeoutSeconds, defaultStoreTimeoutSeconds)
	c.PINMaxAttempts = positiveOrDefault("PIN_MAX_ATTEMPTS", c.PINMaxAttempts, defaultPINMaxAttempts)
	c.PINLockoutSeconds = positiveOrDefault("PIN_LOCKOUT_SECONDS", c.PINLockoutSeconds, defaultPINLockoutSeconds)
	c.VotingWindowHours = positiveOrDefault("VOTING_WINDOW_HOURS", c.VotingWindowHours, defaultVotingWindowHours)
	c.OutboxPollIntervalMs = positiveOrDefault("OUTBOX_POLL_INTERVAL_MS", c.OutboxPollIntervalMs, defaultOutboxPollIntervalMs)

	// Zero disables the PIN rate limit.
	if c.PINRateLimitPerMinute < 0 {
		log.Printf("level=warn component=config msg=\"negative PIN_RATE_LIMIT_PER_MINUTE; using default\" value=%d", c.PINRateLimitPerMinute)
		c.PINRateLimitPerMinute = defaultPINRateLimitPerMinute
	}
	if c.DefaultApprovalThreshold < 1 || c.DefaultApprovalThreshold > 100 {
		log.Printf("level=warn component=config msg=\"DEFAULT_APPROVAL_THRESHOLD out of range; using default\" value=%d", c.DefaultApprovalThreshold)
		c.DefaultApprovalThreshold = defaultApprovalThreshold
	}

	if strings.TrimSpace(c.ChainVerifySchedule) == "" {
		c.ChainVerifySchedule = defaultChainVerifySchedule
	}
	if strings.TrimSpace(c.ProposalExpirySchedule) == "" {
		c.ProposalExpirySchedule = defaultExpirySchedule
	}
}

func positiveOrDefault(key string, value, fallback int) int {
	if value > 0 {
		return value
	}
	log.Printf("level=warn component=config msg=\"invalid %s; using default\" value=%d default=%d", key, value, fallback)
	return fallback
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas. An empty list allows every origin.
func (c Config) AllowedOrigins() []string {
	origins := make([]string, 0)
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

func (c Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutSeconds) * time.Second
}

func (c Config) PINLockout() time.Duration {
	return time.Duration(c.PINLockoutSeconds) * time.Second
}

func (c Config) VotingWindow() time.Duration {
	return time.Duration(c.VotingWindowHours) * time.Hour
}

func (c Config) OutboxPollInterval() time.Duration {
	return time.Duration(c.OutboxPollIntervalMs) * time.Millisecond
}
