/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the payout-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	EventExchange        string `mapstructure:"EVENT_EXCHANGE"`
	AccountEventQueue    string `mapstructure:"ACCOUNT_EVENT_QUEUE"`
	JWTSecret            string `mapstructure:"JWT_SECRET"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`

	MinWithdrawalCoins         int64 `mapstructure:"MIN_WITHDRAWAL_COINS"`
	ReferralBonusCoins         int64 `mapstructure:"REFERRAL_BONUS_COINS"`
	MaxDispatchAttempts        int   `mapstructure:"MAX_DISPATCH_ATTEMPTS"`
	DispatchBaseBackoffSeconds int   `mapstructure:"DISPATCH_BASE_BACKOFF_SECONDS"`
	DispatchBackoffCapSeconds  int   `mapstructure:"DISPATCH_BACKOFF_CAP_SECONDS"`
	DispatchTimeoutSeconds     int   `mapstructure:"DISPATCH_TIMEOUT_SECONDS"`

	MpesaBaseURL        string `mapstructure:"MPESA_BASE_URL"`
	MpesaConsumerKey    string `mapstructure:"MPESA_CONSUMER_KEY"`
	MpesaConsumerSecret string `mapstructure:"MPESA_CONSUMER_SECRET"`
	MpesaShortcode      string `mapstructure:"MPESA_SHORTCODE"`
	MpesaPasskey        string `mapstructure:"MPESA_PASSKEY"`
	MpesaCallbackSecret string `mapstructure:"MPESA_CALLBACK_SECRET"`

	WalletBaseURL        string `mapstructure:"WALLET_BASE_URL"`
	WalletAPIKey         string `mapstructure:"WALLET_API_KEY"`
	WalletCallbackSecret string `mapstructure:"WALLET_CALLBACK_SECRET"`

	ResetSchedule      string `mapstructure:"RESET_SCHEDULE"`
	SweepSchedule      string `mapstructure:"SWEEP_SCHEDULE"`
	RedispatchSchedule string `mapstructure:"REDISPATCH_SCHEDULE"`
	SweepBatchSize     int    `mapstructure:"SWEEP_BATCH_SIZE"`

	CallbackRateLimitPerMinute int `mapstructure:"CALLBACK_RATE_LIMIT_PER_MINUTE"`
}

// DispatchBaseBackoff returns the base backoff as a duration.
func (c Config) DispatchBaseBackoff() time.Duration {
	return time.Duration(c.DispatchBaseBackoffSeconds) * time.Second
}

// DispatchBackoffCap returns the backoff cap as a duration.
func (c Config) DispatchBackoffCap() time.Duration {
	return time.Duration(c.DispatchBackoffCapSeconds) * time.Second
}

// DispatchTimeout returns the per-attempt gateway timeout as a duration.
func (c Config) DispatchTimeout() time.Duration {
	return time.Duration(c.DispatchTimeoutSeconds) * time.Second
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("EVENT_EXCHANGE", "watchearn.events")
	viper.SetDefault("ACCOUNT_EVENT_QUEUE", "payout_service.account_events")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "watchearn:rate_limit")
	viper.SetDefault("MIN_WITHDRAWAL_COINS", 1000)
	viper.SetDefault("REFERRAL_BONUS_COINS", 50)
	viper.SetDefault("MAX_DISPATCH_ATTEMPTS", 5)
	viper.SetDefault("DISPATCH_BASE_BACKOFF_SECONDS", 30)
	viper.SetDefault("DISPATCH_BACKOFF_CAP_SECONDS", 900)
	viper.SetDefault("DISPATCH_TIMEOUT_SECONDS", 30)
	viper.SetDefault("RESET_SCHEDULE", "0 0 * * *")
	viper.SetDefault("SWEEP_SCHEDULE", "@hourly")
	viper.SetDefault("REDISPATCH_SCHEDULE", "* * * * *")
	viper.SetDefault("SWEEP_BATCH_SIZE", 200)
	viper.SetDefault("CALLBACK_RATE_LIMIT_PER_MINUTE", 120)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "PAYOUT_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENT_EXCHANGE")
	_ = viper.BindEnv("ACCOUNT_EVENT_QUEUE")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "PAYOUT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("MIN_WITHDRAWAL_COINS")
	_ = viper.BindEnv("REFERRAL_BONUS_COINS")
	_ = viper.BindEnv("MAX_DISPATCH_ATTEMPTS")
	_ = viper.BindEnv("DISPATCH_BASE_BACKOFF_SECONDS")
	_ = viper.BindEnv("DISPATCH_BACKOFF_CAP_SECONDS")
	_ = viper.BindEnv("DISPATCH_TIMEOUT_SECONDS")
	_ = viper.BindEnv("MPESA_BASE_URL")
	_ = viper.BindEnv("MPESA_CONSUMER_KEY")
	_ = viper.BindEnv("MPESA_CONSUMER_SECRET")
	_ = viper.BindEnv("MPESA_SHORTCODE")
	_ = viper.BindEnv("MPESA_PASSKEY")
	_ = viper.BindEnv("MPESA_CALLBACK_SECRET")
	_ = viper.BindEnv("WALLET_BASE_URL")
	_ = viper.BindEnv("WALLET_API_KEY")
	_ = viper.BindEnv("WALLET_CALLBACK_SECRET")
	_ = viper.BindEnv("RESET_SCHEDULE")
	_ = viper.BindEnv("SWEEP_SCHEDULE")
	_ = viper.BindEnv("REDISPATCH_SCHEDULE")
	_ = viper.BindEnv("SWEEP_BATCH_SIZE")
	_ = viper.BindEnv("CALLBACK_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("PAYOUT_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "watchearn:rate_limit"
	}

	if config.MinWithdrawalCoins <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive withdrawal minimum configured; using default\" value=%d", config.MinWithdrawalCoins)
		config.MinWithdrawalCoins = 1000
	}
	if config.ReferralBonusCoins < 0 {
		log.Printf("level=warn component=config msg=\"negative referral bonus configured; coercing to zero\" value=%d", config.ReferralBonusCoins)
		config.ReferralBonusCoins = 0
	}
	if config.MaxDispatchAttempts <= 0 {
		config.MaxDispatchAttempts = 5
	}
	if config.DispatchBaseBackoffSeconds <= 0 {
		config.DispatchBaseBackoffSeconds = 30
	}
	if config.DispatchBackoffCapSeconds < config.DispatchBaseBackoffSeconds {
		config.DispatchBackoffCapSeconds = config.DispatchBaseBackoffSeconds
	}
	if config.DispatchTimeoutSeconds <= 0 {
		config.DispatchTimeoutSeconds = 30
	}
	if config.SweepBatchSize <= 0 {
		config.SweepBatchSize = 200
	}
	if config.CallbackRateLimitPerMinute <= 0 {
		config.CallbackRateLimitPerMinute = 120
	}

	return
}
