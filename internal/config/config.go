/**
 * @description
 * This package handles the configuration management for the refund-service.
 * It uses the Viper library to read configuration from environment variables
 * and an optional .env file, then normalizes the values into a Config.
 *
 * @dependencies
 * - github.com/spf13/viper: configuration loading.
 * - github.com/shopspring/decimal: whole-unit to minor-unit conversion.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/clearcause/refund-service/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the refund-service.
type Config struct {
	ServerPort               string `mapstructure:"SERVER_PORT"`
	DatabaseURL              string `mapstructure:"DATABASE_URL"`
	RedisURL                 string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix           string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL              string `mapstructure:"RABBITMQ_URL"`
	EventsExchange           string `mapstructure:"EVENTS_EXCHANGE"`
	MilestoneEventsExchange  string `mapstructure:"MILESTONE_EVENTS_EXCHANGE"`
	RefundEventQueue         string `mapstructure:"REFUND_EVENT_QUEUE"`
	NotificationTransport    string `mapstructure:"NOTIFICATION_TRANSPORT"`
	SQSQueueURL              string `mapstructure:"SQS_QUEUE_URL"`
	AWSRegion                string `mapstructure:"AWS_REGION"`
	PaymentProvider          string `mapstructure:"PAYMENT_PROVIDER"`
	PaymentGatewayBaseURL    string `mapstructure:"PAYMENT_GATEWAY_BASE_URL"`
	PaymentGatewayAPIKey     string `mapstructure:"PAYMENT_GATEWAY_API_KEY"`
	PayPalClientID           string `mapstructure:"PAYPAL_CLIENT_ID"`
	PayPalClientSecret       string `mapstructure:"PAYPAL_CLIENT_SECRET"`
	PayPalEnvironment        string `mapstructure:"PAYPAL_ENVIRONMENT"`
	Currency                 string `mapstructure:"CURRENCY"`
	AuthJWTSecret            string `mapstructure:"AUTH_JWT_SECRET"`
	InternalAPIKey           string `mapstructure:"INTERNAL_API_KEY"`
	CORSAllowedOrigins       string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	MinimumRefundAmountMinor int64  `mapstructure:"MINIMUM_REFUND_AMOUNT_MINOR"`
	DecisionWindowDays       int    `mapstructure:"DECISION_WINDOW_DAYS"`
	RedirectMinDaysRemaining int    `mapstructure:"REDIRECT_MIN_DAYS_REMAINING"`
	ProviderMaxAttempts      int    `mapstructure:"PROVIDER_MAX_ATTEMPTS"`
	ProviderRetryBaseDelayMS int    `mapstructure:"PROVIDER_RETRY_BASE_DELAY_MS"`
	SettlementConcurrency    int    `mapstructure:"SETTLEMENT_CONCURRENCY"`
	ImmediateSettlement      bool   `mapstructure:"IMMEDIATE_SETTLEMENT"`
	SweepBatchLimit          int    `mapstructure:"SWEEP_BATCH_LIMIT"`
	DecisionSubmitRateLimit  int    `mapstructure:"DECISION_SUBMIT_RATE_LIMIT_PER_MINUTE"`
	ConsumerPrefetch         int    `mapstructure:"CONSUMER_PREFETCH"`
}

// LoadConfig reads configuration from environment variables and an optional .env in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	defaults := domain.DefaultRefundPolicy()
	viper.SetDefault("SERVER_PORT", "8085")
	viper.SetDefault("REDIS_KEY_PREFIX", "clearcause:refunds")
	viper.SetDefault("EVENTS_EXCHANGE", "refund_events")
	viper.SetDefault("MILESTONE_EVENTS_EXCHANGE", "campaign_events")
	viper.SetDefault("REFUND_EVENT_QUEUE", "refund_service.campaign_events")
	viper.SetDefault("NOTIFICATION_TRANSPORT", "rabbitmq")
	viper.SetDefault("AWS_REGION", "ap-southeast-1")
	viper.SetDefault("PAYMENT_PROVIDER", "gateway")
	viper.SetDefault("PAYPAL_ENVIRONMENT", "sandbox")
	viper.SetDefault("CURRENCY", defaults.Currency)
	viper.SetDefault("MINIMUM_REFUND_AMOUNT_MINOR", defaults.MinimumRefundAmount)
	viper.SetDefault("DECISION_WINDOW_DAYS", 14)
	viper.SetDefault("REDIRECT_MIN_DAYS_REMAINING", defaults.RedirectMinDaysRemaining)
	viper.SetDefault("PROVIDER_MAX_ATTEMPTS", defaults.ProviderMaxAttempts)
	viper.SetDefault("PROVIDER_RETRY_BASE_DELAY_MS", int(defaults.ProviderRetryBaseDelay/time.Millisecond))
	viper.SetDefault("SETTLEMENT_CONCURRENCY", defaults.SettlementConcurrency)
	viper.SetDefault("IMMEDIATE_SETTLEMENT", defaults.ImmediateSettlement)
	viper.SetDefault("SWEEP_BATCH_LIMIT", defaults.SweepBatchLimit)
	viper.SetDefault("DECISION_SUBMIT_RATE_LIMIT_PER_MINUTE", 20)
	viper.SetDefault("CONSUMER_PREFETCH", 10)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "REFUND_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("MILESTONE_EVENTS_EXCHANGE")
	_ = viper.BindEnv("REFUND_EVENT_QUEUE")
	_ = viper.BindEnv("NOTIFICATION_TRANSPORT")
	_ = viper.BindEnv("SQS_QUEUE_URL")
	_ = viper.BindEnv("AWS_REGION")
	_ = viper.BindEnv("PAYMENT_PROVIDER")
	_ = viper.BindEnv("PAYMENT_GATEWAY_BASE_URL")
	_ = viper.BindEnv("PAYMENT_GATEWAY_API_KEY")
	_ = viper.BindEnv("PAYPAL_CLIENT_ID")
	_ = viper.BindEnv("PAYPAL_CLIENT_SECRET")
	_ = viper.BindEnv("PAYPAL_ENVIRONMENT")
	_ = viper.BindEnv("CURRENCY")
	_ = viper.BindEnv("AUTH_JWT_SECRET")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "REFUND_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("MINIMUM_REFUND_AMOUNT_MINOR")
	_ = viper.BindEnv("MINIMUM_REFUND_AMOUNT")
	_ = viper.BindEnv("DECISION_WINDOW_DAYS")
	_ = viper.BindEnv("REDIRECT_MIN_DAYS_REMAINING")
	_ = viper.BindEnv("PROVIDER_MAX_ATTEMPTS")
	_ = viper.BindEnv("PROVIDER_RETRY_BASE_DELAY_MS")
	_ = viper.BindEnv("SETTLEMENT_CONCURRENCY")
	_ = viper.BindEnv("IMMEDIATE_SETTLEMENT")
	_ = viper.BindEnv("SWEEP_BATCH_LIMIT")
	_ = viper.BindEnv("DECISION_SUBMIT_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("CONSUMER_PREFETCH")

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
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("REFUND_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisKeyPrefix = strings.TrimSpace(config.RedisKeyPrefix)
	if config.RedisKeyPrefix == "" {
		config.RedisKeyPrefix = "clearcause:refunds"
	}
	config.NotificationTransport = strings.ToLower(strings.TrimSpace(config.NotificationTransport))
	config.PaymentProvider = strings.ToLower(strings.TrimSpace(config.PaymentProvider))
	config.Currency = strings.ToUpper(strings.TrimSpace(config.Currency))
	if config.Currency == "" {
		config.Currency = defaults.Currency
	}

	// Allow the minimum refund in whole currency units via MINIMUM_REFUND_AMOUNT.
	if viper.IsSet("MINIMUM_REFUND_AMOUNT") {
		raw := strings.TrimSpace(viper.GetString("MINIMUM_REFUND_AMOUNT"))
		if raw != "" {
			value, parseErr := decimal.NewFromString(raw)
			if parseErr != nil {
				log.Printf("level=warn component=config msg=\"invalid MINIMUM_REFUND_AMOUNT\" value=%q err=%v", raw, parseErr)
			} else {
				config.MinimumRefundAmountMinor = value.Shift(2).Round(0).IntPart()
			}
		}
	}
	if config.MinimumRefundAmountMinor < 0 {
		log.Printf("level=warn component=config msg=\"negative minimum refund configured; coercing to zero\" minimum_minor=%d", config.MinimumRefundAmountMinor)
		config.MinimumRefundAmountMinor = 0
	}

	if config.DecisionWindowDays <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive decision window; using default\" days=%d", config.DecisionWindowDays)
		config.DecisionWindowDays = 14
	}
	if config.ProviderMaxAttempts <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive provider attempts; using default\" attempts=%d", config.ProviderMaxAttempts)
		config.ProviderMaxAttempts = defaults.ProviderMaxAttempts
	}
	if config.ProviderRetryBaseDelayMS <= 0 {
		config.ProviderRetryBaseDelayMS = int(defaults.ProviderRetryBaseDelay / time.Millisecond)
	}
	if config.SettlementConcurrency <= 0 {
		config.SettlementConcurrency = 1
	}
	if config.SweepBatchLimit <= 0 {
		config.SweepBatchLimit = defaults.SweepBatchLimit
	}

	return config, nil
}

// Policy assembles the refund workflow policy from the loaded configuration.
func (c Config) Policy() domain.RefundPolicy {
	return domain.RefundPolicy{
		MinimumRefundAmount:      c.MinimumRefundAmountMinor,
		DecisionWindow:           time.Duration(c.DecisionWindowDays) * 24 * time.Hour,
		RedirectMinDaysRemaining: c.RedirectMinDaysRemaining,
		ProviderMaxAttempts:      c.ProviderMaxAttempts,
		ProviderRetryBaseDelay:   time.Duration(c.ProviderRetryBaseDelayMS) * time.Millisecond,
		SettlementConcurrency:    c.SettlementConcurrency,
		ImmediateSettlement:      c.ImmediateSettlement,
		SweepBatchLimit:          c.SweepBatchLimit,
		Currency:                 c.Currency,
	}
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
