/**
 * @description
 * Configuration for the billing service. Values come from the environment, optionally seeded
 * from a .env file in the given directory, and are normalised after unmarshalling.
 *
 * @dependencies
 * - github.com/spf13/viper: environment binding and the optional .env file.
 */

package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const (
	ProcessorDummy  = "dummy"
	ProcessorStripe = "stripe"
)

// Config holds every setting of the billing service.
type Config struct {
	ServerPort                     string `mapstructure:"SERVER_PORT"`
	DatabaseURL                    string `mapstructure:"DATABASE_URL"`
	DatabaseMaxConns               int32  `mapstructure:"DATABASE_MAX_CONNS"`
	RabbitMQURL                    string `mapstructure:"RABBITMQ_URL"`
	BillingEventsExchange          string `mapstructure:"BILLING_EVENTS_EXCHANGE"`
	ProcessorCallbackQueue         string `mapstructure:"PROCESSOR_CALLBACK_QUEUE"`
	RedisURL                       string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix                 string `mapstructure:"REDIS_KEY_PREFIX"`
	InternalAPIKey                 string `mapstructure:"INTERNAL_API_KEY"`
	JWTSecret                      string `mapstructure:"JWT_SECRET"`
	PublicBaseURL                  string `mapstructure:"PUBLIC_BASE_URL"`
	Processor                      string `mapstructure:"PROCESSOR"`
	StripeWebhookSecret            string `mapstructure:"STRIPE_WEBHOOK_SECRET"`
	MaxRetryCount                  int    `mapstructure:"MAX_RETRY_COUNT"`
	ProcessorTimeoutSeconds        int    `mapstructure:"PROCESSOR_TIMEOUT_SECONDS"`
	BreakerMaxRequests             uint32 `mapstructure:"BREAKER_MAX_REQUESTS"`
	BreakerIntervalSeconds         int    `mapstructure:"BREAKER_INTERVAL_SECONDS"`
	BreakerTimeoutSeconds          int    `mapstructure:"BREAKER_TIMEOUT_SECONDS"`
	BreakerFailureThreshold        uint32 `mapstructure:"BREAKER_FAILURE_THRESHOLD"`
	YieldInvoicesJobSchedule       string `mapstructure:"YIELD_INVOICES_JOB_SCHEDULE"`
	ProcessTransactionsJobSchedule string `mapstructure:"PROCESS_TRANSACTIONS_JOB_SCHEDULE"`
	JobLeaseSeconds                int    `mapstructure:"JOB_LEASE_SECONDS"`
	CallbackRateLimitPerMinute     int    `mapstructure:"CALLBACK_RATE_LIMIT_PER_MINUTE"`
}

// ProcessorTimeout bounds a single processor call.
func (c Config) ProcessorTimeout() time.Duration {
	return time.Duration(c.ProcessorTimeoutSeconds) * time.Second
}

// JobLease is how long a scheduled job may hold its Redis lease.
func (c Config) JobLease() time.Duration {
	return time.Duration(c.JobLeaseSeconds) * time.Second
}

// LoadConfig reads the configuration from the environment and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("DATABASE_MAX_CONNS", 10)
	viper.SetDefault("BILLING_EVENTS_EXCHANGE", "billing.events")
	viper.SetDefault("PROCESSOR_CALLBACK_QUEUE", "billing_service.processor_callbacks")
	viper.SetDefault("REDIS_KEY_PREFIX", "billing")
	viper.SetDefault("PUBLIC_BASE_URL", "http://localhost:8080")
	viper.SetDefault("PROCESSOR", ProcessorDummy)
	viper.SetDefault("MAX_RETRY_COUNT", 3)
	viper.SetDefault("PROCESSOR_TIMEOUT_SECONDS", 30)
	viper.SetDefault("BREAKER_MAX_REQUESTS", 3)
	viper.SetDefault("BREAKER_INTERVAL_SECONDS", 60)
	viper.SetDefault("BREAKER_TIMEOUT_SECONDS", 30)
	viper.SetDefault("BREAKER_FAILURE_THRESHOLD", 5)
	viper.SetDefault("YIELD_INVOICES_JOB_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("PROCESS_TRANSACTIONS_JOB_SCHEDULE", "*/1 * * * *")
	viper.SetDefault("JOB_LEASE_SECONDS", 240)
	viper.SetDefault("CALLBACK_RATE_LIMIT_PER_MINUTE", 600)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL", "DATABASE_URL", "BILLING_DATABASE_URL")
	_ = viper.BindEnv("DATABASE_MAX_CONNS")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("BILLING_EVENTS_EXCHANGE")
	_ = viper.BindEnv("PROCESSOR_CALLBACK_QUEUE")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "BILLING_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "BILLING_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("PUBLIC_BASE_URL")
	_ = viper.BindEnv("PROCESSOR")
	_ = viper.BindEnv("STRIPE_WEBHOOK_SECRET")
	_ = viper.BindEnv("MAX_RETRY_COUNT")
	_ = viper.BindEnv("PROCESSOR_TIMEOUT_SECONDS")
	_ = viper.BindEnv("BREAKER_MAX_REQUESTS")
	_ = viper.BindEnv("BREAKER_INTERVAL_SECONDS")
	_ = viper.BindEnv("BREAKER_TIMEOUT_SECONDS")
	_ = viper.BindEnv("BREAKER_FAILURE_THRESHOLD")
	_ = viper.BindEnv("YIELD_INVOICES_JOB_SCHEDULE")
	_ = viper.BindEnv("PROCESS_TRANSACTIONS_JOB_SCHEDULE")
	_ = viper.BindEnv("JOB_LEASE_SECONDS")
	_ = viper.BindEnv("CALLBACK_RATE_LIMIT_PER_MINUTE")

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
	config.DatabaseURL = strings.TrimSpace(config.DatabaseURL)
	config.RabbitMQURL = strings.TrimSpace(config.RabbitMQURL)
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.InternalAPIKey = strings.TrimSpace(config.InternalAPIKey)
	config.JWTSecret = strings.TrimSpace(config.JWTSecret)
	config.PublicBaseURL = strings.TrimSuffix(strings.TrimSpace(config.PublicBaseURL), "/")
	config.Processor = strings.ToLower(strings.TrimSpace(config.Processor))

	if config.DatabaseURL == "" {
		return config, errors.New("DATABASE_URL is required")
	}
	if config.JWTSecret == "" {
		return config, errors.New("JWT_SECRET is required")
	}
	switch config.Processor {
	case ProcessorDummy, ProcessorStripe:
	default:
		return config, fmt.Errorf("PROCESSOR must be %q or %q, got %q", ProcessorDummy, ProcessorStripe, config.Processor)
	}

	if config.MaxRetryCount < 0 {
		log.Printf("level=warn component=config msg=\"MAX_RETRY_COUNT is negative; using 0\" value=%d", config.MaxRetryCount)
		config.MaxRetryCount = 0
	}
	if config.ProcessorTimeoutSeconds <= 0 {
		log.Printf("level=warn component=config msg=\"PROCESSOR_TIMEOUT_SECONDS must be positive; using 30\" value=%d", config.ProcessorTimeoutSeconds)
		config.ProcessorTimeoutSeconds = 30
	}
	if config.BreakerFailureThreshold == 0 {
		log.Printf("level=warn component=config msg=\"BREAKER_FAILURE_THRESHOLD must be positive; using 5\"")
		config.BreakerFailureThreshold = 5
	}
	if config.JobLeaseSeconds <= 0 {
		log.Printf("level=warn component=config msg=\"JOB_LEASE_SECONDS must be positive; using 240\" value=%d", config.JobLeaseSeconds)
		config.JobLeaseSeconds = 240
	}
	if config.CallbackRateLimitPerMinute < 0 {
		config.CallbackRateLimitPerMinute = 0
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for key, spec := range map[string]*string{
		"YIELD_INVOICES_JOB_SCHEDULE":       &config.YieldInvoicesJobSchedule,
		"PROCESS_TRANSACTIONS_JOB_SCHEDULE": &config.ProcessTransactionsJobSchedule,
	} {
		*spec = strings.TrimSpace(*spec)
		if *spec == "" {
			continue
		}
		if _, parseErr := parser.Parse(*spec); parseErr != nil {
			return config, fmt.Errorf("invalid %s %q: %w", key, *spec, parseErr)
		}
	}

	return config, nil
}
