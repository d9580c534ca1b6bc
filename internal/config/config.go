package config

import (
	"time"

	"github.com/campusride/service-booking/pkg/config"
)

// QuoteConfig holds Quote Engine settings.
type QuoteConfig struct {
	BaseURL  string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// PaymentConfig holds Payment Authorizer settings.
type PaymentConfig struct {
	BaseURL       string
	APIKey        string
	Timeout       time.Duration
	WebhookSecret string
}

// SagaConfig tunes the booking saga.
type SagaConfig struct {
	HoldTTL       time.Duration
	SweepInterval time.Duration
	SweepBatch    int
	Currency      string
}

// ServiceConfig holds all configuration for the booking service.
type ServiceConfig struct {
	Port          string
	AppEnv        string
	DBConfig      config.DatabaseConfig
	JWTConfig     config.JWTConfig
	KafkaConfig   config.KafkaConfig
	RedisConfig   config.RedisConfig
	QuoteConfig   QuoteConfig
	PaymentConfig PaymentConfig
	SagaConfig    SagaConfig
}

// Load reads configuration from environment variables.
func Load() (*ServiceConfig, error) {
	v, err := config.Load("BOOKING")
	if err != nil {
		return nil, err
	}

	v.SetDefault("DB_NAME", "campusride_booking")
	v.SetDefault("QUOTE_BASE_URL", "http://localhost:8090")
	v.SetDefault("PAYMENT_BASE_URL", "http://localhost:8091")
	v.SetDefault("SAGA_SWEEP_BATCH", 100)
	v.SetDefault("SAGA_CURRENCY", "USD")

	return &ServiceConfig{
		Port:        config.GetServicePort(v, "SERVICE_PORT"),
		AppEnv:      config.GetAppEnv(v),
		DBConfig:    config.LoadDatabaseConfig(v, "DB_NAME"),
		JWTConfig:   config.LoadJWTConfig(v),
		KafkaConfig: config.LoadKafkaConfig(v),
		RedisConfig: config.LoadRedisConfig(v),
		QuoteConfig: QuoteConfig{
			BaseURL:  v.GetString("QUOTE_BASE_URL"),
			Timeout:  config.GetDuration(v, "QUOTE_TIMEOUT", 2*time.Second),
			CacheTTL: config.GetDuration(v, "QUOTE_CACHE_TTL", time.Minute),
		},
		PaymentConfig: PaymentConfig{
			BaseURL:       v.GetString("PAYMENT_BASE_URL"),
			APIKey:        v.GetString("PAYMENT_API_KEY"),
			Timeout:       config.GetDuration(v, "PAYMENT_TIMEOUT", 5*time.Second),
			WebhookSecret: v.GetString("PAYMENT_WEBHOOK_SECRET"),
		},
		SagaConfig: SagaConfig{
			HoldTTL:       config.GetDuration(v, "HOLD_TTL", 15*time.Minute),
			SweepInterval: config.GetDuration(v, "SWEEP_INTERVAL", time.Minute),
			SweepBatch:    v.GetInt("SAGA_SWEEP_BATCH"),
			Currency:      v.GetString("SAGA_CURRENCY"),
		},
	}, nil
}
