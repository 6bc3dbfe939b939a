package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the gateway service.
type Config struct {
	LogLevel         string
	HTTPPort         string
	MetricsAddr      string
	KafkaBrokers     string
	RedisAddr        string
	PostgresDSN      string
	MaxAttempts      int
	MaxBatchURLs     int
	IngestLimit      int
	IngestWindow     time.Duration
	UserHourlyLimit  int
	DomainDailyLimit int
	OTelEndpoint     string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:         v.GetString("log_level"),
		HTTPPort:         v.GetString("http_port"),
		MetricsAddr:      v.GetString("metrics_addr"),
		KafkaBrokers:     v.GetString("kafka_brokers"),
		RedisAddr:        v.GetString("redis_addr"),
		PostgresDSN:      v.GetString("postgres_dsn"),
		MaxAttempts:      v.GetInt("max_attempts"),
		MaxBatchURLs:     v.GetInt("max_batch_urls"),
		IngestLimit:      v.GetInt("ingest_limit"),
		IngestWindow:     v.GetDuration("ingest_window"),
		UserHourlyLimit:  v.GetInt("user_hourly_limit"),
		DomainDailyLimit: v.GetInt("domain_daily_limit"),
		OTelEndpoint:     v.GetString("otel_endpoint"),
	}
}
