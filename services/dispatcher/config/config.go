package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the dispatcher service.
type Config struct {
	LogLevel          string
	KafkaBrokers      string
	RedisAddr         string
	PostgresDSN       string
	IndexerURL        string
	IndexerAPIKey     string
	VerifyURL         string
	VerifyAPIKey      string
	Workers           int
	BatchSize         int
	UserHourlyLimit   int
	DomainDailyLimit  int
	BackoffBase       time.Duration
	BackoffCeiling    time.Duration
	VisibilityTimeout time.Duration
	SubmitRate        float64
	SubmitBurst       int
	MetricsAddr       string
	OTelEndpoint      string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:          v.GetString("log_level"),
		KafkaBrokers:      v.GetString("kafka_brokers"),
		RedisAddr:         v.GetString("redis_addr"),
		PostgresDSN:       v.GetString("postgres_dsn"),
		IndexerURL:        v.GetString("indexer_url"),
		IndexerAPIKey:     v.GetString("indexer_api_key"),
		VerifyURL:         v.GetString("verify_url"),
		VerifyAPIKey:      v.GetString("verify_api_key"),
		Workers:           v.GetInt("workers"),
		BatchSize:         v.GetInt("batch_size"),
		UserHourlyLimit:   v.GetInt("user_hourly_limit"),
		DomainDailyLimit:  v.GetInt("domain_daily_limit"),
		BackoffBase:       v.GetDuration("backoff_base"),
		BackoffCeiling:    v.GetDuration("backoff_ceiling"),
		VisibilityTimeout: v.GetDuration("visibility_timeout"),
		SubmitRate:        v.GetFloat64("submit_rate"),
		SubmitBurst:       v.GetInt("submit_burst"),
		MetricsAddr:       v.GetString("metrics_addr"),
		OTelEndpoint:      v.GetString("otel_endpoint"),
	}
}
