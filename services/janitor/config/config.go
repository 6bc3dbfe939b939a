package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the janitor service.
type Config struct {
	LogLevel          string
	KafkaBrokers      string
	RedisAddr         string
	PostgresDSN       string
	Retention         time.Duration
	StaleAfter        time.Duration
	ArchiveSchedule   string
	ReconcileSchedule string
	ReportSchedule    string
	LeaderTTL         time.Duration
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
		Retention:         v.GetDuration("retention"),
		StaleAfter:        v.GetDuration("stale_after"),
		ArchiveSchedule:   v.GetString("archive_schedule"),
		ReconcileSchedule: v.GetString("reconcile_schedule"),
		ReportSchedule:    v.GetString("report_schedule"),
		LeaderTTL:         v.GetDuration("leader_ttl"),
		MetricsAddr:       v.GetString("metrics_addr"),
		OTelEndpoint:      v.GetString("otel_endpoint"),
	}
}
