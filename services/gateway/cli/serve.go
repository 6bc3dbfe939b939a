package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sachinsitapure/URLIndexingBoT/internal/kafka"
	"github.com/sachinsitapure/URLIndexingBoT/internal/postgres"
	"github.com/sachinsitapure/URLIndexingBoT/internal/quota"
	redisstore "github.com/sachinsitapure/URLIndexingBoT/internal/redis"
	"github.com/sachinsitapure/URLIndexingBoT/pkg/telemetry"
	"github.com/sachinsitapure/URLIndexingBoT/services/gateway/config"
	"github.com/sachinsitapure/URLIndexingBoT/services/gateway/handler"
	"github.com/sachinsitapure/URLIndexingBoT/services/gateway/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().Int("max-attempts", 3, "submission attempts budgeted per job")
	serveCmd.Flags().Int("max-batch-urls", 100, "maximum URLs accepted in one batch")
	serveCmd.Flags().Int("ingest-limit", 30, "batch submissions allowed per user per window")
	serveCmd.Flags().Duration("ingest-window", time.Minute, "sliding window for the ingest limit")
	serveCmd.Flags().Int("user-hourly-limit", 50, "URLs one user may submit per hour")
	serveCmd.Flags().Int("domain-daily-limit", 200, "URLs one domain may receive per day")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("max_attempts", serveCmd.Flags(), "max-attempts")
	bindFlag("max_batch_urls", serveCmd.Flags(), "max-batch-urls")
	bindFlag("ingest_limit", serveCmd.Flags(), "ingest-limit")
	bindFlag("ingest_window", serveCmd.Flags(), "ingest-window")
	bindFlag("user_hourly_limit", serveCmd.Flags(), "user-hourly-limit")
	bindFlag("domain_daily_limit", serveCmd.Flags(), "domain-daily-limit")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "gateway")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "gateway", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	brokers := strings.Split(cfg.KafkaBrokers, ",")
	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()
	bus := kafka.NewBus(producer)

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	store := redisstore.NewStateStore(redisClient)
	ingest := redisstore.NewIngestLimiter(redisClient, cfg.IngestLimit, cfg.IngestWindow)

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	repo := postgres.NewRepository(pool)

	// Read-only view over the same Redis counters the dispatcher reserves
	// against, so the quota endpoint reports live numbers.
	quotas := quota.NewLimiter(
		redisstore.NewQuotaStore(redisClient),
		quota.StaticLimits{UserHourly: cfg.UserHourlyLimit, DomainDaily: cfg.DomainDailyLimit},
	)

	restHandler := handler.NewREST(bus, store, repo, quotas, ingest, logger,
		handler.WithMaxAttempts(cfg.MaxAttempts),
		handler.WithMaxBatchURLs(cfg.MaxBatchURLs),
	)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1MB limit
	r.Get("/healthz", restHandler.Healthz)
	r.Get("/readyz", restHandler.Readyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/batches", restHandler.SubmitBatch)
		r.Get("/batches/{id}", restHandler.GetBatchStatus)
		r.Get("/jobs/{id}", restHandler.GetJobStatus)
		r.Post("/jobs/{id}/cancel", restHandler.CancelJob)
		r.Get("/users/{id}/quota", restHandler.GetQuota)
	})

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	telemetry.ServeMetrics(runCtx, cfg.MetricsAddr, logger)

	go func() {
		logger.Info("gateway HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")
	runCancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}
