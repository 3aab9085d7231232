// Package main provides the snapshot relay service entry point.
// Publishes outbox entries written at issuance to Redpanda.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxlayout/internal/api/handlers"
	"github.com/drfirst/go-rxlayout/internal/config"
	"github.com/drfirst/go-rxlayout/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxlayout/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxlayout/internal/observability/metrics"
	"github.com/drfirst/go-rxlayout/internal/observability/tracing"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx := context.Background()

	cfg.Tracing.ServiceName = "snapshot-relay"
	tp, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	// Connect to database
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	logger.Info("connected to database")

	// Make sure every topic exists before relaying
	admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	topicCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := admin.EnsureTopics(topicCtx); err != nil {
		logger.Fatal("failed to create topics", zap.Error(err))
	}
	cancel()
	admin.Close()

	// Create Redpanda producer
	producer, err := redpanda.NewProducer(cfg.Kafka.ProducerConfig(), logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Kafka.Brokers))

	// Create outbox processor
	outbox := postgres.NewOutbox(pool, producer, cfg.Outbox, logger)
	if err := outbox.EnsureSchema(ctx); err != nil {
		logger.Fatal("failed to create outbox schema", zap.Error(err))
	}

	m := metrics.New(nil)
	health := handlers.NewHealthHandler("snapshot-relay", map[string]handlers.Check{
		"postgres": pool.Ping,
		"redpanda": producer.Ping,
	}, nil)
	r := chi.NewRouter()
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", metrics.Handler())

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.API.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start processing
	outbox.Start()
	logger.Info("snapshot relay started")

	stop := make(chan struct{})
	go reportPending(outbox, m, stop, logger)

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	close(stop)
	outbox.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancelShutdown()
	server.Shutdown(shutdownCtx)
	logger.Info("snapshot relay stopped")
}

// reportPending keeps the outbox backlog gauge current and prunes
// delivered entries once a day
func reportPending(outbox *postgres.Outbox, m *metrics.Metrics, stop <-chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	lastCleanup := time.Now()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		stats, err := outbox.GetStats(ctx)
		if err != nil {
			logger.Warn("failed to read outbox stats", zap.Error(err))
		} else {
			m.OutboxPending.Set(float64(stats.Pending))
		}

		if time.Since(lastCleanup) >= 24*time.Hour {
			n, err := outbox.CleanupProcessed(ctx, 7*24*time.Hour)
			if err != nil {
				logger.Warn("outbox cleanup failed", zap.Error(err))
			} else {
				logger.Info("pruned delivered outbox entries", zap.Int64("count", n))
				lastCleanup = time.Now()
			}
		}
		cancel()
	}
}
