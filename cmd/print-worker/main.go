// Package main provides the print worker entry point.
// Consumes print requests, exports reprints of issued snapshots and
// uploads the artifacts.
package main

import (
	"context"
	"errors"
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
	"github.com/drfirst/go-rxlayout/internal/domain/prescription"
	"github.com/drfirst/go-rxlayout/internal/infrastructure/objectstore"
	"github.com/drfirst/go-rxlayout/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxlayout/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxlayout/internal/observability/metrics"
	"github.com/drfirst/go-rxlayout/internal/observability/tracing"
	"github.com/drfirst/go-rxlayout/internal/printing"
	"github.com/drfirst/go-rxlayout/internal/render"
	"github.com/drfirst/go-rxlayout/internal/snapshot"
	"github.com/drfirst/go-rxlayout/internal/verification"
	"github.com/drfirst/go-rxlayout/pkg/circuitbreaker"
	"github.com/drfirst/go-rxlayout/pkg/workerpool"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx := context.Background()

	cfg.Tracing.ServiceName = "print-worker"
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

	events := prescription.NewRepository(pool, logger)
	snapshots := postgres.NewSnapshotStore(pool, events, cfg.Snapshots, logger)

	store, err := objectstore.New(ctx, cfg.MinIO, logger)
	if err != nil {
		logger.Fatal("object storage connection failed", zap.Error(err))
	}

	producer, err := redpanda.NewProducer(cfg.Kafka.ProducerConfig(), logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	// Create circuit breakers
	cbManager := circuitbreaker.NewManager(logger)
	pdfBreaker, err := cbManager.GetOrCreate(circuitbreaker.PDFExport, cfg.Breaker)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}
	storeBreaker, err := cbManager.GetOrCreate(circuitbreaker.ObjectStore, cfg.Breaker)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}

	var exporter printing.PDFExporter
	if cfg.Printing.PDF {
		chrome := printing.NewChromeExporter(cfg.Printing.Chrome, logger)
		defer chrome.Close()
		exporter = chrome
	}

	builder := verification.NewBuilder(cfg.Verification, logger)
	manager := snapshot.NewManager(builder, render.SystemClock{}, logger)
	printer := printing.NewPrinter(cfg.Printing.Encoder, manager, exporter, pdfBreaker, logger)

	m := metrics.New(nil)
	worker := printing.NewWorker(cfg.Printing.Worker, printer, snapshots, store, storeBreaker, producer, m, logger)

	// Create worker pool
	workerPool, err := workerpool.New(cfg.Workers, worker.Process, logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}

	workerPool.Start()
	defer workerPool.Stop()

	// Create consumer
	consumerCfg := cfg.Kafka.ConsumerConfig()
	consumerCfg.GroupID = "print-worker"
	consumerCfg.Topics = []string{cfg.Issuance.PrintTopic}

	consumer, err := redpanda.NewConsumer(consumerCfg, func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		err := worker.Run(ctx, workerPool, msg.Value)
		if errors.Is(err, printing.ErrUndecodable) {
			return redpanda.Poison(err)
		}
		return err
	}, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.SetDeadLetter(producer)

	admin, err := redpanda.NewAdmin(cfg.Kafka.Brokers, logger)
	if err != nil {
		logger.Fatal("admin client creation failed", zap.Error(err))
	}
	defer admin.Close()

	health := handlers.NewHealthHandler("print-worker", map[string]handlers.Check{
		"postgres": pool.Ping,
		"redpanda": producer.Ping,
		"workers":  workerPool.Check,
	}, cbManager)
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

	consumer.Start()
	logger.Info("print worker started", zap.String("topic", cfg.Issuance.PrintTopic))

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.ObserveBreakers(cbManager)
				lagCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				lag, err := admin.ConsumerGroupLag(lagCtx, consumerCfg.GroupID)
				cancel()
				if err != nil {
					logger.Warn("failed to read consumer lag", zap.Error(err))
					continue
				}
				m.ObserveBacklog(lag)
			case <-stop:
				return
			}
		}
	}()

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	close(stop)
	consumer.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)
	logger.Info("print worker stopped")
}
