// Package main provides the layout API service entry point.
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
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxlayout/internal/api/handlers"
	"github.com/drfirst/go-rxlayout/internal/api/middleware"
	"github.com/drfirst/go-rxlayout/internal/config"
	"github.com/drfirst/go-rxlayout/internal/domain/prescription"
	"github.com/drfirst/go-rxlayout/internal/infrastructure/locking"
	"github.com/drfirst/go-rxlayout/internal/infrastructure/objectstore"
	"github.com/drfirst/go-rxlayout/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxlayout/internal/observability/metrics"
	"github.com/drfirst/go-rxlayout/internal/observability/tracing"
	"github.com/drfirst/go-rxlayout/internal/printing"
	"github.com/drfirst/go-rxlayout/internal/render"
	"github.com/drfirst/go-rxlayout/internal/snapshot"
	"github.com/drfirst/go-rxlayout/internal/verification"
	"github.com/drfirst/go-rxlayout/pkg/circuitbreaker"
	"github.com/drfirst/go-rxlayout/pkg/idempotency"
)

const serviceName = "layout-api"

func main() {
	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	ctx := context.Background()

	cfg.Tracing.ServiceName = serviceName
	tp, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		logger.Fatal("failed to initialize tracing", zap.Error(err))
	}
	defer tp.Shutdown(context.Background())

	// Connect to database
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		logger.Fatal("invalid database url", zap.Error(err))
	}
	if cfg.Database.MaxConns > 0 {
		poolCfg.MaxConns = cfg.Database.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	logger.Info("connected to database")

	// Initialize repositories
	layouts := postgres.NewLayoutStore(pool, logger)
	events := prescription.NewRepository(pool, logger)
	snapshots := postgres.NewSnapshotStore(pool, events, cfg.Snapshots, logger)
	inbox := idempotency.NewInbox(pool, cfg.Inbox, logger)
	schemas := []struct {
		name   string
		ensure func(context.Context) error
	}{
		{"layouts", layouts.EnsureSchema},
		{"snapshots", snapshots.EnsureSchema},
		{"inbox", inbox.EnsureSchema},
		{"outbox", func(ctx context.Context) error {
			_, err := pool.Exec(ctx, postgres.OutboxSchema)
			return err
		}},
	}
	for _, schema := range schemas {
		if err := schema.ensure(ctx); err != nil {
			logger.Fatal("failed to create schema", zap.String("schema", schema.name), zap.Error(err))
		}
	}
	inbox.StartCleanup()
	defer inbox.Stop()

	checks := map[string]handlers.Check{"postgres": pool.Ping}

	var locker locking.Locker
	redisLocker, err := locking.NewRedisLocker(ctx, cfg.Redis, logger)
	if err != nil {
		logger.Warn("redis unavailable, issuance locks are process-local", zap.Error(err))
		locker = locking.NewLocalLocker()
	} else {
		defer redisLocker.Close()
		locker = redisLocker
		checks["redis"] = redisLocker.Ping
	}

	var artifacts handlers.ArtifactCleaner
	store, err := objectstore.New(ctx, cfg.MinIO, logger)
	if err != nil {
		logger.Warn("object storage unavailable, voided artifacts are kept", zap.Error(err))
	} else {
		artifacts = store
	}

	// Rendering and export
	breakers := circuitbreaker.NewManager(logger)
	m := metrics.New(nil)

	var exporter printing.PDFExporter
	var pdfBreaker *circuitbreaker.CircuitBreaker
	if cfg.Printing.PDF {
		chrome := printing.NewChromeExporter(cfg.Printing.Chrome, logger)
		defer chrome.Close()
		exporter = chrome
		pdfBreaker, err = breakers.GetOrCreate(circuitbreaker.PDFExport, cfg.Breaker)
		if err != nil {
			logger.Fatal("failed to create circuit breaker", zap.Error(err))
		}
	}

	builder := verification.NewBuilder(cfg.Verification, logger)
	manager := snapshot.NewManager(builder, render.SystemClock{}, logger)
	printer := printing.NewPrinter(cfg.Printing.Encoder, manager, exporter, pdfBreaker, logger)

	// Initialize handlers
	layoutHandler := handlers.NewLayoutHandler(layouts, printer, render.SystemClock{}, m, logger)
	prescriptionHandler := handlers.NewPrescriptionHandler(cfg.Issuance, handlers.PrescriptionDeps{
		Layouts:   layouts,
		Snapshots: snapshots,
		Manager:   manager,
		Printer:   printer,
		Locker:    locker,
		Inbox:     inbox,
		Artifacts: artifacts,
		Metrics:   m,
	}, logger)
	sessionHandler := handlers.NewSessionHandler(cfg.Sessions, layouts, printer, builder, logger)
	defer sessionHandler.Shutdown()
	healthHandler := handlers.NewHealthHandler(serviceName, checks, breakers)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.API.CORSOrigins))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	// Health check (no auth)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", metrics.Handler())

	// API routes (with auth)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.API.Keys()))
		r.Mount("/templates", layoutHandler.TemplateRoutes())
		r.Mount("/layouts", layoutHandler.Routes())
		r.Mount("/prescriptions", prescriptionHandler.Routes())
		r.Mount("/sessions", sessionHandler.Routes())
	})

	// Start server
	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.API.Port),
		Handler:      r,
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	stopGauges := make(chan struct{})
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.ObserveBreakers(breakers)
			case <-stopGauges:
				return
			}
		}
	}()
	defer close(stopGauges)

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting layout API", zap.Int("port", cfg.API.Port))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}
