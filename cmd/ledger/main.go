package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/school-ledger-go/internal/config"
	"github.com/boddenberg/school-ledger-go/internal/domain"
	"github.com/boddenberg/school-ledger-go/internal/handler"
	"github.com/boddenberg/school-ledger-go/internal/infra/audit"
	"github.com/boddenberg/school-ledger-go/internal/infra/cache"
	"github.com/boddenberg/school-ledger-go/internal/infra/client"
	"github.com/boddenberg/school-ledger-go/internal/infra/memstore"
	"github.com/boddenberg/school-ledger-go/internal/infra/observability"
	"github.com/boddenberg/school-ledger-go/internal/infra/postgres"
	"github.com/boddenberg/school-ledger-go/internal/infra/redisseq"
	"github.com/boddenberg/school-ledger-go/internal/infra/resilience"
	"github.com/boddenberg/school-ledger-go/internal/port"
	"github.com/boddenberg/school-ledger-go/internal/service"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	reportDate := flag.String("report-date", "", "generate the daily report of YYYY-MM-DD and exit")
	force := flag.Bool("force", false, "with -report-date, regenerate an existing report")
	send := flag.Bool("send", false, "with -report-date, deliver the report to the notifier")
	flag.Parse()

	// --- Load .env file (for local development) ---
	_ = config.LoadDotEnv(".env")

	// --- Config ---
	cfg := config.Load()

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel, "school-ledger")
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}
	loc, _ := time.LoadLocation(cfg.Timezone)

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.Bool("postgres", cfg.DatabaseURL != ""),
		zap.String("sequence_backend", cfg.SequenceBackend),
		zap.String("timezone", cfg.Timezone),
		zap.String("report_run_at", cfg.ReportRunAt),
		zap.Bool("notifier", cfg.NotifierURL != ""),
		zap.Duration("cache_ttl", cfg.CacheTTL),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Bool("dev_auth", cfg.DevAuth),
	)

	// --- Tracing ---
	shutdown, err := observability.InitTracer(cfg.OTLPEndpoint, "school-ledger")
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdown(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}

	// --- Storage ---
	ctx := context.Background()
	store, sequences, closeStorage, err := openStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open storage", zap.Error(err))
	}
	defer closeStorage()

	// --- Services ---
	deps := service.Deps{
		Store:    store,
		Sequence: service.NewSequenceGenerator(sequences),
		Audit:    audit.NewZapLog(logger),
		Metrics:  metrics,
		Logger:   logger,
		Location: loc,
	}
	feeCache := cache.New[domain.FeeStructure](cfg.CacheTTL)
	defer feeCache.Close()

	catalogSvc := service.NewCatalogService(deps, feeCache)
	invoiceSvc := service.NewInvoiceService(deps, catalogSvc, cfg.BulkConcurrency)
	paymentSvc := service.NewPaymentService(deps, invoiceSvc)
	reportSvc := service.NewReportService(deps, nil, service.ReportOptions{
		TopPayers:     cfg.ReportTopPayers,
		TimelineLimit: cfg.ReportTimelineLimit,
	})

	var notifier port.ReportNotifier
	if cfg.NotifierURL != "" {
		httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
		cb := resilience.NewCircuitBreaker("report-notifier", logger)
		notifier = client.NewNotifierClient(httpClient, cfg.NotifierURL, cb, resilienceCfg, metrics)
	}

	scheduler, err := service.NewReportScheduler(deps, invoiceSvc, reportSvc, notifier, service.SchedulerConfig{
		RunAt:   cfg.ReportRunAt,
		Force:   cfg.ReportForce,
		Timeout: cfg.ReportTimeout,
	})
	if err != nil {
		logger.Fatal("invalid scheduler configuration", zap.Error(err))
	}

	// --- One-shot report run ---
	if *reportDate != "" {
		date, err := domain.ParseDate("report-date", *reportDate)
		if err != nil {
			logger.Fatal("invalid -report-date", zap.Error(err))
		}
		runCtx, cancel := context.WithTimeout(ctx, cfg.ReportTimeout)
		defer cancel()
		report, err := scheduler.RunOnce(runCtx, date, *force, *send)
		if err != nil {
			logger.Fatal("daily report failed", zap.String("report_date", *reportDate), zap.Error(err))
		}
		logger.Info("daily report ready",
			zap.String("report_id", report.ID),
			zap.String("payments_total", domain.FormatMoney(report.PaymentsTotal)),
			zap.Bool("sent", report.Sent),
		)
		return
	}

	// --- Router ---
	router := handler.NewRouter(handler.Services{
		Catalog:  catalogSvc,
		Invoices: invoiceSvc,
		Payments: paymentSvc,
		Reports:  reportSvc,
		Store:    store,
	}, handler.AuthConfig{
		Verifier: service.NewTokenVerifier(cfg.JWTSecret, cfg.JWTAccessTTL),
		DevAuth:  cfg.DevAuth,
	}, metrics, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	schedCtx, stopScheduler := context.WithCancel(ctx)
	defer stopScheduler()
	go scheduler.Start(schedCtx)

	// --- Graceful shutdown ---
	go func() {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down...")
	stopScheduler()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

// openStorage selects the ledger store and the identifier counters.
func openStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (port.LedgerStore, port.SequenceStore, func(), error) {
	var (
		store   port.LedgerStore
		db      *gorm.DB
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.DatabaseURL != "" {
		var err error
		db, err = postgres.Open(ctx, postgres.Config{DSN: cfg.DatabaseURL, MaxOpenConns: cfg.DBMaxOpenConns}, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		if sqlDB, err := db.DB(); err == nil {
			closers = append(closers, func() { _ = sqlDB.Close() })
		}
		store = postgres.NewStore(db, resilience.Config{
			MaxRetries:     cfg.DBMaxRetries,
			InitialBackoff: 20 * time.Millisecond,
		}, logger)
	} else {
		logger.Warn("DATABASE_URL not set, using the in-memory ledger store")
		store = memstore.New()
	}

	var sequences port.SequenceStore
	switch cfg.SequenceBackend {
	case config.SequencePostgres:
		sequences = postgres.NewSequence(db)
	case config.SequenceRedis:
		rdb, err := redisseq.Connect(ctx, cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, nil, err
		}
		closers = append(closers, func() { _ = rdb.Close() })
		sequences = redisseq.New(rdb)
		logger.Info("redis sequence counters connected")
	default:
		sequences = memstore.NewSequence()
	}
	return store, sequences, closeAll, nil
}
