package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brokeratlas/marketplace/internal/allocation"
	"github.com/brokeratlas/marketplace/internal/analytics"
	"github.com/brokeratlas/marketplace/internal/api"
	"github.com/brokeratlas/marketplace/internal/config"
	"github.com/brokeratlas/marketplace/internal/db"
	"github.com/brokeratlas/marketplace/internal/events"
	"github.com/brokeratlas/marketplace/internal/freqcap"
	"github.com/brokeratlas/marketplace/internal/geoip"
	"github.com/brokeratlas/marketplace/internal/models"
	"github.com/brokeratlas/marketplace/internal/observability"
	"github.com/brokeratlas/marketplace/internal/ratelimit"
	"github.com/brokeratlas/marketplace/internal/reporting"
	"github.com/brokeratlas/marketplace/internal/wallet"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	logger, err := observability.InitLoggerWithService(cfg.ServiceName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	defer func() {
		if err := logger.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to sync logger: %v\n", err)
		}
	}()

	if err := run(logger, cfg); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		shutdown, err := observability.InitTracing(ctx, logger, cfg.ServiceName, cfg.OTLPEndpoint, cfg.TracingSampleRate)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer shutdown()
	}

	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		return fmt.Errorf("failed to connect postgres: %w", err)
	}
	defer pg.Close()

	rds, err := db.InitRedis(cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	defer rds.Close()

	metricsRegistry := observability.NewPrometheusRegistry()

	// ClickHouse is a reporting convenience, not a billing dependency. A
	// cold analytics cluster must not keep the marketplace down.
	var sink analytics.Sink
	analyticsSvc, err := analytics.InitClickHouse(cfg.ClickHouseDSN, cfg.CHMaxOpenConns)
	if err != nil {
		logger.Warn("clickhouse unavailable, events will only reach postgres", zap.Error(err))
	} else {
		defer func() { _ = analyticsSvc.Close() }()
		sink = analyticsSvc
	}

	geoSvc, err := geoip.Open(cfg.GeoIPDB)
	if err != nil {
		logger.Warn("geoip database unavailable, clicks will not be geo-tagged", zap.Error(err))
	}
	defer func() { _ = geoSvc.Close() }()

	store := models.NewInMemoryCampaignStore()
	ledger := wallet.NewLedger(pg, metricsRegistry, logger)
	engine := allocation.NewEngine(store, metricsRegistry, logger)

	recorder := events.NewRecorder(ledger, store, pg, rds, events.Options{
		Counter:   rds,
		Sink:      sink,
		Metrics:   metricsRegistry,
		Logger:    logger,
		QueueSize: cfg.ImpressionQueueSize,
	})
	go recorder.Run(ctx)

	freqTracker := freqcap.NewTracker(
		freqcap.NewRedisSessionStore(rds.Client),
		cfg.FrequencyCapWindow,
		cfg.FrequencyCapMax,
		logger,
	)

	// Redis counters keep the per-IP windows shared when more than one
	// instance serves traffic.
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		Enabled:     cfg.RateLimitEnabled,
		Window:      cfg.RateLimitWindow,
		MaxRequests: cfg.RateLimitMax,
	}, ratelimit.NewRedisCounterStore(rds.Client), metricsRegistry, logger)

	srv := &api.Server{
		Logger:      logger,
		Config:      cfg,
		Store:       store,
		DB:          pg,
		Redis:       rds,
		Ledger:      ledger,
		Engine:      engine,
		Recorder:    recorder,
		FreqCap:     freqTracker,
		Limiter:     limiter,
		Reporter:    reporting.NewReporter(pg, store),
		GeoIP:       geoSvc,
		Metrics:     metricsRegistry,
		TokenSecret: []byte(cfg.TokenSecret),
		TokenTTL:    cfg.TokenTTL,
	}

	if err := srv.Reload(); err != nil {
		return fmt.Errorf("initial campaign load: %w", err)
	}
	if cfg.ReloadInterval > 0 {
		srv.StartReloadLoop(ctx, cfg.ReloadInterval)
	}

	addr := ":" + cfg.Port
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      otelhttp.NewHandler(srv.Routes(), "marketplace"),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	logger.Info("Marketplace server running", zap.String("addr", addr))

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("listen: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	return nil
}
