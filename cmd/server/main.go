package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/chunkvault/internal/api"
	"github.com/kenneth/chunkvault/internal/audit"
	"github.com/kenneth/chunkvault/internal/backend"
	"github.com/kenneth/chunkvault/internal/cache"
	"github.com/kenneth/chunkvault/internal/config"
	"github.com/kenneth/chunkvault/internal/crypto"
	"github.com/kenneth/chunkvault/internal/engine"
	"github.com/kenneth/chunkvault/internal/metastore"
	"github.com/kenneth/chunkvault/internal/metrics"
	"github.com/kenneth/chunkvault/internal/middleware"
	"github.com/kenneth/chunkvault/internal/tracing"
)

var (
	version = "dev"
	commit  = "unknown"
)

// sweepInterval is how often abandoned uploads are reclaimed.
const sweepInterval = time.Hour

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
	}).Info("Starting chunkvault")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	if cfg.Tracing.ServiceVersion == "" || cfg.Tracing.ServiceVersion == "dev" {
		cfg.Tracing.ServiceVersion = version
	}
	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.WithError(err).Warn("Failed to flush traces")
		}
	}()

	m := metrics.NewMetrics()
	m.StartSystemMetricsCollector(ctx)

	store, err := metastore.Open(ctx, cfg.Database)
	if err != nil {
		logger.WithError(err).WithField("driver", cfg.Database.Driver).Fatal("Failed to open metadata store")
	}
	defer store.Close()

	if err := metastore.SeedAccounts(ctx, store, cfg.Backends); err != nil {
		logger.WithError(err).Fatal("Failed to register backend accounts")
	}
	logger.WithField("backends", len(cfg.Backends)).Info("Backend accounts registered")

	secret, err := cfg.ResolveSecret()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load encryption secret")
	}
	codec, err := crypto.NewCodec(secret)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create cipher codec")
	}

	opts := []engine.Option{
		engine.WithConcurrency(cfg.Engine.Concurrency),
		engine.WithStoreAttempts(cfg.Engine.StoreAttempts),
		engine.WithLogger(logger),
		engine.WithMetrics(m),
	}
	if cfg.Encryption.ChunkSize > 0 {
		opts = append(opts, engine.WithChunkSize(cfg.Encryption.ChunkSize))
	}

	if cfg.Cache.Enabled {
		opts = append(opts, engine.WithCache(cache.NewMemoryCache(
			cfg.Cache.MaxSize,
			cfg.Cache.MaxItems,
			cfg.Cache.DefaultTTL,
		)))
		logger.WithFields(logrus.Fields{
			"max_size":    cfg.Cache.MaxSize,
			"max_items":   cfg.Cache.MaxItems,
			"default_ttl": cfg.Cache.DefaultTTL,
		}).Info("Chunk cache enabled")
	}

	var auditLogger audit.Logger
	if cfg.Audit.Enabled {
		auditLogger = audit.NewLogger(cfg.Audit.MaxEvents, audit.NewLogrusWriter(logger))
		opts = append(opts, engine.WithAuditLogger(auditLogger))
		logger.WithField("max_events", cfg.Audit.MaxEvents).Info("Audit logging enabled")
	}

	eng, err := engine.New(store, backend.NewClientFactory(), codec, opts...)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create engine")
	}

	if cfg.Engine.StaleUploadGrace > 0 {
		go runSweeper(ctx, eng, cfg.Engine.StaleUploadGrace, logger)
	}

	reloader, err := config.NewConfigReloader(configPath, cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("Configuration hot reload disabled")
	} else {
		reloader.SetOnReloadCallback(func(old, next *config.Config) error {
			lvl, err := logrus.ParseLevel(next.LogLevel)
			if err != nil {
				return err
			}
			logger.SetLevel(lvl)
			logger.WithField("log_level", next.LogLevel).Info("Applied reloaded configuration")
			return nil
		})
		go reloader.Start()
		defer reloader.Stop()
	}

	handler := api.NewHandler(eng, logger, m, auditLogger, cfg.PublicURL)

	router := mux.NewRouter()
	router.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.TracingMiddleware(cfg.Tracing.RedactSensitive),
		middleware.MetricsMiddleware(m),
		middleware.LoggingMiddleware(logger, &cfg.Logging),
	)
	handler.RegisterRoutes(router, middleware.AuthMiddleware([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, logger))

	var httpHandler http.Handler = router
	httpHandler = middleware.SecurityHeadersMiddleware()(httpHandler)

	if limiter := middleware.NewRateLimiterFromConfig(cfg.RateLimit, logger); limiter != nil {
		defer limiter.Stop()
		httpHandler = middleware.RateLimitMiddleware(limiter)(httpHandler)
		logger.WithFields(logrus.Fields{
			"limit":  cfg.RateLimit.Limit,
			"window": cfg.RateLimit.Window,
		}).Info("Rate limiting enabled")
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpHandler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	go func() {
		var err error
		if cfg.TLS.Enabled {
			logger.WithFields(logrus.Fields{
				"addr":      cfg.ListenAddr,
				"cert_file": cfg.TLS.CertFile,
				"key_file":  cfg.TLS.KeyFile,
			}).Info("Starting HTTPS server")
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			logger.WithField("addr", cfg.ListenAddr).Info("Starting HTTP server")
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	} else {
		logger.Info("Server stopped gracefully")
	}
}

// runSweeper reclaims uploads that stayed unfinished longer than grace.
func runSweeper(ctx context.Context, eng *engine.Engine, grace time.Duration, logger *logrus.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reports, err := eng.ReclaimStale(ctx, grace)
			if err != nil {
				logger.WithError(err).Warn("Stale upload sweep finished with errors")
			}
			if len(reports) > 0 {
				logger.WithField("files", len(reports)).Info("Reclaimed stale uploads")
			}
		}
	}
}
