package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"attendiq/internal/antiproxy"
	"attendiq/internal/attendance"
	"attendiq/internal/auth"
	"attendiq/internal/config"
	"attendiq/internal/handler"
	"attendiq/internal/httpmiddleware"
	"attendiq/internal/logger"
	"attendiq/internal/metrics"
	"attendiq/internal/notify"
	"attendiq/internal/queue"
	"attendiq/internal/store"
)

const attemptPrefix = "attendiq"

func main() {
	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	zl, err := logger.New(&logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: "stdout"}, "attendiq-api")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	// Set Gin mode based on environment
	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, zl); err != nil {
		zl.Fatal("http server failed", zap.Error(err))
	}
}

func runHTTP(cfg config.App, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		repo attendance.Store
		db   *store.DB
	)
	switch cfg.StoreBackend {
	case "memory":
		repo = attendance.NewMemoryRepository()
		zl.Warn("using in-memory store, data is lost on restart")
	default:
		var err error
		db, err = store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if cfg.AutoMigrate {
			if err := db.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		repo = attendance.NewRepository(db.Client)
	}

	if cfg.SeedFile != "" {
		seed, err := attendance.LoadSeed(cfg.SeedFile)
		if err != nil {
			return err
		}
		if err := seed.Apply(ctx, repo); err != nil {
			return err
		}
		zl.Info("seed applied", zap.String("file", cfg.SeedFile))
	}

	var redisClient *store.Redis
	if cfg.NeedsRedis() {
		var err error
		redisClient, err = store.NewRedis(ctx, store.RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			return err
		}
		defer redisClient.Close()
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		mem := queue.NewInMemory(64)
		q = mem
		// Without a separate worker the API drains its own queue.
		dispatcher := &notify.Dispatcher{Queue: mem, Sink: deliverySink(cfg, zl), Log: zl, Metrics: m}
		go func() {
			if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				zl.Error("dispatcher stopped", zap.Error(err))
			}
		}()
	} else {
		q = queue.NewRedisQueue(redisClient.Client, queue.DefaultRedisKey)
	}

	var attempts antiproxy.AttemptStore
	if cfg.AttemptBackend == "redis" {
		attempts = antiproxy.NewRedisAttemptStore(redisClient.Client, attemptPrefix, cfg.Policy.MaxAttemptsPerKey, cfg.Policy.AttemptTTL)
	} else {
		attempts = antiproxy.NewMemoryAttemptStore(cfg.Policy.MaxAttemptsPerKey, cfg.Policy.AttemptTTL, nil)
	}

	svc := attendance.NewService(repo, attendance.Options{
		Policy:        cfg.Policy,
		Attempts:      attempts,
		Tolerance:     cfg.LocationTolerance(),
		Notifier:      notify.NewQueueNotifier(q),
		Metrics:       m,
		Logger:        zl,
		ClockInWindow: cfg.ClockInWindow,
	})

	issuer := auth.Issuer{
		Name:       cfg.JWTIssuer,
		Key:        []byte(cfg.JWTSigningKey),
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(httpmiddleware.RequestLogger(zl, "/healthz", "/metrics"))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"X-Request-ID"},
		MaxAge:        12 * time.Hour,
	}))
	r.Use(httpmiddleware.SecurityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		dbHealthy := db == nil || db.Healthy(c.Request.Context())
		redisHealthy := redisClient == nil || redisClient.Healthy(c.Request.Context())
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	limiter := httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	v1 := r.Group("/v1", auth.Authenticate(issuer), limiter.GinMiddleware())
	handler.New(svc, zl).Register(v1)

	// Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zl.Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	zl.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zl.Warn("server forced shutdown", zap.Error(err))
	}
	zl.Info("server exited")
	return nil
}

func deliverySink(cfg config.App, zl *zap.Logger) notify.Notifier {
	if cfg.NotifyWebhook == "" {
		return notify.NewLogNotifier(zl)
	}
	return notify.NewWebhookClient(cfg.NotifyWebhook, cfg.NotifyTimeout)
}
