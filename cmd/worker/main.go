package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"attendiq/internal/config"
	"attendiq/internal/logger"
	"attendiq/internal/metrics"
	"attendiq/internal/notify"
	"attendiq/internal/queue"
	"attendiq/internal/store"
)

// Worker consumes queued notifications and delivers them to the webhook.
func main() {
	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zl, err := logger.New(&logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Output: "stdout"}, "attendiq-worker")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	if cfg.QueueBackend != "redis" {
		zl.Fatal("worker needs QUEUE_BACKEND=redis; the memory queue is drained by the api process")
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient, err := store.NewRedis(ctx, store.RedisOptions{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		zl.Fatal("redis connect failed", zap.Error(err))
	}
	defer redisClient.Close()

	m := metrics.New(prometheus.DefaultRegisterer)
	go serveMetrics(ctx, cfg.WorkerPort, zl)

	var sink notify.Notifier = notify.NewLogNotifier(zl)
	if cfg.NotifyWebhook != "" {
		webhook := notify.NewWebhookClient(cfg.NotifyWebhook, cfg.NotifyTimeout)
		// Check webhook health on startup
		if err := webhook.Health(ctx); err != nil {
			zl.Warn("webhook not available, deliveries will fail until it recovers", zap.Error(err))
		} else {
			zl.Info("webhook connected", zap.String("url", cfg.NotifyWebhook))
		}
		sink = webhook
	}

	dispatcher := &notify.Dispatcher{
		Queue:   queue.NewRedisQueue(redisClient.Client, queue.DefaultRedisKey),
		Sink:    sink,
		Log:     zl,
		Metrics: m,
	}
	zl.Info("worker started, waiting for messages")
	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		zl.Error("worker stopped", zap.Error(err))
		return
	}
	zl.Info("worker stopped")
}

func serveMetrics(ctx context.Context, port string, zl *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		zl.Error("metrics server failed", zap.Error(err))
	}
}
