package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"onepyme/internal/config"
	"onepyme/internal/connectivity"
	"onepyme/internal/id"
	"onepyme/internal/log"
	"onepyme/internal/metrics"
	"onepyme/internal/notify"
	"onepyme/internal/queue"
	"onepyme/internal/retry"
	"onepyme/internal/server"
	"onepyme/internal/store"
	"onepyme/internal/telemetry"
	"onepyme/internal/webhook"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

func main() {
	logger := log.NewLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err))
	}

	shutdownTelemetry := telemetry.Setup("onepyme-sync", logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Error("Telemetry shutdown failed", zap.Error(err))
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err), zap.String("addr", cfg.RedisAddr))
		}
		defer redisClient.Close()
	}

	backend, err := openBackend(ctx, cfg, redisClient)
	if err != nil {
		logger.Fatal("Failed to open storage", zap.Error(err), zap.String("backend", cfg.StorageBackend))
	}
	defer backend.Close()
	logger.Info("Storage ready", zap.String("backend", cfg.StorageBackend))

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	queueMetrics := metrics.NewQueueMetrics(registry, logger.Named("metrics"))
	queueMetrics.AddHealthCheck("storage", func(ctx context.Context) error {
		_, err := backend.Get(ctx, cfg.StorageKey)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	})
	if redisClient != nil {
		queueMetrics.AddHealthCheck("redis", func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	var deadLetters *store.DeadLetterStore
	if cfg.DatabaseURL != "" {
		deadLetters, err = store.NewDeadLetterStore(cfg.DatabaseURL, logger.Named("dead_letters"))
		if err != nil {
			logger.Fatal("Failed to initialize dead letter store", zap.Error(err))
		}
		defer deadLetters.Close()
		if err := deadLetters.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to prepare dead letter schema", zap.Error(err))
		}
		queueMetrics.AddHealthCheck("dead_letters", func(ctx context.Context) error {
			return deadLetters.DB().PingContext(ctx)
		})
	}

	client := webhook.New(webhook.Config{
		BaseURL:    cfg.WebhookBaseURL,
		Token:      cfg.WebhookToken,
		Timeout:    cfg.WebhookTimeout,
		HealthPath: cfg.WebhookHealthPath,
	}, logger.Named("webhook"))
	monitor := connectivity.NewMonitor(client.Ping, cfg.ProbeInterval, logger.Named("connectivity"))
	monitor.OnChange(queueMetrics.SetOnline)

	hub := notify.NewHub(32)
	notifiers := notify.Multi{hub, notify.NewLogNotifier(logger.Named("notify"))}
	if redisClient != nil {
		notifiers = append(notifiers, notify.NewRedisPublisher(redisClient, cfg.NotifyChannel, logger.Named("notify")))
	}

	node, err := id.NewNode(cfg.NodeID)
	if err != nil {
		logger.Fatal("Invalid node id", zap.Error(err), zap.Int64("node_id", cfg.NodeID))
	}

	qcfg := queue.Config{
		Deliverer:     client,
		Storage:       store.NewOperationStore(backend, cfg.StorageKey),
		Connectivity:  monitor,
		Notifier:      notifiers,
		Observer:      queueMetrics,
		Policy:        retry.Policy{Base: cfg.RetryBackoffBase, MaxBackoff: cfg.RetryMaxBackoff},
		IDs:           node,
		MaxRetries:    cfg.MaxRetries,
		DrainInterval: cfg.DrainInterval,
		Logger:        logger.Named("queue"),
	}
	if deadLetters != nil {
		qcfg.DeadLetters = deadLetters
	}
	q, err := queue.New(qcfg)
	if err != nil {
		logger.Fatal("Failed to create queue", zap.Error(err))
	}
	monitor.OnReconnect(q.Trigger)
	if n := q.Load(ctx); n > 0 {
		q.Trigger()
	}

	go monitor.Run(ctx)
	go q.Run(ctx)
	go queueMetrics.Run(ctx, cfg.MetricsAddr, cfg.TLSCertFile, cfg.TLSKeyFile)

	deps := server.Deps{
		Queue:        q,
		Connectivity: monitor,
		Hub:          hub,
		Logger:       logger.Named("http"),
	}
	if deadLetters != nil {
		deps.DeadLetters = deadLetters
	}
	r := chi.NewRouter()
	server.SetupRouter(r, cfg, deps)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(r, "onepyme-sync"),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	var tlsConfig *tls.Config
	if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			logger.Fatal("Failed to load TLS certificates", zap.Error(err))
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	} else {
		logger.Warn("TLS_CERT_FILE or TLS_KEY_FILE not set, using HTTP")
	}

	go func() {
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Info("Server starting with TLS", zap.String("addr", cfg.HTTPAddr))
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Server failed", zap.Error(err))
			}
		} else {
			logger.Info("Server starting without TLS", zap.String("addr", cfg.HTTPAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Fatal("Server failed", zap.Error(err))
			}
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down", zap.Int("pending", q.Len()))
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
}

func openBackend(ctx context.Context, cfg *config.Config, redisClient *redis.Client) (store.Backend, error) {
	switch cfg.StorageBackend {
	case config.StorageMemory:
		return store.NewMemoryBackend(), nil
	case config.StorageFile:
		return store.NewFileBackend(cfg.StoragePath)
	case config.StorageSQLite:
		return store.NewSQLiteBackend(ctx, cfg.StoragePath)
	case config.StorageRedis:
		if redisClient == nil {
			return nil, errors.New("redis storage requires REDIS_ADDR")
		}
		return store.NewRedisBackend(redisClient), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
