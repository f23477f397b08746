package metrics

import (
	"context"
	"crypto/tls"
	"net/http"
	"sync"
	"time"

	"onepyme/internal/log"
	"onepyme/internal/operation"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// HealthCheck returns nil while the component is usable.
type HealthCheck func(ctx context.Context) error

type QueueMetrics struct {
	EnqueuedTotal   *prometheus.CounterVec
	DeliveredTotal  *prometheus.CounterVec
	FailuresTotal   *prometheus.CounterVec
	DroppedTotal    *prometheus.CounterVec
	Depth           prometheus.Gauge
	DrainDuration   prometheus.Histogram
	Online          prometheus.Gauge
	ComponentHealth *prometheus.GaugeVec

	gatherer prometheus.Gatherer
	logger   *log.Logger

	mu     sync.Mutex
	checks map[string]HealthCheck
}

// NewQueueMetrics registers the collectors on reg. A nil reg uses a private
// registry.
func NewQueueMetrics(reg *prometheus.Registry, logger *log.Logger) *QueueMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &QueueMetrics{
		EnqueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onepyme_operations_enqueued_total",
				Help: "Total number of operations queued for later delivery",
			},
			[]string{"type"},
		),
		DeliveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onepyme_operations_delivered_total",
				Help: "Total number of operations accepted by the workflow engine",
			},
			[]string{"type"},
		),
		FailuresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onepyme_operation_failures_total",
				Help: "Total number of failed delivery attempts",
			},
			[]string{"type"},
		),
		DroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onepyme_operations_dropped_total",
				Help: "Total number of operations dropped after exhausting their retries",
			},
			[]string{"type"},
		),
		Depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "onepyme_queue_depth",
			Help: "Number of operations waiting for delivery",
		}),
		DrainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "onepyme_drain_duration_seconds",
			Help:    "Duration of drain passes",
			Buckets: prometheus.DefBuckets,
		}),
		Online: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "onepyme_connectivity_online",
			Help: "Whether the workflow engine is reachable (1 = online, 0 = offline)",
		}),
		ComponentHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "onepyme_component_health",
				Help: "Health status of backing components (1 = healthy, 0 = unhealthy)",
			},
			[]string{"component"},
		),
		gatherer: reg,
		logger:   logger,
		checks:   make(map[string]HealthCheck),
	}

	reg.MustRegister(
		m.EnqueuedTotal,
		m.DeliveredTotal,
		m.FailuresTotal,
		m.DroppedTotal,
		m.Depth,
		m.DrainDuration,
		m.Online,
		m.ComponentHealth,
	)
	m.Online.Set(1)

	return m
}

func (m *QueueMetrics) OperationEnqueued(t operation.Type) {
	m.EnqueuedTotal.WithLabelValues(string(t)).Inc()
}

func (m *QueueMetrics) OperationDelivered(t operation.Type) {
	m.DeliveredTotal.WithLabelValues(string(t)).Inc()
}

func (m *QueueMetrics) OperationFailed(t operation.Type) {
	m.FailuresTotal.WithLabelValues(string(t)).Inc()
}

func (m *QueueMetrics) OperationDropped(t operation.Type) {
	m.DroppedTotal.WithLabelValues(string(t)).Inc()
}

func (m *QueueMetrics) QueueDepth(n int) {
	m.Depth.Set(float64(n))
}

func (m *QueueMetrics) DrainCompleted(d time.Duration) {
	m.DrainDuration.Observe(d.Seconds())
}

func (m *QueueMetrics) SetOnline(online bool) {
	if online {
		m.Online.Set(1)
		return
	}
	m.Online.Set(0)
}

// AddHealthCheck samples fn on every collection tick under the given name.
func (m *QueueMetrics) AddHealthCheck(name string, fn HealthCheck) {
	m.mu.Lock()
	m.checks[name] = fn
	m.mu.Unlock()
}

func (m *QueueMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Run serves /metrics on addr until ctx is done. TLS is used when both
// certificate files are given.
func (m *QueueMetrics) Run(ctx context.Context, addr, certFile, keyFile string) {
	logger := m.logger
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	var tlsConfig *tls.Config
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			logger.Fatal("Failed to load TLS certificates for metrics", zap.Error(err))
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	go m.collect(ctx, 10*time.Second)

	go func() {
		if tlsConfig != nil {
			srv.TLSConfig = tlsConfig
			logger.Info("Metrics server starting with TLS", zap.String("addr", addr))
			if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		} else {
			logger.Info("Metrics server starting without TLS", zap.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}
	}()
	<-ctx.Done()
	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
}

func (m *QueueMetrics) collect(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Metrics collection shutting down")
			return
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}

// CheckHealth runs every registered health check once.
func (m *QueueMetrics) CheckHealth(ctx context.Context) {
	m.mu.Lock()
	checks := make(map[string]HealthCheck, len(m.checks))
	for name, fn := range m.checks {
		checks[name] = fn
	}
	m.mu.Unlock()

	for name, fn := range checks {
		if err := fn(ctx); err != nil {
			m.ComponentHealth.WithLabelValues(name).Set(0)
			m.logger.Error("Component unhealthy", zap.String("component", name), zap.Error(err))
			continue
		}
		m.ComponentHealth.WithLabelValues(name).Set(1)
	}
}
