// Package metrics holds the Prometheus collectors shared by the API server and the sync client.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "marginalia"

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// Metrics groups the collectors. A nil *Metrics records nothing.
type Metrics struct {
	SyncOperationsTotal *prometheus.CounterVec
	SyncDuration        *prometheus.HistogramVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RealtimeSubscribers prometheus.Gauge
}

// New builds the collectors and registers them with registerer.
func New(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		SyncOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_operations_total",
				Help:      "Remote annotation operations by outcome",
			},
			[]string{"operation", "outcome"},
		),
		SyncDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sync_operation_duration_seconds",
				Help:      "Remote annotation operation duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path", "status"},
		),
		RealtimeSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_subscribers",
			Help:      "Open realtime connections",
		}),
	}

	if registerer == nil {
		return m, nil
	}
	var err error
	if m.SyncOperationsTotal, err = register(registerer, m.SyncOperationsTotal); err != nil {
		return nil, err
	}
	if m.SyncDuration, err = register(registerer, m.SyncDuration); err != nil {
		return nil, err
	}
	if m.HTTPRequestsTotal, err = register(registerer, m.HTTPRequestsTotal); err != nil {
		return nil, err
	}
	if m.HTTPRequestDuration, err = register(registerer, m.HTTPRequestDuration); err != nil {
		return nil, err
	}
	if m.RealtimeSubscribers, err = register(registerer, m.RealtimeSubscribers); err != nil {
		return nil, err
	}
	return m, nil
}

// register reuses an identical collector that is already registered.
func register[T prometheus.Collector](registerer prometheus.Registerer, collector T) (T, error) {
	err := registerer.Register(collector)
	if err == nil {
		return collector, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	return collector, err
}

// ObserveSync records one remote operation.
func (m *Metrics) ObserveSync(operation, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.SyncOperationsTotal.WithLabelValues(operation, outcome).Inc()
	m.SyncDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// SubscriberOpened and SubscriberClosed track realtime connections.
func (m *Metrics) SubscriberOpened() {
	if m != nil {
		m.RealtimeSubscribers.Inc()
	}
}

func (m *Metrics) SubscriberClosed() {
	if m != nil {
		m.RealtimeSubscribers.Dec()
	}
}

// GinMiddleware records request duration and count labelled by route pattern.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method

		m.HTTPRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	}
}
