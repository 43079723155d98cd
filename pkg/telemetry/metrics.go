package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the Crossgate agent. When metrics
// are disabled, or the collector itself is nil, all recording methods are
// no-ops, so callers never need to guard their calls.
type Metrics struct {
	config MetricsConfig

	// Order processing metrics
	ordersProcessed   *prometheus.CounterVec
	orderCycleSeconds *prometheus.HistogramVec
	pendingChecks     *prometheus.CounterVec

	// Identity provisioning metrics
	identityTransitions *prometheus.CounterVec

	// Event subscription metrics
	eventReconnects     *prometheus.CounterVec
	eventsDispatched    *prometheus.CounterVec
	backoffDelaySeconds prometheus.Histogram
	activeSubscriptions prometheus.Gauge

	// Backend adapter metrics
	backendCalls       *prometheus.CounterVec
	backendCallSeconds *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		ordersProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_processed_total",
				Help:      "Total number of orders driven to a terminal state",
			},
			[]string{"kind", "status"},
		),
		orderCycleSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "order_cycle_duration_seconds",
				Help:      "Duration of one order processing pass per offering",
				Buckets:   buckets,
			},
			[]string{"offering"},
		),
		pendingChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pending_checks_total",
				Help:      "Total number of delegated-operation polls by outcome",
			},
			[]string{"outcome"},
		),

		identityTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "identity_transitions_total",
				Help:      "Total number of subject identity state transitions",
			},
			[]string{"from", "to"},
		),

		eventReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "event_reconnects_total",
				Help:      "Total number of event subscription reconnect attempts",
			},
			[]string{"offering"},
		),
		eventsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dispatched_total",
				Help:      "Total number of inbound events dispatched to handlers",
			},
			[]string{"object_type", "status"},
		),
		backoffDelaySeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconnect_backoff_seconds",
				Help:      "Computed reconnect backoff delays",
				Buckets:   buckets,
			},
		),
		activeSubscriptions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_subscriptions",
				Help:      "Current number of connected event subscriptions",
			},
		),

		backendCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_calls_total",
				Help:      "Total number of backend adapter calls",
			},
			[]string{"backend_type", "operation", "status"},
		),
		backendCallSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_call_duration_seconds",
				Help:      "Duration of backend adapter calls in seconds",
				Buckets:   buckets,
			},
			[]string{"backend_type", "operation"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of classified errors",
			},
			[]string{"class"},
		),
	}

	collectors := []prometheus.Collector{
		m.ordersProcessed,
		m.orderCycleSeconds,
		m.pendingChecks,
		m.identityTransitions,
		m.eventReconnects,
		m.eventsDispatched,
		m.backoffDelaySeconds,
		m.activeSubscriptions,
		m.backendCalls,
		m.backendCallSeconds,
		m.errorsByClass,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// OrderProcessed records an order reaching a terminal state.
func (m *Metrics) OrderProcessed(kind, status string) {
	if m == nil || m.ordersProcessed == nil {
		return
	}
	m.ordersProcessed.WithLabelValues(kind, status).Inc()
}

// OrderCycle records the duration of one order processing pass.
func (m *Metrics) OrderCycle(offeringID string, d time.Duration) {
	if m == nil || m.orderCycleSeconds == nil {
		return
	}
	m.orderCycleSeconds.WithLabelValues(offeringID).Observe(d.Seconds())
}

// PendingCheck records the outcome of a CheckPending poll
// (done, pending, failed).
func (m *Metrics) PendingCheck(outcome string) {
	if m == nil || m.pendingChecks == nil {
		return
	}
	m.pendingChecks.WithLabelValues(outcome).Inc()
}

// IdentityTransition records a subject identity state transition.
func (m *Metrics) IdentityTransition(from, to string) {
	if m == nil || m.identityTransitions == nil {
		return
	}
	m.identityTransitions.WithLabelValues(from, to).Inc()
}

// EventReconnect records a reconnect attempt for an offering's
// subscription.
func (m *Metrics) EventReconnect(offeringID string) {
	if m == nil || m.eventReconnects == nil {
		return
	}
	m.eventReconnects.WithLabelValues(offeringID).Inc()
}

// EventDispatched records an inbound event handed to a handler.
func (m *Metrics) EventDispatched(objectType, status string) {
	if m == nil || m.eventsDispatched == nil {
		return
	}
	m.eventsDispatched.WithLabelValues(objectType, status).Inc()
}

// BackoffDelay records a computed reconnect delay.
func (m *Metrics) BackoffDelay(d time.Duration) {
	if m == nil || m.backoffDelaySeconds == nil {
		return
	}
	m.backoffDelaySeconds.Observe(d.Seconds())
}

// SubscriptionsActive sets the number of connected subscriptions.
func (m *Metrics) SubscriptionsActive(n int) {
	if m == nil || m.activeSubscriptions == nil {
		return
	}
	m.activeSubscriptions.Set(float64(n))
}

// BackendCall records a backend adapter call.
func (m *Metrics) BackendCall(backendType, operation, status string, d time.Duration) {
	if m == nil || m.backendCalls == nil {
		return
	}
	m.backendCalls.WithLabelValues(backendType, operation, status).Inc()
	m.backendCallSeconds.WithLabelValues(backendType, operation).Observe(d.Seconds())
}

// ErrorObserved records a classified error.
func (m *Metrics) ErrorObserved(class string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
}

// Handler returns the HTTP handler serving the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartMetricsServer starts the metrics HTTP server if metrics are
// enabled. It returns immediately; the server runs on its own goroutine.
func (m *Metrics) StartMetricsServer() error {
	if m == nil || !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		// ErrServerClosed during shutdown is not worth reporting.
		_ = server.ListenAndServe()
	}()

	return nil
}
