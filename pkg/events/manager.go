// Package events maintains the agent's long-lived event-bus subscriptions:
// one STOMP destination per offering and object type, with per-connection
// reconnect backoff, bounded concurrent reconnects and periodic liveness
// announcements.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crossgate/crossgate/pkg/engine"
	"github.com/crossgate/crossgate/pkg/telemetry"
)

// Handler consumes one inbound event. Handlers run on the subscription's
// receive goroutine; a slow handler delays only its own subscription.
type Handler func(ctx context.Context, event *engine.Event)

// Config tunes the subscription manager.
type Config struct {
	// BackoffBase is the first reconnect delay.
	BackoffBase time.Duration `json:"backoff_base" yaml:"backoff_base"`

	// BackoffCap bounds reconnect delays.
	BackoffCap time.Duration `json:"backoff_cap" yaml:"backoff_cap"`

	// HealthCheckInterval is how often liveness is announced per
	// subscription.
	HealthCheckInterval time.Duration `json:"health_check_interval" yaml:"health_check_interval"`

	// ReconcileInterval is how often the reconciliation callback fires.
	ReconcileInterval time.Duration `json:"reconcile_interval" yaml:"reconcile_interval"`

	// MaxConcurrentReconnects caps reconnect attempts in flight across all
	// subscriptions.
	MaxConcurrentReconnects int `json:"max_concurrent_reconnects" yaml:"max_concurrent_reconnects"`
}

// DefaultConfig returns the stock manager tuning.
func DefaultConfig() Config {
	return Config{
		BackoffBase:             2 * time.Second,
		BackoffCap:              2 * time.Minute,
		HealthCheckInterval:     30 * time.Minute,
		ReconcileInterval:       60 * time.Minute,
		MaxConcurrentReconnects: 4,
	}
}

// Manager owns the receive goroutines for all of the agent's event
// subscriptions. Each subscription reconnects on its own schedule;
// failures on one never reschedule its siblings, and a global semaphore
// keeps a control-plane outage from turning every subscription's recovery
// into a thundering herd.
type Manager struct {
	config       Config
	controlPlane engine.ControlPlane
	dialer       Dialer
	handler      Handler
	onReconcile  func(ctx context.Context)
	logger       *telemetry.Logger
	metrics      *telemetry.Metrics

	reconnectSem chan struct{}

	mu            subscriptionGauge
	wg            sync.WaitGroup
	cancel        context.CancelFunc
	subscriptions []engine.EventSubscription
	started       bool
	startMu       sync.Mutex
}

// subscriptionGauge tracks the connected-subscription count under a lock.
type subscriptionGauge struct {
	sync.Mutex
	connected int
}

// NewManager creates a subscription manager. The reconcile callback may be
// nil; the metrics collector may be nil.
func NewManager(cfg Config, cp engine.ControlPlane, dialer Dialer, handler Handler, onReconcile func(ctx context.Context), logger *telemetry.Logger, metrics *telemetry.Metrics) *Manager {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = DefaultConfig().BackoffCap
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = DefaultConfig().HealthCheckInterval
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultConfig().ReconcileInterval
	}
	if cfg.MaxConcurrentReconnects <= 0 {
		cfg.MaxConcurrentReconnects = DefaultConfig().MaxConcurrentReconnects
	}
	return &Manager{
		config:       cfg,
		controlPlane: cp,
		dialer:       dialer,
		handler:      handler,
		onReconcile:  onReconcile,
		logger:       logger.NewComponentLogger("events"),
		metrics:      metrics,
		reconnectSem: make(chan struct{}, cfg.MaxConcurrentReconnects),
	}
}

// Start fetches the agent's subscriptions for the given offerings and
// spawns one receive loop per subscription, plus the health-check and
// reconciliation timers. It returns once all loops are running.
func (m *Manager) Start(ctx context.Context, offeringIDs []string) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.started {
		return fmt.Errorf("event manager already started")
	}

	var subs []engine.EventSubscription
	for _, offeringID := range offeringIDs {
		list, err := m.controlPlane.ListEventSubscriptions(ctx, offeringID)
		if err != nil {
			return fmt.Errorf("failed to list event subscriptions for offering %s: %w", offeringID, err)
		}
		subs = append(subs, list...)
	}
	m.subscriptions = subs

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.started = true

	for i := range subs {
		sub := subs[i]
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.runSubscription(runCtx, sub)
		}()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.healthCheckLoop(runCtx)
	}()

	if m.onReconcile != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.reconcileLoop(runCtx)
		}()
	}

	m.logger.WithField("subscriptions", len(subs)).Info("event subscription manager started")
	return nil
}

// Stop cancels all loops and waits for them to exit.
func (m *Manager) Stop() {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if !m.started {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.started = false
	m.logger.Info("event subscription manager stopped")
}

// runSubscription owns one subscription for the manager's lifetime:
// connect, receive until the connection dies, back off, reconnect. The
// backoff instance is per subscription, so delays are jittered
// independently of every sibling.
func (m *Manager) runSubscription(ctx context.Context, sub engine.EventSubscription) {
	logger := m.logger.
		WithOffering(sub.OfferingID).
		WithField("subscription", sub.ID).
		WithField("object_type", string(sub.ObjectType))

	backoff := NewBackoff(m.config.BackoffBase, m.config.BackoffCap)
	attempt := 0

	for ctx.Err() == nil {
		conn, err := m.connect(ctx, sub)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := backoff.Delay(attempt)
			attempt++
			if m.metrics != nil {
				m.metrics.EventReconnect(sub.OfferingID)
				m.metrics.BackoffDelay(delay)
			}
			logger.WithError(err).
				WithField("attempt", attempt).
				WithField("delay", delay.String()).
				Warn("event bus connection failed, backing off")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			continue
		}

		attempt = 0
		m.adjustConnected(1)
		logger.Info("event subscription connected")

		m.receive(ctx, sub, conn, logger)

		_ = conn.Close()
		m.adjustConnected(-1)
		if ctx.Err() == nil {
			logger.Warn("event subscription dropped, reconnecting")
		}
	}
}

// connect dials under the global reconnect semaphore, so a bus outage
// recovers subscription by subscription instead of all at once.
func (m *Manager) connect(ctx context.Context, sub engine.EventSubscription) (Connection, error) {
	select {
	case m.reconnectSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-m.reconnectSem }()
	return m.dialer.Dial(ctx, sub)
}

// receive pumps frames from one live connection until it fails or the
// context ends. Handler errors and panics are contained per event.
func (m *Manager) receive(ctx context.Context, sub engine.EventSubscription, conn Connection, logger *telemetry.Logger) {
	for {
		event, err := conn.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.WithError(err).Warn("event receive failed")
			}
			return
		}
		if err := m.controlPlane.TouchEventSubscription(ctx, sub.ID); err != nil {
			logger.WithError(err).Debug("failed to record subscription activity")
		}
		m.dispatch(ctx, event, logger)
	}
}

// dispatch hands one event to the handler. A panicking handler is logged
// and the receive loop carries on.
func (m *Manager) dispatch(ctx context.Context, event *engine.Event, logger *telemetry.Logger) {
	status := "ok"
	defer func() {
		if r := recover(); r != nil {
			status = "panic"
			logger.WithField("panic", fmt.Sprintf("%v", r)).
				WithField("object_type", string(event.ObjectType)).
				Error("event handler panicked")
		}
		if m.metrics != nil {
			m.metrics.EventDispatched(string(event.ObjectType), status)
		}
	}()
	m.handler(ctx, event)
}

// healthCheckLoop periodically announces subscription liveness to the
// control plane.
func (m *Manager) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sub := range m.subscriptions {
				if err := m.controlPlane.TouchEventSubscription(ctx, sub.ID); err != nil {
					m.logger.WithError(err).
						WithField("subscription", sub.ID).
						Warn("health check failed")
				}
			}
		}
	}
}

// reconcileLoop periodically fires the reconciliation callback.
func (m *Manager) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(m.config.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.onReconcile(ctx)
		}
	}
}

// adjustConnected tracks the connected-subscription gauge.
func (m *Manager) adjustConnected(delta int) {
	m.mu.Lock()
	m.mu.connected += delta
	connected := m.mu.connected
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.SubscriptionsActive(connected)
	}
}
