// Package metrics provides the Prometheus metrics for sync cycles, notification
// delivery and circuit breakers.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wesm/stalewatch/internal/resilience"
)

const namespace = "stalewatch"

// Metrics contains all collectors exported by the service
type Metrics struct {
	// Sync cycle metrics
	CyclesTotal           prometheus.Counter
	CycleDuration         prometheus.Histogram
	CycleRepositories     *prometheus.GaugeVec   // Repositories in the last cycle by outcome
	RepositorySyncsTotal  *prometheus.CounterVec // Syncs by result status
	StaleTransitionsTotal prometheus.Counter

	// Notification metrics
	NotificationsTotal  *prometheus.CounterVec // Dispatch outcomes by mode and outcome
	DeliveryEventsTotal *prometheus.CounterVec // Provider callbacks by event type

	// Circuit breaker state (0=closed, 1=half-open, 2=open) by service
	CircuitBreakerState *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New creates the collectors and registers them on a dedicated registry
func New() (*Metrics, error) {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.initMetrics()

	cs := []prometheus.Collector{
		m.CyclesTotal,
		m.CycleDuration,
		m.CycleRepositories,
		m.RepositorySyncsTotal,
		m.StaleTransitionsTotal,
		m.NotificationsTotal,
		m.DeliveryEventsTotal,
		m.CircuitBreakerState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range cs {
		if err := m.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) initMetrics() {
	m.CyclesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_cycles_total",
		Help:      "Total number of completed sync cycles",
	})

	m.CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_cycle_duration_seconds",
		Help:      "Wall time of a full sync cycle",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})

	m.CycleRepositories = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sync_cycle_repositories",
		Help:      "Repositories handled by the last cycle, by outcome",
	}, []string{"outcome"}) // outcome: processed, errors, skipped

	m.RepositorySyncsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "repository_syncs_total",
		Help:      "Repository syncs by result status",
	}, []string{"status"})

	m.StaleTransitionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stale_transitions_total",
		Help:      "Issues that moved from not stale to stale",
	})

	m.NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "notifications_total",
		Help:      "Notification dispatch outcomes by mode",
	}, []string{"mode", "outcome"})

	m.DeliveryEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "email_delivery_events_total",
		Help:      "Email provider delivery callbacks by event type",
	}, []string{"type"})

	m.CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state by service (0=closed, 1=half-open, 2=open)",
	}, []string{"service"})
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveCycle records a finished sync cycle
func (m *Metrics) ObserveCycle(processed, errors, skipped int, duration time.Duration) {
	m.CyclesTotal.Inc()
	m.CycleDuration.Observe(duration.Seconds())
	m.CycleRepositories.WithLabelValues("processed").Set(float64(processed))
	m.CycleRepositories.WithLabelValues("errors").Set(float64(errors))
	m.CycleRepositories.WithLabelValues("skipped").Set(float64(skipped))
}

// ObserveSync records one repository sync and its transitions
func (m *Metrics) ObserveSync(status string, transitions int) {
	m.RepositorySyncsTotal.WithLabelValues(status).Inc()
	if transitions > 0 {
		m.StaleTransitionsTotal.Add(float64(transitions))
	}
}

// ObserveNotification records a dispatch outcome
func (m *Metrics) ObserveNotification(mode, outcome string) {
	m.NotificationsTotal.WithLabelValues(mode, outcome).Inc()
}

// ObserveDeliveryEvent records a provider callback
func (m *Metrics) ObserveDeliveryEvent(eventType string) {
	m.DeliveryEventsTotal.WithLabelValues(eventType).Inc()
}

// BreakerStateChanged matches resilience.BreakerConfig.OnStateChange
func (m *Metrics) BreakerStateChanged(name string, _, to resilience.CircuitState) {
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
}
