// Package metrics exposes Prometheus instrumentation for the broker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures metric registration.
type Config struct {
	// Namespace is the metrics namespace (default: "flowsync").
	Namespace string

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

// Option configures metric registration.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// Metrics holds the broker's instruments. A nil *Metrics is valid and
// records nothing, so instrumentation never becomes a hard dependency.
type Metrics struct {
	messagesReceived *prometheus.CounterVec
	broadcasts       prometheus.Counter
	sendFailures     prometheus.Counter
	participants     prometheus.Gauge
	heldLocks        prometheus.Gauge
	handleDuration   prometheus.Histogram
}

// New registers and returns the broker metrics.
func New(opts ...Option) *Metrics {
	cfg := Config{
		Namespace: "flowsync",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	factory := promauto.With(cfg.Registry)

	return &Metrics{
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "messages_received_total",
			Help:      "Inbound client messages by kind.",
		}, []string{"kind"}),
		broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "broadcasts_total",
			Help:      "Events fanned out to connected participants.",
		}),
		sendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "send_failures_total",
			Help:      "Sends dropped because a connection was closing.",
		}),
		participants: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "connected_participants",
			Help:      "Currently connected participants.",
		}),
		heldLocks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "held_locks",
			Help:      "Element locks currently held.",
		}),
		handleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "message_handle_seconds",
			Help:      "Time spent handling one inbound message.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// MessageReceived counts one inbound message of the given kind.
func (m *Metrics) MessageReceived(kind string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(kind).Inc()
}

// BroadcastSent counts one delivered fan-out send.
func (m *Metrics) BroadcastSent() {
	if m == nil {
		return
	}
	m.broadcasts.Inc()
}

// SendFailed counts one dropped send.
func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.sendFailures.Inc()
}

// SetParticipants records the current participant count.
func (m *Metrics) SetParticipants(n int) {
	if m == nil {
		return
	}
	m.participants.Set(float64(n))
}

// SetHeldLocks records the current lock count.
func (m *Metrics) SetHeldLocks(n int) {
	if m == nil {
		return
	}
	m.heldLocks.Set(float64(n))
}

// ObserveHandle records the duration of one message handling step.
func (m *Metrics) ObserveHandle(seconds float64) {
	if m == nil {
		return
	}
	m.handleDuration.Observe(seconds)
}
