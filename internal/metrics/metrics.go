// Package metrics bundles the Prometheus collectors of the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "liverelay"

// Metrics owns its registry so tests and multiple runtimes never collide on
// the global default registerer. All methods are nil-safe.
type Metrics struct {
	registry           *prometheus.Registry
	eventsPublished    *prometheus.CounterVec
	handlerFailures    *prometheus.CounterVec
	channelActivations *prometheus.CounterVec
	pushSubscriptions  *prometheus.CounterVec
}

func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events handed to the bus, by kind",
		}, []string{"kind"}),
		handlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_failures_total",
			Help:      "Feature handlers that returned an error or panicked, by event kind",
		}, []string{"kind"}),
		channelActivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_activations_total",
			Help:      "Channel activation attempts, by result",
		}, []string{"result"}),
		pushSubscriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_subscriptions_total",
			Help:      "Push-notification subscription requests, by kind and result",
		}, []string{"kind", "result"}),
	}

	registry.MustRegister(
		m.eventsPublished,
		m.handlerFailures,
		m.channelActivations,
		m.pushSubscriptions,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) EventPublished(kind string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(kind).Inc()
}

func (m *Metrics) HandlerFailed(kind string) {
	if m == nil {
		return
	}
	m.handlerFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) ChannelActivation(result string) {
	if m == nil {
		return
	}
	m.channelActivations.WithLabelValues(result).Inc()
}

func (m *Metrics) PushSubscription(kind, result string) {
	if m == nil {
		return
	}
	m.pushSubscriptions.WithLabelValues(kind, result).Inc()
}
