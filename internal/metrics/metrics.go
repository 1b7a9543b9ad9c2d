// Package metrics exposes Prometheus metrics for the bridge on a dedicated
// registry so tests and multiple binaries do not collide on the default one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every bridge metric plus Go runtime and process collectors.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler renders the registry in Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// Provision results.
const (
	ResultCreated  = "created"
	ResultExisting = "existing"
	ResultError    = "error"
)

// Relay results.
const (
	ResultDelivered = "delivered"
	ResultOffline   = "offline"
	ResultIgnored   = "ignored"
	ResultDropped   = "dropped"
)

var (
	ProvisionTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbridge_provision_total",
		Help: "Channel provisioning outcomes",
	}, []string{"result"})

	OutboundTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbridge_relay_outbound_total",
		Help: "Visitor messages relayed into channels",
	}, []string{"result"})

	InboundTotal = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "chatbridge_relay_inbound_total",
		Help: "Platform messages relayed to visitors",
	}, []string{"result"})

	WebhookReleaseFailures = factory.NewCounter(prometheus.CounterOpts{
		Name: "chatbridge_webhook_release_failures_total",
		Help: "Disposable webhooks that could not be deleted",
	})

	LiveConnections = factory.NewGauge(prometheus.GaugeOpts{
		Name: "chatbridge_live_connections",
		Help: "Open visitor WebSocket connections",
	})

	RegisteredConnections = factory.NewGauge(prometheus.GaugeOpts{
		Name: "chatbridge_registered_connections",
		Help: "Visitor connections bound to an identity",
	})

	PlatformLatency = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatbridge_platform_latency_seconds",
		Help:    "Chat platform REST call latency in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"op"})
)
