// Package metrics exposes relay counters and gauges to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nerrad567/wemos-relay/internal/gateway"
)

const namespace = "wemos_relay"

// CountSource reports registry occupancy. *gateway.Registry satisfies it.
type CountSource interface {
	Counts() gateway.Counts
}

// Metrics owns a private Prometheus registry with the relay's collectors.
type Metrics struct {
	registry *prometheus.Registry

	lifecycle     *prometheus.CounterVec
	commands      *prometheus.CounterVec
	targets       *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDurations *prometheus.HistogramVec
}

// New registers the relay collectors plus the Go runtime and process
// collectors. Connection gauges read counts on every scrape.
func New(counts CountSource) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_events_total",
			Help:      "Device lifecycle events by status.",
		}, []string{"status"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Controller commands by result.",
		}, []string{"result"}),
		targets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_targets_total",
			Help:      "Per-device command deliveries by outcome.",
		}, []string{"outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status code.",
		}, []string{"method", "code"}),
		httpDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, excluding WebSocket sessions.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.lifecycle,
		m.commands,
		m.targets,
		m.httpRequests,
		m.httpDurations,
	)

	if counts != nil {
		m.registry.MustRegister(connectionGauge(counts, "pending", func(c gateway.Counts) int { return c.Pending }))
		m.registry.MustRegister(connectionGauge(counts, "devices", func(c gateway.Counts) int { return c.Devices }))
		m.registry.MustRegister(connectionGauge(counts, "observers", func(c gateway.Counts) int { return c.Observers }))
	}

	return m
}

func connectionGauge(counts CountSource, role string, pick func(gateway.Counts) int) prometheus.GaugeFunc {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "connections",
		Help:        "Live WebSocket connections by role.",
		ConstLabels: prometheus.Labels{"role": role},
	}, func() float64 {
		return float64(pick(counts.Counts()))
	})
}

// Notify implements gateway.Notifier.
func (m *Metrics) Notify(_ context.Context, ev gateway.LifecycleEvent) error {
	m.lifecycle.WithLabelValues(string(ev.Status)).Inc()
	return nil
}

// RecordCommand counts a controller command and its per-target outcomes.
func (m *Metrics) RecordCommand(_ gateway.ControllerCommand, res gateway.CommandResult) {
	m.commands.WithLabelValues(res.Status).Inc()
	for _, label := range res.Results {
		outcome := "delivered"
		if label != "ok" {
			outcome = "not_connected"
		}
		m.targets.WithLabelValues(outcome).Inc()
	}
}

// ObserveHTTP records one completed HTTP request.
func (m *Metrics) ObserveHTTP(method string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.httpDurations.WithLabelValues(method).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
