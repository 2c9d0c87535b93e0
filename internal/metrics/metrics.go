// Package metrics instruments the bridge's request and task lifecycle
// using the OpenTelemetry metrics API backed by the Prometheus exporter
// bridge: a constructor taking an explicit registerer, with counters and
// histograms tagged by route and outcome.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

func attributeStr(key, val string) attribute.KeyValue { return attribute.String(key, val) }
func attributeInt(key string, val int) attribute.KeyValue { return attribute.Int(key, val) }

const meterScope = "agentbridge"

// Registry wraps the otel MeterProvider/Prometheus registry pair and the
// instruments the HTTP and task layers record against.
type Registry struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	requests     metric.Int64Counter
	requestDurMs metric.Float64Histogram
	tasksTotal   metric.Int64Counter
	taskDurMs    metric.Float64Histogram
	rateLimited  metric.Int64Counter
}

// New builds a Registry against reg, or a private registerer when reg is
// nil, rather than binding to prometheus's global default — tests can
// construct an isolated instance.
func New(reg *prometheus.Registry) (*Registry, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterScope)

	requests, err := meter.Int64Counter("bridge_http_requests_total",
		metric.WithDescription("HTTP requests handled, by method/path/status"))
	if err != nil {
		return nil, err
	}
	requestDurMs, err := meter.Float64Histogram("bridge_http_request_duration_ms",
		metric.WithDescription("HTTP request duration in milliseconds"))
	if err != nil {
		return nil, err
	}
	tasksTotal, err := meter.Int64Counter("bridge_tasks_total",
		metric.WithDescription("Tasks executed, by terminal status"))
	if err != nil {
		return nil, err
	}
	taskDurMs, err := meter.Float64Histogram("bridge_task_duration_ms",
		metric.WithDescription("Task execution duration in milliseconds"))
	if err != nil {
		return nil, err
	}
	rateLimited, err := meter.Int64Counter("bridge_rate_limited_total",
		metric.WithDescription("Requests rejected by a rate limiter, by source"))
	if err != nil {
		return nil, err
	}

	return &Registry{
		registry:     reg,
		provider:     provider,
		requests:     requests,
		requestDurMs: requestDurMs,
		tasksTotal:   tasksTotal,
		taskDurMs:    taskDurMs,
		rateLimited:  rateLimited,
	}, nil
}

// RecordRequest records one completed HTTP request.
func (r *Registry) RecordRequest(method, path string, status int, durationMs float64) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(
		attributeStr("method", method),
		attributeStr("path", path),
		attributeInt("status", status),
	)
	r.requests.Add(context.Background(), 1, attrs)
	r.requestDurMs.Record(context.Background(), durationMs, attrs)
}

// RecordTask records one terminal task outcome (completed/failed/timeout).
func (r *Registry) RecordTask(status string, durationMs int64) {
	if r == nil {
		return
	}
	attrs := metric.WithAttributes(attributeStr("status", status))
	r.tasksTotal.Add(context.Background(), 1, attrs)
	r.taskDurMs.Record(context.Background(), float64(durationMs), attrs)
}

// RecordRateLimited increments the rejection counter for the given source
// ("ip", "identity", "ws", "sandbox").
func (r *Registry) RecordRateLimited(source string) {
	if r == nil {
		return
	}
	r.rateLimited.Add(context.Background(), 1, metric.WithAttributes(attributeStr("source", source)))
}

// Handler exposes the Prometheus exposition endpoint served at GET
// /metrics.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider on process exit.
func (r *Registry) Shutdown(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Shutdown(ctx)
}
