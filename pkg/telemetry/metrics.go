// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides Prometheus metrics for the relay: HTTP request
// counts and latencies, and token cache effectiveness, exposed on a /metrics
// endpoint alongside the standard Go runtime and process collectors.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stacklok/relaygate/pkg/auth"
)

const namespace = "relaygate"

// requestDurationBuckets are the histogram boundaries for HTTP request
// latency. The upper buckets cover upstream token exchanges, which can take
// seconds on a slow identity provider.
var requestDurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// Metrics holds the relay's Prometheus instruments. Each Metrics owns its own
// registry so independent server instances do not collide.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	inflightRequests prometheus.Gauge
}

// New creates a Metrics with a fresh registry, pre-populated with the Go
// runtime and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests processed, by method, route and status code.",
		}, []string{"method", "path", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds, by method and route.",
			Buckets:   requestDurationBuckets,
		}, []string{"method", "path"}),
		inflightRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_inflight",
			Help:      "Number of HTTP requests currently being served.",
		}),
	}
}

// RegisterTokenCache wires the token cache counters into the registry. The
// stats function is called on every scrape.
func (m *Metrics) RegisterTokenCache(stats func() auth.CacheStats) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "token_cache_entries",
			Help:      "Current number of entries in the token validation cache.",
		}, func() float64 {
			return float64(stats().Entries)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_cache_hits_total",
			Help:      "Token validations answered from the cache.",
		}, func() float64 {
			return float64(stats().Hits)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_cache_misses_total",
			Help:      "Token validations that required an upstream round trip.",
		}, func() float64 {
			return float64(stats().Misses)
		}),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_cache_evictions_total",
			Help:      "Cache entries evicted to respect the size bound.",
		}, func() float64 {
			return float64(stats().Evictions)
		}),
	)
}

// Handler returns the scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
