package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// Registry holds all Prometheus metrics for the data plane. Each instance
// owns its own registerer so tests can build registries freely.
type Registry struct {
	reg *prometheus.Registry

	// Fetch pipeline
	FetchAttempts *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	CycleSuccess  prometheus.Gauge

	// Validator
	ValidationRejects *prometheus.CounterVec

	// Hot store
	CacheHitRatio prometheus.Gauge
	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec

	// Health
	CoveragePct   prometheus.Gauge
	OpenIncidents prometheus.Gauge

	// Gateway
	RequestDuration *prometheus.HistogramVec
	RateLimited     prometheus.Counter
	MissingServes   prometheus.Counter
}

// NewRegistry creates and registers every data-plane metric.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		FetchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataplane_fetch_attempts_total",
				Help: "Fetch attempts by source and outcome",
			},
			[]string{"source", "result"},
		),

		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dataplane_cycle_duration_seconds",
				Help:    "Wall time of one refresh cycle",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),

		CycleSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dataplane_cycle_success_rate",
				Help: "Success rate of the last refresh cycle (0.0 to 1.0)",
			},
		),

		ValidationRejects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataplane_validation_rejects_total",
				Help: "Observations rejected by the validator, by reason",
			},
			[]string{"reason"},
		),

		CacheHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dataplane_cache_hit_ratio",
				Help: "Hot store hit ratio (0.0 to 1.0)",
			},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataplane_cache_hits_total",
				Help: "Hot store hits by key class",
			},
			[]string{"key_class"},
		),

		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dataplane_cache_misses_total",
				Help: "Hot store misses by key class",
			},
			[]string{"key_class"},
		),

		CoveragePct: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dataplane_coverage_pct",
				Help: "Fraction of series currently fresh (0.0 to 1.0)",
			},
		),

		OpenIncidents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dataplane_open_incidents",
				Help: "Incidents without a resolved_at stamp",
			},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dataplane_http_request_duration_seconds",
				Help:    "Gateway request latency by route and status",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"route", "status"},
		),

		RateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dataplane_rate_limited_total",
				Help: "Gateway requests refused with 429",
			},
		),

		MissingServes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dataplane_missing_serves_total",
				Help: "Quote requests answered with an explicit missing datum",
			},
		),
	}

	r.reg.MustRegister(
		r.FetchAttempts,
		r.CycleDuration,
		r.CycleSuccess,
		r.ValidationRejects,
		r.CacheHitRatio,
		r.CacheHits,
		r.CacheMisses,
		r.CoveragePct,
		r.OpenIncidents,
		r.RequestDuration,
		r.RateLimited,
		r.MissingServes,
	)

	log.Debug().Msg("Prometheus metrics registry initialized")
	return r
}

// RecordFetchAttempt counts one adapter attempt outcome.
func (r *Registry) RecordFetchAttempt(source, result string) {
	r.FetchAttempts.WithLabelValues(source, result).Inc()
}

// RecordCycle records one finished cycle's duration and success rate.
func (r *Registry) RecordCycle(duration time.Duration, successRate float64) {
	r.CycleDuration.Observe(duration.Seconds())
	r.CycleSuccess.Set(successRate)
}

// RecordValidationReject counts one validator rejection.
func (r *Registry) RecordValidationReject(reason string) {
	r.ValidationRejects.WithLabelValues(reason).Inc()
}

// RecordCacheHit counts a hot-store hit and refreshes the ratio gauge.
func (r *Registry) RecordCacheHit(keyClass string) {
	r.CacheHits.WithLabelValues(keyClass).Inc()
	r.updateCacheHitRatio()
}

// RecordCacheMiss counts a hot-store miss and refreshes the ratio gauge.
func (r *Registry) RecordCacheMiss(keyClass string) {
	r.CacheMisses.WithLabelValues(keyClass).Inc()
	r.updateCacheHitRatio()
}

// RecordRequest records one gateway request's latency.
func (r *Registry) RecordRequest(route, status string, duration time.Duration) {
	r.RequestDuration.WithLabelValues(route, status).Observe(duration.Seconds())
}

var cacheKeyClasses = []string{"latest", "series_meta", "cycle", "correlations"}

func (r *Registry) updateCacheHitRatio() {
	var m io_prometheus_client.Metric
	totalHits, totalMisses := 0.0, 0.0
	for _, class := range cacheKeyClasses {
		if c, err := r.CacheHits.GetMetricWithLabelValues(class); err == nil {
			if c.Write(&m) == nil {
				totalHits += m.GetCounter().GetValue()
			}
		}
		if c, err := r.CacheMisses.GetMetricWithLabelValues(class); err == nil {
			if c.Write(&m) == nil {
				totalMisses += m.GetCounter().GetValue()
			}
		}
	}
	if total := totalHits + totalMisses; total > 0 {
		r.CacheHitRatio.Set(totalHits / total)
	}
}

// Handler exposes the registry in Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
