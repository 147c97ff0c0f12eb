package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akademos/registrar-api/internal/models"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP layer,
// the response cache and the identifier allocator. It implements
// alloc.Observer and ledger.Observer.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	cacheLatency    prometheus.Observer
	cacheHitRatio   prometheus.Gauge
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter

	allocAttempts    *prometheus.HistogramVec
	allocTotal       *prometheus.CounterVec
	allocCollisions  *prometheus.CounterVec
	allocExhaustions *prometheus.CounterVec
	capacityRejected prometheus.Counter

	cacheHitCount        uint64
	cacheMissCount       uint64
	requestCount         uint64
	requestDurationTotal uint64
	allocationCount      uint64
	collisionCount       uint64
	exhaustionCount      uint64
	capacityCount        uint64
}

// NewMetricsService registers the service's Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	cacheLatency := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cache_latency_seconds",
		Help:    "Latency for cache operations",
		Buckets: prometheus.DefBuckets,
	})

	cacheHitRatio := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cache_hit_ratio",
		Help: "Ratio of cache hits to total cache lookups",
	})

	cacheHits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Total cache hits",
	})

	cacheMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Total cache misses",
	})

	allocAttempts := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "code_allocation_attempts",
		Help:    "Probe attempts needed per successful code allocation",
		Buckets: []float64{1, 2, 3, 5, 10, 25, 50, 100},
	}, []string{"kind"})

	allocTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "code_allocations_total",
		Help: "Total successful code allocations",
	}, []string{"kind"})

	allocCollisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "code_allocation_collisions_total",
		Help: "Candidate codes rejected because they were already taken",
	}, []string{"kind"})

	allocExhaustions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "code_allocation_exhaustions_total",
		Help: "Allocations that ran out of retry attempts",
	}, []string{"kind"})

	capacityRejected := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "enrollment_capacity_rejections_total",
		Help: "Admissions rejected by the class capacity invariant",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, cacheLatency, cacheHitRatio, cacheHits, cacheMisses,
		allocAttempts, allocTotal, allocCollisions, allocExhaustions, capacityRejected, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:         registry,
		handler:          handler,
		requestDuration:  requestDuration,
		requestTotal:     requestTotal,
		cacheLatency:     cacheLatency,
		cacheHitRatio:    cacheHitRatio,
		cacheHits:        cacheHits,
		cacheMisses:      cacheMisses,
		allocAttempts:    allocAttempts,
		allocTotal:       allocTotal,
		allocCollisions:  allocCollisions,
		allocExhaustions: allocExhaustions,
		capacityRejected: capacityRejected,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
	atomic.AddUint64(&m.requestDurationTotal, uint64(duration.Nanoseconds()))
}

// RecordCacheOperation records cache hit/miss metrics and updates hit ratio.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	if m.cacheLatency != nil {
		m.cacheLatency.Observe(duration.Seconds())
	}
	if hit {
		m.cacheHits.Inc()
		atomic.AddUint64(&m.cacheHitCount, 1)
	} else {
		m.cacheMisses.Inc()
		atomic.AddUint64(&m.cacheMissCount, 1)
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	total := hits + misses
	if total > 0 {
		m.cacheHitRatio.Set(float64(hits) / float64(total))
	}
}

// ObserveAllocation implements alloc.Observer for successful allocations.
func (m *MetricsService) ObserveAllocation(kind string, attempts int) {
	if m == nil {
		return
	}
	m.allocAttempts.WithLabelValues(kind).Observe(float64(attempts))
	m.allocTotal.WithLabelValues(kind).Inc()
	atomic.AddUint64(&m.allocationCount, 1)
}

// RecordAllocationCollision implements alloc.Observer.
func (m *MetricsService) RecordAllocationCollision(kind string) {
	if m == nil {
		return
	}
	m.allocCollisions.WithLabelValues(kind).Inc()
	atomic.AddUint64(&m.collisionCount, 1)
}

// RecordAllocationExhaustion implements alloc.Observer.
func (m *MetricsService) RecordAllocationExhaustion(kind string) {
	if m == nil {
		return
	}
	m.allocExhaustions.WithLabelValues(kind).Inc()
	atomic.AddUint64(&m.exhaustionCount, 1)
}

// RecordCapacityRejection implements ledger.Observer.
func (m *MetricsService) RecordCapacityRejection() {
	if m == nil {
		return
	}
	m.capacityRejected.Inc()
	atomic.AddUint64(&m.capacityCount, 1)
}

// Snapshot returns aggregated metrics for the JSON summary endpoint.
func (m *MetricsService) Snapshot() models.SystemMetrics {
	if m == nil {
		return models.SystemMetrics{}
	}
	hits := atomic.LoadUint64(&m.cacheHitCount)
	misses := atomic.LoadUint64(&m.cacheMissCount)
	requests := atomic.LoadUint64(&m.requestCount)
	reqDuration := atomic.LoadUint64(&m.requestDurationTotal)

	var cacheRatio float64
	if total := hits + misses; total > 0 {
		cacheRatio = float64(hits) / float64(total)
	}

	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}

	return models.SystemMetrics{
		RequestsTotal:            requests,
		AverageRequestDurationMs: avgRequestMs,
		CacheHitRatio:            cacheRatio,
		CacheHits:                hits,
		CacheMisses:              misses,
		AllocationsTotal:         atomic.LoadUint64(&m.allocationCount),
		AllocationCollisions:     atomic.LoadUint64(&m.collisionCount),
		AllocationExhaustions:    atomic.LoadUint64(&m.exhaustionCount),
		CapacityRejections:       atomic.LoadUint64(&m.capacityCount),
		Goroutines:               runtime.NumGoroutine(),
		GeneratedAt:              time.Now().UTC(),
	}
}
