package models

import "time"

// SystemMetrics is a lightweight JSON snapshot of the Prometheus collectors
// for the /metrics/summary endpoint.
type SystemMetrics struct {
	RequestsTotal            uint64    `json:"requests_total"`
	AverageRequestDurationMs float64   `json:"average_request_duration_ms"`
	CacheHitRatio            float64   `json:"cache_hit_ratio"`
	CacheHits                uint64    `json:"cache_hits"`
	CacheMisses              uint64    `json:"cache_misses"`
	AllocationsTotal         uint64    `json:"allocations_total"`
	AllocationCollisions     uint64    `json:"allocation_collisions"`
	AllocationExhaustions    uint64    `json:"allocation_exhaustions"`
	CapacityRejections       uint64    `json:"capacity_rejections"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generated_at"`
}
