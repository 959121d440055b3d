// Package metrics tracks in-process latency and sync counters.
package metrics

import (
	"sort"
	"sync"
	"time"
)

// =============================================================================
// Latency Tracker
// =============================================================================

// LatencyTracker keeps a sliding window of samples for percentile stats.
type LatencyTracker struct {
	mu         sync.Mutex
	samples    []int64 // microseconds
	maxSamples int
}

func NewLatencyTracker(windowSize int) *LatencyTracker {
	if windowSize <= 0 {
		windowSize = 1000
	}
	return &LatencyTracker{
		samples:    make([]int64, 0, windowSize),
		maxSamples: windowSize,
	}
}

func (lt *LatencyTracker) Record(d time.Duration) {
	lt.mu.Lock()
	defer lt.mu.Unlock()

	if len(lt.samples) >= lt.maxSamples {
		// drop the oldest 10% at once
		drop := lt.maxSamples / 10
		if drop < 1 {
			drop = 1
		}
		lt.samples = lt.samples[drop:]
	}
	lt.samples = append(lt.samples, d.Microseconds())
}

func (lt *LatencyTracker) Stats() LatencyStats {
	lt.mu.Lock()
	sorted := append([]int64(nil), lt.samples...)
	lt.mu.Unlock()

	n := len(sorted)
	if n == 0 {
		return LatencyStats{}
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum int64
	for _, v := range sorted {
		sum += v
	}
	at := func(p float64) time.Duration {
		return time.Duration(sorted[int(float64(n-1)*p)]) * time.Microsecond
	}
	return LatencyStats{
		Count: int64(n),
		Min:   time.Duration(sorted[0]) * time.Microsecond,
		Max:   time.Duration(sorted[n-1]) * time.Microsecond,
		Avg:   time.Duration(sum/int64(n)) * time.Microsecond,
		P50:   at(0.50),
		P95:   at(0.95),
		P99:   at(0.99),
	}
}

type LatencyStats struct {
	Count int64         `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
}

// ToMap renders durations in milliseconds.
func (s LatencyStats) ToMap() map[string]any {
	ms := func(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
	return map[string]any{
		"count":  s.Count,
		"min_ms": ms(s.Min),
		"max_ms": ms(s.Max),
		"avg_ms": ms(s.Avg),
		"p50_ms": ms(s.P50),
		"p95_ms": ms(s.P95),
		"p99_ms": ms(s.P99),
	}
}

// =============================================================================
// Registry
// =============================================================================

// LatencyRegistry holds one tracker per operation name.
type LatencyRegistry struct {
	mu       sync.RWMutex
	trackers map[string]*LatencyTracker
	window   int
}

func NewLatencyRegistry(windowSize int) *LatencyRegistry {
	return &LatencyRegistry{trackers: make(map[string]*LatencyTracker), window: windowSize}
}

func (r *LatencyRegistry) Record(operation string, d time.Duration) {
	r.mu.RLock()
	tracker, ok := r.trackers[operation]
	r.mu.RUnlock()

	if !ok {
		r.mu.Lock()
		if tracker, ok = r.trackers[operation]; !ok {
			tracker = NewLatencyTracker(r.window)
			r.trackers[operation] = tracker
		}
		r.mu.Unlock()
	}
	tracker.Record(d)
}

func (r *LatencyRegistry) Stats(operation string) LatencyStats {
	r.mu.RLock()
	tracker, ok := r.trackers[operation]
	r.mu.RUnlock()
	if !ok {
		return LatencyStats{}
	}
	return tracker.Stats()
}

func (r *LatencyRegistry) AllStats() map[string]LatencyStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]LatencyStats, len(r.trackers))
	for name, tracker := range r.trackers {
		out[name] = tracker.Stats()
	}
	return out
}

var (
	globalRegistry     *LatencyRegistry
	globalRegistryOnce sync.Once
)

// GlobalRegistry returns the process-wide registry.
func GlobalRegistry() *LatencyRegistry {
	globalRegistryOnce.Do(func() {
		globalRegistry = NewLatencyRegistry(1000)
	})
	return globalRegistry
}

// RecordLatency records into the global registry.
func RecordLatency(operation string, d time.Duration) {
	GlobalRegistry().Record(operation, d)
}
