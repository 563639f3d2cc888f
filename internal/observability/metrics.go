// Package observability keeps in-process counters for saga steps and
// serves them as a JSON snapshot.
package observability

import (
	"sync"
	"time"
)

// StepSnapshot is the exported view of one saga step's counters.
type StepSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

// Snapshot is the full metrics view served over /metrics.
type Snapshot struct {
	UptimeSec       int64                   `json:"uptime_sec"`
	TotalSteps      int64                   `json:"total_steps"`
	TotalErrors     int64                   `json:"total_errors"`
	InFlight        int64                   `json:"in_flight"`
	BreakerTrips    map[string]int64        `json:"breaker_trips,omitempty"`
	RateLimitWaits  int64                   `json:"rate_limit_waits"`
	RateLimitWaitMs int64                   `json:"rate_limit_wait_ms"`
	Steps           map[string]StepSnapshot `json:"steps"`
}

type stepStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

// Metrics accumulates step counters. The zero-value-nil receiver is safe
// everywhere, so callers can leave metrics unset.
type Metrics struct {
	mu             sync.Mutex
	start          time.Time
	steps          map[string]*stepStats
	breakerTrips   map[string]int64
	rateLimitWaits int64
	rateLimitWait  time.Duration
}

// NewMetrics constructs an empty Metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		start:        time.Now(),
		steps:        make(map[string]*stepStats),
		breakerTrips: make(map[string]int64),
	}
}

// StepStarted marks a step in flight and returns the completion func,
// satisfying the saga service's step observer seam.
func (m *Metrics) StepStarted(step string) func(err error) {
	if m == nil {
		return func(error) {}
	}
	m.mu.Lock()
	m.ensureStep(step).inFlight++
	m.mu.Unlock()

	start := time.Now()
	return func(err error) {
		m.finish(step, time.Since(start), err != nil)
	}
}

// BreakerOpened counts a circuit breaker trip for a dependency.
func (m *Metrics) BreakerOpened(dependency string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.breakerTrips[dependency]++
	m.mu.Unlock()
}

// AddRateLimitWait records time a request spent queued behind the limiter.
func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.rateLimitWaits++
	m.rateLimitWait += d
	m.mu.Unlock()
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		UptimeSec:       int64(time.Since(m.start).Seconds()),
		Steps:           make(map[string]StepSnapshot),
		RateLimitWaits:  m.rateLimitWaits,
		RateLimitWaitMs: int64(m.rateLimitWait / time.Millisecond),
	}

	for step, stats := range m.steps {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Steps[step] = StepSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalSteps += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	if len(m.breakerTrips) > 0 {
		snap.BreakerTrips = make(map[string]int64, len(m.breakerTrips))
		for dep, trips := range m.breakerTrips {
			snap.BreakerTrips[dep] = trips
		}
	}

	return snap
}

func (m *Metrics) ensureStep(step string) *stepStats {
	stats, ok := m.steps[step]
	if !ok {
		stats = &stepStats{}
		m.steps[step] = stats
	}
	return stats
}

func (m *Metrics) finish(step string, dur time.Duration, failed bool) {
	m.mu.Lock()
	stats := m.ensureStep(step)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
	m.mu.Unlock()
}
