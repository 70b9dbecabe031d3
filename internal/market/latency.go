package market

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

const maxLatencySamples = 10_000

// LatencyAuditor records feed-receipt → tick-processing latency in a bounded
// ring. Its p95 feeds the regime classifier: slow processing means stale
// quotes, so spreads widen.
type LatencyAuditor struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
}

// NewLatencyAuditor creates an empty auditor.
func NewLatencyAuditor() *LatencyAuditor {
	return &LatencyAuditor{samples: make([]time.Duration, maxLatencySamples)}
}

// Record adds one latency sample, overwriting the oldest when full.
func (a *LatencyAuditor) Record(d time.Duration) {
	if d < 0 {
		d = 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.samples[a.next] = d
	a.next++
	if a.next == len(a.samples) {
		a.next = 0
		a.full = true
	}
}

// P95 returns the 95th-percentile latency over the ring, or 0 with no samples.
func (a *LatencyAuditor) P95() time.Duration {
	a.mu.Lock()
	n := a.next
	if a.full {
		n = len(a.samples)
	}
	if n == 0 {
		a.mu.Unlock()
		return 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, a.samples[:n])
	a.mu.Unlock()

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(float64(n) * 0.95)
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// Report formats a one-line summary for the periodic telemetry log.
func (a *LatencyAuditor) Report() string {
	a.mu.Lock()
	n := a.next
	if a.full {
		n = len(a.samples)
	}
	if n == 0 {
		a.mu.Unlock()
		return "no samples yet"
	}
	var sum time.Duration
	for _, s := range a.samples[:n] {
		sum += s
	}
	avg := sum / time.Duration(n)
	a.mu.Unlock()

	return fmt.Sprintf("avg=%s p95=%s samples=%d", avg, a.P95(), n)
}
