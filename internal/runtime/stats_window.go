package runtime

import (
	goruntime "runtime"
	"runtime/metrics"
	"slices"
	"sync"
	"time"
)

// latencyWindow keeps the most recent durations in a ring.
type latencyWindow struct {
	ring  []time.Duration
	pos   int
	count int
	last  time.Duration
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{ring: make([]time.Duration, size)}
}

func (w *latencyWindow) add(d time.Duration) {
	if w == nil {
		return
	}
	w.ring[w.pos] = d
	w.pos = (w.pos + 1) % len(w.ring)
	w.count = min(w.count+1, len(w.ring))
	w.last = d
}

func (w *latencyWindow) snapshot() LatencyMetrics {
	if w == nil {
		return LatencyMetrics{}
	}
	m := LatencyMetrics{LastNs: int64(w.last), SampleSize: w.count}
	if w.count == 0 {
		return m
	}

	sorted := make([]int64, w.count)
	var sum int64
	for i, d := range w.ring[:w.count] {
		sorted[i] = int64(d)
		sum += int64(d)
	}
	slices.Sort(sorted)

	m.AverageNs = sum / int64(w.count)
	m.P50Ns = percentile(sorted, 0.50)
	m.P95Ns = percentile(sorted, 0.95)
	m.P99Ns = percentile(sorted, 0.99)
	return m
}

// percentile interpolates linearly between the two closest ranks of sorted.
func percentile(sorted []int64, q float64) int64 {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[n-1]
	}
	rank := q * float64(n-1)
	lo := int(rank)
	if lo+1 >= n {
		return sorted[lo]
	}
	return sorted[lo] + int64(float64(sorted[lo+1]-sorted[lo])*(rank-float64(lo)))
}

// throughputWindow counts completions over a sliding horizon.
type throughputWindow struct {
	horizon time.Duration
	times   []time.Time
	head    int
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon}
}

// record adds a completion at now and reports the rate over the retained
// completions. TotalMessages is left for the caller.
func (w *throughputWindow) record(now time.Time) ThroughputMetrics {
	if w == nil {
		return ThroughputMetrics{}
	}
	w.times = append(w.times, now)
	cutoff := now.Add(-w.horizon)
	for w.times[w.head].Before(cutoff) {
		w.head++
	}
	// compact once the expired prefix dominates
	if w.head > len(w.times)/2 {
		w.times = slices.Delete(w.times, 0, w.head)
		w.head = 0
	}

	live := w.times[w.head:]
	span := max(now.Sub(live[0]), time.Nanosecond)
	return ThroughputMetrics{
		CurrentRPS:       float64(len(live)) / span.Seconds(),
		WindowSeconds:    span.Seconds(),
		MessagesInWindow: uint64(len(live)),
	}
}

var resourceMetricNames = [...]string{
	"/cpu/classes/user:cpu-seconds",
	"/memory/classes/heap/objects:bytes",
}

// resourceTracker reads coarse process CPU and heap usage from
// runtime/metrics. CPU is averaged over the time since the previous read.
type resourceTracker struct {
	mu       sync.Mutex
	samples  []metrics.Sample
	prevCPU  float64
	prevRead time.Time
}

func newResourceTracker() *resourceTracker {
	samples := make([]metrics.Sample, len(resourceMetricNames))
	for i, name := range resourceMetricNames {
		samples[i].Name = name
	}
	return &resourceTracker{samples: samples}
}

func (r *resourceTracker) snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.samples)
	now := time.Now()
	usage := ResourceUsage{Goroutines: goruntime.NumGoroutine()}

	if v := r.samples[0].Value; v.Kind() == metrics.KindFloat64 {
		cpu := v.Float64()
		if elapsed := now.Sub(r.prevRead).Seconds(); !r.prevRead.IsZero() && elapsed > 0 {
			usage.CPUPercent = (cpu - r.prevCPU) / elapsed / float64(goruntime.NumCPU()) * 100
		}
		r.prevCPU = cpu
	}
	if v := r.samples[1].Value; v.Kind() == metrics.KindUint64 {
		usage.MemoryBytes = v.Uint64()
	}
	r.prevRead = now
	return usage
}
