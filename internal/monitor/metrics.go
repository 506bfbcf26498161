package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"atreyu-bridge/internal/order"
)

// SystemMetrics tracks venue command outcomes and latencies.
type SystemMetrics struct {
	// Latency histograms
	CommandLatency *LatencyHistogram // submit, update, cancel
	QueryLatency   *LatencyHistogram // open orders, positions

	// Counters
	commandsAccepted uint64
	commandsRejected uint64
	errorsCount      uint64
	eventsSeen       uint64
	fillsSeen        uint64

	started time.Time
}

// LatencyHistogram tracks latency samples with sliding window.
// Stats are computed lazily and cached until the next sample.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		CommandLatency: NewLatencyHistogram(1000),
		QueryLatency:   NewLatencyHistogram(1000),
		started:        time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// RecordCommand counts one order command outcome. A rejection is
// accepted=false with a nil error.
func (m *SystemMetrics) RecordCommand(accepted bool, err error, d time.Duration) {
	m.CommandLatency.RecordDuration(d)
	switch {
	case err != nil:
		atomic.AddUint64(&m.errorsCount, 1)
	case accepted:
		atomic.AddUint64(&m.commandsAccepted, 1)
	default:
		atomic.AddUint64(&m.commandsRejected, 1)
	}
}

// RecordQuery counts one venue query.
func (m *SystemMetrics) RecordQuery(err error, d time.Duration) {
	m.QueryLatency.RecordDuration(d)
	if err != nil {
		atomic.AddUint64(&m.errorsCount, 1)
	}
}

// ObserveEvent is an order.EventHandler; it runs under the order's lock so it
// only touches counters.
func (m *SystemMetrics) ObserveEvent(ev order.LifecycleEvent) {
	atomic.AddUint64(&m.eventsSeen, 1)
	if ev.FillQty.IsPositive() {
		atomic.AddUint64(&m.fillsSeen, 1)
	}
}

// MetricsSnapshot is a point-in-time copy of SystemMetrics.
type MetricsSnapshot struct {
	CommandLatency   LatencyStats `json:"command_latency"`
	QueryLatency     LatencyStats `json:"query_latency"`
	CommandsAccepted uint64       `json:"commands_accepted"`
	CommandsRejected uint64       `json:"commands_rejected"`
	ErrorsCount      uint64       `json:"errors_count"`
	EventsSeen       uint64       `json:"events_seen"`
	FillsSeen        uint64       `json:"fills_seen"`
	GoroutineCount   int          `json:"goroutine_count"`
	HeapAlloc        uint64       `json:"heap_alloc_bytes"`
	HeapSys          uint64       `json:"heap_sys_bytes"`
	Uptime           string       `json:"uptime"`
	Timestamp        time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		CommandLatency:   m.CommandLatency.Stats(),
		QueryLatency:     m.QueryLatency.Stats(),
		CommandsAccepted: atomic.LoadUint64(&m.commandsAccepted),
		CommandsRejected: atomic.LoadUint64(&m.commandsRejected),
		ErrorsCount:      atomic.LoadUint64(&m.errorsCount),
		EventsSeen:       atomic.LoadUint64(&m.eventsSeen),
		FillsSeen:        atomic.LoadUint64(&m.fillsSeen),
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		HeapSys:          memStats.HeapSys,
		Uptime:           time.Since(m.started).Round(time.Second).String(),
		Timestamp:        time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() Timer {
	return Timer{start: time.Now()}
}

// Elapsed returns the time since NewTimer.
func (t Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}
