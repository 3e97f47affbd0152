package routing

import (
	"sort"
	"time"
)

// latencyWindow is a fixed-size ring of recent latency observations.
// Percentiles copy and sort the window; windows are small so this stays off
// any hot path concern.
type latencyWindow struct {
	samples []time.Duration
	next    int
	filled  bool
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 128
	}
	return &latencyWindow{samples: make([]time.Duration, size)}
}

func (w *latencyWindow) observe(d time.Duration) {
	w.samples[w.next] = d
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}
}

func (w *latencyWindow) count() int {
	if w.filled {
		return len(w.samples)
	}
	return w.next
}

// percentile returns the pth percentile of the window, false when empty.
func (w *latencyWindow) percentile(p float64) (time.Duration, bool) {
	n := w.count()
	if n == 0 {
		return 0, false
	}
	sorted := make([]time.Duration, n)
	copy(sorted, w.samples[:n])
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(p / 100 * float64(n))
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx], true
}
