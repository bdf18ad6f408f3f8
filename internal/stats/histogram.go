package stats

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// SafeHistogram is a thread-safe wrapper around hdrhistogram
type SafeHistogram struct {
	hist *hdrhistogram.Histogram
	mu   sync.Mutex
}

func NewSafeHistogram() *SafeHistogram {
	// 1ms to 24h, 3 significant figures
	h := hdrhistogram.New(1, int64(24*time.Hour/time.Millisecond), 3)
	return &SafeHistogram{hist: h}
}

// Record records a duration in milliseconds. Values outside the trackable
// range are clamped.
func (h *SafeHistogram) Record(d time.Duration) {
	v := d.Milliseconds()
	h.mu.Lock()
	defer h.mu.Unlock()
	if v < h.hist.LowestTrackableValue() {
		v = h.hist.LowestTrackableValue()
	}
	if v > h.hist.HighestTrackableValue() {
		v = h.hist.HighestTrackableValue()
	}
	_ = h.hist.RecordValue(v)
}

// ValueAtQuantile returns the value at q (0-100) in milliseconds.
func (h *SafeHistogram) ValueAtQuantile(q float64) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.ValueAtQuantile(q)
}

func (h *SafeHistogram) Mean() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.Mean()
}

func (h *SafeHistogram) Max() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.Max()
}

func (h *SafeHistogram) TotalCount() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.hist.TotalCount()
}
