package stats

import (
	"sync/atomic"
	"time"
)

// Stats holds real-time counters for one experiment's worker pool.
type Stats struct {
	Launched       uint64
	LaunchFailures uint64
	Exited         uint64
	FailedExits    uint64 // non-zero exit status
	Killed         uint64
	Degraded       uint64

	Live   int64
	Target int64
	Phase  int64

	// Worker lifetimes (milliseconds)
	Lifetime *SafeHistogram
}

func NewStats() *Stats {
	return &Stats{Lifetime: NewSafeHistogram()}
}

func (s *Stats) AddLaunch(ok bool) {
	if ok {
		atomic.AddUint64(&s.Launched, 1)
		atomic.AddInt64(&s.Live, 1)
		return
	}
	atomic.AddUint64(&s.LaunchFailures, 1)
}

// AddExit records a worker leaving the live set. Killed workers are counted
// separately from ones that exited on their own.
func (s *Stats) AddExit(lifetime time.Duration, failed, killed bool) {
	atomic.AddInt64(&s.Live, -1)
	switch {
	case killed:
		atomic.AddUint64(&s.Killed, 1)
	case failed:
		atomic.AddUint64(&s.Exited, 1)
		atomic.AddUint64(&s.FailedExits, 1)
	default:
		atomic.AddUint64(&s.Exited, 1)
	}
	s.Lifetime.Record(lifetime)
}

func (s *Stats) AddDegraded() {
	atomic.AddUint64(&s.Degraded, 1)
}

func (s *Stats) SetPhase(index, target int) {
	atomic.StoreInt64(&s.Phase, int64(index))
	atomic.StoreInt64(&s.Target, int64(target))
}

// FailureRate is the percentage of exits with a non-zero status.
func (s *Stats) FailureRate() float64 {
	exited := atomic.LoadUint64(&s.Exited)
	if exited == 0 {
		return 0
	}
	failed := atomic.LoadUint64(&s.FailedExits)
	return (float64(failed) / float64(exited)) * 100
}

// Snapshot is a point-in-time copy safe to serialise.
type Snapshot struct {
	Launched       uint64 `json:"launched"`
	LaunchFailures uint64 `json:"launchFailures"`
	Exited         uint64 `json:"exited"`
	FailedExits    uint64 `json:"failedExits"`
	Killed         uint64 `json:"killed"`
	Degraded       uint64 `json:"degraded"`
	Live           int64  `json:"live"`
	Target         int64  `json:"target"`
	Phase          int64  `json:"phase"`

	// Pre-calculated lifetime percentiles for the UI (cheap copy)
	P50LifetimeMs int64   `json:"p50LifetimeMs"`
	P90LifetimeMs int64   `json:"p90LifetimeMs"`
	P99LifetimeMs int64   `json:"p99LifetimeMs"`
	MaxLifetimeMs int64   `json:"maxLifetimeMs"`
	AvgLifetimeMs float64 `json:"avgLifetimeMs"`
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Launched:       atomic.LoadUint64(&s.Launched),
		LaunchFailures: atomic.LoadUint64(&s.LaunchFailures),
		Exited:         atomic.LoadUint64(&s.Exited),
		FailedExits:    atomic.LoadUint64(&s.FailedExits),
		Killed:         atomic.LoadUint64(&s.Killed),
		Degraded:       atomic.LoadUint64(&s.Degraded),
		Live:           atomic.LoadInt64(&s.Live),
		Target:         atomic.LoadInt64(&s.Target),
		Phase:          atomic.LoadInt64(&s.Phase),
		P50LifetimeMs:  s.Lifetime.ValueAtQuantile(50),
		P90LifetimeMs:  s.Lifetime.ValueAtQuantile(90),
		P99LifetimeMs:  s.Lifetime.ValueAtQuantile(99),
		MaxLifetimeMs:  s.Lifetime.Max(),
		AvgLifetimeMs:  s.Lifetime.Mean(),
	}
}
