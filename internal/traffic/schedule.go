package traffic

import (
	"fmt"
	"sort"
	"time"
)

// Grace is how far past the end of a schedule Current still answers with the
// last phase. It absorbs the gap between the deadline firing and the
// supervisor observing it.
const Grace = time.Second

// Schedule is an ordered, immutable sequence of phases with start offsets.
type Schedule struct {
	phases []Phase
	total  time.Duration
}

// NewSchedule copies phases and assigns each its cumulative start offset.
func NewSchedule(phases []Phase) (*Schedule, error) {
	if len(phases) == 0 {
		return nil, configErr("phases", "at least one phase is required")
	}

	s := &Schedule{phases: make([]Phase, len(phases))}
	var offset time.Duration
	for i, p := range phases {
		if p.Duration <= 0 {
			return nil, configErr(fmt.Sprintf("phases[%d].duration", i), "must be positive, got %s", p.Duration)
		}
		p.StartOffset = offset
		s.phases[i] = p
		offset += p.Duration
	}
	s.total = offset
	return s, nil
}

// Total is the sum of all phase durations.
func (s *Schedule) Total() time.Duration { return s.total }

func (s *Schedule) Len() int { return len(s.phases) }

// Phase returns phase i.
func (s *Schedule) Phase(i int) Phase { return s.phases[i] }

// Phases returns a copy of the scheduled phases.
func (s *Schedule) Phases() []Phase {
	out := make([]Phase, len(s.phases))
	copy(out, s.phases)
	return out
}

// Current returns the phase active at elapsed: the last phase whose start
// offset is not after elapsed. Elapsed times before zero resolve to phase 0.
func (s *Schedule) Current(elapsed time.Duration) (int, Phase, error) {
	if elapsed > s.total+Grace {
		return 0, Phase{}, fmt.Errorf("%w: %s > %s", ErrPastDeadline, elapsed, s.total)
	}
	i := sort.Search(len(s.phases), func(i int) bool {
		return s.phases[i].StartOffset > elapsed
	}) - 1
	if i < 0 {
		i = 0
	}
	return i, s.phases[i], nil
}

// NextBoundary returns the start offset of the first phase beginning after
// elapsed.
func (s *Schedule) NextBoundary(elapsed time.Duration) (time.Duration, bool) {
	i := sort.Search(len(s.phases), func(i int) bool {
		return s.phases[i].StartOffset > elapsed
	})
	if i == len(s.phases) {
		return 0, false
	}
	return s.phases[i].StartOffset, true
}
