package storage

import (
	"time"

	"loaddriver/internal/runner"
	"loaddriver/internal/stats"
	"loaddriver/internal/traffic"
)

// HistoryItem is the stored record of one finished experiment.
type HistoryItem struct {
	ID          string               `json:"id"`
	StartedAt   time.Time            `json:"startedAt"`
	EndedAt     time.Time            `json:"endedAt"`
	Destination string               `json:"destination"`
	Policy      runner.Policy        `json:"policy"`
	EndReason   runner.EndReason     `json:"endReason"`
	Error       string               `json:"error,omitempty"`
	Spec        *traffic.TrafficSpec `json:"spec,omitempty"`
	Summary     stats.Snapshot       `json:"summary"`
}

// Duration is the wall time the experiment ran for.
func (h HistoryItem) Duration() time.Duration {
	return h.EndedAt.Sub(h.StartedAt)
}

// FromStatus converts the final status of an experiment.
func FromStatus(st runner.Status) HistoryItem {
	item := HistoryItem{
		ID:          st.ID,
		StartedAt:   st.StartedAt,
		Destination: st.Destination,
		Policy:      st.Policy,
		EndReason:   st.EndReason,
		Error:       st.Error,
		Spec:        st.Spec,
		Summary:     st.Workers,
	}
	if st.EndedAt != nil {
		item.EndedAt = *st.EndedAt
	}
	return item
}
