package runner

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"loaddriver/internal/stats"
	"loaddriver/internal/traffic"
)

// WorkerRequest carries the parameters of one worker process.
type WorkerRequest struct {
	Phase       int
	Source      netip.Addr
	Destination string
	Rate        traffic.ByteSize
	Size        traffic.ByteSize
}

// State of the experiment slot.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateAborting
	StateDone
)

var stateNames = [...]string{"idle", "running", "aborting", "done"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for i, n := range stateNames {
		if n == name {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", name)
}

// EndReason says why an experiment stopped.
type EndReason string

const (
	EndDeadline EndReason = "deadline"
	EndAborted  EndReason = "aborted"
	EndFailed   EndReason = "failed"
)

// Status is a snapshot of one experiment.
type Status struct {
	ID             string               `json:"id"`
	State          State                `json:"state"`
	Destination    string               `json:"destination"`
	StartedAt      time.Time            `json:"startedAt"`
	EndedAt        *time.Time           `json:"endedAt,omitempty"`
	ElapsedSeconds float64              `json:"elapsedSeconds"`
	TotalSeconds   float64              `json:"totalSeconds"`
	Phase          int                  `json:"phase"`
	PhaseCount     int                  `json:"phaseCount"`
	Policy         Policy               `json:"policy"`
	EndReason      EndReason            `json:"endReason,omitempty"`
	Error          string               `json:"error,omitempty"`
	Workers        stats.Snapshot       `json:"workers"`
	Spec           *traffic.TrafficSpec `json:"spec,omitempty"`
}

// Finished reports whether the experiment has reached Done.
func (s Status) Finished() bool { return s.State == StateDone }
