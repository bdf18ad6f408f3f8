package live

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"

	"loaddriver/internal/runner"
	"loaddriver/internal/stats"
)

func TestExitRate(t *testing.T) {
	m := NewModel()
	now := time.Now()

	m, _ = m.observe(runner.Status{ID: "a", Workers: stats.Snapshot{Exited: 10, Live: 2}}, now)
	assert.Zero(t, m.ExitRate)

	m, _ = m.observe(runner.Status{ID: "a", Workers: stats.Snapshot{Exited: 20, Live: 4}}, now.Add(2*time.Second))
	assert.InDelta(t, 5.0, m.ExitRate, 1e-9)
	assert.Equal(t, []float64{2, 4}, m.LiveLine.Data)
	assert.Equal(t, 5.0, m.ExitLine.Last())

	// New experiment: counters restart from zero.
	m, _ = m.observe(runner.Status{ID: "b", Workers: stats.Snapshot{Exited: 1}}, now.Add(3*time.Second))
	assert.Equal(t, uint64(1), m.LastExits)
	assert.Equal(t, "b", m.Status.ID)
}

func TestResize(t *testing.T) {
	m := NewModel()
	m, _ = m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	assert.Equal(t, 100, m.Width)
	assert.Equal(t, 44, m.LiveLine.Width)
	assert.Equal(t, 96, m.Progress.Width)
}

func TestView(t *testing.T) {
	m := NewModel()
	m, _ = m.Update(runner.Status{
		ID: "a", Phase: 0, PhaseCount: 1,
		Workers: stats.Snapshot{Live: 1, Target: 2, Launched: 5, Degraded: 1, P99LifetimeMs: 1200},
	})
	view := m.View()
	assert.Contains(t, view, "LIVE: 1/2")
	assert.Contains(t, view, "LAUNCHED: 5")
	assert.Contains(t, view, "P99: 1200 ms")
}
