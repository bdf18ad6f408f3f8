package tui

import (
	"context"
	"errors"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"loaddriver/internal/client"
	"loaddriver/internal/runner"
	"loaddriver/internal/stats"
)

type fakeSource struct {
	mu      sync.Mutex
	st      runner.Status
	err     error
	aborted int
}

func (f *fakeSource) Status(context.Context) (runner.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.st, f.err
}

func (f *fakeSource) Abort(context.Context) (runner.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.st.Finished() {
		return f.st, runner.ErrNotRunning
	}
	f.aborted++
	f.st.State = runner.StateDone
	f.st.EndReason = runner.EndAborted
	return f.st, nil
}

func running() runner.Status {
	return runner.Status{
		ID: "exp-1", State: runner.StateRunning, Destination: "srv",
		ElapsedSeconds: 5, TotalSeconds: 10, PhaseCount: 2,
		Workers: stats.Snapshot{Live: 3, Target: 4, Exited: 9, FailedExits: 1},
	}
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestPollUpdatesView(t *testing.T) {
	src := &fakeSource{st: running()}
	m := NewModel(src, "10.0.0.11:8080")

	msg := m.Init()()
	updated, cmd := m.Update(msg)
	m = updated.(Model)
	assert.NotNil(t, cmd)
	assert.Equal(t, "exp-1", m.Live.Status.ID)

	view := m.View()
	assert.Contains(t, view, "RUNNING")
	assert.Contains(t, view, "LIVE: 3/4")
	assert.Contains(t, view, "PHASE: 1/2")
	assert.Contains(t, view, "Elapsed 5s of 10s")
}

func TestAbortKey(t *testing.T) {
	src := &fakeSource{st: running()}
	m := NewModel(src, "d")
	updated, _ := m.Update(m.Init()())
	m = updated.(Model)

	updated, cmd := m.Update(key("a"))
	m = updated.(Model)
	require.NotNil(t, cmd)
	assert.True(t, m.Aborting)

	// A second press while the request is in flight does nothing.
	_, again := m.Update(key("a"))
	assert.Nil(t, again)

	updated, _ = m.Update(cmd())
	m = updated.(Model)
	assert.False(t, m.Aborting)
	assert.Equal(t, 1, src.aborted)
	assert.Equal(t, runner.EndAborted, m.Live.Status.EndReason)
	assert.Contains(t, m.View(), "Experiment aborted")

	// Finished experiments are not aborted again.
	_, cmd = m.Update(key("a"))
	assert.Nil(t, cmd)
}

func TestAbortNothingRunning(t *testing.T) {
	m := NewModel(&fakeSource{}, "d")
	updated, _ := m.Update(abortMsg{err: runner.ErrNotRunning})
	assert.Equal(t, "Nothing to abort", updated.(Model).Notice)
}

func TestQuit(t *testing.T) {
	m := NewModel(&fakeSource{}, "d")
	updated, cmd := m.Update(key("q"))
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
	assert.True(t, updated.(Model).Quitting)
	assert.Empty(t, updated.(Model).View())
}

func TestPollErrors(t *testing.T) {
	src := &fakeSource{err: client.ErrNoExperiment}
	m := NewModel(src, "d")
	updated, cmd := m.Update(m.Init()())
	m = updated.(Model)
	assert.NotNil(t, cmd)
	assert.Contains(t, m.View(), "No experiment has been started yet.")

	src.err = errors.New("connection refused")
	src.st = running()
	updated, _ = m.Update(m.poll()())
	m = updated.(Model)
	assert.Contains(t, m.View(), "connection refused")

	src.err = nil
	updated, _ = m.Update(m.poll()())
	m = updated.(Model)
	assert.NoError(t, m.Err)
	assert.Contains(t, m.View(), "RUNNING")
}

func TestExitOnDone(t *testing.T) {
	st := running()
	st.State = runner.StateDone
	st.EndReason = runner.EndDeadline
	m := NewModel(&fakeSource{st: st}, "d")
	m.ExitOnDone = true

	updated, cmd := m.Update(m.Init()())
	assert.True(t, updated.(Model).Quitting)
	assert.NotNil(t, cmd)
}
