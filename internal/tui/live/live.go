package live

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"loaddriver/internal/runner"
	"loaddriver/internal/tui/components"
	"loaddriver/internal/tui/styles"
)

// Model renders the live view of one experiment from polled statuses.
type Model struct {
	Status   runner.Status
	Progress progress.Model

	LiveLine components.Sparkline
	ExitLine components.Sparkline

	LastUpdate time.Time
	LastExits  uint64
	// ExitRate is exits per second between the last two statuses.
	ExitRate float64

	Width int
}

func NewModel() Model {
	return Model{
		Progress: progress.New(progress.WithDefaultGradient()),
		LiveLine: components.NewSparkline(40, "Live workers", styles.Active),
		ExitLine: components.NewSparkline(40, "Exits / s", styles.Warn),
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (Model, tea.Cmd) {
	switch msg := msg.(type) {
	case runner.Status:
		return m.observe(msg, time.Now())

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Progress.Width = msg.Width - 4

		half := (msg.Width / 2) - 6
		if half < 10 {
			half = 10
		}
		m.LiveLine.Width = half
		m.ExitLine.Width = half
		return m, nil

	case progress.FrameMsg:
		prog, cmd := m.Progress.Update(msg)
		m.Progress = prog.(progress.Model)
		return m, cmd
	}

	return m, nil
}

func (m Model) observe(st runner.Status, now time.Time) (Model, tea.Cmd) {
	// A new experiment resets the rate baseline.
	if st.ID != m.Status.ID {
		m.LastExits = 0
		m.LastUpdate = time.Time{}
	}

	exits := st.Workers.Exited
	if !m.LastUpdate.IsZero() && exits >= m.LastExits {
		dt := now.Sub(m.LastUpdate).Seconds()
		if dt < 0.01 {
			dt = 0.01
		}
		m.ExitRate = float64(exits-m.LastExits) / dt
	}
	m.LiveLine.Add(float64(st.Workers.Live))
	m.ExitLine.Add(m.ExitRate)

	m.Status = st
	m.LastExits = exits
	m.LastUpdate = now

	pct := 0.0
	if st.TotalSeconds > 0 {
		pct = st.ElapsedSeconds / st.TotalSeconds
	}
	if pct > 1.0 || st.Finished() {
		pct = 1.0
	}
	return m, m.Progress.SetPercent(pct)
}

func (m Model) View() string {
	s := strings.Builder{}
	st := m.Status
	ws := st.Workers

	failRate := 0.0
	if ws.Exited > 0 {
		failRate = float64(ws.FailedExits) / float64(ws.Exited) * 100
	}
	failColor := styles.Active
	if failRate > 5.0 {
		failColor = styles.Error
	} else if failRate > 1.0 {
		failColor = styles.Warn
	}

	degradedColor := styles.Active
	if ws.Degraded > 0 {
		degradedColor = styles.Error
	}

	col1 := fmt.Sprintf("LIVE: %d/%d\nPHASE: %d/%d", ws.Live, ws.Target, st.Phase+1, st.PhaseCount)
	col2 := fmt.Sprintf("EXITS: %d\nFAIL: %.1f%%", ws.Exited, failRate)
	col3 := fmt.Sprintf("LAUNCHED: %d\nDEGRADED: %s", ws.Launched, degradedColor.Render(fmt.Sprint(ws.Degraded)))

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		styles.Box.Render(col1),
		styles.Box.Render(failColor.Render(col2)),
		styles.Box.Render(col3),
	))
	s.WriteString("\n\n")

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		styles.Box.Render(m.LiveLine.View()),
		styles.Box.Render(m.ExitLine.View()),
	))
	s.WriteString("\n\n")

	lifetimes := fmt.Sprintf(
		"Worker lifetime  P50: %d ms  |  P90: %d ms  |  P99: %d ms  |  Max: %d ms",
		ws.P50LifetimeMs, ws.P90LifetimeMs, ws.P99LifetimeMs, ws.MaxLifetimeMs,
	)
	box := styles.Box
	if m.Width > 4 {
		box = box.Width(m.Width - 4)
	}
	s.WriteString(box.Render(lifetimes))
	s.WriteString("\n\n")

	s.WriteString(m.Progress.View())
	return s.String()
}
