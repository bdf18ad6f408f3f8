// Package tui is the live monitor behind `loaddriver watch`.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"loaddriver/internal/client"
	"loaddriver/internal/runner"
	"loaddriver/internal/tui/live"
	"loaddriver/internal/tui/styles"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	requestTimeout      = 30 * time.Second
)

// Source is where the monitor reads status from.
type Source interface {
	Status(ctx context.Context) (runner.Status, error)
	Abort(ctx context.Context) (runner.Status, error)
}

type tickMsg time.Time

type statusMsg struct {
	st  runner.Status
	err error
}

type abortMsg struct {
	st  runner.Status
	err error
}

type Model struct {
	Source   Source
	Target   string
	Interval time.Duration
	// ExitOnDone quits once the experiment reaches Done.
	ExitOnDone bool

	Live     live.Model
	Err      error
	Notice   string
	Aborting bool
	Quitting bool
	Width    int
}

func NewModel(src Source, target string) Model {
	return Model{
		Source:   src,
		Target:   target,
		Interval: DefaultPollInterval,
		Live:     live.NewModel(),
	}
}

func (m Model) Init() tea.Cmd {
	return m.poll()
}

func (m Model) poll() tea.Cmd {
	src := m.Source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		st, err := src.Status(ctx)
		return statusMsg{st: st, err: err}
	}
}

func (m Model) abort() tea.Cmd {
	src := m.Source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		st, err := src.Abort(ctx)
		return abortMsg{st: st, err: err}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.Interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.Width = msg.Width
		var cmd tea.Cmd
		m.Live, cmd = m.Live.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.Quitting = true
			return m, tea.Quit
		case "a":
			if m.Aborting || m.Live.Status.Finished() {
				return m, nil
			}
			m.Aborting = true
			m.Notice = "Aborting experiment..."
			return m, m.abort()
		}

	case tickMsg:
		return m, m.poll()

	case statusMsg:
		if msg.err != nil {
			m.Err = msg.err
			return m, m.tick()
		}
		m.Err = nil
		var cmd tea.Cmd
		m.Live, cmd = m.Live.Update(msg.st)
		if m.ExitOnDone && msg.st.Finished() {
			m.Quitting = true
			return m, tea.Sequence(cmd, tea.Quit)
		}
		return m, tea.Batch(cmd, m.tick())

	case abortMsg:
		m.Aborting = false
		switch {
		case errors.Is(msg.err, runner.ErrNotRunning):
			m.Notice = "Nothing to abort"
		case msg.err != nil:
			m.Notice = ""
			m.Err = msg.err
		default:
			m.Notice = "Experiment aborted"
			var cmd tea.Cmd
			m.Live, cmd = m.Live.Update(msg.st)
			return m, cmd
		}
		return m, nil

	default:
		var cmd tea.Cmd
		m.Live, cmd = m.Live.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) View() string {
	if m.Quitting {
		return ""
	}

	s := strings.Builder{}
	st := m.Live.Status

	s.WriteString(styles.Title.Render("loaddriver " + m.Target))
	s.WriteString("\n")

	switch {
	case st.ID == "" && errors.Is(m.Err, client.ErrNoExperiment):
		s.WriteString(styles.Subtle.Render("No experiment has been started yet."))
		s.WriteString("\n\n")
		s.WriteString(footer())
		return s.String()
	case st.ID == "" && m.Err == nil:
		s.WriteString(styles.Subtle.Render("Connecting..."))
		s.WriteString("\n")
		return s.String()
	}

	if st.ID != "" {
		state := styles.StateStyle(st.State.String()).Render(strings.ToUpper(st.State.String()))
		s.WriteString(fmt.Sprintf("%s  %s  dst=%s  policy=%s\n", state, st.ID, st.Destination, st.Policy))
		elapsed := time.Duration(st.ElapsedSeconds * float64(time.Second)).Round(time.Second)
		total := time.Duration(st.TotalSeconds * float64(time.Second))
		line := fmt.Sprintf("Elapsed %s of %s", elapsed, total)
		if st.EndReason != "" {
			line += "  ended: " + string(st.EndReason)
		}
		s.WriteString(styles.Subtle.Render(line))
		s.WriteString("\n\n")
		s.WriteString(m.Live.View())
		s.WriteString("\n")
	}

	if st.Error != "" {
		s.WriteString(styles.Error.Render("experiment error: " + st.Error))
		s.WriteString("\n")
	}
	if m.Err != nil {
		s.WriteString(styles.Error.Render("poll: " + m.Err.Error()))
		s.WriteString("\n")
	}
	if m.Notice != "" {
		s.WriteString(styles.Warn.Render(m.Notice))
		s.WriteString("\n")
	}
	s.WriteString(footer())
	return s.String()
}

func footer() string {
	return styles.RenderKey("a", "abort") + "   " + styles.RenderKey("q", "quit")
}

// Run shows the monitor until the user quits or ctx is done.
func Run(ctx context.Context, m Model) error {
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
