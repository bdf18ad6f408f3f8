// Package history is the interactive table behind `loaddriver history --tui`.
package history

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"loaddriver/internal/storage"
	"loaddriver/internal/tui/styles"
)

type Model struct {
	Items []storage.HistoryItem
	Table table.Model
	// Detail is the item opened with enter, if any.
	Detail *storage.HistoryItem

	Width  int
	Height int
}

func NewModel(items []storage.HistoryItem) Model {
	columns := []table.Column{
		{Title: "Started", Width: 20},
		{Title: "Destination", Width: 18},
		{Title: "Duration", Width: 10},
		{Title: "Reason", Width: 9},
		{Title: "Launched", Width: 9},
		{Title: "Failed", Width: 7},
		{Title: "Degraded", Width: 9},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	m := Model{Table: t}
	m.SetItems(items)
	return m
}

// SetItems replaces the rows, newest first as the store returns them.
func (m *Model) SetItems(items []storage.HistoryItem) {
	m.Items = items
	rows := make([]table.Row, len(items))
	for i, item := range items {
		rows[i] = table.Row{
			item.StartedAt.Local().Format(time.DateTime),
			item.Destination,
			item.Duration().Round(time.Second).String(),
			string(item.EndReason),
			fmt.Sprintf("%d", item.Summary.Launched),
			fmt.Sprintf("%d", item.Summary.FailedExits),
			fmt.Sprintf("%d", item.Summary.Degraded),
		}
	}
	m.Table.SetRows(rows)
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Table.SetWidth(msg.Width - 4)
		if msg.Height > 8 {
			m.Table.SetHeight(msg.Height - 8)
		}

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "esc":
			m.Detail = nil
			return m, nil
		case "enter":
			if i := m.Table.Cursor(); i >= 0 && i < len(m.Items) {
				m.Detail = &m.Items[i]
			}
			return m, nil
		}
	}

	m.Table, cmd = m.Table.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if len(m.Items) == 0 {
		return styles.Subtle.Render("No finished experiments.") + "\n" + styles.RenderKey("q", "quit") + "\n"
	}
	if m.Detail != nil {
		return detail(*m.Detail) + "\n" + styles.RenderKey("esc", "back") + "   " + styles.RenderKey("q", "quit") + "\n"
	}
	return styles.Box.Render(m.Table.View()) + "\n" +
		styles.RenderKey("enter", "details") + "   " + styles.RenderKey("q", "quit") + "\n"
}

func detail(it storage.HistoryItem) string {
	s := it.Summary
	var b strings.Builder
	b.WriteString(styles.Title.Render(it.ID))
	b.WriteString("\n")
	fmt.Fprintf(&b, "Destination : %s\n", it.Destination)
	fmt.Fprintf(&b, "Policy      : %s\n", it.Policy)
	fmt.Fprintf(&b, "Started     : %s\n", it.StartedAt.Local().Format(time.DateTime))
	fmt.Fprintf(&b, "Duration    : %s (%s)\n", it.Duration().Round(time.Millisecond), it.EndReason)
	fmt.Fprintf(&b, "Workers     : launched %d, exited %d, failed %d, killed %d, degraded %d\n",
		s.Launched, s.Exited, s.FailedExits, s.Killed, s.Degraded)
	fmt.Fprintf(&b, "Lifetime ms : p50 %d  p90 %d  p99 %d  max %d\n",
		s.P50LifetimeMs, s.P90LifetimeMs, s.P99LifetimeMs, s.MaxLifetimeMs)
	if it.Spec != nil {
		b.WriteString("\n")
		b.WriteString(styles.Subtle.Render(it.Spec.Summary()))
		b.WriteString("\n")
	}
	if it.Error != "" {
		b.WriteString(styles.Error.Render("error: " + it.Error))
		b.WriteString("\n")
	}
	return styles.Box.Render(b.String())
}
